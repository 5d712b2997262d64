// Package collection implements the top-level orchestrator: the LSM
// lifecycle (writing -> dumping -> persist segments), write routing,
// schema evolution, query fan-out, and crash recovery, composed out of
// the manifest, ID map, delete store, LSN log, and segment packages.
package collection

import (
	"container/heap"
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/column"
	"github.com/bobboyms/annindex/internal/config"
	"github.com/bobboyms/annindex/internal/deletestore"
	"github.com/bobboyms/annindex/internal/forward"
	"github.com/bobboyms/annindex/internal/idmap"
	"github.com/bobboyms/annindex/internal/logging"
	"github.com/bobboyms/annindex/internal/lsnstore"
	"github.com/bobboyms/annindex/internal/manifest"
	"github.com/bobboyms/annindex/internal/metrics"
	"github.com/bobboyms/annindex/internal/schema"
	"github.com/bobboyms/annindex/internal/segment"
	"github.com/bobboyms/annindex/internal/snapshot"
)

// segmentDocIDGap is the deliberate gap left between a rotated-out
// segment's max docId and the new writing segment's min docId, so that
// in-flight writes that read the old max docId cannot collide with the
// new segment's range.
const segmentDocIDGap = 1000

const defaultInitialBuckets = 1024

const maxDumpAttempts = 3
const maxApplyAttempts = 3

// Record is one row as submitted by a caller: primary key, the fields
// needed for MVCC-free ordering (revision, lsn, lsn_context,
// timestamp), an opaque forward payload, and per-column vectors.
type Record struct {
	PrimaryKey  uint64
	Revision    uint32
	LSN         uint64
	LSNContext  []byte
	Timestamp   uint64
	ForwardData []byte
	Columns     map[string][]float32
}

// SearchHit is re-exported from segment so callers of this package
// never need to import internal/segment directly.
type SearchHit = segment.SearchHit

// Collection owns all state for one named dataset under one
// directory.
type Collection struct {
	dir  string
	cfg  config.CollectionConfig
	lock *flock.Flock
	log  *zap.Logger
	mx   *metrics.Collection

	// schemaMu guards schema and also excludes concurrent dumps (a dump
	// must see a stable column set).
	schemaMu sync.RWMutex
	schema   schema.CollectionMeta

	versionMgr *manifest.Store
	idMap      *idmap.IDMap
	delStore   *deletestore.Store
	lsnStore   *lsnstore.Store

	segMu       sync.RWMutex
	writing     *segment.Memory
	writingMeta manifest.SegmentMeta
	dumping     *segment.Memory
	persist     map[uint32]*segment.Persist

	isDumping    int32
	isFlushing   int32
	isOptimizing int32

	magic uint32
}

// Open materializes every lower component in order (version manager,
// ID map, delete store, LSN store, writing segment, then any lingering
// dumping segment, then every persist segment's reader) and resumes an
// unfinished dump if one was interrupted.
func Open(dir string, cfg config.CollectionConfig, initialSchema schema.CollectionMeta, log *zap.Logger, mx *metrics.Collection) (*Collection, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, annerr.NewRuntimeError(err.Error())
	}

	lock := flock.New(filepath.Join(dir, ".annindex.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, annerr.NewRuntimeError(err.Error())
	}
	if !locked {
		return nil, annerr.NewStatusError("unlocked collection directory", "already open by another process")
	}

	c := &Collection{
		dir:     dir,
		cfg:     cfg,
		lock:    lock,
		log:     logging.Named(log, "collection"),
		mx:      mx,
		persist: make(map[uint32]*segment.Persist),
		magic:   rand.Uint32(),
	}

	opts := snapshot.Options{UseMmap: cfg.Read.UseMmap, CreateNew: cfg.Read.CreateNew}

	manifestSnap, err := snapshot.Open(dir, snapshot.Ref{ID: snapshot.FileManifest}, opts)
	if err != nil {
		c.lock.Unlock()
		return nil, err
	}
	c.versionMgr, err = manifest.Open(manifestSnap)
	if err != nil {
		c.lock.Unlock()
		return nil, err
	}

	if blob := c.versionMgr.Schema(); len(blob) > 0 {
		loaded, err := schema.Decode(blob)
		if err != nil {
			c.lock.Unlock()
			return nil, err
		}
		c.schema = loaded
	} else {
		c.schema = initialSchema
		if err := c.versionMgr.SetSchema(schema.Encode(initialSchema)); err != nil {
			c.lock.Unlock()
			return nil, err
		}
	}

	idSnap, err := snapshot.Open(dir, snapshot.Ref{ID: snapshot.FileIDMap}, opts)
	if err != nil {
		c.lock.Unlock()
		return nil, err
	}
	if c.idMap, err = idmap.Open(idSnap, defaultInitialBuckets); err != nil {
		c.lock.Unlock()
		return nil, err
	}

	delSnap, err := snapshot.Open(dir, snapshot.Ref{ID: snapshot.FileDelete}, opts)
	if err != nil {
		c.lock.Unlock()
		return nil, err
	}
	if c.delStore, err = deletestore.Open(delSnap); err != nil {
		c.lock.Unlock()
		return nil, err
	}

	lsnSnap, err := snapshot.Open(dir, snapshot.Ref{ID: snapshot.FileLSN}, opts)
	if err != nil {
		c.lock.Unlock()
		return nil, err
	}
	if c.lsnStore, err = lsnstore.Open(lsnSnap.Backend()); err != nil {
		c.lock.Unlock()
		return nil, err
	}

	if err := c.openWritingSegment(opts); err != nil {
		c.lock.Unlock()
		return nil, err
	}
	if err := c.resumeDumpingSegment(opts); err != nil {
		c.lock.Unlock()
		return nil, err
	}
	if err := c.loadPersistSegments(); err != nil {
		c.lock.Unlock()
		return nil, err
	}

	c.mx.SetSegmentCount(len(c.persist))
	return c, nil
}

func (c *Collection) columnMetaMap() map[string]column.Meta {
	out := make(map[string]column.Meta, len(c.schema.IndexColumns))
	for _, col := range c.schema.IndexColumns {
		out[col.Name] = col.ToColumnConfig(c.cfg.Concurrency)
	}
	return out
}

func (c *Collection) openWritingSegment(opts snapshot.Options) error {
	writingMetas := c.versionMgr.FindByState(manifest.StateWriting)
	var wm manifest.SegmentMeta
	if len(writingMetas) == 0 {
		var err error
		wm, err = c.versionMgr.AllocSegmentMeta()
		if err != nil {
			return err
		}
		wm.State = manifest.StateWriting
		if err := c.versionMgr.UpdateSegmentMeta(wm); err != nil {
			return err
		}
	} else {
		wm = writingMetas[0]
	}

	// CreateNew is forced: after a crash that outran the last flush, the
	// manifest can name a writing segment whose forward file never made
	// it to disk; recovery starts it empty rather than failing open.
	fwdOpts := opts
	fwdOpts.CreateNew = true
	fwdSnap, err := snapshot.Open(c.dir, snapshot.Ref{ID: snapshot.FileForward}.WithSuffixID(wm.ID), fwdOpts)
	if err != nil {
		return err
	}
	mem, err := segment.NewMemory(wm.ID, wm.MinDocID, fwdSnap)
	if err != nil {
		return err
	}
	for _, meta := range c.columnMetaMap() {
		if err := mem.AddColumn(meta); err != nil {
			return err
		}
	}
	c.writing = mem
	c.writingMeta = wm
	return nil
}

func (c *Collection) resumeDumpingSegment(opts snapshot.Options) error {
	dumpingMetas := c.versionMgr.FindByState(manifest.StateDumping)
	if len(dumpingMetas) == 0 {
		return nil
	}
	dm := dumpingMetas[0]
	fwdOpts := opts
	fwdOpts.CreateNew = true
	fwdSnap, err := snapshot.Open(c.dir, snapshot.Ref{ID: snapshot.FileForward}.WithSuffixID(dm.ID), fwdOpts)
	if err != nil {
		return err
	}
	mem, err := segment.NewMemory(dm.ID, dm.MinDocID, fwdSnap)
	if err != nil {
		return err
	}
	for _, meta := range c.columnMetaMap() {
		if err := mem.AddColumn(meta); err != nil {
			return err
		}
	}
	c.dumping = mem
	c.log.Warn("resuming unfinished segment dump after restart", zap.Uint32("segment_id", dm.ID))
	atomic.StoreInt32(&c.isDumping, 1)
	go c.doDumpSegment(mem, dm)
	return nil
}

func (c *Collection) loadPersistSegments() error {
	colMeta := c.columnMetaMap()
	for _, id := range c.versionMgr.CurrentVersion() {
		sm, err := c.versionMgr.GetSegmentMeta(id)
		if err != nil {
			return err
		}
		path := snapshot.FilePath(c.dir, snapshot.Ref{ID: snapshot.FileSegment}.WithSuffixID(id))
		raw, err := os.ReadFile(path)
		if err != nil {
			return annerr.NewReadData(err.Error())
		}
		p, err := segment.OpenPersist(id, sm.MinDocID, sm.MaxDocID, raw, colMeta)
		if err != nil {
			return err
		}
		c.persist[id] = p
	}
	return nil
}

// Insert rejects a duplicate primary key, otherwise routes the row
// through the writing segment, the ID map, and the LSN log, then
// triggers rotation if the writing segment has hit its doc cap.
func (c *Collection) Insert(rec Record) (uint64, error) {
	docID, needRotate, err := c.insertRecord(rec)
	if err != nil {
		return 0, err
	}

	// The rotation swap runs synchronously on the writer's thread so the
	// next insert already sees the new writing segment; only the
	// pack+apply is backgrounded.
	if needRotate {
		if err := c.rotate(); err != nil {
			c.log.Error("segment rotation failed", zap.Error(err))
		}
	}
	return docID, nil
}

func (c *Collection) insertRecord(rec Record) (uint64, bool, error) {
	c.schemaMu.RLock()
	defer c.schemaMu.RUnlock()

	if c.idMap.Has(rec.PrimaryKey) {
		return 0, false, annerr.NewDuplicateKey(rec.PrimaryKey)
	}

	c.segMu.RLock()
	w := c.writing
	c.segMu.RUnlock()

	docID, err := w.Insert(segment.Record{
		PrimaryKey:  rec.PrimaryKey,
		Timestamp:   rec.Timestamp,
		Revision:    rec.Revision,
		LSN:         rec.LSN,
		ForwardData: rec.ForwardData,
		Columns:     rec.Columns,
	})
	if err != nil {
		return 0, false, err
	}

	if err := c.idMap.Insert(rec.PrimaryKey, docID); err != nil {
		return 0, false, err
	}

	if err := c.lsnStore.Append(rec.LSN, rec.LSNContext); err != nil {
		c.log.Warn("lsn append failed", zap.Error(err))
	}

	needRotate := c.cfg.MaxDocsPerSegment > 0 && w.Stats().DocCount >= c.cfg.MaxDocsPerSegment
	return docID, needRotate, nil
}

// Delete resolves pk to a docId via the ID map, marks it deleted, and
// removes the ID-map entry; if the docId still lies in the writing
// segment's range it also tells that segment's column indexers to
// remove it.
func (c *Collection) Delete(pk uint64) error {
	c.schemaMu.RLock()
	defer c.schemaMu.RUnlock()

	docID := c.idMap.Lookup(pk)
	if docID == idmap.InvalidDocID {
		return annerr.NewInexistentKey(pk)
	}
	if err := c.delStore.Delete(docID); err != nil {
		return err
	}
	if _, err := c.idMap.Remove(pk); err != nil {
		return err
	}

	c.segMu.RLock()
	w := c.writing
	c.segMu.RUnlock()
	if w.IsInRange(docID) {
		return w.Remove(docID)
	}
	return nil
}

// Update requires pk to exist; when lsnCheck is set it rejects the
// update if rec.LSN does not exceed the currently stored record's LSN.
// Otherwise it is delete+insert.
func (c *Collection) Update(rec Record, lsnCheck bool) (uint64, error) {
	docID := c.idMap.Lookup(rec.PrimaryKey)
	if docID == idmap.InvalidDocID {
		return 0, annerr.NewInexistentKey(rec.PrimaryKey)
	}
	if lsnCheck {
		old, err := c.fetchDocID(docID)
		if err == nil && rec.LSN <= old.LSN {
			return 0, annerr.NewInvalidRecord("update lsn must exceed the current record's lsn")
		}
	}
	if err := c.Delete(rec.PrimaryKey); err != nil {
		return 0, err
	}
	return c.Insert(rec)
}

func (c *Collection) fetchDocID(docID uint64) (SearchHit, error) {
	c.segMu.RLock()
	defer c.segMu.RUnlock()

	if c.writing.IsInRange(docID) {
		fr, err := c.writing.Fetch(docID)
		if err != nil {
			return SearchHit{}, err
		}
		return forwardRecordToHit(docID, fr), nil
	}
	if c.dumping != nil && c.dumping.IsInRange(docID) {
		fr, err := c.dumping.Fetch(docID)
		if err != nil {
			return SearchHit{}, err
		}
		return forwardRecordToHit(docID, fr), nil
	}
	for _, p := range c.persist {
		if p.IsInRange(docID) {
			fr, err := p.Fetch(docID)
			if err != nil {
				return SearchHit{}, err
			}
			return forwardRecordToHit(docID, fr), nil
		}
	}
	return SearchHit{}, annerr.NewInexistentKey(docID)
}

func forwardRecordToHit(docID uint64, fr forward.Record) SearchHit {
	return SearchHit{
		DocID:       docID,
		PrimaryKey:  fr.PrimaryKey,
		Revision:    fr.Revision,
		LSN:         fr.LSN,
		Timestamp:   fr.Timestamp,
		ForwardData: fr.Data,
	}
}

// Get resolves pk's current record through the ID map and delete
// store, then the segment owning its docId range.
func (c *Collection) Get(pk uint64) (SearchHit, error) {
	docID := c.idMap.Lookup(pk)
	if docID == idmap.InvalidDocID || c.delStore.IsDeleted(docID) {
		return SearchHit{}, annerr.NewInexistentKey(pk)
	}
	return c.fetchDocID(docID)
}

// SegmentStats is a point-in-time read-only view of one segment's
// statistics.
type SegmentStats struct {
	ID        uint32
	State     manifest.SegmentState
	DocCount  uint64
	MinDocID  uint64
	MaxDocID  uint64
	FileBytes uint64
}

// CollectionStats aggregates every live segment's stats plus a running
// total doc count, letting an embedder decide when to flush/compact
// externally without reaching into segment internals.
type CollectionStats struct {
	Segments      []SegmentStats
	TotalDocCount uint64
}

// Stats snapshots the writing segment, the dumping segment (if any),
// and every persist segment's statistics.
func (c *Collection) Stats() CollectionStats {
	c.segMu.RLock()
	writing := c.writing
	writingMeta := c.writingMeta
	dumping := c.dumping
	persistIDs := make([]uint32, 0, len(c.persist))
	for id := range c.persist {
		persistIDs = append(persistIDs, id)
	}
	c.segMu.RUnlock()

	var out CollectionStats

	wStats := writing.Stats()
	out.Segments = append(out.Segments, SegmentStats{
		ID:       writingMeta.ID,
		State:    manifest.StateWriting,
		DocCount: wStats.DocCount,
		MinDocID: writing.MinDocID(),
		MaxDocID: wStats.MaxDocID,
	})
	out.TotalDocCount += wStats.DocCount

	if dumping != nil {
		dStats := dumping.Stats()
		out.Segments = append(out.Segments, SegmentStats{
			ID:       dumping.ID(),
			State:    manifest.StateDumping,
			DocCount: dStats.DocCount,
			MinDocID: dumping.MinDocID(),
			MaxDocID: dStats.MaxDocID,
		})
		out.TotalDocCount += dStats.DocCount
	}

	for _, id := range persistIDs {
		sm, err := c.versionMgr.GetSegmentMeta(id)
		if err != nil {
			continue
		}
		out.Segments = append(out.Segments, SegmentStats{
			ID:        id,
			State:     manifest.StatePersist,
			DocCount:  sm.DocCount,
			MinDocID:  sm.MinDocID,
			MaxDocID:  sm.MaxDocID,
			FileBytes: sm.FileBytes,
		})
		out.TotalDocCount += sm.DocCount
	}

	return out
}

// KnnSearch fans out across every persist segment, the dumping segment
// (if any), and the writing segment, then merges per-segment top-k
// results with a bounded heap.
func (c *Collection) KnnSearch(ctx context.Context, colName string, query []float32, params column.SearchParams) ([]SearchHit, error) {
	start := time.Now()

	c.schemaMu.RLock()
	metric := column.MetricSquaredEuclidean
	for _, col := range c.schema.IndexColumns {
		if col.Name == colName {
			metric = col.Metric
			break
		}
	}
	c.schemaMu.RUnlock()

	c.segMu.RLock()
	writing := c.writing
	dumping := c.dumping
	persistSegs := make([]*segment.Persist, 0, len(c.persist))
	for _, p := range c.persist {
		persistSegs = append(persistSegs, p)
	}
	c.segMu.RUnlock()

	filter := column.Filter(func(docID uint64) bool { return !c.delStore.IsDeleted(docID) })

	type searcher func() ([]SearchHit, error)
	tasks := make([]searcher, 0, len(persistSegs)+2)
	for _, p := range persistSegs {
		p := p
		tasks = append(tasks, func() ([]SearchHit, error) { return p.KnnSearch(colName, query, params, filter) })
	}
	if dumping != nil {
		tasks = append(tasks, func() ([]SearchHit, error) { return dumping.KnnSearch(colName, query, params, filter) })
	}
	tasks = append(tasks, func() ([]SearchHit, error) { return writing.KnnSearch(colName, query, params, filter) })

	results := make([][]SearchHit, len(tasks))
	g, _ := errgroup.WithContext(ctx)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			hits, err := t()
			if err != nil {
				return err
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeTopK(results, params.TopK, metric)
	c.mx.ObserveQueryLatency("knn_search", time.Since(start).Seconds())
	return merged, nil
}

// hitHeap is a bounded max-heap that keeps only the topK best-ranked
// hits seen so far, evicting the worst once over capacity. The same
// bounded-heap idiom internal/lsnstore uses for its Window, here keyed
// by a metric-dependent "better" ordering instead of raw LSN order.
type hitHeap struct {
	hits   []SearchHit
	metric column.MetricType
}

func (h hitHeap) Len() int { return len(h.hits) }
func (h hitHeap) Less(i, j int) bool {
	return column.ScoreBetter(h.metric, h.hits[j].Score, h.hits[i].Score)
}
func (h hitHeap) Swap(i, j int) { h.hits[i], h.hits[j] = h.hits[j], h.hits[i] }
func (h *hitHeap) Push(x interface{}) {
	h.hits = append(h.hits, x.(SearchHit))
}
func (h *hitHeap) Pop() interface{} {
	old := h.hits
	n := len(old)
	v := old[n-1]
	h.hits = old[:n-1]
	return v
}

func mergeTopK(results [][]SearchHit, topK int, metric column.MetricType) []SearchHit {
	h := &hitHeap{metric: metric}
	heap.Init(h)
	for _, segHits := range results {
		for _, hit := range segHits {
			heap.Push(h, hit)
			if topK > 0 && h.Len() > topK {
				heap.Pop(h)
			}
		}
	}
	out := make([]SearchHit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(SearchHit)
	}
	return out
}

// KnnSearchBatch runs every query through the same fan-out as
// KnnSearch, returning one merged result list per query.
func (c *Collection) KnnSearchBatch(ctx context.Context, colName string, queries [][]float32, params column.SearchParams) ([][]SearchHit, error) {
	out := make([][]SearchHit, len(queries))
	for i, q := range queries {
		hits, err := c.KnnSearch(ctx, colName, q, params)
		if err != nil {
			return nil, err
		}
		out[i] = hits
	}
	return out, nil
}

// LatestLSN reports the highest contiguous-prefix LSN in the
// write-ahead LSN log, the token a CDC producer resumes from after a
// crash. The second return is false when the log is empty.
func (c *Collection) LatestLSN() (uint64, bool, error) {
	return c.lsnStore.GetLatestLSN()
}

// rotate performs the dump handoff, guarded by a CAS on isDumping so a
// second trigger while a dump is in flight is a no-op: allocate a new
// writing segment, swap writing<->dumping, mark states, and schedule
// the background pack+apply.
func (c *Collection) rotate() error {
	if !atomic.CompareAndSwapInt32(&c.isDumping, 0, 1) {
		return nil
	}

	c.schemaMu.Lock()
	newMeta, err := c.versionMgr.AllocSegmentMeta()
	if err != nil {
		c.schemaMu.Unlock()
		atomic.StoreInt32(&c.isDumping, 0)
		return err
	}

	c.segMu.Lock()
	oldWriting := c.writing
	oldMeta := c.writingMeta
	oldStats := oldWriting.Stats()
	oldMeta.MaxDocID = oldStats.MaxDocID
	newMeta.MinDocID = oldStats.MaxDocID + segmentDocIDGap
	newMeta.MaxDocID = newMeta.MinDocID
	newMeta.State = manifest.StateWriting

	opts := snapshot.Options{UseMmap: c.cfg.Read.UseMmap, CreateNew: true}
	fwdSnap, err := snapshot.Open(c.dir, snapshot.Ref{ID: snapshot.FileForward}.WithSuffixID(newMeta.ID), opts)
	if err != nil {
		c.segMu.Unlock()
		c.schemaMu.Unlock()
		atomic.StoreInt32(&c.isDumping, 0)
		return err
	}
	newWriting, err := segment.NewMemory(newMeta.ID, newMeta.MinDocID, fwdSnap)
	if err != nil {
		c.segMu.Unlock()
		c.schemaMu.Unlock()
		atomic.StoreInt32(&c.isDumping, 0)
		return err
	}
	for _, meta := range c.columnMetaMap() {
		if err := newWriting.AddColumn(meta); err != nil {
			c.segMu.Unlock()
			c.schemaMu.Unlock()
			atomic.StoreInt32(&c.isDumping, 0)
			return err
		}
	}
	if err := c.versionMgr.UpdateSegmentMeta(newMeta); err != nil {
		c.segMu.Unlock()
		c.schemaMu.Unlock()
		atomic.StoreInt32(&c.isDumping, 0)
		return err
	}

	dumpingMeta := oldMeta
	dumpingMeta.State = manifest.StateDumping
	if err := c.versionMgr.UpdateSegmentMeta(dumpingMeta); err != nil {
		c.segMu.Unlock()
		c.schemaMu.Unlock()
		atomic.StoreInt32(&c.isDumping, 0)
		return err
	}

	c.dumping = oldWriting
	c.writing = newWriting
	c.writingMeta = newMeta
	c.segMu.Unlock()
	c.schemaMu.Unlock()

	if err := oldWriting.Flush(); err != nil {
		c.log.Warn("dumping segment pre-dump flush failed", zap.Error(err))
	}

	go c.doDumpSegment(oldWriting, dumpingMeta)
	return nil
}

// doDumpSegment runs the background dump task: up to maxDumpAttempts
// pack attempts, mark PERSIST and apply the VersionEdit with up to
// maxApplyAttempts retries, pre-load the persist reader, then shift the
// LSN log.
func (c *Collection) doDumpSegment(seg *segment.Memory, meta manifest.SegmentMeta) {
	defer atomic.StoreInt32(&c.isDumping, 0)

	start := time.Now()
	var raw []byte
	var err error
	for attempt := 1; attempt <= maxDumpAttempts; attempt++ {
		raw, err = seg.Dump(c.magic, uint64(meta.ID))
		if err == nil {
			break
		}
		c.log.Warn("segment dump attempt failed", zap.Uint32("segment_id", meta.ID), zap.Int("attempt", attempt), zap.Error(err))
		c.mx.DumpAttempt("retry")
	}
	if err != nil {
		c.mx.DumpAttempt("exhausted")
		c.log.Error("segment dump exhausted retries", zap.Uint32("segment_id", meta.ID), zap.Error(err))
		return
	}
	c.mx.DumpAttempt("success")
	c.mx.ObserveDumpDuration(time.Since(start).Seconds())

	path := snapshot.FilePath(c.dir, snapshot.Ref{ID: snapshot.FileSegment}.WithSuffixID(meta.ID))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		c.log.Error("segment container write failed", zap.Uint32("segment_id", meta.ID), zap.Error(err))
		return
	}

	stats := seg.Stats()
	meta.State = manifest.StatePersist
	meta.DocCount = stats.DocCount
	meta.MaxDocID = stats.MaxDocID
	meta.MinPK, meta.MaxPK = stats.MinPK, stats.MaxPK
	meta.MinTS, meta.MaxTS = stats.MinTS, stats.MaxTS
	meta.MinLSN, meta.MaxLSN = stats.MinLSN, stats.MaxLSN
	meta.FileCount = 1
	meta.FileBytes = uint64(len(raw))
	if err := c.versionMgr.UpdateSegmentMeta(meta); err != nil {
		c.log.Error("segment meta update failed", zap.Uint32("segment_id", meta.ID), zap.Error(err))
		return
	}

	var applyErr error
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		applyErr = c.versionMgr.Apply(manifest.VersionEdit{Add: []uint32{meta.ID}})
		if applyErr == nil {
			break
		}
		c.mx.IncManifestApplyRetry()
		c.log.Warn("manifest apply retry", zap.Uint32("segment_id", meta.ID), zap.Int("attempt", attempt), zap.Error(applyErr))
	}
	if applyErr != nil {
		c.log.Error("manifest apply exhausted retries", zap.Uint32("segment_id", meta.ID), zap.Error(applyErr))
		return
	}

	c.schemaMu.RLock()
	colMeta := c.columnMetaMap()
	c.schemaMu.RUnlock()
	persistSeg, err := segment.OpenPersist(meta.ID, meta.MinDocID, meta.MaxDocID, raw, colMeta)
	if err != nil {
		c.log.Error("persist reader open failed", zap.Uint32("segment_id", meta.ID), zap.Error(err))
		return
	}

	c.segMu.Lock()
	c.persist[meta.ID] = persistSeg
	c.dumping = nil
	segCount := len(c.persist)
	c.segMu.Unlock()
	c.mx.SetSegmentCount(segCount)

	// The dumped segment is PERSIST now; its memory-side forward file is
	// no longer needed. Wait for in-flight searches that still hold the
	// old dumping pointer to drain before tearing it down.
	if err := seg.Close(context.Background()); err != nil {
		c.log.Warn("dumped segment drain failed", zap.Uint32("segment_id", meta.ID), zap.Error(err))
	}
	if err := seg.Destroy(); err != nil {
		c.log.Warn("dumped segment file cleanup failed", zap.Uint32("segment_id", meta.ID), zap.Error(err))
	}

	if err := c.lsnStore.Shift(); err != nil {
		c.log.Warn("lsn shift after dump failed", zap.Error(err))
	}
}

// Flush, guarded by isFlushing, flushes the writing segment, IDMap,
// DeleteStore, and LSNStore, mirrors the writing segment's stats into
// the version manager, and writes the manifest through.
func (c *Collection) Flush() error {
	if !atomic.CompareAndSwapInt32(&c.isFlushing, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&c.isFlushing, 0)

	c.segMu.RLock()
	w := c.writing
	wm := c.writingMeta
	c.segMu.RUnlock()

	if err := w.Flush(); err != nil {
		return err
	}

	stats := w.Stats()
	wm.DocCount = stats.DocCount
	wm.MaxDocID = stats.MaxDocID
	wm.MinPK, wm.MaxPK = stats.MinPK, stats.MaxPK
	wm.MinTS, wm.MaxTS = stats.MinTS, stats.MaxTS
	wm.MinLSN, wm.MaxLSN = stats.MinLSN, stats.MaxLSN
	if err := c.versionMgr.UpdateSegmentMeta(wm); err != nil {
		return err
	}

	if err := c.idMap.Flush(); err != nil {
		return err
	}
	if err := c.delStore.Flush(); err != nil {
		return err
	}
	if err := c.lsnStore.Flush(); err != nil {
		return err
	}
	if n, err := c.idMap.Count(); err == nil {
		if err := c.versionMgr.SetDocCount(n); err != nil {
			return err
		}
	}
	return c.versionMgr.Flush()
}

// Optimize, guarded by isOptimizing, invokes the writing segment's
// per-column optimize pass (effective for OSWG; HNSW is a no-op).
func (c *Collection) Optimize(threads int) error {
	if !atomic.CompareAndSwapInt32(&c.isOptimizing, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&c.isOptimizing, 0)

	c.schemaMu.RLock()
	cols := c.schema.IndexColumns
	c.schemaMu.RUnlock()

	c.segMu.RLock()
	w := c.writing
	c.segMu.RUnlock()

	for _, col := range cols {
		if err := w.OptimizeColumn(col.Name, threads); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSchema validates next against the current schema (rejecting
// anything but a higher revision and added/removed index columns),
// adds or removes the corresponding column on every segment, and
// swaps in the new schema, all under the mutex that also excludes
// dumps.
func (c *Collection) UpdateSchema(next schema.CollectionMeta) error {
	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()

	if next.Revision <= c.schema.Revision {
		return annerr.NewMismatchedSchema("schema update revision must exceed current revision")
	}
	if err := schema.ValidateUpdate(c.schema, next); err != nil {
		return err
	}

	cur := make(map[string]schema.ColumnMeta, len(c.schema.IndexColumns))
	for _, col := range c.schema.IndexColumns {
		cur[col.Name] = col
	}
	nextSet := make(map[string]schema.ColumnMeta, len(next.IndexColumns))
	for _, col := range next.IndexColumns {
		nextSet[col.Name] = col
	}

	c.segMu.RLock()
	segs := c.allSegmentsLocked()
	c.segMu.RUnlock()

	for name, col := range nextSet {
		if _, existed := cur[name]; existed {
			continue
		}
		meta := col.ToColumnConfig(c.cfg.Concurrency)
		for _, s := range segs {
			if err := s.AddColumn(meta); err != nil {
				return err
			}
		}
	}
	for name := range cur {
		if _, stillPresent := nextSet[name]; stillPresent {
			continue
		}
		for _, s := range segs {
			s.RemoveColumn(name)
		}
	}

	if err := c.versionMgr.SetSchema(schema.Encode(next)); err != nil {
		return err
	}
	c.schema = next
	return nil
}

// segmentHandle abstracts the subset of Memory/Persist's surface
// UpdateSchema needs, so it can fan out over both without a type
// switch at every call site.
type segmentHandle interface {
	AddColumn(column.Meta) error
	RemoveColumn(name string)
}

func (c *Collection) allSegmentsLocked() []segmentHandle {
	out := make([]segmentHandle, 0, len(c.persist)+2)
	out = append(out, memoryHandle{c.writing})
	if c.dumping != nil {
		out = append(out, memoryHandle{c.dumping})
	}
	for _, p := range c.persist {
		out = append(out, persistHandle{p})
	}
	return out
}

type memoryHandle struct{ m *segment.Memory }

func (h memoryHandle) AddColumn(meta column.Meta) error { return h.m.AddColumn(meta) }
func (h memoryHandle) RemoveColumn(name string) {
	_ = h.m.RemoveColumn(name)
}

type persistHandle struct{ p *segment.Persist }

func (h persistHandle) AddColumn(meta column.Meta) error { return h.p.AddColumn(meta) }
func (h persistHandle) RemoveColumn(name string)         { h.p.RemoveColumn(name) }

// Close polls on isDumping/isFlushing/isOptimizing until all clear,
// closes the writing (and any still-present dumping) segment, closes
// the global stores, and releases the directory lock.
func (c *Collection) Close(ctx context.Context) error {
	deadline := time.Now().Add(60 * time.Second)
	for atomic.LoadInt32(&c.isDumping) != 0 || atomic.LoadInt32(&c.isFlushing) != 0 || atomic.LoadInt32(&c.isOptimizing) != 0 {
		if time.Now().After(deadline) {
			return annerr.NewRuntimeError("collection close timed out waiting for background work to drain")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	c.segMu.Lock()
	w := c.writing
	d := c.dumping
	c.persist = make(map[uint32]*segment.Persist)
	c.segMu.Unlock()

	if err := w.Close(ctx); err != nil {
		c.log.Warn("writing segment close failed", zap.Error(err))
	}
	if err := w.Release(); err != nil {
		c.log.Warn("writing segment release failed", zap.Error(err))
	}
	if d != nil {
		if err := d.Close(ctx); err != nil {
			c.log.Warn("dumping segment close failed", zap.Error(err))
		}
		if err := d.Release(); err != nil {
			c.log.Warn("dumping segment release failed", zap.Error(err))
		}
	}

	if err := c.idMap.Close(); err != nil {
		c.log.Warn("id map close failed", zap.Error(err))
	}
	if err := c.delStore.Close(); err != nil {
		c.log.Warn("delete store close failed", zap.Error(err))
	}
	if err := c.lsnStore.Close(); err != nil {
		c.log.Warn("lsn store close failed", zap.Error(err))
	}
	if err := c.versionMgr.Close(); err != nil {
		c.log.Warn("version manager close failed", zap.Error(err))
	}

	return c.lock.Unlock()
}

// CloseAndCleanup closes the collection then removes its entire
// directory.
func (c *Collection) CloseAndCleanup(ctx context.Context) error {
	if err := c.Close(ctx); err != nil {
		return err
	}
	return os.RemoveAll(c.dir)
}
