// Package segment implements the memory and persist segments: a
// forward store plus per-column indexers (memory, writable) or a
// forward store plus per-column readers (persist, read-only), sharing
// the range-check/insert/remove/search/fetch/dump surface. Close waits
// up to 60s for active insert/search calls to drain, tracked with
// scoped atomic counters, so teardown never races an in-flight call.
package segment

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/column"
	"github.com/bobboyms/annindex/internal/container"
	"github.com/bobboyms/annindex/internal/forward"
	"github.com/bobboyms/annindex/internal/snapshot"
	"github.com/bobboyms/annindex/internal/storagebackend"
)

// State mirrors manifest.SegmentState for callers that don't want to
// import manifest (segment has no dependency on manifest: the version
// manager is a collection-level concern that drives segment lifecycle
// from the outside).
type State uint32

const (
	StateCreated State = iota
	StateWriting
	StateDumping
	StatePersist
)

// Record is one insert's full payload.
type Record struct {
	PrimaryKey  uint64
	Timestamp   uint64
	Revision    uint32
	LSN         uint64
	ForwardData []byte
	Columns     map[string][]float32
}

// SearchHit is one search result, resolved against the forward store to
// fill in the primary key, revision, lsn, timestamp, and payload.
type SearchHit struct {
	DocID       uint64
	Score       float32
	PrimaryKey  uint64
	Revision    uint32
	LSN         uint64
	Timestamp   uint64
	ForwardData []byte
}

// Stats is the running aggregate a memory segment maintains under its
// mutex, and what a dump mirrors into the manifest for persist
// segments.
type Stats struct {
	DocCount       uint64
	MinDocID       uint64
	MaxDocID       uint64
	MinPK          uint64
	MaxPK          uint64
	MinTS          uint64
	MaxTS          uint64
	MinLSN         uint64
	MaxLSN         uint64
	IndexFileBytes uint64
}

// Memory is a writable segment: forward store plus one column indexer
// per index column.
type Memory struct {
	id       uint32
	minDocID uint64

	statsMu sync.Mutex
	stats   Stats
	hasData bool

	fwd     *forward.Store
	colsMu  sync.RWMutex
	columns map[string]*column.Indexer
	colMeta map[string]column.Meta

	activeInsert int64
	activeSearch int64
}

// NewMemory constructs a writing segment starting at minDocID. When the
// forward snapshot already holds rows (reopen after a flush), the
// running statistics are rebuilt by replaying the forward records.
func NewMemory(id uint32, minDocID uint64, fwdSnap *snapshot.Snapshot) (*Memory, error) {
	fwd, err := forward.Open(fwdSnap)
	if err != nil {
		return nil, err
	}
	m := &Memory{
		id:       id,
		minDocID: minDocID,
		fwd:      fwd,
		columns:  make(map[string]*column.Indexer),
		colMeta:  make(map[string]column.Meta),
		stats:    Stats{MinDocID: minDocID, MaxDocID: minDocID},
	}

	count := fwd.Count()
	for i := uint64(0); i < count; i++ {
		rec, err := fwd.Seek(i)
		if err != nil {
			continue // tombstoned slot
		}
		if !m.hasData {
			m.stats.MinPK, m.stats.MaxPK = rec.PrimaryKey, rec.PrimaryKey
			m.stats.MinTS, m.stats.MaxTS = rec.Timestamp, rec.Timestamp
			m.stats.MinLSN, m.stats.MaxLSN = rec.LSN, rec.LSN
			m.hasData = true
		} else {
			if rec.PrimaryKey < m.stats.MinPK {
				m.stats.MinPK = rec.PrimaryKey
			}
			if rec.PrimaryKey > m.stats.MaxPK {
				m.stats.MaxPK = rec.PrimaryKey
			}
			if rec.Timestamp < m.stats.MinTS {
				m.stats.MinTS = rec.Timestamp
			}
			if rec.Timestamp > m.stats.MaxTS {
				m.stats.MaxTS = rec.Timestamp
			}
			if rec.LSN < m.stats.MinLSN {
				m.stats.MinLSN = rec.LSN
			}
			if rec.LSN > m.stats.MaxLSN {
				m.stats.MaxLSN = rec.LSN
			}
		}
	}
	if count > 0 {
		m.stats.DocCount = count
		m.stats.MaxDocID = minDocID + count - 1
	}
	return m, nil
}

// ID returns the segment id.
func (m *Memory) ID() uint32 { return m.id }

// MinDocID returns the segment's lower docId bound.
func (m *Memory) MinDocID() uint64 { return m.minDocID }

// IsInRange reports whether docID falls within this segment's current
// allocated range.
func (m *Memory) IsInRange(docID uint64) bool {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return docID >= m.minDocID && docID <= m.stats.MaxDocID
}

// AddColumn creates a new column indexer for meta.
func (m *Memory) AddColumn(meta column.Meta) error {
	ix, err := column.Open(meta)
	if err != nil {
		return err
	}
	m.colsMu.Lock()
	defer m.colsMu.Unlock()
	m.columns[meta.Name] = ix
	m.colMeta[meta.Name] = meta
	return nil
}

// OptimizeColumn invokes the named column's engine optimization pass
// (a no-op on engines that don't support it, e.g. HNSW).
func (m *Memory) OptimizeColumn(name string, threads int) error {
	m.colsMu.RLock()
	ix, ok := m.columns[name]
	m.colsMu.RUnlock()
	if !ok {
		return annerr.NewInexistentColumn(name)
	}
	return ix.Optimize(threads)
}

// RemoveColumn destroys a column indexer.
func (m *Memory) RemoveColumn(name string) error {
	m.colsMu.Lock()
	defer m.colsMu.Unlock()
	if _, ok := m.columns[name]; !ok {
		return annerr.NewInexistentColumn(name)
	}
	delete(m.columns, name)
	delete(m.colMeta, name)
	return nil
}

// Insert appends a record: forward.insert -> each column.insert, then
// updates the running stat aggregate under statsMu.
func (m *Memory) Insert(rec Record) (uint64, error) {
	atomic.AddInt64(&m.activeInsert, 1)
	defer atomic.AddInt64(&m.activeInsert, -1)

	localIdx, err := m.fwd.Insert(forward.Record{
		PrimaryKey: rec.PrimaryKey,
		Timestamp:  rec.Timestamp,
		Revision:   rec.Revision,
		LSN:        rec.LSN,
		Data:       rec.ForwardData,
	})
	if err != nil {
		return 0, err
	}
	docID := m.minDocID + localIdx

	m.colsMu.RLock()
	for name, vec := range rec.Columns {
		ix, ok := m.columns[name]
		if !ok {
			continue
		}
		if err := ix.Insert(docID, vec); err != nil {
			m.colsMu.RUnlock()
			return 0, err
		}
	}
	m.colsMu.RUnlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if !m.hasData {
		m.stats.MinPK, m.stats.MaxPK = rec.PrimaryKey, rec.PrimaryKey
		m.stats.MinTS, m.stats.MaxTS = rec.Timestamp, rec.Timestamp
		m.stats.MinLSN, m.stats.MaxLSN = rec.LSN, rec.LSN
		m.hasData = true
	} else {
		if rec.PrimaryKey < m.stats.MinPK {
			m.stats.MinPK = rec.PrimaryKey
		}
		if rec.PrimaryKey > m.stats.MaxPK {
			m.stats.MaxPK = rec.PrimaryKey
		}
		if rec.Timestamp < m.stats.MinTS {
			m.stats.MinTS = rec.Timestamp
		}
		if rec.Timestamp > m.stats.MaxTS {
			m.stats.MaxTS = rec.Timestamp
		}
		if rec.LSN < m.stats.MinLSN {
			m.stats.MinLSN = rec.LSN
		}
		if rec.LSN > m.stats.MaxLSN {
			m.stats.MaxLSN = rec.LSN
		}
	}
	m.stats.DocCount++
	m.stats.MaxDocID = docID
	return docID, nil
}

// Remove is a no-op for the forward store; it fans out to every
// column's remove.
func (m *Memory) Remove(docID uint64) error {
	m.colsMu.RLock()
	defer m.colsMu.RUnlock()
	for _, ix := range m.columns {
		if err := ix.Remove(docID); err != nil {
			return err
		}
	}
	return nil
}

// Fetch resolves docID to its forward record, used by kv_search at the
// collection layer once DeleteStore/range checks have passed.
func (m *Memory) Fetch(docID uint64) (forward.Record, error) {
	if !m.IsInRange(docID) {
		return forward.Record{}, annerr.NewInexistentKey(docID)
	}
	return m.fwd.Seek(docID - m.minDocID)
}

// KnnSearch delegates to the named column's indexer, then resolves each
// hit's forward record. Hits whose forward lookup fails are dropped.
func (m *Memory) KnnSearch(colName string, query []float32, params column.SearchParams, filter column.Filter) ([]SearchHit, error) {
	atomic.AddInt64(&m.activeSearch, 1)
	defer atomic.AddInt64(&m.activeSearch, -1)

	m.colsMu.RLock()
	ix, ok := m.columns[colName]
	m.colsMu.RUnlock()
	if !ok {
		return nil, annerr.NewInexistentColumn(colName)
	}

	results, err := ix.Search(query, params, filter)
	if err != nil {
		return nil, err
	}
	return m.resolveHits(results, ix.NeedsFilterPostCheck(), filter)
}

// KnnSearchBatch is the batch variant of KnnSearch: one result list per
// query, resolved against the forward store the same way.
func (m *Memory) KnnSearchBatch(colName string, queries [][]float32, params column.SearchParams, filter column.Filter) ([][]SearchHit, error) {
	atomic.AddInt64(&m.activeSearch, 1)
	defer atomic.AddInt64(&m.activeSearch, -1)

	m.colsMu.RLock()
	ix, ok := m.columns[colName]
	m.colsMu.RUnlock()
	if !ok {
		return nil, annerr.NewInexistentColumn(colName)
	}

	batches, err := ix.SearchBatch(queries, params, filter)
	if err != nil {
		return nil, err
	}
	out := make([][]SearchHit, len(batches))
	for i, results := range batches {
		hits, err := m.resolveHits(results, ix.NeedsFilterPostCheck(), filter)
		if err != nil {
			return nil, err
		}
		out[i] = hits
	}
	return out, nil
}

func (m *Memory) resolveHits(results []column.Result, needsPostFilter bool, filter column.Filter) ([]SearchHit, error) {
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		if needsPostFilter && filter != nil && !filter(r.DocID) {
			continue
		}
		fr, err := m.fwd.Seek(r.DocID - m.minDocID)
		if err != nil {
			continue
		}
		hits = append(hits, SearchHit{
			DocID:       r.DocID,
			Score:       r.Score,
			PrimaryKey:  fr.PrimaryKey,
			Revision:    fr.Revision,
			LSN:         fr.LSN,
			Timestamp:   fr.Timestamp,
			ForwardData: fr.Data,
		})
	}
	return hits, nil
}

// Flush persists the forward store's snapshot. Column indexers have no
// standalone snapshot file of their own (they live only in memory
// until the next dump packs them into the segment container), so there
// is nothing else for a memory segment to flush.
func (m *Memory) Flush() error {
	return m.fwd.Flush()
}

// Stats returns a copy of the running aggregate.
func (m *Memory) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// Dump packs the forward store and every column into a container, the
// content of a data.seg.<id> file.
func (m *Memory) Dump(magic uint32, checkpoint uint64) ([]byte, error) {
	w := container.NewWriter(magic, checkpoint)

	fwdBuf := &memBlock{}
	if err := m.fwd.Dump(fwdBuf); err != nil {
		return nil, err
	}
	w.Pack("ForwardIndex", fwdBuf.data)

	m.colsMu.RLock()
	defer m.colsMu.RUnlock()
	for name, ix := range m.columns {
		ids, vecs, err := ix.Dump()
		if err != nil {
			return nil, err
		}
		w.Pack("ColumnIndex"+name, encodeColumnDump(ids, vecs))
	}
	return w.Finish(), nil
}

// Close waits up to 60s (polling every 1s) for all active inserts and
// searches to drain before returning.
func (m *Memory) Close(ctx context.Context) error {
	deadline := time.Now().Add(60 * time.Second)
	for {
		if atomic.LoadInt64(&m.activeInsert) == 0 && atomic.LoadInt64(&m.activeSearch) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return annerr.NewRuntimeError("segment close timed out waiting for active insert/search to drain")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Release closes the segment's forward snapshot without removing its
// file, so the segment can be remounted on the next open.
func (m *Memory) Release() error {
	return m.fwd.Close()
}

// Destroy closes the segment's forward snapshot and removes its file,
// used once a dumped segment has reached PERSIST and its memory-side
// files are no longer needed.
func (m *Memory) Destroy() error {
	path := m.fwd.Path()
	if err := m.fwd.Close(); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return annerr.NewRuntimeError(err.Error())
	}
	return nil
}

// memBlock is a minimal in-memory storagebackend.Block used only to
// capture a forward-store dump's bytes without round-tripping through a
// real Storage.
type memBlock struct {
	data []byte
}

func (b *memBlock) ID() storagebackend.BlockID { return "dump" }
func (b *memBlock) Read(offset int64, length int) ([]byte, error) {
	return b.data[offset : offset+int64(length)], nil
}
func (b *memBlock) Fetch(offset int64, buf []byte, length int) (int, error) {
	return copy(buf, b.data[offset:offset+int64(length)]), nil
}
func (b *memBlock) Write(offset int64, data []byte) (int, error) {
	end := offset + int64(len(data))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	return copy(b.data[offset:end], data), nil
}
func (b *memBlock) Append(data []byte) (int64, error) {
	off := int64(len(b.data))
	b.data = append(b.data, data...)
	return off, nil
}
func (b *memBlock) Resize(size int64) error {
	if size <= int64(len(b.data)) {
		b.data = b.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, b.data)
	b.data = grown
	return nil
}
func (b *memBlock) DataSize() int64 { return int64(len(b.data)) }
func (b *memBlock) Capacity() int64 { return int64(len(b.data)) }
