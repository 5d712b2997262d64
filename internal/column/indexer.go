package column

import (
	"github.com/bobboyms/annindex/internal/annerr"
)

// Meta is the subset of schema.ColumnMeta the indexer needs, passed in
// directly rather than importing the schema package, so column has no
// dependency on schema (schema depends on column for EngineKind etc.,
// and a cycle would otherwise result).
type Meta struct {
	Name        string
	Dimension   int
	Engine      EngineKind
	Metric      MetricType
	Quantize    QuantizeType
	EfSearch    int
	Concurrency int
}

// Indexer is the memory-segment-side column: open/insert/remove/search
// against a live, mutable Engine.
type Indexer struct {
	meta     Meta
	engine   Engine
	reformer Reformer
	measure  Measure
	pool     *ContextPool
}

// Open constructs the engine, optional reformer, measure, and context
// pool for meta.
func Open(meta Meta) (*Indexer, error) {
	if meta.Dimension <= 0 {
		return nil, annerr.NewInvalidIndexDataFormat("column dimension must be positive")
	}
	measure := NewMeasure(meta.Metric)
	eng, err := NewEngine(meta.Engine, meta.Dimension, measure.EngineDistance)
	if err != nil {
		return nil, err
	}
	reformer, err := NewReformer(meta.Quantize)
	if err != nil {
		return nil, err
	}
	concurrency := meta.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Indexer{
		meta:     meta,
		engine:   eng,
		reformer: reformer,
		measure:  measure,
		pool:     NewContextPool(concurrency),
	}, nil
}

func (ix *Indexer) validateVector(vec []float32) error {
	if len(vec) != ix.meta.Dimension {
		return annerr.NewInvalidRecord("column vector dimension mismatch")
	}
	return nil
}

// Insert validates vec and adds it for docID.
func (ix *Indexer) Insert(docID uint64, vec []float32) error {
	if err := ix.validateVector(vec); err != nil {
		return err
	}
	stored := vec
	if ix.reformer != nil {
		stored = ix.reformer.Decode(ix.reformer.Encode(stored), len(stored))
	}

	ctx := ix.pool.Borrow()
	defer ix.pool.Release(ctx)
	return ix.engine.Add(docID, stored, ctx)
}

// Remove is a no-op success for HNSW columns, a tombstone for OSWG
// columns. The delete store remains the authority on visibility either
// way.
func (ix *Indexer) Remove(docID uint64) error {
	return ix.engine.Remove(docID)
}

// Search runs a query through reformer/measure/engine and returns
// results with natural (post-normalized) scores.
func (ix *Indexer) Search(query []float32, params SearchParams, filter Filter) ([]Result, error) {
	if err := ix.validateVector(query); err != nil {
		return nil, annerr.NewInvalidQuery("search vector dimension mismatch")
	}

	q := query
	if ix.reformer != nil {
		q = ix.reformer.Decode(ix.reformer.Encode(q), len(q))
	}

	ctx := ix.pool.Borrow()
	defer ix.pool.Release(ctx)

	var engineFilter Filter
	if ix.engine.SupportsFilter() {
		engineFilter = filter
	}

	var results []Result
	var err error
	if params.IsLinear {
		results, err = ix.engine.SearchBF(q, params, engineFilter, ctx)
	} else {
		results, err = ix.engine.Search(q, params, engineFilter, ctx)
	}
	if err != nil {
		return nil, err
	}

	// The segment still applies the delete-store/tombstone filter above
	// this layer when the engine itself couldn't (OSWG), so an
	// unfiltered engine result set is expected to be post-filtered by
	// the caller in that case.
	for i := range results {
		results[i].Score = ix.measure.PostNormalizeScore(results[i].Score)
	}
	return applyRadius(results, params.Radius, ix.measure.Name()), nil
}

// SearchBatch runs each query in turn, failing fast on the first bad
// query.
func (ix *Indexer) SearchBatch(queries [][]float32, params SearchParams, filter Filter) ([][]Result, error) {
	out := make([][]Result, len(queries))
	for i, q := range queries {
		results, err := ix.Search(q, params, filter)
		if err != nil {
			return nil, err
		}
		out[i] = results
	}
	return out, nil
}

// applyRadius drops results whose score is worse than radius under the
// metric's ordering. A non-positive radius disables the filter.
func applyRadius(results []Result, radius float32, metric MetricType) []Result {
	if radius <= 0 {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		if ScoreBetter(metric, radius, r.Score) {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// Optimize invokes the engine's optimization routine (OSWG only; HNSW
// returns success without doing anything).
func (ix *Indexer) Optimize(threads int) error {
	return ix.engine.Optimize(threads)
}

// Count returns the number of live vectors in the engine.
func (ix *Indexer) Count() int {
	return ix.engine.Count()
}

// NeedsFilterPostCheck reports whether Search results must still be
// checked against the delete store / tombstone filter by the caller,
// because the underlying engine could not apply the filter itself.
func (ix *Indexer) NeedsFilterPostCheck() bool {
	return !ix.engine.SupportsFilter()
}

// Dump returns a snapshot of every live (docId, vector) pair so the
// segment dumper can serialize it into a named container block.
func (ix *Indexer) Dump() (ids []uint64, vecs [][]float32, err error) {
	return ix.engine.Snapshot()
}

// Reader is the persist-segment-side column: a read-only view over a
// loaded Engine, built from a dumped Indexer's Snapshot.
type Reader struct {
	meta     Meta
	engine   Engine
	reformer Reformer
	measure  Measure
	pool     *ContextPool
}

// OpenReader reconstructs a read-only column from a prior Dump. The
// dumped vectors were already reformer-quantized at insert, so they are
// re-added verbatim.
func OpenReader(meta Meta, ids []uint64, vecs [][]float32) (*Reader, error) {
	measure := NewMeasure(meta.Metric)
	eng, err := NewEngine(meta.Engine, meta.Dimension, measure.EngineDistance)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		if err := eng.Add(id, vecs[i], nil); err != nil {
			return nil, err
		}
	}
	reformer, err := NewReformer(meta.Quantize)
	if err != nil {
		return nil, err
	}
	concurrency := meta.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Reader{
		meta:     meta,
		engine:   eng,
		reformer: reformer,
		measure:  measure,
		pool:     NewContextPool(concurrency),
	}, nil
}

// Search mirrors Indexer.Search against the immutable engine.
func (r *Reader) Search(query []float32, params SearchParams, filter Filter) ([]Result, error) {
	if len(query) != r.meta.Dimension {
		return nil, annerr.NewInvalidQuery("search vector dimension mismatch")
	}
	q := query
	if r.reformer != nil {
		q = r.reformer.Decode(r.reformer.Encode(q), len(q))
	}
	ctx := r.pool.Borrow()
	defer r.pool.Release(ctx)

	var engineFilter Filter
	if r.engine.SupportsFilter() {
		engineFilter = filter
	}
	var results []Result
	var err error
	if params.IsLinear {
		results, err = r.engine.SearchBF(q, params, engineFilter, ctx)
	} else {
		results, err = r.engine.Search(q, params, engineFilter, ctx)
	}
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Score = r.measure.PostNormalizeScore(results[i].Score)
	}
	return applyRadius(results, params.Radius, r.measure.Name()), nil
}

// SearchBatch mirrors Indexer.SearchBatch for the persist side.
func (r *Reader) SearchBatch(queries [][]float32, params SearchParams, filter Filter) ([][]Result, error) {
	out := make([][]Result, len(queries))
	for i, q := range queries {
		results, err := r.Search(q, params, filter)
		if err != nil {
			return nil, err
		}
		out[i] = results
	}
	return out, nil
}

// NeedsFilterPostCheck mirrors Indexer's method for the persist side.
func (r *Reader) NeedsFilterPostCheck() bool {
	return !r.engine.SupportsFilter()
}

// Count returns the number of live vectors.
func (r *Reader) Count() int {
	return r.engine.Count()
}
