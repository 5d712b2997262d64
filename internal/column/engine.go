// Package column implements the per-column indexer/reader: a pluggable
// ANN Engine (HNSW or OSWG), an optional quantizing Reformer, a
// distance Measure, and a fixed-size context pool. Engine math is
// represented by two brute-force reference implementations (flatOSWG,
// flatHNSW) that reproduce the two engines' differing capability
// surface (OSWG supports remove and optimize; HNSW's remove/optimize
// are no-ops), so every code path a production graph engine would be
// wired through is exercised.
package column

import (
	"sort"
	"sync"

	"github.com/bobboyms/annindex/internal/annerr"
)

// EngineKind selects which ANN engine backs a column.
type EngineKind string

const (
	EngineOSWG EngineKind = "OSWG"
	EngineHNSW EngineKind = "HNSW"
)

// Filter reports whether docID should be considered during search. A nil
// Filter matches everything.
type Filter func(docID uint64) bool

// SearchParams controls one search call.
type SearchParams struct {
	TopK     int
	IsLinear bool // true dispatches search_bf (brute force) instead of search
	EfSearch int
	// Radius, when positive, drops results whose post-normalized score
	// falls outside it. Zero disables the filter.
	Radius float32
}

// Result is one scored neighbor.
type Result struct {
	DocID uint64
	Score float32
}

// Engine is the pluggable ANN backend a column owns one of.
type Engine interface {
	Kind() EngineKind
	// SupportsFilter reports whether Search can apply a Filter directly
	// (OSWG cannot; HNSW can).
	SupportsFilter() bool
	Add(docID uint64, vec []float32, ctx *Context) error
	Remove(docID uint64) error
	SearchBF(query []float32, params SearchParams, filter Filter, ctx *Context) ([]Result, error)
	Search(query []float32, params SearchParams, filter Filter, ctx *Context) ([]Result, error)
	Optimize(threads int) error
	Count() int
	// Snapshot returns every (docId, vector) pair currently held, used by
	// dump to serialize engine state without depending on an engine-
	// specific wire format.
	Snapshot() ([]uint64, [][]float32, error)
	Dim() int
}

// NewEngine constructs the engine named by kind for vectors of the given
// dimension, ranking by dist (smaller wins). A nil dist means squared
// Euclidean.
func NewEngine(kind EngineKind, dim int, dist func(a, b []float32) float32) (Engine, error) {
	if dist == nil {
		dist = l2
	}
	switch kind {
	case EngineHNSW:
		return newFlatHNSW(dim, dist), nil
	case EngineOSWG, "":
		return newFlatOSWG(dim, dist), nil
	default:
		return nil, annerr.NewInvalidIndexDataFormat("unknown engine " + string(kind))
	}
}

// flatVector is the shared storage both reference engines scan: a plain
// slice of (docId, vector), with lazy tombstoning (flatOSWG's Remove) or
// no tombstoning at all (flatHNSW's Remove is a no-op).
type flatVector struct {
	docID   uint64
	vec     []float32
	removed bool
}

func bruteForceSearch(entries []flatVector, query []float32, params SearchParams, filter Filter, measure func(a, b []float32) float32) []Result {
	var candidates []Result
	for _, e := range entries {
		if e.removed {
			continue
		}
		if filter != nil && !filter(e.docID) {
			continue
		}
		candidates = append(candidates, Result{DocID: e.docID, Score: measure(query, e.vec)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score < candidates[j].Score })
	k := params.TopK
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}

func l2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// --- flatOSWG ---

// flatOSWG is the reference OSWG stand-in: it supports Remove
// (tombstone) and Optimize (compaction of tombstoned entries).
type flatOSWG struct {
	mu      sync.RWMutex
	dim     int
	dist    func(a, b []float32) float32
	entries []flatVector
	byDoc   map[uint64]int
}

func newFlatOSWG(dim int, dist func(a, b []float32) float32) *flatOSWG {
	return &flatOSWG{dim: dim, dist: dist, byDoc: make(map[uint64]int)}
}

func (e *flatOSWG) Kind() EngineKind     { return EngineOSWG }
func (e *flatOSWG) SupportsFilter() bool { return false }
func (e *flatOSWG) Dim() int             { return e.dim }

func (e *flatOSWG) Add(docID uint64, vec []float32, _ *Context) error {
	if len(vec) != e.dim {
		return annerr.NewInvalidRecord("vector dimension mismatch")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, flatVector{docID: docID, vec: vec})
	e.byDoc[docID] = len(e.entries) - 1
	return nil
}

func (e *flatOSWG) Remove(docID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx, ok := e.byDoc[docID]; ok {
		e.entries[idx].removed = true
		delete(e.byDoc, docID)
	}
	return nil
}

func (e *flatOSWG) SearchBF(query []float32, params SearchParams, filter Filter, _ *Context) ([]Result, error) {
	if len(query) != e.dim {
		return nil, annerr.NewInvalidQuery("query dimension mismatch")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return bruteForceSearch(e.entries, query, params, filter, e.dist), nil
}

func (e *flatOSWG) Search(query []float32, params SearchParams, filter Filter, ctx *Context) ([]Result, error) {
	// OSWG's engine does not accept filters directly; the segment layer
	// applies the filter to the results above this call (see
	// Indexer.NeedsFilterPostCheck), so the engine-level search simply
	// ignores filter.
	return e.SearchBF(query, params, nil, ctx)
}

func (e *flatOSWG) Optimize(_ int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	compacted := e.entries[:0]
	for _, ent := range e.entries {
		if ent.removed {
			continue
		}
		compacted = append(compacted, ent)
	}
	e.entries = compacted
	e.byDoc = make(map[uint64]int, len(e.entries))
	for i, ent := range e.entries {
		e.byDoc[ent.docID] = i
	}
	return nil
}

func (e *flatOSWG) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byDoc)
}

func (e *flatOSWG) Snapshot() ([]uint64, [][]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]uint64, 0, len(e.byDoc))
	vecs := make([][]float32, 0, len(e.byDoc))
	for _, ent := range e.entries {
		if ent.removed {
			continue
		}
		ids = append(ids, ent.docID)
		vecs = append(vecs, ent.vec)
	}
	return ids, vecs, nil
}

// --- flatHNSW ---

// flatHNSW is the reference HNSW stand-in: Remove and Optimize report
// success without doing anything, since the graph cannot delete
// in place.
type flatHNSW struct {
	mu      sync.RWMutex
	dim     int
	dist    func(a, b []float32) float32
	entries []flatVector
}

func newFlatHNSW(dim int, dist func(a, b []float32) float32) *flatHNSW {
	return &flatHNSW{dim: dim, dist: dist}
}

func (e *flatHNSW) Kind() EngineKind     { return EngineHNSW }
func (e *flatHNSW) SupportsFilter() bool { return true }
func (e *flatHNSW) Dim() int             { return e.dim }

func (e *flatHNSW) Add(docID uint64, vec []float32, _ *Context) error {
	if len(vec) != e.dim {
		return annerr.NewInvalidRecord("vector dimension mismatch")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, flatVector{docID: docID, vec: vec})
	return nil
}

func (e *flatHNSW) Remove(uint64) error { return nil }

func (e *flatHNSW) SearchBF(query []float32, params SearchParams, filter Filter, _ *Context) ([]Result, error) {
	if len(query) != e.dim {
		return nil, annerr.NewInvalidQuery("query dimension mismatch")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return bruteForceSearch(e.entries, query, params, filter, e.dist), nil
}

func (e *flatHNSW) Search(query []float32, params SearchParams, filter Filter, ctx *Context) ([]Result, error) {
	return e.SearchBF(query, params, filter, ctx)
}

func (e *flatHNSW) Optimize(int) error { return nil }

func (e *flatHNSW) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

func (e *flatHNSW) Snapshot() ([]uint64, [][]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]uint64, len(e.entries))
	vecs := make([][]float32, len(e.entries))
	for i, ent := range e.entries {
		ids[i] = ent.docID
		vecs[i] = ent.vec
	}
	return ids, vecs, nil
}
