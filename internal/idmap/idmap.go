// Package idmap implements the primary-key -> docId mapping as a thin,
// domain-named wrapper over internal/phashmap. It exists as its own
// package (rather than callers reaching for phashmap.Map directly)
// because it owns the InvalidDocID sentinel and the duplicate-key error
// semantics.
package idmap

import (
	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/phashmap"
	"github.com/bobboyms/annindex/internal/snapshot"
)

// InvalidDocID marks "no mapping" in Get's ok-less callers.
const InvalidDocID uint64 = 0xFFFFFFFFFFFFFFFF

// IDMap maps primary keys to docIds.
type IDMap struct {
	m    *phashmap.Map
	snap *snapshot.Snapshot
}

// Open mounts the ID map snapshot.
func Open(snap *snapshot.Snapshot, initialBuckets uint32) (*IDMap, error) {
	m, err := phashmap.Open(snap.Backend(), initialBuckets)
	if err != nil {
		return nil, err
	}
	return &IDMap{m: m, snap: snap}, nil
}

// Lookup returns the docId mapped to pk, or InvalidDocID if absent.
func (i *IDMap) Lookup(pk uint64) uint64 {
	v, ok, err := i.m.Get(pk)
	if err != nil || !ok {
		return InvalidDocID
	}
	return v
}

// Has reports whether pk has a mapping.
func (i *IDMap) Has(pk uint64) bool {
	return i.m.Has(pk)
}

// Insert adds a new pk -> docId mapping. It fails with DuplicateKeyError
// if pk is already mapped rather than silently overwriting.
func (i *IDMap) Insert(pk, docID uint64) error {
	if i.m.Has(pk) {
		return annerr.NewDuplicateKey(pk)
	}
	return i.m.Emplace(pk, docID)
}

// Upsert inserts or overwrites pk's mapping, used by update() paths that
// legitimately replace an existing docId.
func (i *IDMap) Upsert(pk, docID uint64) error {
	return i.m.EmplaceOrAssign(pk, docID)
}

// Remove deletes pk's mapping, returning false if it was already absent.
func (i *IDMap) Remove(pk uint64) (bool, error) {
	return i.m.Erase(pk)
}

// Count returns the number of live mappings.
func (i *IDMap) Count() (uint64, error) {
	return i.m.Count()
}

// Flush persists the ID map's snapshot.
func (i *IDMap) Flush() error {
	return i.m.Flush()
}

// Close releases the backing snapshot's storage.
func (i *IDMap) Close() error {
	return i.snap.Close()
}
