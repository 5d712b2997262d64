// Package deletestore tracks deleted docIds: an in-memory
// bits-and-blooms/bitset.BitSet keyed by docId, backed for durability
// by an append-only internal/deltastore log. The log is the source of
// truth; the bitmap is a derived cache reconstructed by replaying every
// entry at open. There is no periodic snapshotting: full replay is
// cheap since the log only grows as fast as deletes happen.
package deletestore

import (
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/bobboyms/annindex/internal/deltastore"
	"github.com/bobboyms/annindex/internal/snapshot"
)

// maxDocID bounds the docId space the bitmap is pre-sized to at open,
// avoiding backing-array growth as docIds climb during normal
// operation.
const maxDocID = math.MaxUint32

// Store tracks deleted docIds.
type Store struct {
	mu    sync.RWMutex
	bits  *bitset.BitSet
	delta *deltastore.Store[uint64]
	snap  *snapshot.Snapshot
}

// Open mounts the delete store's delta log and replays it into a fresh
// in-memory bitmap.
func Open(snap *snapshot.Snapshot) (*Store, error) {
	delta, err := deltastore.Open[uint64](snap.Backend(), deltastore.Uint64Codec{})
	if err != nil {
		return nil, err
	}
	s := &Store{bits: bitset.New(0), delta: delta, snap: snap}
	s.bits.Set(maxDocID).Clear(maxDocID)
	n := delta.Count()
	for i := uint64(0); i < n; i++ {
		docID, err := delta.At(i)
		if err != nil {
			return nil, err
		}
		s.bits.Set(uint(docID))
	}
	return s, nil
}

// IsDeleted reports whether docID has been tombstoned. Deliberately
// lock-free: the bitmap is pre-sized at open to avoid reallocation
// under Set, so a concurrent Delete can only ever flip a bit from 0 to
// 1 underneath a reader, never resize the backing array.
// Callers must treat a stale (not-yet-visible) read as permissible,
// since the delete store is monotone add-only.
func (s *Store) IsDeleted(docID uint64) bool {
	return s.bits.Test(uint(docID))
}

// Delete tombstones docID, appending it to the durable delta log before
// flipping the in-memory bit: the delta entry is the fact of record.
func (s *Store) Delete(docID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bits.Test(uint(docID)) {
		return nil
	}
	if _, err := s.delta.Append(docID); err != nil {
		return err
	}
	s.bits.Set(uint(docID))
	return nil
}

// Count returns the number of tombstoned docIds.
func (s *Store) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(s.bits.Count())
}

// Flush persists the underlying delta log's snapshot.
func (s *Store) Flush() error {
	return s.delta.Flush()
}

// Close releases the backing snapshot's storage.
func (s *Store) Close() error {
	return s.snap.Close()
}
