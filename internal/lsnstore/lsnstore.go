// Package lsnstore implements the rolling three-block LSN log: two
// alternating 1 MiB writing blocks toggled back and forth as they fill,
// plus a third "shift-aside" block holding the log of a segment that
// just finished dumping, and a highest-contiguous-prefix recovery
// scan.
package lsnstore

import (
	"container/heap"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/storagebackend"
)

// BlockBytes is the fixed size of each of the three data blocks.
const BlockBytes = 1 << 20

// Window bounds how many (lsn, ctx) pairs get loaded into the
// contiguous-prefix scan's heap.
const Window = 2000

const (
	headerBlockID = storagebackend.BlockID("HEADER_BLOCK")
	headerSize    = 4 + 8 // tail_block_index uint32, lsn_count uint64
)

func dataBlockID(i int) storagebackend.BlockID {
	return []storagebackend.BlockID{"DATA_BLOCK0", "DATA_BLOCK1", "DATA_BLOCK2"}[i]
}

// Store is the three-block rolling LSN log.
type Store struct {
	mu             sync.Mutex
	storage        storagebackend.Storage
	tailBlockIndex uint32 // 0 or 1: which of the two writing blocks is current
	lsnCount       uint64 // informational; not required for correctness
	tailSize       int64  // live bytes in the current tail block
}

// Open mounts an existing LSN store, or initializes a fresh one.
func Open(storage storagebackend.Storage) (*Store, error) {
	s := &Store{storage: storage}

	if blk, ok := storage.Get(headerBlockID); ok {
		buf, err := blk.Read(0, headerSize)
		if err != nil {
			return nil, err
		}
		s.tailBlockIndex = binary.LittleEndian.Uint32(buf[0:4])
		s.lsnCount = binary.LittleEndian.Uint64(buf[4:12])
		tail, ok := storage.Get(dataBlockID(int(s.tailBlockIndex)))
		if !ok {
			return nil, annerr.NewReadData("lsn store tail block missing")
		}
		s.tailSize = tail.DataSize()
		return s, nil
	}

	if _, err := storage.Append(headerBlockID, headerSize); err != nil {
		return nil, err
	}
	for i := 0; i < 3; i++ {
		if _, err := storage.Append(dataBlockID(i), BlockBytes); err != nil {
			return nil, err
		}
		if err := s.zeroDataSize(i); err != nil {
			return nil, err
		}
	}
	s.tailBlockIndex = 0
	if err := s.writeHeaderLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// zeroDataSize resizes a freshly-allocated block's logical size to 0 so
// it reports as empty until entries are appended into it.
func (s *Store) zeroDataSize(i int) error {
	blk, ok := s.storage.Get(dataBlockID(i))
	if !ok {
		return annerr.NewWriteData("lsn store data block missing")
	}
	return blk.Resize(0)
}

func (s *Store) writeHeaderLocked() error {
	blk, ok := s.storage.Get(headerBlockID)
	if !ok {
		return annerr.NewWriteData("lsn store header block missing")
	}
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], s.tailBlockIndex)
	binary.LittleEndian.PutUint64(buf[4:12], s.lsnCount)
	_, err := blk.Write(0, buf[:])
	return err
}

// entrySize is the wire size of one (lsn, ctx) pair: lsn(8) + ctx_len(8)
// prefix + ctx bytes.
func entrySize(ctx []byte) int64 {
	return 8 + 8 + int64(len(ctx))
}

// Append writes (lsn, ctx) to the current tail block, toggling to the
// other writing block (0 or 1) when there isn't room.
func (s *Store) Append(lsn uint64, ctx []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := entrySize(ctx)
	if size > BlockBytes {
		return annerr.NewExceedLimit("lsn entry larger than one block")
	}

	if s.tailSize+size > BlockBytes {
		s.tailBlockIndex = 1 - s.tailBlockIndex
		if err := s.zeroDataSize(int(s.tailBlockIndex)); err != nil {
			return err
		}
		s.tailSize = 0
	}

	blk, ok := s.storage.Get(dataBlockID(int(s.tailBlockIndex)))
	if !ok {
		return annerr.NewWriteData("lsn store tail block missing")
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], lsn)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(ctx)))
	copy(buf[16:], ctx)
	if _, err := blk.Write(s.tailSize, buf); err != nil {
		return err
	}
	newSize := s.tailSize + size
	if err := blk.Resize(newSize); err != nil {
		return err
	}
	s.tailSize = newSize
	s.lsnCount++
	return s.writeHeaderLocked()
}

// Shift copies the current writing block's live data into block 2 (the
// shift-aside block) and resets the writing block, used after a
// successful segment dump so that the writing block only carries entries
// for data still live in memory.
func (s *Store) Shift() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail, ok := s.storage.Get(dataBlockID(int(s.tailBlockIndex)))
	if !ok {
		return annerr.NewWriteData("lsn store tail block missing")
	}
	data, err := tail.Read(0, int(s.tailSize))
	if err != nil {
		return err
	}

	aside, ok := s.storage.Get(dataBlockID(2))
	if !ok {
		return annerr.NewWriteData("lsn store shift-aside block missing")
	}
	if err := aside.Resize(0); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := aside.Write(0, data); err != nil {
			return err
		}
		if err := aside.Resize(int64(len(data))); err != nil {
			return err
		}
	}

	if err := tail.Resize(0); err != nil {
		return err
	}
	s.tailSize = 0
	return nil
}

type lsnPair struct {
	lsn uint64
	ctx []byte
}

func readBlockEntries(blk storagebackend.Block) ([]lsnPair, error) {
	size := blk.DataSize()
	var out []lsnPair
	var off int64
	for off+16 <= size {
		hdr, err := blk.Read(off, 16)
		if err != nil {
			return nil, err
		}
		lsn := binary.LittleEndian.Uint64(hdr[0:8])
		ctxLen := binary.LittleEndian.Uint64(hdr[8:16])
		if off+16+int64(ctxLen) > size {
			break
		}
		var ctx []byte
		if ctxLen > 0 {
			ctx, err = blk.Read(off+16, int(ctxLen))
			if err != nil {
				return nil, err
			}
		}
		out = append(out, lsnPair{lsn: lsn, ctx: ctx})
		off += 16 + int64(ctxLen)
	}
	return out, nil
}

// lsnHeap is a bounded heap used to keep only the Window largest LSNs
// seen across all three blocks, evicting the smallest once over
// capacity.
type lsnHeap []uint64

func (h lsnHeap) Len() int            { return len(h) }
func (h lsnHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h lsnHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *lsnHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *lsnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// GetLatestLSN scans all three blocks, keeps the Window largest LSNs seen,
// and returns the largest LSN such that every smaller LSN within that
// window is present with no gap. If the window has no gap, the largest
// LSN seen is returned. Returns (0, false) if no entries exist.
func (s *Store) GetLatestLSN() (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &lsnHeap{}
	heap.Init(h)
	for i := 0; i < 3; i++ {
		blk, ok := s.storage.Get(dataBlockID(i))
		if !ok {
			continue
		}
		entries, err := readBlockEntries(blk)
		if err != nil {
			return 0, false, err
		}
		for _, e := range entries {
			heap.Push(h, e.lsn)
			if h.Len() > Window {
				heap.Pop(h)
			}
		}
	}
	if h.Len() == 0 {
		return 0, false, nil
	}

	sorted := append([]uint64(nil), (*h)...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	highest := sorted[len(sorted)-1]
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1]+1 {
			return sorted[i-1], true, nil
		}
	}
	return highest, true, nil
}

// Flush persists the backing storage.
func (s *Store) Flush() error {
	return s.storage.Flush()
}

// Close releases the backing storage.
func (s *Store) Close() error {
	return s.storage.Close()
}
