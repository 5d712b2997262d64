// Package deltastore implements an append-only typed log:
// fixed-capacity data blocks behind a small header block, random-access
// At(i) with no locking, and a locked Append. Records are fixed-size
// and carry no per-record CRC; integrity checking happens at the
// container-envelope level of the file the log lives in.
package deltastore

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/storagebackend"
)

// BlockCapacityElems is the fixed per-data-block capacity in
// elements.
const BlockCapacityElems = 1 << 20

const (
	headerBlockID = storagebackend.BlockID("HEADER_BLOCK")
	headerSize    = 4 + 8 // block_count uint32, total_size uint64
)

func dataBlockID(i int) storagebackend.BlockID {
	return storagebackend.BlockID("DATA_BLOCK" + strconv.Itoa(i))
}

// Codec knows how to encode/decode a fixed-size T.
type Codec[T any] interface {
	Size() int
	Encode(v T, buf []byte)
	Decode(buf []byte) T
}

// Store is an append-only typed log over a storagebackend.Storage.
type Store[T any] struct {
	mu            sync.Mutex
	storage       storagebackend.Storage
	codec         Codec[T]
	blockCount    int
	totalSize     uint64 // number of elements appended
	elemsPerBlock int
}

// Open mounts (or initializes) a Store over storage using codec for T.
func Open[T any](storage storagebackend.Storage, codec Codec[T]) (*Store[T], error) {
	s := &Store[T]{storage: storage, codec: codec, elemsPerBlock: BlockCapacityElems}

	if blk, ok := storage.Get(headerBlockID); ok {
		buf, err := blk.Read(0, headerSize)
		if err != nil {
			return nil, err
		}
		s.blockCount = int(binary.LittleEndian.Uint32(buf[0:4]))
		s.totalSize = binary.LittleEndian.Uint64(buf[4:12])
		return s, nil
	}

	if _, err := storage.Append(headerBlockID, headerSize); err != nil {
		return nil, err
	}
	if _, err := storage.Append(dataBlockID(0), int64(s.elemsPerBlock*codec.Size())); err != nil {
		return nil, err
	}
	s.blockCount = 1
	if err := s.writeHeaderLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store[T]) writeHeaderLocked() error {
	blk, ok := s.storage.Get(headerBlockID)
	if !ok {
		return annerr.NewWriteData("delta store header block missing")
	}
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.blockCount))
	binary.LittleEndian.PutUint64(buf[4:12], s.totalSize)
	_, err := blk.Write(0, buf[:])
	return err
}

// Append writes x to the tail of the current data block, allocating a new
// data block on overflow.
func (s *Store[T]) Append(x T) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockIdx := int(s.totalSize) / s.elemsPerBlock
	if blockIdx >= s.blockCount {
		blockCap := int64(s.elemsPerBlock * s.codec.Size())
		if _, err := s.storage.Append(dataBlockID(blockIdx), blockCap); err != nil {
			return 0, err
		}
		s.blockCount = blockIdx + 1
	}

	blk, ok := s.storage.Get(dataBlockID(blockIdx))
	if !ok {
		return 0, annerr.NewWriteData("delta store data block missing")
	}

	localIdx := int(s.totalSize) % s.elemsPerBlock
	buf := make([]byte, s.codec.Size())
	s.codec.Encode(x, buf)
	if _, err := blk.Write(int64(localIdx*s.codec.Size()), buf); err != nil {
		return 0, err
	}

	idx := s.totalSize
	s.totalSize++
	if err := s.writeHeaderLocked(); err != nil {
		return 0, err
	}
	return idx, nil
}

// At is a random-access read with no locking.
func (s *Store[T]) At(i uint64) (T, error) {
	var zero T
	if i >= s.totalSize {
		return zero, annerr.NewReadData("delta store index out of range")
	}
	blockIdx := int(i) / s.elemsPerBlock
	localIdx := int(i) % s.elemsPerBlock
	blk, ok := s.storage.Get(dataBlockID(blockIdx))
	if !ok {
		return zero, annerr.NewReadData("delta store data block missing")
	}
	buf, err := blk.Read(int64(localIdx*s.codec.Size()), s.codec.Size())
	if err != nil {
		return zero, err
	}
	return s.codec.Decode(buf), nil
}

// Count returns the number of appended elements.
func (s *Store[T]) Count() uint64 {
	return s.totalSize
}

// Flush persists the backing storage.
func (s *Store[T]) Flush() error {
	return s.storage.Flush()
}

// Uint64Codec is the Codec for T=uint64, used by the delete store's
// docId log.
type Uint64Codec struct{}

func (Uint64Codec) Size() int { return 8 }
func (Uint64Codec) Encode(v uint64, buf []byte) {
	binary.LittleEndian.PutUint64(buf, v)
}
func (Uint64Codec) Decode(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}
