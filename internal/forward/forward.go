// Package forward implements the per-segment forward store: an opaque,
// variable-length per-document payload store addressed by a local index
// (docId - segment min docId), backed by a single append-only raw block
// plus a small in-memory offset table rebuilt by sequential scan at
// mount.
package forward

import (
	"encoding/binary"
	"sync"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/snapshot"
	"github.com/bobboyms/annindex/internal/storagebackend"
)

// Record is one forward-store entry: the header fields recovery and
// diagnostics need, plus the opaque payload.
type Record struct {
	PrimaryKey uint64
	Timestamp  uint64
	Revision   uint32
	LSN        uint64
	Data       []byte
}

const headerWireSize = 8 + 8 + 4 + 8 + 8 // primary_key, timestamp, revision, lsn, data_len

func encodeRecord(r Record) []byte {
	buf := make([]byte, headerWireSize+len(r.Data))
	binary.LittleEndian.PutUint64(buf[0:8], r.PrimaryKey)
	binary.LittleEndian.PutUint64(buf[8:16], r.Timestamp)
	binary.LittleEndian.PutUint32(buf[16:20], r.Revision)
	binary.LittleEndian.PutUint64(buf[20:28], r.LSN)
	binary.LittleEndian.PutUint64(buf[28:36], uint64(len(r.Data)))
	copy(buf[36:], r.Data)
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < headerWireSize {
		return Record{}, annerr.NewInvalidRecord("forward record shorter than header")
	}
	dataLen := binary.LittleEndian.Uint64(buf[28:36])
	if uint64(len(buf)) < headerWireSize+dataLen {
		return Record{}, annerr.NewInvalidRecord("forward record truncated")
	}
	data := make([]byte, dataLen)
	copy(data, buf[headerWireSize:headerWireSize+dataLen])
	return Record{
		PrimaryKey: binary.LittleEndian.Uint64(buf[0:8]),
		Timestamp:  binary.LittleEndian.Uint64(buf[8:16]),
		Revision:   binary.LittleEndian.Uint32(buf[16:20]),
		LSN:        binary.LittleEndian.Uint64(buf[20:28]),
		Data:       data,
	}, nil
}

// DataBlockID names the forward store's single raw data block. Exported
// so segment.OpenPersist can replay a dumped ForwardIndex container
// segment into a fresh in-memory Store under the same block name.
const DataBlockID = storagebackend.BlockID("FORWARD_DATA")

const dataBlockID = DataBlockID

// Store is the forward store: a single append-only byte block plus an
// in-memory (local index -> (offset, length)) table in which a removed
// entry is marked by offset -1.
type Store struct {
	mu       sync.RWMutex
	snap     *snapshot.Snapshot
	offsets  []int64 // offsets[localIndex] = byte offset into dataBlockID, -1 if removed
	lengths  []int32
	tailSize int64
}

// Open mounts an existing forward store or initializes an empty one. The
// offset table is rebuilt by sequentially scanning the raw data block,
// which is only ever appended to in this order.
func Open(snap *snapshot.Snapshot) (*Store, error) {
	s := &Store{snap: snap}

	raw, ok := snap.Backend().Get(dataBlockID)
	if !ok {
		if _, err := snap.Backend().Append(dataBlockID, 0); err != nil {
			return nil, err
		}
		return s, nil
	}

	var off int64
	size := raw.DataSize()
	for off+8 <= size {
		lenBuf, err := raw.Read(off, 8)
		if err != nil {
			return nil, err
		}
		recLen := int64(binary.LittleEndian.Uint64(lenBuf))
		if off+8+recLen > size {
			break
		}
		s.offsets = append(s.offsets, off+8)
		s.lengths = append(s.lengths, int32(recLen))
		off += 8 + recLen
	}
	s.tailSize = off
	return s, nil
}

// Insert appends a record and returns its local index.
func (s *Store) Insert(r Record) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blk, ok := s.snap.Backend().Get(dataBlockID)
	if !ok {
		return 0, annerr.NewWriteData("forward store data block missing")
	}
	payload := encodeRecord(r)
	wire := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(wire[0:8], uint64(len(payload)))
	copy(wire[8:], payload)

	if _, err := blk.Write(s.tailSize, wire); err != nil {
		return 0, err
	}
	newSize := s.tailSize + int64(len(wire))
	if err := blk.Resize(newSize); err != nil {
		return 0, err
	}

	idx := uint64(len(s.offsets))
	s.offsets = append(s.offsets, s.tailSize+8)
	s.lengths = append(s.lengths, int32(len(payload)))
	s.tailSize = newSize
	return idx, nil
}

// Seek fetches and deserializes the record at local index idx. Returns
// ReadData if idx is out of range or tombstoned, used by segment code
// as a "forward missing" signal.
func (s *Store) Seek(idx uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx >= uint64(len(s.offsets)) || s.offsets[idx] < 0 {
		return Record{}, annerr.NewReadData("forward record missing")
	}
	blk, ok := s.snap.Backend().Get(dataBlockID)
	if !ok {
		return Record{}, annerr.NewReadData("forward store data block missing")
	}
	buf, err := blk.Read(s.offsets[idx], int(s.lengths[idx]))
	if err != nil {
		return Record{}, annerr.NewReadData(err.Error())
	}
	return decodeRecord(buf)
}

// Remove tombstones idx in the offset table. Best-effort: the delete
// store remains authoritative for whether a docId is live.
func (s *Store) Remove(idx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < uint64(len(s.offsets)) {
		s.offsets[idx] = -1
	}
}

// Count returns the number of index slots ever allocated (including
// removed ones, since local index assignment never reclaims).
func (s *Store) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.offsets))
}

// Flush persists the underlying snapshot, part of Collection.flush's
// "flush in order" sequence.
func (s *Store) Flush() error {
	return s.snap.Flush()
}

// Path returns the backing snapshot file's path, or "" for a store
// mounted over a bare in-memory backend.
func (s *Store) Path() string {
	return s.snap.Path()
}

// Close releases the backing snapshot's storage.
func (s *Store) Close() error {
	return s.snap.Close()
}

// Dump writes every live record sequentially into dst, the content of
// a packed ForwardIndex block.
func (s *Store) Dump(dst storagebackend.Block) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blk, ok := s.snap.Backend().Get(dataBlockID)
	if !ok {
		return annerr.NewReadData("forward store data block missing")
	}
	var off int64
	for i := range s.offsets {
		if s.offsets[i] < 0 {
			continue
		}
		buf, err := blk.Read(s.offsets[i], int(s.lengths[i]))
		if err != nil {
			return err
		}
		wire := make([]byte, 8+len(buf))
		binary.LittleEndian.PutUint64(wire[0:8], uint64(len(buf)))
		copy(wire[8:], buf)
		if _, err := dst.Write(off, wire); err != nil {
			return err
		}
		off += int64(len(wire))
	}
	return dst.Resize(off)
}
