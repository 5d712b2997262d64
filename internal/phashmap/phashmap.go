// Package phashmap implements a block-chained, shrink-free persistent
// hash map: bucket-chained within a block, searched newest-block-first,
// never shrinking, guarded by a single RWMutex. Growth allocates a new
// doubled-capacity block rather than rehashing in place. It backs the
// collection's ID map (primary key -> docId).
package phashmap

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/storagebackend"
)

// InvalidNodeID marks an empty bucket slot or the end of a free/bucket
// chain.
const InvalidNodeID uint32 = 0xFFFFFFFF

const loadFactor = 1

// nodeSize is len(key)+len(value)+len(next) = 8 + 8 + 4.
const nodeSize = 20

// blockHeaderSize is bucket_count + node_count + free_header, each u32.
const blockHeaderSize = 12

func blockName(i int) storagebackend.BlockID {
	return storagebackend.BlockID("PHM_BLOCK" + strconv.Itoa(i))
}

// block is one growing unit of the map: a header, a bucket-index array,
// and a flat node array.
type block struct {
	raw         storagebackend.Block
	bucketCount uint32
	nodeCount   uint32
	freeHeader  uint32
	bucketsOff  int64
	nodesOff    int64
}

func blockSize(bucketCount uint32) int64 {
	nodeCount := bucketCount * loadFactor
	return blockHeaderSize + int64(bucketCount)*4 + int64(nodeCount)*nodeSize
}

func newBlock(raw storagebackend.Block, bucketCount uint32) *block {
	b := &block{
		raw:         raw,
		bucketCount: bucketCount,
		nodeCount:   bucketCount * loadFactor,
		freeHeader:  0,
		bucketsOff:  blockHeaderSize,
	}
	b.nodesOff = b.bucketsOff + int64(bucketCount)*4
	return b
}

// initEmpty lays out a freshly-allocated block: every bucket invalid,
// every node threaded onto the free list in order.
func (b *block) initEmpty() error {
	buf := make([]byte, blockSize(b.bucketCount))
	binary.LittleEndian.PutUint32(buf[0:4], b.bucketCount)
	binary.LittleEndian.PutUint32(buf[4:8], b.nodeCount)
	binary.LittleEndian.PutUint32(buf[8:12], 0) // free_header points at node 0

	for i := uint32(0); i < b.bucketCount; i++ {
		off := b.bucketsOff + int64(i)*4
		binary.LittleEndian.PutUint32(buf[off:off+4], InvalidNodeID)
	}
	for i := uint32(0); i < b.nodeCount; i++ {
		off := b.nodesOff + int64(i)*nodeSize
		next := i + 1
		if i == b.nodeCount-1 {
			next = InvalidNodeID
		}
		// key(8) value(8) left zero; next at offset 16
		binary.LittleEndian.PutUint32(buf[off+16:off+20], next)
	}
	b.freeHeader = 0
	_, err := b.raw.Write(0, buf)
	return err
}

// mountBlock loads a previously-persisted block's header and validates
// its size, reinitializing in place on mismatch.
func mountBlock(raw storagebackend.Block, expectedBucketCount uint32) (*block, error) {
	b := newBlock(raw, expectedBucketCount)
	if raw.DataSize() != blockSize(expectedBucketCount) {
		if err := b.initEmpty(); err != nil {
			return nil, err
		}
		return b, nil
	}
	hdr, err := raw.Read(0, blockHeaderSize)
	if err != nil {
		return nil, err
	}
	bucketCount := binary.LittleEndian.Uint32(hdr[0:4])
	nodeCount := binary.LittleEndian.Uint32(hdr[4:8])
	freeHeader := binary.LittleEndian.Uint32(hdr[8:12])
	if bucketCount != expectedBucketCount || nodeCount != expectedBucketCount*loadFactor {
		if err := b.initEmpty(); err != nil {
			return nil, err
		}
		return b, nil
	}
	b.bucketCount = bucketCount
	b.nodeCount = nodeCount
	b.freeHeader = freeHeader
	return b, nil
}

func (b *block) writeFreeHeader() error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], b.freeHeader)
	_, err := b.raw.Write(8, buf[:])
	return err
}

func (b *block) bucketHead(bucket uint32) (uint32, error) {
	buf, err := b.raw.Read(b.bucketsOff+int64(bucket)*4, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (b *block) setBucketHead(bucket, node uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], node)
	_, err := b.raw.Write(b.bucketsOff+int64(bucket)*4, buf[:])
	return err
}

type nodeView struct {
	key   uint64
	value uint64
	next  uint32
}

func (b *block) readNode(id uint32) (nodeView, error) {
	buf, err := b.raw.Read(b.nodesOff+int64(id)*nodeSize, nodeSize)
	if err != nil {
		return nodeView{}, err
	}
	return nodeView{
		key:   binary.LittleEndian.Uint64(buf[0:8]),
		value: binary.LittleEndian.Uint64(buf[8:16]),
		next:  binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

func (b *block) writeNode(id uint32, n nodeView) error {
	var buf [nodeSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], n.key)
	binary.LittleEndian.PutUint64(buf[8:16], n.value)
	binary.LittleEndian.PutUint32(buf[16:20], n.next)
	_, err := b.raw.Write(b.nodesOff+int64(id)*nodeSize, buf[:])
	return err
}

// alloc pops a node off the free list, or reports none available.
func (b *block) alloc() (uint32, bool, error) {
	if b.freeHeader == InvalidNodeID {
		return 0, false, nil
	}
	id := b.freeHeader
	n, err := b.readNode(id)
	if err != nil {
		return 0, false, err
	}
	b.freeHeader = n.next
	if err := b.writeFreeHeader(); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (b *block) free(id uint32) error {
	n, err := b.readNode(id)
	if err != nil {
		return err
	}
	n.next = b.freeHeader
	if err := b.writeNode(id, n); err != nil {
		return err
	}
	b.freeHeader = id
	return b.writeFreeHeader()
}

func bucketOf(key uint64, bucketCount uint32) uint32 {
	return uint32(key%uint64(bucketCount))
}

// Map is a persistent hash map of uint64 -> uint64, the concrete
// instantiation the ID map needs.
type Map struct {
	mu      sync.RWMutex
	storage storagebackend.Storage
	blocks  []*block
	initial uint32
}

const DefaultInitialBuckets uint32 = 1024

// Open mounts an existing map over storage, or initializes a fresh one
// with the given initial bucket count if storage has no PHM blocks yet.
func Open(storage storagebackend.Storage, initialBuckets uint32) (*Map, error) {
	if initialBuckets == 0 {
		initialBuckets = DefaultInitialBuckets
	}
	m := &Map{storage: storage, initial: initialBuckets}

	for i := 0; ; i++ {
		raw, ok := storage.Get(blockName(i))
		if !ok {
			break
		}
		bucketCount := initialBuckets << uint(i)
		b, err := mountBlock(raw, bucketCount)
		if err != nil {
			return nil, err
		}
		m.blocks = append(m.blocks, b)
	}

	if len(m.blocks) == 0 {
		if err := m.growLocked(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// growLocked appends a new, doubled-capacity block.
func (m *Map) growLocked() error {
	i := len(m.blocks)
	bucketCount := m.initial << uint(i)
	if uint64(bucketCount)*loadFactor >= uint64(InvalidNodeID) {
		return annerr.NewExceedLimit("persistent hash map bucket count would overflow node id space")
	}
	raw, err := m.storage.Append(blockName(i), blockSize(bucketCount))
	if err != nil {
		return err
	}
	b := newBlock(raw, bucketCount)
	if err := b.initEmpty(); err != nil {
		return err
	}
	m.blocks = append(m.blocks, b)
	return nil
}

// Get returns the value for key, searching blocks newest-first so a
// later Emplace shadows an earlier version of the same key.
func (m *Map) Get(key uint64) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(key)
}

func (m *Map) getLocked(key uint64) (uint64, bool, error) {
	for i := len(m.blocks) - 1; i >= 0; i-- {
		b := m.blocks[i]
		bucket := bucketOf(key, b.bucketCount)
		id, err := b.bucketHead(bucket)
		if err != nil {
			return 0, false, err
		}
		for id != InvalidNodeID {
			n, err := b.readNode(id)
			if err != nil {
				return 0, false, err
			}
			if n.key == key {
				return n.value, true, nil
			}
			id = n.next
		}
	}
	return 0, false, nil
}

// Has reports whether key is present.
func (m *Map) Has(key uint64) bool {
	_, ok, _ := m.Get(key)
	return ok
}

// Emplace inserts key->value, assuming key is not already present
// (callers that need upsert semantics use EmplaceOrAssign).
func (m *Map) Emplace(key, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emplaceLocked(key, value)
}

func (m *Map) emplaceLocked(key, value uint64) error {
	// Scan every block newest-first for free capacity (a prior Erase may
	// have freed a node in an older block); grow only if all are full.
	idx := -1
	var id uint32
	for i := len(m.blocks) - 1; i >= 0; i-- {
		allocID, ok, err := m.blocks[i].alloc()
		if err != nil {
			return err
		}
		if ok {
			idx = i
			id = allocID
			break
		}
	}
	if idx == -1 {
		if err := m.growLocked(); err != nil {
			return err
		}
		idx = len(m.blocks) - 1
		var ok bool
		var err error
		id, ok, err = m.blocks[idx].alloc()
		if err != nil {
			return err
		}
		if !ok {
			return annerr.NewRuntimeError("persistent hash map: newly grown block has no free nodes")
		}
	}

	b := m.blocks[idx]
	bucket := bucketOf(key, b.bucketCount)
	head, err := b.bucketHead(bucket)
	if err != nil {
		return err
	}
	if err := b.writeNode(id, nodeView{key: key, value: value, next: head}); err != nil {
		return err
	}
	return b.setBucketHead(bucket, id)
}

// EmplaceOrAssign rewrites key's value in place if it already exists
// (searching all blocks), otherwise emplaces it as Emplace does (in the
// newest block that has a free node, growing only if none has).
func (m *Map) EmplaceOrAssign(key, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.blocks) - 1; i >= 0; i-- {
		b := m.blocks[i]
		bucket := bucketOf(key, b.bucketCount)
		id, err := b.bucketHead(bucket)
		if err != nil {
			return err
		}
		for id != InvalidNodeID {
			n, err := b.readNode(id)
			if err != nil {
				return err
			}
			if n.key == key {
				n.value = value
				return b.writeNode(id, n)
			}
			id = n.next
		}
	}
	return m.emplaceLocked(key, value)
}

// Erase unlinks key from its bucket chain and frees its node. It is a
// no-op (returns false) if key is absent.
func (m *Map) Erase(key uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.blocks) - 1; i >= 0; i-- {
		b := m.blocks[i]
		bucket := bucketOf(key, b.bucketCount)
		prev := InvalidNodeID
		id, err := b.bucketHead(bucket)
		if err != nil {
			return false, err
		}
		for id != InvalidNodeID {
			n, err := b.readNode(id)
			if err != nil {
				return false, err
			}
			if n.key == key {
				if prev == InvalidNodeID {
					if err := b.setBucketHead(bucket, n.next); err != nil {
						return false, err
					}
				} else {
					pn, err := b.readNode(prev)
					if err != nil {
						return false, err
					}
					pn.next = n.next
					if err := b.writeNode(prev, pn); err != nil {
						return false, err
					}
				}
				if err := b.free(id); err != nil {
					return false, err
				}
				return true, nil
			}
			prev = id
			id = n.next
		}
	}
	return false, nil
}

// Flush persists the backing storage.
func (m *Map) Flush() error {
	return m.storage.Flush()
}

// Count walks every block's live entries. It is O(total node capacity)
// and meant for diagnostics/stats, not the hot path.
func (m *Map) Count() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count uint64
	for _, b := range m.blocks {
		for bucket := uint32(0); bucket < b.bucketCount; bucket++ {
			id, err := b.bucketHead(bucket)
			if err != nil {
				return 0, err
			}
			for id != InvalidNodeID {
				count++
				n, err := b.readNode(id)
				if err != nil {
					return 0, err
				}
				id = n.next
			}
		}
	}
	return count, nil
}
