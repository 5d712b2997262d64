package storagebackend

import (
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"sync"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/container"
)

// MemoryBlock is a growable byte buffer backing one named block.
type MemoryBlock struct {
	mu   sync.RWMutex
	id   BlockID
	data []byte
}

func newMemoryBlock(id BlockID, size int64) *MemoryBlock {
	return &MemoryBlock{id: id, data: make([]byte, size)}
}

func (b *MemoryBlock) ID() BlockID { return b.id }

func (b *MemoryBlock) Read(offset int64, length int) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if offset < 0 || offset+int64(length) > int64(len(b.data)) {
		return nil, errBlockNotFound(b.id)
	}
	out := make([]byte, length)
	copy(out, b.data[offset:offset+int64(length)])
	return out, nil
}

func (b *MemoryBlock) Fetch(offset int64, buf []byte, length int) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if offset < 0 || offset+int64(length) > int64(len(b.data)) {
		return 0, errBlockNotFound(b.id)
	}
	return copy(buf, b.data[offset:offset+int64(length)]), nil
}

func (b *MemoryBlock) Write(offset int64, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := offset + int64(len(data))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	return copy(b.data[offset:end], data), nil
}

func (b *MemoryBlock) Append(data []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offset := int64(len(b.data))
	b.data = append(b.data, data...)
	return offset, nil
}

func (b *MemoryBlock) Resize(size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size <= int64(len(b.data)) {
		b.data = b.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, b.data)
	b.data = grown
	return nil
}

func (b *MemoryBlock) DataSize() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

func (b *MemoryBlock) Capacity() int64 { return b.DataSize() }

func (b *MemoryBlock) contents() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// MemoryStorage keeps every block as an in-memory byte buffer. When
// opened on a path, it loads the file's container envelope at Open and
// packs all blocks back into one on Flush/Close, so memory snapshots
// share the same on-disk format as dumped segments. With an empty path
// it is purely ephemeral and Flush is a no-op.
type MemoryStorage struct {
	mu     sync.RWMutex
	path   string
	magic  uint32
	blocks map[BlockID]*MemoryBlock
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blocks: make(map[BlockID]*MemoryBlock), magic: rand.Uint32()}
}

func (m *MemoryStorage) Open(path string, createNew bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.path = path
	if m.blocks == nil {
		m.blocks = make(map[BlockID]*MemoryBlock)
	}
	if path == "" {
		return nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if !createNew {
			return annerr.NewReadData(fmt.Sprintf("storage file %s does not exist", path))
		}
		return nil
	}
	if err != nil {
		return annerr.NewReadData(err.Error())
	}
	unpacked, err := container.Unpack(raw)
	if err != nil {
		return err
	}
	for _, seg := range unpacked.Segments {
		if seg.Name == container.IndexVersionName {
			continue
		}
		data, _ := unpacked.Segment(seg.Name)
		blk := newMemoryBlock(BlockID(seg.Name), int64(len(data)))
		copy(blk.data, data)
		m.blocks[BlockID(seg.Name)] = blk
	}
	return nil
}

func (m *MemoryStorage) Append(id BlockID, size int64) (Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blk := newMemoryBlock(id, size)
	m.blocks[id] = blk
	return blk, nil
}

func (m *MemoryStorage) Get(id BlockID) (Block, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blk, ok := m.blocks[id]
	if !ok {
		return nil, false
	}
	return blk, true
}

func (m *MemoryStorage) Has(id BlockID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[id]
	return ok
}

// Flush packs every block into the container envelope and atomically
// replaces the backing file. Ephemeral (path-less) storages skip it.
func (m *MemoryStorage) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushLocked()
}

func (m *MemoryStorage) flushLocked() error {
	if m.path == "" {
		return nil
	}
	ids := make([]string, 0, len(m.blocks))
	for id := range m.blocks {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	w := container.NewWriter(m.magic, 0)
	for _, id := range ids {
		w.Pack(id, m.blocks[BlockID(id)].contents())
	}
	raw := w.Finish()

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return annerr.NewWriteData(err.Error())
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return annerr.NewWriteData(err.Error())
	}
	return nil
}

// Close persists one final time so a graceful close never loses state.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *MemoryStorage) Path() string { return m.path }
