package storagebackend

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/mmap-go"

	"github.com/bobboyms/annindex/internal/annerr"
)

// MmapFileBlock maps one file under the storage directory, named after
// the block id, growing it (unmap/truncate/remap) on Write/Append/
// Resize past its current capacity.
type MmapFileBlock struct {
	mu       sync.RWMutex
	id       BlockID
	path     string
	file     *os.File
	mapping  mmap.MMap
	dataSize int64
}

func openMmapFileBlock(path string, id BlockID, initialSize int64, create bool) (*MmapFileBlock, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, annerr.NewWriteData(fmt.Sprintf("open block file %s: %v", path, err))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, annerr.NewReadData(err.Error())
	}
	size := info.Size()
	if size < initialSize {
		if err := f.Truncate(initialSize); err != nil {
			f.Close()
			return nil, annerr.NewWriteData(err.Error())
		}
		size = initialSize
	}
	if size == 0 {
		// mmap requires a non-empty file; grow to at least one page's worth.
		if err := f.Truncate(4096); err != nil {
			f.Close()
			return nil, annerr.NewWriteData(err.Error())
		}
		size = 4096
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, annerr.NewWriteData(fmt.Sprintf("mmap %s: %v", path, err))
	}
	return &MmapFileBlock{id: id, path: path, file: f, mapping: m, dataSize: initialSize}, nil
}

func (b *MmapFileBlock) ID() BlockID { return b.id }

func (b *MmapFileBlock) growLocked(minCapacity int64) error {
	if minCapacity <= int64(len(b.mapping)) {
		return nil
	}
	newCap := int64(len(b.mapping))
	if newCap == 0 {
		newCap = 4096
	}
	for newCap < minCapacity {
		newCap *= 2
	}
	if err := b.mapping.Unmap(); err != nil {
		return annerr.NewWriteData(err.Error())
	}
	if err := b.file.Truncate(newCap); err != nil {
		return annerr.NewWriteData(err.Error())
	}
	m, err := mmap.Map(b.file, mmap.RDWR, 0)
	if err != nil {
		return annerr.NewWriteData(err.Error())
	}
	b.mapping = m
	return nil
}

func (b *MmapFileBlock) Read(offset int64, length int) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if offset < 0 || offset+int64(length) > b.dataSize {
		return nil, errBlockNotFound(b.id)
	}
	out := make([]byte, length)
	copy(out, b.mapping[offset:offset+int64(length)])
	return out, nil
}

func (b *MmapFileBlock) Fetch(offset int64, buf []byte, length int) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if offset < 0 || offset+int64(length) > b.dataSize {
		return 0, errBlockNotFound(b.id)
	}
	return copy(buf, b.mapping[offset:offset+int64(length)]), nil
}

func (b *MmapFileBlock) Write(offset int64, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := offset + int64(len(data))
	if err := b.growLocked(end); err != nil {
		return 0, err
	}
	n := copy(b.mapping[offset:end], data)
	if end > b.dataSize {
		b.dataSize = end
	}
	return n, nil
}

func (b *MmapFileBlock) Append(data []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offset := b.dataSize
	end := offset + int64(len(data))
	if err := b.growLocked(end); err != nil {
		return 0, err
	}
	copy(b.mapping[offset:end], data)
	b.dataSize = end
	return offset, nil
}

func (b *MmapFileBlock) Resize(size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size > int64(len(b.mapping)) {
		if err := b.growLocked(size); err != nil {
			return err
		}
	}
	b.dataSize = size
	return nil
}

func (b *MmapFileBlock) DataSize() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dataSize
}

func (b *MmapFileBlock) Capacity() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.mapping))
}

func (b *MmapFileBlock) flush() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mapping.Flush()
}

func (b *MmapFileBlock) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.mapping.Unmap(); err != nil {
		return err
	}
	return b.file.Close()
}

// MmapStorage maps a directory to a set of named, file-backed, mmap'd
// blocks, one file per block, named after the block id.
type MmapStorage struct {
	mu     sync.RWMutex
	dir    string
	blocks map[BlockID]*MmapFileBlock
}

func NewMmapStorage() *MmapStorage {
	return &MmapStorage{blocks: make(map[BlockID]*MmapFileBlock)}
}

func (s *MmapStorage) Open(path string, createNew bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir = path
	if createNew {
		if err := os.MkdirAll(path, 0755); err != nil {
			return annerr.NewWriteData(err.Error())
		}
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return annerr.NewReadData(fmt.Sprintf("storage directory %s missing", path))
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return annerr.NewReadData(err.Error())
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := BlockID(e.Name())
		blk, err := openMmapFileBlock(filepath.Join(path, e.Name()), id, 0, false)
		if err != nil {
			return err
		}
		info, _ := e.Info()
		if info != nil {
			blk.dataSize = info.Size()
		}
		s.blocks[id] = blk
	}
	return nil
}

func (s *MmapStorage) Append(id BlockID, size int64) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; ok {
		return nil, annerr.NewWriteData(fmt.Sprintf("block %q already exists", id))
	}
	blk, err := openMmapFileBlock(filepath.Join(s.dir, string(id)), id, size, true)
	if err != nil {
		return nil, err
	}
	s.blocks[id] = blk
	return blk, nil
}

func (s *MmapStorage) Get(id BlockID) (Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blk, ok := s.blocks[id]
	if !ok {
		return nil, false
	}
	return blk, true
}

func (s *MmapStorage) Has(id BlockID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[id]
	return ok
}

func (s *MmapStorage) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, blk := range s.blocks {
		if err := blk.flush(); err != nil {
			return annerr.NewWriteData(err.Error())
		}
	}
	return nil
}

func (s *MmapStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, blk := range s.blocks {
		if err := blk.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *MmapStorage) Path() string { return s.dir }
