// Package storagebackend implements the two interchangeable
// byte-container backends the collection's files mount on: an in-memory
// backend and an mmap-file backend, both exposing appendable named
// blocks with random-access reads and writes.
package storagebackend

import (
	"fmt"

	"github.com/bobboyms/annindex/internal/annerr"
)

// BlockID names a block within a Storage. Container callers use names like
// "ForwardIndex" or "ColumnIndex<column>"; internal components use fixed
// names like "HEADER_BLOCK" / "DATA_BLOCK0".
type BlockID string

// Block is a single appendable, randomly-addressable byte region.
type Block interface {
	ID() BlockID
	// Read returns a copy of length bytes starting at offset.
	Read(offset int64, length int) ([]byte, error)
	// Write writes data at offset, growing the block if needed, and
	// returns the number of bytes written.
	Write(offset int64, data []byte) (int, error)
	// Fetch copies length bytes starting at offset into buf, returning
	// the number of bytes copied (a non-allocating variant of Read).
	Fetch(offset int64, buf []byte, length int) (int, error)
	// Append writes data past the current end of the block and returns
	// the offset it was written at.
	Append(data []byte) (int64, error)
	// Resize grows or truncates the block's logical size.
	Resize(size int64) error
	// DataSize is the block's current logical size.
	DataSize() int64
	// Capacity is the block's current physical (allocated) size.
	Capacity() int64
}

// Storage is the backend-agnostic container of named blocks. Both the
// memory and mmap-file backends implement it.
type Storage interface {
	// Open associates the storage with a path. If createNew is true a
	// missing storage is created empty; otherwise an existing one must
	// be present and is mounted. With createNew set, the memory backend
	// still mounts a file already at path, while the mmap backend only
	// ensures the directory exists and mounts none of its files.
	Open(path string, createNew bool) error
	// Append creates a new named block with the given initial size.
	Append(id BlockID, size int64) (Block, error)
	// Get returns the named block, or (nil, false) if absent.
	Get(id BlockID) (Block, bool)
	// Has reports whether the named block exists.
	Has(id BlockID) bool
	// Flush persists all blocks.
	Flush() error
	// Close releases backend resources (file handles, mappings).
	Close() error
	// Path returns the path this storage was opened against.
	Path() string
}

// errBlockNotFound surfaces missing or out-of-range block data as a
// ReadData failure.
func errBlockNotFound(id BlockID) error {
	return annerr.NewReadData(fmt.Sprintf("block %q not found", id))
}
