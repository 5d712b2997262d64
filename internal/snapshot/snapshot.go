// Package snapshot implements the thin "named file under a directory"
// wrapper the global stores mount on: open -> data -> flush -> close,
// backed by one of the two storagebackend.Storage implementations, with
// files located by a FileID plus optional numeric or string suffix.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/storagebackend"
)

// FileID names one of the collection's well-known files.
type FileID string

const (
	FileManifest FileID = "data.manifest"
	FileIDMap    FileID = "data.id"
	FileDelete   FileID = "data.del"
	FileLSN      FileID = "data.lsn"
	FileForward  FileID = "data.fwd"
	FileColumn   FileID = "data.pxa"
	FileSegment  FileID = "data.seg"
)

// Ref identifies one snapshot file: a FileID plus an optional numeric
// suffix (segment id) and/or string suffix (column name), joined with
// '.' as in "data.pxa.<column_name>.<segid>".
type Ref struct {
	ID          FileID
	SuffixName  string
	HasSuffixID bool
	SuffixID    uint32
}

func (r Ref) fileName() string {
	name := string(r.ID)
	if r.SuffixName != "" {
		name += "." + r.SuffixName
	}
	if r.HasSuffixID {
		name += fmt.Sprintf(".%d", r.SuffixID)
	}
	return name
}

// WithSuffixID returns a copy of r with a numeric suffix (a segment id)
// appended to the file name.
func (r Ref) WithSuffixID(id uint32) Ref {
	r.HasSuffixID = true
	r.SuffixID = id
	return r
}

// WithSuffixName returns a copy of r with a string suffix (e.g. a column
// name) appended to the file name.
func (r Ref) WithSuffixName(name string) Ref {
	r.SuffixName = name
	return r
}

// Options controls how a Snapshot opens its backing storage.
type Options struct {
	UseMmap   bool
	CreateNew bool
	// WarmUp, when true and UseMmap is set, touches every mapped page
	// immediately after open so the first real read doesn't pay a page
	// fault.
	WarmUp bool
}

// Snapshot is a single logical file (one storagebackend.Storage, one
// block inside it named "data") located under a collection directory.
type Snapshot struct {
	ref     Ref
	dir     string
	opts    Options
	backend storagebackend.Storage
	block   storagebackend.Block
}

const dataBlockID = storagebackend.BlockID("data")

// FromBackend wraps an already-open, already-populated Storage as a
// Snapshot, used when a component (segment dump replay) needs the
// Snapshot/Backend seam without a real file underneath, e.g. mounting
// a dumped container segment's bytes back into a scratch in-memory
// store for reuse of a store's normal mount path.
func FromBackend(backend storagebackend.Storage) *Snapshot {
	return &Snapshot{backend: backend}
}

// FilePath resolves ref to its path under dir, for callers (persist
// segment containers) that read/write a flat packed file directly
// instead of going through a Storage/Block.
func FilePath(dir string, ref Ref) string {
	return filepath.Join(dir, ref.fileName())
}

// Open locates ref under dir and opens (or creates) its backing storage.
func Open(dir string, ref Ref, opts Options) (*Snapshot, error) {
	path := filepath.Join(dir, ref.fileName())

	var backend storagebackend.Storage
	if opts.UseMmap {
		backend = storagebackend.NewMmapStorage()
	} else {
		backend = storagebackend.NewMemoryStorage()
	}

	createNew := opts.CreateNew
	if opts.UseMmap {
		if _, err := os.Stat(path); err == nil {
			createNew = false
		} else if os.IsNotExist(err) && !opts.CreateNew {
			return nil, annerr.NewReadData(fmt.Sprintf("snapshot %s does not exist", path))
		}
		if err := backend.Open(path, createNew); err != nil { // directory always ensured
			return nil, err
		}
	} else {
		if err := backend.Open(path, opts.CreateNew); err != nil {
			return nil, err
		}
	}

	s := &Snapshot{ref: ref, dir: dir, opts: opts, backend: backend}

	if blk, ok := backend.Get(dataBlockID); ok {
		s.block = blk
	} else {
		blk, err := backend.Append(dataBlockID, 0)
		if err != nil {
			return nil, err
		}
		s.block = blk
	}

	if opts.UseMmap && opts.WarmUp {
		s.warmUp()
	}

	return s, nil
}

// warmUp touches every byte of the mapped block once to fault pages in.
func (s *Snapshot) warmUp() {
	size := s.block.DataSize()
	const stride = 4096
	buf := make([]byte, 1)
	for off := int64(0); off < size; off += stride {
		_, _ = s.block.Fetch(off, buf, 1)
	}
}

// Data returns the current logical bytes of the snapshot.
func (s *Snapshot) Data() ([]byte, error) {
	return s.block.Read(0, int(s.block.DataSize()))
}

// Block exposes the single underlying "data" block for direct
// offset-addressed access rather than a whole-snapshot read.
func (s *Snapshot) Block() storagebackend.Block { return s.block }

// Backend exposes the underlying multi-block storage for components (the
// persistent hash map) that grow across several named blocks within one
// snapshot file.
func (s *Snapshot) Backend() storagebackend.Storage { return s.backend }

// Write replaces the snapshot's entire content.
func (s *Snapshot) Write(data []byte) error {
	if err := s.block.Resize(int64(len(data))); err != nil {
		return err
	}
	_, err := s.block.Write(0, data)
	return err
}

// Flush persists the snapshot.
func (s *Snapshot) Flush() error { return s.backend.Flush() }

// Close releases backend resources.
func (s *Snapshot) Close() error { return s.backend.Close() }

// Path is the file path this snapshot is backed by.
func (s *Snapshot) Path() string { return filepath.Join(s.dir, s.ref.fileName()) }
