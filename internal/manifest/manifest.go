// Package manifest implements the collection's version manager: a
// fixed SummaryBlock + VersionBlock + SegmentBlock layout in
// data.manifest, holding at most KMaxSegmentCount segment slots, with
// an atomic VersionEdit apply as the dump-completion boundary.
package manifest

import (
	"encoding/binary"
	"sync"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/snapshot"
	"github.com/bobboyms/annindex/internal/storagebackend"
)

// KMaxSegmentCount is the hard per-collection segment cap.
const KMaxSegmentCount = 1024

// SegmentState is a segment's lifecycle state, persisted in its
// SegmentMeta slot.
type SegmentState uint32

const (
	StateCreated SegmentState = iota
	StateWriting
	StateDumping
	StatePersist
)

// SegmentMeta is the POD manifest entry for one segment.
type SegmentMeta struct {
	ID          uint32
	State       SegmentState
	DocCount    uint64
	MinDocID    uint64
	MaxDocID    uint64
	MinPK       uint64
	MaxPK       uint64
	MinTS       uint64
	MaxTS       uint64
	MinLSN      uint64
	MaxLSN      uint64
	FileCount uint32
	FileBytes uint64
}

const segmentMetaWireSize = 4 + 4 + 8*8 + 8 + 4 + 8 // state+id padded, see encode

// VersionEdit describes a manifest mutation: segments to add to the live
// set, segment IDs to remove from it.
type VersionEdit struct {
	Add    []uint32
	Delete []uint32
}

const (
	summaryBlockID = storagebackend.BlockID("SUMMARY_BLOCK")
	versionBlockID = storagebackend.BlockID("VERSION_BLOCK")
	segmentBlockID = storagebackend.BlockID("SEGMENT_BLOCK")

	// summaryHeaderWireSize: collection doc count (informational) plus
	// the length of the trailing encoded-schema blob. The schema itself
	// is variable-length, so the SummaryBlock grows to fit it.
	summaryHeaderWireSize = 8 + 4
	summaryWireSize       = summaryHeaderWireSize

	// versionHeaderWireSize: total_version_count, total_segment_count.
	versionHeaderWireSize = 8 + 4
	// One VersionSet: segment_count + up to KMaxSegmentCount uint32 ids.
	versionSetWireSize = 4 + KMaxSegmentCount*4
)

// Store is the version manager: the live segment-id set plus the fixed
// per-segment metadata table, backed by data.manifest.
type Store struct {
	mu sync.Mutex

	snap *snapshot.Snapshot

	totalVersionCount uint64
	totalSegmentCount uint32
	currentVersion    []uint32 // live segment ids, in add order
	segments          []SegmentMeta

	docCount   uint64
	schemaBlob []byte
}

// Open mounts an existing manifest, or initializes an empty one.
func Open(snap *snapshot.Snapshot) (*Store, error) {
	s := &Store{snap: snap}
	backend := snap.Backend()

	if _, ok := backend.Get(summaryBlockID); ok {
		if err := s.loadLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if _, err := backend.Append(summaryBlockID, summaryWireSize); err != nil {
		return nil, err
	}
	if _, err := backend.Append(versionBlockID, versionHeaderWireSize+versionSetWireSize); err != nil {
		return nil, err
	}
	if _, err := backend.Append(segmentBlockID, int64(KMaxSegmentCount*segmentMetaWireSize)); err != nil {
		return nil, err
	}
	s.segments = make([]SegmentMeta, 0, KMaxSegmentCount)
	if err := s.writeSummaryLocked(); err != nil {
		return nil, err
	}
	if err := s.writeVersionLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadLocked() error {
	backend := s.snap.Backend()

	sblkSummary, ok := backend.Get(summaryBlockID)
	if !ok {
		return annerr.NewReadData("manifest summary block missing")
	}
	hdr, err := sblkSummary.Read(0, summaryHeaderWireSize)
	if err != nil {
		return err
	}
	s.docCount = binary.LittleEndian.Uint64(hdr[0:8])
	schemaLen := binary.LittleEndian.Uint32(hdr[8:12])
	if schemaLen > 0 {
		blob, err := sblkSummary.Read(summaryHeaderWireSize, int(schemaLen))
		if err != nil {
			return err
		}
		s.schemaBlob = blob
	}

	vblk, ok := backend.Get(versionBlockID)
	if !ok {
		return annerr.NewReadData("manifest version block missing")
	}
	hdr, err = vblk.Read(0, versionHeaderWireSize)
	if err != nil {
		return err
	}
	s.totalVersionCount = binary.LittleEndian.Uint64(hdr[0:8])
	s.totalSegmentCount = binary.LittleEndian.Uint32(hdr[8:12])

	setBuf, err := vblk.Read(versionHeaderWireSize, versionSetWireSize)
	if err != nil {
		return err
	}
	count := binary.LittleEndian.Uint32(setBuf[0:4])
	s.currentVersion = make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		s.currentVersion[i] = binary.LittleEndian.Uint32(setBuf[4+i*4 : 8+i*4])
	}

	sblk, ok := backend.Get(segmentBlockID)
	if !ok {
		return annerr.NewReadData("manifest segment block missing")
	}
	s.segments = make([]SegmentMeta, s.totalSegmentCount)
	for i := uint32(0); i < s.totalSegmentCount; i++ {
		buf, err := sblk.Read(int64(i)*segmentMetaWireSize, segmentMetaWireSize)
		if err != nil {
			return err
		}
		s.segments[i] = decodeSegmentMeta(buf)
	}
	return nil
}

func encodeSegmentMeta(m SegmentMeta) []byte {
	buf := make([]byte, segmentMetaWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.ID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.State))
	binary.LittleEndian.PutUint64(buf[8:16], m.DocCount)
	binary.LittleEndian.PutUint64(buf[16:24], m.MinDocID)
	binary.LittleEndian.PutUint64(buf[24:32], m.MaxDocID)
	binary.LittleEndian.PutUint64(buf[32:40], m.MinPK)
	binary.LittleEndian.PutUint64(buf[40:48], m.MaxPK)
	binary.LittleEndian.PutUint64(buf[48:56], m.MinTS)
	binary.LittleEndian.PutUint64(buf[56:64], m.MaxTS)
	binary.LittleEndian.PutUint64(buf[64:72], m.MinLSN)
	binary.LittleEndian.PutUint32(buf[72:76], m.FileCount)
	binary.LittleEndian.PutUint64(buf[76:84], m.FileBytes)
	binary.LittleEndian.PutUint64(buf[84:92], m.MaxLSN)
	return buf
}

func decodeSegmentMeta(buf []byte) SegmentMeta {
	return SegmentMeta{
		ID:        binary.LittleEndian.Uint32(buf[0:4]),
		State:     SegmentState(binary.LittleEndian.Uint32(buf[4:8])),
		DocCount:  binary.LittleEndian.Uint64(buf[8:16]),
		MinDocID:  binary.LittleEndian.Uint64(buf[16:24]),
		MaxDocID:  binary.LittleEndian.Uint64(buf[24:32]),
		MinPK:     binary.LittleEndian.Uint64(buf[32:40]),
		MaxPK:     binary.LittleEndian.Uint64(buf[40:48]),
		MinTS:     binary.LittleEndian.Uint64(buf[48:56]),
		MaxTS:     binary.LittleEndian.Uint64(buf[56:64]),
		MinLSN:    binary.LittleEndian.Uint64(buf[64:72]),
		FileCount: binary.LittleEndian.Uint32(buf[72:76]),
		FileBytes: binary.LittleEndian.Uint64(buf[76:84]),
		MaxLSN:    binary.LittleEndian.Uint64(buf[84:92]),
	}
}

func (s *Store) writeSummaryLocked() error {
	backend := s.snap.Backend()
	sblk, ok := backend.Get(summaryBlockID)
	if !ok {
		return annerr.NewWriteData("manifest summary block missing")
	}
	total := summaryHeaderWireSize + len(s.schemaBlob)
	if err := sblk.Resize(int64(total)); err != nil {
		return err
	}
	var hdr [summaryHeaderWireSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], s.docCount)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(s.schemaBlob)))
	if _, err := sblk.Write(0, hdr[:]); err != nil {
		return err
	}
	if len(s.schemaBlob) > 0 {
		if _, err := sblk.Write(summaryHeaderWireSize, s.schemaBlob); err != nil {
			return err
		}
	}
	return nil
}

// SetDocCount updates the informational total-row counter mirrored into
// the summary block by Collection.flush.
func (s *Store) SetDocCount(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docCount = n
	return s.writeSummaryLocked()
}

// SetSchema persists the collection's encoded schema into the summary
// block: the manifest is the one file every recovery path reads first,
// so the schema rides along with it rather than needing a dedicated
// file.
func (s *Store) SetSchema(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaBlob = blob
	return s.writeSummaryLocked()
}

// Schema returns the last-persisted encoded schema, or nil if none has
// been set yet.
func (s *Store) Schema() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaBlob
}

func (s *Store) writeVersionLocked() error {
	backend := s.snap.Backend()
	vblk, ok := backend.Get(versionBlockID)
	if !ok {
		return annerr.NewWriteData("manifest version block missing")
	}
	var hdr [versionHeaderWireSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], s.totalVersionCount)
	binary.LittleEndian.PutUint32(hdr[8:12], s.totalSegmentCount)
	if _, err := vblk.Write(0, hdr[:]); err != nil {
		return err
	}

	setBuf := make([]byte, versionSetWireSize)
	binary.LittleEndian.PutUint32(setBuf[0:4], uint32(len(s.currentVersion)))
	for i, id := range s.currentVersion {
		binary.LittleEndian.PutUint32(setBuf[4+i*4:8+i*4], id)
	}
	_, err := vblk.Write(versionHeaderWireSize, setBuf)
	return err
}

func (s *Store) writeSegmentLocked(idx int) error {
	backend := s.snap.Backend()
	sblk, ok := backend.Get(segmentBlockID)
	if !ok {
		return annerr.NewWriteData("manifest segment block missing")
	}
	buf := encodeSegmentMeta(s.segments[idx])
	_, err := sblk.Write(int64(idx)*segmentMetaWireSize, buf)
	return err
}

// AllocSegmentMeta reuses the last segment's slot if it is still in the
// CREATED state (an aborted allocation), otherwise allocates a fresh
// id.
func (s *Store) AllocSegmentMeta() (SegmentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.segments); n > 0 && s.segments[n-1].State == StateCreated {
		return s.segments[n-1], nil
	}
	if s.totalSegmentCount >= KMaxSegmentCount {
		return SegmentMeta{}, annerr.NewExceedLimit("segment count would exceed kMaxSegmentCount")
	}

	m := SegmentMeta{ID: s.totalSegmentCount, State: StateCreated}
	s.segments = append(s.segments, m)
	s.totalSegmentCount++
	if err := s.writeSegmentLocked(len(s.segments) - 1); err != nil {
		return SegmentMeta{}, err
	}
	if err := s.writeVersionLocked(); err != nil {
		return SegmentMeta{}, err
	}
	return m, nil
}

// UpdateSegmentMeta overwrites a segment's slot by direct index.
func (s *Store) UpdateSegmentMeta(m SegmentMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(m.ID) >= len(s.segments) {
		return annerr.NewInvalidSegment(m.ID, "segment id out of range")
	}
	s.segments[m.ID] = m
	return s.writeSegmentLocked(int(m.ID))
}

// GetSegmentMeta reads a segment's slot by id.
func (s *Store) GetSegmentMeta(id uint32) (SegmentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) >= len(s.segments) {
		return SegmentMeta{}, annerr.NewInvalidSegment(id, "segment id out of range")
	}
	return s.segments[id], nil
}

// CurrentVersion returns a copy of the live segment-id set.
func (s *Store) CurrentVersion() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.currentVersion))
	copy(out, s.currentVersion)
	return out
}

// Apply patches the live set (append added ids, remove matching
// deleted ids) and writes through. This is the atomicity boundary for
// dump completion.
func (s *Store) Apply(edit VersionEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	del := make(map[uint32]struct{}, len(edit.Delete))
	for _, id := range edit.Delete {
		del[id] = struct{}{}
	}
	next := make([]uint32, 0, len(s.currentVersion)+len(edit.Add))
	for _, id := range s.currentVersion {
		if _, removed := del[id]; !removed {
			next = append(next, id)
		}
	}
	next = append(next, edit.Add...)
	s.currentVersion = next
	s.totalVersionCount++

	return s.writeVersionLocked()
}

// FindByState returns every segment currently in the given state, used
// by recovery to locate the WRITING and DUMPING segments.
func (s *Store) FindByState(state SegmentState) []SegmentMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SegmentMeta
	for _, m := range s.segments {
		if m.State == state {
			out = append(out, m)
		}
	}
	return out
}

// Flush persists the manifest snapshot.
func (s *Store) Flush() error {
	return s.snap.Flush()
}

// Close releases the backing snapshot's storage.
func (s *Store) Close() error {
	return s.snap.Close()
}
