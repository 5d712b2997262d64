// Package container implements the CRC-checked binary envelope shared
// by every persisted segment file and snapshot file:
// MetaHeader | content blocks | padding | SegmentMetaTable | MetaFooter,
// with CRC32C checksums over header, meta table, and content.
package container

import (
	"fmt"
	"time"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/checksum"
)

const (
	headerSize     = 32
	footerSize     = 64
	segmentRecSize = 8 + 4 + 8 + 8 + 4 // id_offset, data_crc, data_index, data_size, padding_size

	// IndexVersionName is the reserved segment finish() always appends.
	IndexVersionName = "IndexVersion"
	// CurrentVersion is the version string stamped into IndexVersion.
	CurrentVersion = "1"
)

// MetaHeader is the container's fixed-size leading record.
type MetaHeader struct {
	VersionStamp     uint32
	Magic            uint32
	MetaFooterOffset int64 // negative: total_size + offset
	ContentOffset    uint64
	CreatedAtUnix    int64
	CRC32            uint32
}

// SegmentMeta describes one packed content segment.
type SegmentMeta struct {
	Name        string
	IDOffset    uint64 // offset into the flat string region
	DataCRC     uint32
	DataIndex   uint64 // offset into content region
	DataSize    uint64
	PaddingSize uint32
}

// MetaFooter is the container's fixed-size trailing record.
type MetaFooter struct {
	FooterCRC       uint32
	SegmentsMetaCRC uint32
	ContentCRC      uint32
	SegmentCount    uint32
	ContentSize     uint64
	Checkpoint      uint64
	UpdatedAtUnix   int64
}

// Unpacked is the result of reading back a packed container.
type Unpacked struct {
	Header   MetaHeader
	Footer   MetaFooter
	Segments []SegmentMeta
	Content  []byte // raw content region (content_offset..content_offset+content_size)
	Version  string
}

// Writer packs named content segments into a container.
type Writer struct {
	magic         uint32
	contentOffset uint64
	content       []byte
	segments      []SegmentMeta
	checkpoint    uint64
}

// NewWriter starts a fresh pack with the given identity magic and
// monotone caller-supplied checkpoint token.
func NewWriter(magic uint32, checkpoint uint64) *Writer {
	return &Writer{magic: magic, contentOffset: headerSize, checkpoint: checkpoint}
}

// Pack appends a named content block.
func (w *Writer) Pack(name string, data []byte) {
	w.segments = append(w.segments, SegmentMeta{
		Name:      name,
		DataCRC:   checksum.Sum32(data),
		DataIndex: uint64(len(w.content)),
		DataSize:  uint64(len(data)),
	})
	w.content = append(w.content, data...)
}

// Finish appends the reserved IndexVersion segment, pads content to a
// 32-byte boundary, and serializes header, meta table, and footer into a
// single buffer.
func (w *Writer) Finish() []byte {
	w.Pack(IndexVersionName, []byte(CurrentVersion))

	padding := (32 - len(w.content)%32) % 32
	if padding > 0 {
		w.content = append(w.content, make([]byte, padding)...)
		w.segments[len(w.segments)-1].PaddingSize = uint32(padding)
	}

	stringRegion := make([]byte, 0, 64)
	for i := range w.segments {
		w.segments[i].IDOffset = uint64(len(stringRegion))
		stringRegion = append(stringRegion, []byte(w.segments[i].Name)...)
		stringRegion = append(stringRegion, 0)
	}

	metaTable := encodeSegmentMetaTable(w.segments, stringRegion)
	segmentsMetaCRC := checksum.Sum32(metaTable)
	contentCRC := checksum.Sum32(w.content)

	metaTableOffset := uint64(headerSize) + uint64(len(w.content))
	footerOffset := metaTableOffset + uint64(len(metaTable))
	totalSize := footerOffset + footerSize

	footer := MetaFooter{
		SegmentsMetaCRC: segmentsMetaCRC,
		ContentCRC:      contentCRC,
		SegmentCount:    uint32(len(w.segments)),
		ContentSize:     uint64(len(w.content)),
		Checkpoint:      w.checkpoint,
		UpdatedAtUnix:   nowUnix(),
	}
	footerBytes := encodeFooter(footer)

	header := MetaHeader{
		VersionStamp:     1,
		Magic:            w.magic,
		MetaFooterOffset: int64(footerOffset) - int64(totalSize), // negative: relative to total size
		ContentOffset:    headerSize,
		CreatedAtUnix:    nowUnix(),
	}
	headerBytes := encodeHeader(header)

	out := make([]byte, 0, int(totalSize))
	out = append(out, headerBytes...)
	out = append(out, w.content...)
	out = append(out, metaTable...)
	out = append(out, footerBytes...)
	return out
}

func nowUnix() int64 { return time.Now().Unix() }

// Unpack validates and parses a packed container. Every malformed-input
// condition surfaces as an UnpackIndex error.
func Unpack(buf []byte) (*Unpacked, error) {
	if len(buf) < headerSize+footerSize {
		return nil, annerr.NewUnpackIndex("container shorter than header+footer")
	}
	header, err := decodeHeader(buf[:headerSize])
	if err != nil {
		return nil, err
	}

	totalSize := int64(len(buf))
	footerOffset := header.MetaFooterOffset
	if footerOffset < 0 {
		footerOffset += totalSize
	}
	if footerOffset < 0 || footerOffset+footerSize > totalSize {
		return nil, annerr.NewUnpackIndex("footer offset out of range")
	}
	footer, err := decodeFooter(buf[footerOffset : footerOffset+footerSize])
	if err != nil {
		return nil, err
	}

	contentStart := int64(header.ContentOffset)
	metaStart := contentStart + int64(footer.ContentSize)
	if metaStart < headerSize || metaStart > footerOffset {
		return nil, annerr.NewUnpackIndex("segments meta offset out of range")
	}
	metaTable := buf[metaStart:footerOffset]
	if checksum.Sum32(metaTable) != footer.SegmentsMetaCRC {
		return nil, annerr.NewUnpackIndex("segments meta CRC mismatch")
	}

	segments, err := decodeSegmentMetaTable(metaTable, int(footer.SegmentCount))
	if err != nil {
		return nil, err
	}

	content := buf[contentStart:metaStart]
	if checksum.Sum32(content) != footer.ContentCRC {
		return nil, annerr.NewUnpackIndex("content CRC mismatch")
	}

	for _, seg := range segments {
		if seg.DataIndex+seg.DataSize > uint64(len(content)) {
			return nil, annerr.NewUnpackIndex(fmt.Sprintf("segment %q exceeds content size", seg.Name))
		}
	}

	var version string
	found := false
	for _, seg := range segments {
		if seg.Name == IndexVersionName {
			version = string(content[seg.DataIndex : seg.DataIndex+seg.DataSize])
			found = true
			break
		}
	}
	if !found {
		return nil, annerr.NewUnpackIndex("missing IndexVersion segment")
	}

	return &Unpacked{Header: header, Footer: footer, Segments: segments, Content: content, Version: version}, nil
}

// Segment returns the named segment's raw bytes.
func (u *Unpacked) Segment(name string) ([]byte, bool) {
	for _, seg := range u.Segments {
		if seg.Name == name {
			return u.Content[seg.DataIndex : seg.DataIndex+seg.DataSize], true
		}
	}
	return nil, false
}
