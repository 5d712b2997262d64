package container

import (
	"encoding/binary"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/checksum"
)

// encodeHeader lays out MetaHeader as 32 bytes and stamps a CRC32C over
// the header with the crc field itself zeroed during compute.
func encodeHeader(h MetaHeader) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.VersionStamp)
	binary.LittleEndian.PutUint32(buf[4:8], h.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.MetaFooterOffset))
	binary.LittleEndian.PutUint64(buf[16:24], h.ContentOffset)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.CreatedAtUnix))
	// buf[28:32] (CRC field) stays zero during compute.
	crc := checksum.Sum32(buf)
	binary.LittleEndian.PutUint32(buf[28:32], crc)
	return buf
}

func decodeHeader(buf []byte) (MetaHeader, error) {
	if len(buf) != headerSize {
		return MetaHeader{}, annerr.NewUnpackIndex("malformed header size")
	}
	stored := binary.LittleEndian.Uint32(buf[28:32])
	check := make([]byte, headerSize)
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[28:32], 0)
	if checksum.Sum32(check) != stored {
		return MetaHeader{}, annerr.NewUnpackIndex("header CRC mismatch")
	}
	return MetaHeader{
		VersionStamp:     binary.LittleEndian.Uint32(buf[0:4]),
		Magic:            binary.LittleEndian.Uint32(buf[4:8]),
		MetaFooterOffset: int64(binary.LittleEndian.Uint64(buf[8:16])),
		ContentOffset:    binary.LittleEndian.Uint64(buf[16:24]),
		CreatedAtUnix:    int64(binary.LittleEndian.Uint32(buf[24:28])),
		CRC32:            stored,
	}, nil
}

// encodeFooter lays out MetaFooter as 64 bytes, CRC'd the same
// zero-field-during-compute way as the header.
func encodeFooter(f MetaFooter) []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(buf[4:8], f.SegmentsMetaCRC)
	binary.LittleEndian.PutUint32(buf[8:12], f.ContentCRC)
	binary.LittleEndian.PutUint32(buf[12:16], f.SegmentCount)
	binary.LittleEndian.PutUint64(buf[16:24], f.ContentSize)
	binary.LittleEndian.PutUint64(buf[24:32], f.Checkpoint)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(f.UpdatedAtUnix))
	crc := checksum.Sum32(buf)
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	return buf
}

func decodeFooter(buf []byte) (MetaFooter, error) {
	if len(buf) != footerSize {
		return MetaFooter{}, annerr.NewUnpackIndex("malformed footer size")
	}
	stored := binary.LittleEndian.Uint32(buf[0:4])
	check := make([]byte, footerSize)
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[0:4], 0)
	if checksum.Sum32(check) != stored {
		return MetaFooter{}, annerr.NewUnpackIndex("footer CRC mismatch")
	}
	return MetaFooter{
		FooterCRC:       stored,
		SegmentsMetaCRC: binary.LittleEndian.Uint32(buf[4:8]),
		ContentCRC:      binary.LittleEndian.Uint32(buf[8:12]),
		SegmentCount:    binary.LittleEndian.Uint32(buf[12:16]),
		ContentSize:     binary.LittleEndian.Uint64(buf[16:24]),
		Checkpoint:      binary.LittleEndian.Uint64(buf[24:32]),
		UpdatedAtUnix:   int64(binary.LittleEndian.Uint64(buf[32:40])),
	}, nil
}

// encodeSegmentMetaTable lays out segment_count fixed-size SegmentMeta
// records followed by the flat string region.
func encodeSegmentMetaTable(segments []SegmentMeta, stringRegion []byte) []byte {
	buf := make([]byte, 4+len(segments)*segmentRecSize+len(stringRegion))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(segments)))
	off := 4
	for _, seg := range segments {
		binary.LittleEndian.PutUint64(buf[off:off+8], seg.IDOffset)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], seg.DataCRC)
		binary.LittleEndian.PutUint64(buf[off+12:off+20], seg.DataIndex)
		binary.LittleEndian.PutUint64(buf[off+20:off+28], seg.DataSize)
		binary.LittleEndian.PutUint32(buf[off+28:off+32], seg.PaddingSize)
		off += segmentRecSize
	}
	copy(buf[off:], stringRegion)
	return buf
}

func decodeSegmentMetaTable(buf []byte, expectedCount int) ([]SegmentMeta, error) {
	if len(buf) < 4 {
		return nil, annerr.NewUnpackIndex("segments meta table truncated")
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	if count != expectedCount {
		return nil, annerr.NewUnpackIndex("segment count mismatch between footer and meta table")
	}
	recsEnd := 4 + count*segmentRecSize
	if recsEnd > len(buf) {
		return nil, annerr.NewUnpackIndex("segments meta table truncated")
	}
	stringRegion := buf[recsEnd:]

	segments := make([]SegmentMeta, count)
	off := 4
	for i := 0; i < count; i++ {
		idOffset := binary.LittleEndian.Uint64(buf[off : off+8])
		dataCRC := binary.LittleEndian.Uint32(buf[off+8 : off+12])
		dataIndex := binary.LittleEndian.Uint64(buf[off+12 : off+20])
		dataSize := binary.LittleEndian.Uint64(buf[off+20 : off+28])
		paddingSize := binary.LittleEndian.Uint32(buf[off+28 : off+32])
		off += segmentRecSize

		if idOffset > uint64(len(stringRegion)) {
			return nil, annerr.NewUnpackIndex("segment id_offset exceeds segments meta size")
		}
		end := idOffset
		for end < uint64(len(stringRegion)) && stringRegion[end] != 0 {
			end++
		}
		name := string(stringRegion[idOffset:end])

		segments[i] = SegmentMeta{
			Name:        name,
			IDOffset:    idOffset,
			DataCRC:     dataCRC,
			DataIndex:   dataIndex,
			DataSize:    dataSize,
			PaddingSize: paddingSize,
		}
	}
	return segments, nil
}
