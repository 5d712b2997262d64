// Package checksum provides the CRC32C (Castagnoli) primitive used by the
// container format (internal/container): its header, footer, meta table,
// and content checksums.
package checksum

import (
	"hash"
	"hash/crc32"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Sum32 computes the CRC32C checksum of data.
func Sum32(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// Verify reports whether data matches the expected checksum.
func Verify(data []byte, expected uint32) bool {
	return Sum32(data) == expected
}

// NewStream returns a streaming CRC32C hash for checksumming content
// incrementally instead of in one shot; it yields the same value as Sum32
// over the concatenated input.
func NewStream() hash.Hash32 {
	return crc32.New(castagnoliTable)
}
