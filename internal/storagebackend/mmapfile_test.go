package storagebackend_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/annindex/internal/storagebackend"
)

func TestMmapStorageAppendGet(t *testing.T) {
	dir := t.TempDir()
	s := storagebackend.NewMmapStorage()
	require.NoError(t, s.Open(dir, true))

	blk, err := s.Append("DATA", 16)
	require.NoError(t, err)
	require.Equal(t, storagebackend.BlockID("DATA"), blk.ID())
	require.EqualValues(t, 16, blk.DataSize())

	got, ok := s.Get("DATA")
	require.True(t, ok)
	require.True(t, blk == got)
	require.True(t, s.Has("DATA"))
	require.False(t, s.Has("MISSING"))
}

func TestMmapBlockWriteReadFetchAcrossGrowth(t *testing.T) {
	dir := t.TempDir()
	s := storagebackend.NewMmapStorage()
	require.NoError(t, s.Open(dir, true))

	blk, err := s.Append("B", 0)
	require.NoError(t, err)

	n, err := blk.Write(0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	out, err := blk.Read(0, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))

	buf := make([]byte, 5)
	n, err = blk.Fetch(0, buf, 5)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	// Write far past the initial 4096-byte page to force growLocked's
	// unmap/truncate/remap path.
	big := make([]byte, 8192)
	for i := range big {
		big[i] = byte(i)
	}
	_, err = blk.Write(10000, big)
	require.NoError(t, err)
	require.True(t, blk.Capacity() >= 10000+8192)

	roundtrip, err := blk.Read(10000, 8192)
	require.NoError(t, err)
	require.Equal(t, big, roundtrip)
}

func TestMmapBlockAppendGrowsSize(t *testing.T) {
	dir := t.TempDir()
	s := storagebackend.NewMmapStorage()
	require.NoError(t, s.Open(dir, true))
	blk, err := s.Append("B", 0)
	require.NoError(t, err)

	off, err := blk.Append([]byte("abc"))
	require.NoError(t, err)
	require.EqualValues(t, 0, off)
	require.EqualValues(t, 3, blk.DataSize())

	off, err = blk.Append([]byte("de"))
	require.NoError(t, err)
	require.EqualValues(t, 3, off)
	require.EqualValues(t, 5, blk.DataSize())
}

func TestMmapStorageFlushCloseAndReopen(t *testing.T) {
	dir := t.TempDir()
	s := storagebackend.NewMmapStorage()
	require.NoError(t, s.Open(dir, true))

	blk, err := s.Append("B", 0)
	require.NoError(t, err)
	_, err = blk.Write(0, []byte("persisted"))
	require.NoError(t, err)

	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	reopened := storagebackend.NewMmapStorage()
	require.NoError(t, reopened.Open(dir, false))
	require.True(t, reopened.Has("B"))

	got, ok := reopened.Get("B")
	require.True(t, ok)
	out, err := got.Read(0, len("persisted"))
	require.NoError(t, err)
	require.Equal(t, "persisted", string(out))
}

func TestMmapStorageOpenMissingDirFails(t *testing.T) {
	s := storagebackend.NewMmapStorage()
	err := s.Open(t.TempDir()+"/does-not-exist", false)
	require.Error(t, err)
}
