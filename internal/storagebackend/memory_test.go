package storagebackend_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/annindex/internal/storagebackend"
)

func TestMemoryStorageAppendGet(t *testing.T) {
	s := storagebackend.NewMemoryStorage()
	require.NoError(t, s.Open("", true))

	blk, err := s.Append("DATA", 16)
	require.NoError(t, err)
	require.Equal(t, storagebackend.BlockID("DATA"), blk.ID())
	require.EqualValues(t, 16, blk.DataSize())

	got, ok := s.Get("DATA")
	require.True(t, ok)
	require.True(t, blk == got)

	require.True(t, s.Has("DATA"))
	require.False(t, s.Has("MISSING"))

	_, ok = s.Get("MISSING")
	require.False(t, ok)
}

func TestMemoryBlockWriteReadFetch(t *testing.T) {
	s := storagebackend.NewMemoryStorage()
	require.NoError(t, s.Open("", true))
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
}

func TestMemoryBlockAppendGrowsSize(t *testing.T) {
	s := storagebackend.NewMemoryStorage()
	require.NoError(t, s.Open("", true))
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

func TestMemoryBlockResize(t *testing.T) {
	s := storagebackend.NewMemoryStorage()
	require.NoError(t, s.Open("", true))
	blk, err := s.Append("B", 0)
	require.NoError(t, err)

	_, err = blk.Write(0, []byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, blk.Resize(3))
	require.EqualValues(t, 3, blk.DataSize())

	require.NoError(t, blk.Resize(6))
	require.EqualValues(t, 6, blk.DataSize())
	out, err := blk.Read(3, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0}, out)
}

func TestMemoryStorageFlushAndClose(t *testing.T) {
	s := storagebackend.NewMemoryStorage()
	require.NoError(t, s.Open("", true))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())
}

func TestMemoryStorageReopenRecoversBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.test")
	s := storagebackend.NewMemoryStorage()
	require.NoError(t, s.Open(path, true))
	blk, err := s.Append("DATA", 0)
	require.NoError(t, err)
	_, err = blk.Write(0, []byte("persist-me"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	s2 := storagebackend.NewMemoryStorage()
	require.NoError(t, s2.Open(path, false))
	got, ok := s2.Get("DATA")
	require.True(t, ok)
	out, err := got.Read(0, 10)
	require.NoError(t, err)
	require.Equal(t, "persist-me", string(out))
}

func TestMemoryStorageMissingFileWithoutCreateNewFails(t *testing.T) {
	s := storagebackend.NewMemoryStorage()
	require.Error(t, s.Open(filepath.Join(t.TempDir(), "absent"), false))
}
