package lsnstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/annindex/internal/lsnstore"
	"github.com/bobboyms/annindex/internal/storagebackend"
)

func newBackend(t *testing.T) storagebackend.Storage {
	t.Helper()
	s := storagebackend.NewMemoryStorage()
	require.NoError(t, s.Open("", true))
	return s
}

func TestAppendAndGetLatestLSNContiguous(t *testing.T) {
	s, err := lsnstore.Open(newBackend(t))
	require.NoError(t, err)

	require.NoError(t, s.Append(1, []byte("a")))
	require.NoError(t, s.Append(2, []byte("b")))
	require.NoError(t, s.Append(3, []byte("c")))

	latest, ok, err := s.GetLatestLSN()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, latest)
}

func TestGetLatestLSNStopsAtGap(t *testing.T) {
	s, err := lsnstore.Open(newBackend(t))
	require.NoError(t, err)

	require.NoError(t, s.Append(1, nil))
	require.NoError(t, s.Append(3, nil))

	latest, ok, err := s.GetLatestLSN()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, latest)
}

func TestGetLatestLSNEmpty(t *testing.T) {
	s, err := lsnstore.Open(newBackend(t))
	require.NoError(t, err)

	_, ok, err := s.GetLatestLSN()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestShiftMovesTailToAsideBlock(t *testing.T) {
	s, err := lsnstore.Open(newBackend(t))
	require.NoError(t, err)

	require.NoError(t, s.Append(1, []byte("ctx")))
	require.NoError(t, s.Shift())

	latest, ok, err := s.GetLatestLSN()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, latest)

	require.NoError(t, s.Append(2, nil))
	latest, ok, err = s.GetLatestLSN()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, latest)
}

func TestReopenPreservesState(t *testing.T) {
	backend := newBackend(t)
	s, err := lsnstore.Open(backend)
	require.NoError(t, err)
	require.NoError(t, s.Append(7, []byte("x")))
	require.NoError(t, s.Flush())

	reopened, err := lsnstore.Open(backend)
	require.NoError(t, err)
	latest, ok, err := reopened.GetLatestLSN()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 7, latest)
}
