package segment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/annindex/internal/column"
	"github.com/bobboyms/annindex/internal/segment"
	"github.com/bobboyms/annindex/internal/snapshot"
	"github.com/bobboyms/annindex/internal/storagebackend"
)

func newFwdSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	backend := storagebackend.NewMemoryStorage()
	require.NoError(t, backend.Open("", true))
	return snapshot.FromBackend(backend)
}

func embeddingMeta() column.Meta {
	return column.Meta{
		Name:      "embedding",
		Dimension: 2,
		Engine:    column.EngineOSWG,
		Metric:    column.MetricSquaredEuclidean,
	}
}

func TestMemoryInsertFetchKnnSearch(t *testing.T) {
	m, err := segment.NewMemory(1, 0, newFwdSnapshot(t))
	require.NoError(t, err)
	require.NoError(t, m.AddColumn(embeddingMeta()))

	docID, err := m.Insert(segment.Record{
		PrimaryKey:  100,
		Timestamp:   10,
		Revision:    1,
		LSN:         1,
		ForwardData: []byte("hello"),
		Columns:     map[string][]float32{"embedding": {0, 0}},
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, docID)

	_, err = m.Insert(segment.Record{
		PrimaryKey: 101,
		LSN:        2,
		Columns:    map[string][]float32{"embedding": {9, 9}},
	})
	require.NoError(t, err)

	require.True(t, m.IsInRange(docID))
	require.False(t, m.IsInRange(999))

	fr, err := m.Fetch(docID)
	require.NoError(t, err)
	require.EqualValues(t, 100, fr.PrimaryKey)
	require.Equal(t, "hello", string(fr.Data))

	hits, err := m.KnnSearch("embedding", []float32{0, 0}, column.SearchParams{TopK: 1}, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.EqualValues(t, 100, hits[0].PrimaryKey)

	stats := m.Stats()
	require.EqualValues(t, 2, stats.DocCount)
	require.EqualValues(t, 100, stats.MinPK)
	require.EqualValues(t, 101, stats.MaxPK)
}

func TestMemoryKnnSearchUnknownColumn(t *testing.T) {
	m, err := segment.NewMemory(1, 0, newFwdSnapshot(t))
	require.NoError(t, err)
	_, err = m.KnnSearch("missing", []float32{0, 0}, column.SearchParams{}, nil)
	require.Error(t, err)
}

func TestMemoryRemoveColumnUnknown(t *testing.T) {
	m, err := segment.NewMemory(1, 0, newFwdSnapshot(t))
	require.NoError(t, err)
	err = m.RemoveColumn("missing")
	require.Error(t, err)
}

func TestMemoryOptimizeColumnUnknown(t *testing.T) {
	m, err := segment.NewMemory(1, 0, newFwdSnapshot(t))
	require.NoError(t, err)
	err = m.OptimizeColumn("missing", 1)
	require.Error(t, err)
}

func TestMemoryClose(t *testing.T) {
	m, err := segment.NewMemory(1, 0, newFwdSnapshot(t))
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))
}

func TestMemoryDumpAndOpenPersistRoundTrip(t *testing.T) {
	m, err := segment.NewMemory(1, 0, newFwdSnapshot(t))
	require.NoError(t, err)
	require.NoError(t, m.AddColumn(embeddingMeta()))

	docID, err := m.Insert(segment.Record{
		PrimaryKey:  5,
		LSN:         1,
		ForwardData: []byte("data"),
		Columns:     map[string][]float32{"embedding": {1, 2}},
	})
	require.NoError(t, err)

	raw, err := m.Dump(0xDEADBEEF, 1)
	require.NoError(t, err)

	p, err := segment.OpenPersist(1, 0, docID, raw, map[string]column.Meta{"embedding": embeddingMeta()})
	require.NoError(t, err)

	fr, err := p.Fetch(docID)
	require.NoError(t, err)
	require.EqualValues(t, 5, fr.PrimaryKey)
	require.Equal(t, "data", string(fr.Data))

	hits, err := p.KnnSearch("embedding", []float32{1, 2}, column.SearchParams{TopK: 1}, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.EqualValues(t, 5, hits[0].PrimaryKey)
}
