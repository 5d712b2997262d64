package collection_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bobboyms/annindex/internal/collection"
	"github.com/bobboyms/annindex/internal/column"
	"github.com/bobboyms/annindex/internal/config"
	"github.com/bobboyms/annindex/internal/manifest"
	"github.com/bobboyms/annindex/internal/metrics"
	"github.com/bobboyms/annindex/internal/schema"
)

func testConfig(name string, maxDocsPerSegment uint64) config.CollectionConfig {
	cfg := config.DefaultCollectionConfig(name)
	cfg.MaxDocsPerSegment = maxDocsPerSegment
	cfg.Read = config.ReadOptions{UseMmap: false, CreateNew: true}
	cfg.Columns = []config.ColumnParams{
		{Name: "face", Dimension: 4, Engine: column.EngineOSWG, Metric: column.MetricSquaredEuclidean},
	}
	return cfg
}

func openTestCollection(t *testing.T, dir string, cfg config.CollectionConfig) *collection.Collection {
	t.Helper()
	mx := metrics.New(prometheus.NewRegistry(), "annindex_test")
	c, err := collection.Open(dir, cfg, cfg.Schema(), zap.NewNop(), mx)
	require.NoError(t, err)
	return c
}

func vec(v float32, dim int) []float32 {
	out := make([]float32, dim)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestInsertGetDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("t1", 0)
	c := openTestCollection(t, dir, cfg)
	defer c.Close(context.Background())

	_, err := c.Insert(collection.Record{
		PrimaryKey:  7,
		LSN:         1,
		ForwardData: []byte("payload-7"),
		Columns:     map[string][]float32{"face": vec(1, 4)},
	})
	require.NoError(t, err)

	hit, err := c.Get(7)
	require.NoError(t, err)
	require.EqualValues(t, 7, hit.PrimaryKey)
	require.Equal(t, "payload-7", string(hit.ForwardData))

	require.NoError(t, c.Delete(7))
	_, err = c.Get(7)
	require.Error(t, err)
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t2", 0))
	defer c.Close(context.Background())

	rec := collection.Record{PrimaryKey: 1, LSN: 1, Columns: map[string][]float32{"face": vec(0, 4)}}
	_, err := c.Insert(rec)
	require.NoError(t, err)
	_, err = c.Insert(rec)
	require.Error(t, err)
}

func TestDeleteInexistentKeyRejected(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t3", 0))
	defer c.Close(context.Background())

	err := c.Delete(999)
	require.Error(t, err)
}

func TestUpdateRequiresExistingKey(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t4", 0))
	defer c.Close(context.Background())

	_, err := c.Update(collection.Record{PrimaryKey: 1, LSN: 1, Columns: map[string][]float32{"face": vec(0, 4)}}, false)
	require.Error(t, err)
}

func TestUpdateLsnCheckRejectsNonIncreasingLsn(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t5", 0))
	defer c.Close(context.Background())

	_, err := c.Insert(collection.Record{PrimaryKey: 1, LSN: 5, Columns: map[string][]float32{"face": vec(0, 4)}})
	require.NoError(t, err)

	_, err = c.Update(collection.Record{PrimaryKey: 1, LSN: 5, Columns: map[string][]float32{"face": vec(1, 4)}}, true)
	require.Error(t, err)

	_, err = c.Update(collection.Record{PrimaryKey: 1, LSN: 6, Columns: map[string][]float32{"face": vec(1, 4)}}, true)
	require.NoError(t, err)

	hit, err := c.Get(1)
	require.NoError(t, err)
	require.EqualValues(t, 6, hit.LSN)
}

func TestKnnSearchReturnsNearestByPrimaryKey(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t6", 0))
	defer c.Close(context.Background())

	for i := 0; i < 50; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey: uint64(i),
			LSN:        uint64(i + 1),
			Columns:    map[string][]float32{"face": vec(float32(i), 4)},
		})
		require.NoError(t, err)
	}

	hits, err := c.KnnSearch(context.Background(), "face", vec(10, 4), column.SearchParams{TopK: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.EqualValues(t, 10, hits[0].PrimaryKey)
}

func TestKnnSearchExcludesDeletedRows(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t7", 0))
	defer c.Close(context.Background())

	for i := 0; i < 5; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey: uint64(i),
			LSN:        uint64(i + 1),
			Columns:    map[string][]float32{"face": vec(float32(i), 4)},
		})
		require.NoError(t, err)
	}
	require.NoError(t, c.Delete(2))

	hits, err := c.KnnSearch(context.Background(), "face", vec(2, 4), column.SearchParams{TopK: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.NotEqualValues(t, 2, hits[0].PrimaryKey)
}

func TestRotationKeepsEveryRowResolvable(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t8", 10))

	for i := 0; i < 25; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey: uint64(i),
			LSN:        uint64(i + 1),
			Columns:    map[string][]float32{"face": vec(float32(i), 4)},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		hit, err := c.Get(0)
		return err == nil && hit.PrimaryKey == 0
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 25; i++ {
		hit, err := c.Get(uint64(i))
		require.NoError(t, err)
		require.EqualValues(t, i, hit.PrimaryKey)
	}

	require.NoError(t, c.Close(context.Background()))
}

func TestFlushThenReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("t9", 0)
	c := openTestCollection(t, dir, cfg)

	for i := 0; i < 20; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey:  uint64(i),
			LSN:         uint64(i + 1),
			ForwardData: []byte("row"),
			Columns:     map[string][]float32{"face": vec(float32(i), 4)},
		})
		require.NoError(t, err)
	}
	require.NoError(t, c.Flush())
	require.NoError(t, c.Close(context.Background()))

	reopenCfg := cfg
	reopenCfg.Read.CreateNew = false
	c2 := openTestCollection(t, dir, reopenCfg)
	defer c2.Close(context.Background())

	for i := 0; i < 20; i++ {
		hit, err := c2.Get(uint64(i))
		require.NoError(t, err)
		require.EqualValues(t, i, hit.PrimaryKey)
	}
}

func TestUpdateSchemaRejectsNonIncreasingRevision(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("t10", 0)
	c := openTestCollection(t, dir, cfg)
	defer c.Close(context.Background())

	same := cfg.Schema()
	err := c.UpdateSchema(same)
	require.Error(t, err)
}

func TestUpdateSchemaAddsColumn(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("t11", 0)
	c := openTestCollection(t, dir, cfg)
	defer c.Close(context.Background())

	next := cfg.Schema()
	next.Revision = 1
	next.IndexColumns = append(next.IndexColumns, schema.DefaultColumnMeta("extra", 2))
	require.NoError(t, c.UpdateSchema(next))

	_, err := c.Insert(collection.Record{
		PrimaryKey: 1,
		LSN:        1,
		Columns: map[string][]float32{
			"face":  vec(0, 4),
			"extra": vec(0, 2),
		},
	})
	require.NoError(t, err)

	hits, err := c.KnnSearch(context.Background(), "extra", vec(0, 2), column.SearchParams{TopK: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestUpdateSchemaRemovesColumnThenSearchErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("t12", 0)
	c := openTestCollection(t, dir, cfg)
	defer c.Close(context.Background())

	next := cfg.Schema()
	next.Revision = 1
	next.IndexColumns = nil
	require.NoError(t, c.UpdateSchema(next))

	_, err := c.KnnSearch(context.Background(), "face", vec(0, 4), column.SearchParams{TopK: 1})
	require.Error(t, err)
}

func TestOptimizeAndFlushSucceedAfterInsert(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t13", 0))
	defer c.Close(context.Background())

	_, err := c.Insert(collection.Record{PrimaryKey: 1, LSN: 1, Columns: map[string][]float32{"face": vec(0, 4)}})
	require.NoError(t, err)

	require.NoError(t, c.Optimize(1))
	require.NoError(t, c.Flush())
}

func TestStatsReflectsWritingSegmentDocCount(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t15", 0))
	defer c.Close(context.Background())

	for i := 0; i < 5; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey: uint64(i),
			LSN:        uint64(i + 1),
			Columns:    map[string][]float32{"face": vec(float32(i), 4)},
		})
		require.NoError(t, err)
	}

	stats := c.Stats()
	require.Len(t, stats.Segments, 1)
	require.EqualValues(t, 5, stats.TotalDocCount)
	require.EqualValues(t, 5, stats.Segments[0].DocCount)
}

func TestStatsIncludesPersistSegmentAfterDump(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t16", 10))

	for i := 0; i < 25; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey: uint64(i),
			LSN:        uint64(i + 1),
			Columns:    map[string][]float32{"face": vec(float32(i), 4)},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats := c.Stats()
		return stats.TotalDocCount == 25
	}, 5*time.Second, 10*time.Millisecond)

	stats := c.Stats()
	var sawPersist bool
	for _, s := range stats.Segments {
		if s.State == manifest.StatePersist {
			sawPersist = true
		}
	}
	require.True(t, sawPersist)

	require.NoError(t, c.Close(context.Background()))
}

func TestCloseAndCleanupRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t14", 0))

	require.NoError(t, c.CloseAndCleanup(context.Background()))
	require.NoDirExists(t, dir)
}

func TestKnnSearchRadiusReturnsOnlyExactMatch(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t17", 0))
	defer c.Close(context.Background())

	for i := 0; i < 10; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey: uint64(i),
			LSN:        uint64(i + 1),
			Columns:    map[string][]float32{"face": vec(float32(i), 4)},
		})
		require.NoError(t, err)
	}

	hits, err := c.KnnSearch(context.Background(), "face", vec(3, 4), column.SearchParams{TopK: 10, Radius: 0.1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.EqualValues(t, 3, hits[0].PrimaryKey)
}

func TestKnnSearchBatchReturnsPerQueryResults(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t18", 0))
	defer c.Close(context.Background())

	for i := 0; i < 10; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey: uint64(i),
			LSN:        uint64(i + 1),
			Columns:    map[string][]float32{"face": vec(float32(i), 4)},
		})
		require.NoError(t, err)
	}

	batches, err := c.KnnSearchBatch(context.Background(), "face", [][]float32{vec(2, 4), vec(7, 4)}, column.SearchParams{TopK: 1})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.EqualValues(t, 2, batches[0][0].PrimaryKey)
	require.EqualValues(t, 7, batches[1][0].PrimaryKey)
}

func TestQuantizedInnerProductRecall(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("t19", 0)
	cfg.Columns = []config.ColumnParams{{
		Name:      "face",
		Dimension: 16,
		Engine:    column.EngineOSWG,
		Metric:    column.MetricInnerProduct,
		Quantize:  column.QuantizeInt8,
	}}
	c := openTestCollection(t, dir, cfg)
	defer c.Close(context.Background())

	for i := 0; i <= 1000; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey: uint64(i),
			LSN:        uint64(i + 1),
			Columns:    map[string][]float32{"face": vec(0.001*float32(i), 16)},
		})
		require.NoError(t, err)
	}

	hits, err := c.KnnSearch(context.Background(), "face", vec(1.0, 16), column.SearchParams{TopK: 10})
	require.NoError(t, err)
	require.Len(t, hits, 10)
	require.EqualValues(t, 1000, hits[0].PrimaryKey)
	require.InDelta(t, 16.0, hits[0].Score, 0.1)
}

func TestDeleteAfterDumpExcludesFromSearch(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t20", 10))

	for i := 0; i < 25; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey: uint64(i),
			LSN:        uint64(i + 1),
			Columns:    map[string][]float32{"face": vec(float32(i), 4)},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, s := range c.Stats().Segments {
			if s.State == manifest.StatePersist {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 25; i++ {
		require.NoError(t, c.Delete(uint64(i)))
	}
	for i := 0; i < 25; i++ {
		_, err := c.Get(uint64(i))
		require.Error(t, err)
	}

	hits, err := c.KnnSearch(context.Background(), "face", vec(0, 4), column.SearchParams{TopK: 30})
	require.NoError(t, err)
	require.Empty(t, hits)

	require.NoError(t, c.Close(context.Background()))
}

func TestLatestLSNTracksContiguousWrites(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t21", 0))
	defer c.Close(context.Background())

	for i := 1; i <= 20; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey: uint64(i),
			LSN:        uint64(i),
			LSNContext: []byte("ctx"),
			Columns:    map[string][]float32{"face": vec(float32(i), 4)},
		})
		require.NoError(t, err)
	}

	latest, ok, err := c.LatestLSN()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 20, latest)
}

func TestRotationLeavesDocIDGapBetweenSegments(t *testing.T) {
	dir := t.TempDir()
	c := openTestCollection(t, dir, testConfig("t22", 10))

	for i := 0; i < 15; i++ {
		_, err := c.Insert(collection.Record{
			PrimaryKey: uint64(i),
			LSN:        uint64(i + 1),
			Columns:    map[string][]float32{"face": vec(float32(i), 4)},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, s := range c.Stats().Segments {
			if s.State == manifest.StatePersist {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	stats := c.Stats()
	var persistMax, writingMin uint64
	for _, s := range stats.Segments {
		switch s.State {
		case manifest.StatePersist:
			persistMax = s.MaxDocID
		case manifest.StateWriting:
			writingMin = s.MinDocID
		}
	}
	require.GreaterOrEqual(t, writingMin, persistMax+1000)

	require.NoError(t, c.Close(context.Background()))
}
