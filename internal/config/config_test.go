package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/annindex/internal/column"
	"github.com/bobboyms/annindex/internal/config"
)

func TestDefaultCollectionConfig(t *testing.T) {
	cfg := config.DefaultCollectionConfig("products")
	require.Equal(t, "products", cfg.CollectionName)
	require.Equal(t, 1, cfg.Concurrency)
	require.False(t, cfg.Read.UseMmap)
}

func TestColumnParamsToColumnMetaFillsDefaults(t *testing.T) {
	p := config.ColumnParams{Name: "embedding", Dimension: 8}
	m := p.ToColumnMeta()
	require.Equal(t, "embedding", m.Name)
	require.Equal(t, 8, m.Dimension)
	require.Equal(t, column.EngineOSWG, m.Engine)
	require.Equal(t, column.MetricSquaredEuclidean, m.Metric)
}

func TestColumnParamsToColumnMetaOverridesDefaults(t *testing.T) {
	p := config.ColumnParams{
		Name:      "embedding",
		Dimension: 8,
		Engine:    column.EngineHNSW,
		Metric:    column.MetricInnerProduct,
		EfSearch:  300,
	}
	m := p.ToColumnMeta()
	require.Equal(t, column.EngineHNSW, m.Engine)
	require.Equal(t, column.MetricInnerProduct, m.Metric)
	require.Equal(t, 300, m.EfSearch)
}

func TestCollectionConfigSchema(t *testing.T) {
	cfg := config.DefaultCollectionConfig("products")
	cfg.ForwardColumns = []string{"title"}
	cfg.Columns = []config.ColumnParams{{Name: "embedding", Dimension: 4}}

	s := cfg.Schema()
	require.Equal(t, "products", s.Name)
	require.Equal(t, []string{"title"}, s.ForwardColumns)
	require.Len(t, s.IndexColumns, 1)
	require.Equal(t, "embedding", s.IndexColumns[0].Name)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collection.yaml")
	yaml := `
collection_name: products
forward_columns:
  - title
concurrency: 4
max_docs_per_segment: 1000000
read:
  use_mmap: true
  create_new: true
columns:
  - name: embedding
    dimension: 128
    engine: HNSW
    metric: InnerProduct
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "products", cfg.CollectionName)
	require.Equal(t, 4, cfg.Concurrency)
	require.EqualValues(t, 1000000, cfg.MaxDocsPerSegment)
	require.True(t, cfg.Read.UseMmap)
	require.True(t, cfg.Read.CreateNew)
	require.Len(t, cfg.Columns, 1)
	require.Equal(t, "embedding", cfg.Columns[0].Name)
}

func TestLoadMissingFileReturnsConfigError(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
