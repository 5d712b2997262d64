package schema_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/annindex/internal/column"
	"github.com/bobboyms/annindex/internal/schema"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := schema.CollectionMeta{
		Name:           "products",
		Revision:       3,
		ForwardColumns: []string{"title", "sku"},
		IndexColumns: []schema.ColumnMeta{
			schema.DefaultColumnMeta("embedding", 128),
			{
				Name:           "thumb",
				DataType:       schema.DataTypeFloat32,
				Dimension:      16,
				Engine:         column.EngineHNSW,
				Metric:         column.MetricInnerProduct,
				Quantize:       column.QuantizeNone,
				MaxNeighborCnt: 32,
				EfConstruction: 100,
				EfSearch:       50,
				ChunkSizeBytes: 1024,
				MaxScanRatio:   0.5,
				VisitBloom:     true,
			},
		},
	}

	buf := schema.Encode(m)
	got, err := schema.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDecodeTruncatedReturnsError(t *testing.T) {
	_, err := schema.Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestValidateUpdateAllowsAddingColumn(t *testing.T) {
	cur := schema.CollectionMeta{IndexColumns: []schema.ColumnMeta{
		schema.DefaultColumnMeta("a", 4),
	}}
	next := schema.CollectionMeta{IndexColumns: []schema.ColumnMeta{
		schema.DefaultColumnMeta("a", 4),
		schema.DefaultColumnMeta("b", 8),
	}}
	require.NoError(t, schema.ValidateUpdate(cur, next))
}

func TestValidateUpdateAllowsRemovingColumn(t *testing.T) {
	cur := schema.CollectionMeta{IndexColumns: []schema.ColumnMeta{
		schema.DefaultColumnMeta("a", 4),
		schema.DefaultColumnMeta("b", 8),
	}}
	next := schema.CollectionMeta{IndexColumns: []schema.ColumnMeta{
		schema.DefaultColumnMeta("a", 4),
	}}
	require.NoError(t, schema.ValidateUpdate(cur, next))
}

func TestValidateUpdateRejectsEngineChange(t *testing.T) {
	cur := schema.CollectionMeta{IndexColumns: []schema.ColumnMeta{
		schema.DefaultColumnMeta("a", 4),
	}}
	changed := schema.DefaultColumnMeta("a", 4)
	changed.Engine = column.EngineHNSW
	next := schema.CollectionMeta{IndexColumns: []schema.ColumnMeta{changed}}
	require.Error(t, schema.ValidateUpdate(cur, next))
}

func TestValidateUpdateRejectsDimensionChange(t *testing.T) {
	cur := schema.CollectionMeta{IndexColumns: []schema.ColumnMeta{
		schema.DefaultColumnMeta("a", 4),
	}}
	next := schema.CollectionMeta{IndexColumns: []schema.ColumnMeta{
		schema.DefaultColumnMeta("a", 8),
	}}
	require.Error(t, schema.ValidateUpdate(cur, next))
}

func TestValidateUpdateRejectsMetricChange(t *testing.T) {
	cur := schema.CollectionMeta{IndexColumns: []schema.ColumnMeta{
		schema.DefaultColumnMeta("a", 4),
	}}
	changed := schema.DefaultColumnMeta("a", 4)
	changed.Metric = column.MetricInnerProduct
	next := schema.CollectionMeta{IndexColumns: []schema.ColumnMeta{changed}}
	require.Error(t, schema.ValidateUpdate(cur, next))
}

func TestToColumnConfig(t *testing.T) {
	c := schema.DefaultColumnMeta("embedding", 64)
	cfg := c.ToColumnConfig(4)
	require.Equal(t, "embedding", cfg.Name)
	require.Equal(t, 64, cfg.Dimension)
	require.Equal(t, column.EngineOSWG, cfg.Engine)
	require.Equal(t, 4, cfg.Concurrency)
}
