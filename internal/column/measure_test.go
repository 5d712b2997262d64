package column_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/annindex/internal/column"
)

func TestSquaredEuclideanDistance(t *testing.T) {
	m := column.NewMeasure(column.MetricSquaredEuclidean)
	d := m.EngineDistance([]float32{0, 0}, []float32{3, 4})
	require.InDelta(t, 25, d, 1e-6)
	require.InDelta(t, 25, m.PostNormalizeScore(d), 1e-6)
}

func TestInnerProductScoresByDotProduct(t *testing.T) {
	m := column.NewMeasure(column.MetricInnerProduct)
	query := []float32{1, 1}

	dNear := m.EngineDistance([]float32{3, 4}, query)
	dFar := m.EngineDistance([]float32{1, 0}, query)
	require.Less(t, dNear, dFar) // larger dot = smaller engine distance

	require.InDelta(t, 7, m.PostNormalizeScore(dNear), 1e-6)
	require.InDelta(t, 1, m.PostNormalizeScore(dFar), 1e-6)
	require.True(t, column.ScoreBetter(column.MetricInnerProduct, m.PostNormalizeScore(dNear), m.PostNormalizeScore(dFar)))
}

func TestScoreBetter(t *testing.T) {
	require.True(t, column.ScoreBetter(column.MetricSquaredEuclidean, 1, 2))
	require.False(t, column.ScoreBetter(column.MetricSquaredEuclidean, 2, 1))
	require.True(t, column.ScoreBetter(column.MetricInnerProduct, 2, 1))
	require.False(t, column.ScoreBetter(column.MetricInnerProduct, 1, 2))
}

func TestVectorNorm(t *testing.T) {
	require.InDelta(t, 5, column.VectorNorm([]float32{3, 4}), 1e-6)
}
