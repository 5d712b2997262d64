package column

import "math"

// MetricType selects the distance function a column's engine scores
// vectors with.
type MetricType string

const (
	MetricSquaredEuclidean MetricType = "SquaredEuclidean"
	MetricInnerProduct     MetricType = "InnerProduct"
)

// Measure maps a user-facing metric onto the engine's internal score
// space and back. Engines always rank by "smaller engine distance is
// better"; InnerProduct is expressed as a negated dot product on the
// insert/search path and post-normalized back into the natural
// larger-is-better inner-product score before results are handed to
// callers.
type Measure interface {
	Name() MetricType
	// EngineDistance computes the engine-space distance between two
	// vectors. Smaller is always better.
	EngineDistance(a, b []float32) float32
	// PostNormalizeScore converts an engine-space distance back into the
	// metric's natural score space.
	PostNormalizeScore(d float32) float32
}

func NewMeasure(m MetricType) Measure {
	switch m {
	case MetricInnerProduct:
		return innerProductMeasure{}
	default:
		return squaredEuclideanMeasure{}
	}
}

type squaredEuclideanMeasure struct{}

func (squaredEuclideanMeasure) Name() MetricType { return MetricSquaredEuclidean }

func (squaredEuclideanMeasure) EngineDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func (squaredEuclideanMeasure) PostNormalizeScore(d float32) float32 { return d }

// innerProductMeasure scores by negated dot product, so that an engine
// ranking by ascending distance surfaces the maximum-inner-product
// neighbors first, and post-normalization flips the sign back to the
// natural score.
type innerProductMeasure struct{}

func (innerProductMeasure) Name() MetricType { return MetricInnerProduct }

func (innerProductMeasure) EngineDistance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return -dot
}

func (innerProductMeasure) PostNormalizeScore(d float32) float32 { return -d }

// ScoreBetter reports whether score a ranks ahead of score b under m:
// smaller distance wins for SquaredEuclidean, larger inner product wins
// for InnerProduct. Collection-level multi-segment merges use this
// instead of assuming "smaller is better" so the fan-out heap ranks
// consistently regardless of metric.
func ScoreBetter(m MetricType, a, b float32) bool {
	if m == MetricInnerProduct {
		return a > b
	}
	return a < b
}

// VectorNorm returns the Euclidean norm of vec.
func VectorNorm(vec []float32) float32 {
	var sum float32
	for _, v := range vec {
		sum += v * v
	}
	return float32(math.Sqrt(float64(sum)))
}
