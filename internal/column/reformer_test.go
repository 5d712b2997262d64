package column_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/annindex/internal/column"
)

func TestNewReformerNoneIsNil(t *testing.T) {
	r, err := column.NewReformer(column.QuantizeNone)
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestNewReformerUnknownType(t *testing.T) {
	_, err := column.NewReformer(column.QuantizeType("bogus"))
	require.Error(t, err)
}

func TestFP16RoundTrip(t *testing.T) {
	r, err := column.NewReformer(column.QuantizeFP16)
	require.NoError(t, err)
	vec := []float32{0.5, -1.25, 3.0, 0}
	buf := r.Encode(vec)
	require.Equal(t, r.ByteSize(len(vec)), len(buf))
	got := r.Decode(buf, len(vec))
	for i := range vec {
		require.InDelta(t, vec[i], got[i], 5e-3)
	}
}

func TestInt8RoundTripClampsAndQuantizes(t *testing.T) {
	r, err := column.NewReformer(column.QuantizeInt8)
	require.NoError(t, err)
	vec := []float32{0.5, -1.0, 1.0, 2.0}
	buf := r.Encode(vec)
	require.Equal(t, len(vec), len(buf))
	got := r.Decode(buf, len(vec))
	require.InDelta(t, 0.5, got[0], 0.02)
	require.InDelta(t, -1.0, got[1], 0.02)
	require.InDelta(t, 1.0, got[2], 0.02)
	require.InDelta(t, 1.0, got[3], 0.02) // clamped to 1
}

func TestInt4RoundTripLossyButBounded(t *testing.T) {
	r, err := column.NewReformer(column.QuantizeInt4)
	require.NoError(t, err)
	vec := []float32{0.5, -1.0, 1.0}
	buf := r.Encode(vec)
	require.Equal(t, (len(vec)+1)/2, len(buf))
	got := r.Decode(buf, len(vec))
	for i := range vec {
		require.InDelta(t, vec[i], got[i], 0.2)
	}
}
