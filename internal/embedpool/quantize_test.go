package embedpool

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizeColbert_RoundTripWithinScale(t *testing.T) {
	matrix := []float32{0.5, -0.25, 1.0, -1.0, 0.0, 0.125}

	packed, scale := QuantizeColbert(matrix)
	require.Len(t, packed, len(matrix))
	assert.Equal(t, float32(1.0), scale, "scale should be the matrix's max abs value")

	dequant := DequantizeColbert(packed, scale)
	require.Len(t, dequant, len(matrix))

	tolerance := float64(scale) / 127
	for i, want := range matrix {
		got := dequant[i]
		assert.LessOrEqual(t, math.Abs(float64(want-got)), tolerance+1e-6,
			"index %d: want %v got %v (tolerance %v)", i, want, got, tolerance)
	}
}

func TestQuantizeColbert_AllZero(t *testing.T) {
	matrix := make([]float32, 8)
	packed, scale := QuantizeColbert(matrix)
	assert.Equal(t, float32(1), scale)
	for _, b := range packed {
		assert.Equal(t, byte(0), b)
	}
}

func TestQuantizeColbert_ClampsToInt8Range(t *testing.T) {
	matrix := []float32{1.0, -1.0, 0.999999}
	packed, scale := QuantizeColbert(matrix)
	for _, b := range packed {
		v := int8(b)
		assert.GreaterOrEqual(t, int(v), -127)
		assert.LessOrEqual(t, int(v), 127)
	}
	assert.Equal(t, float32(1.0), scale)
}

func TestDequantizeColbert_ZeroScaleNeverProduced(t *testing.T) {
	// QuantizeColbert never returns scale=0, so dequantization never divides
	// by zero; this documents that invariant against regressions.
	matrix := []float32{0, 0, 0}
	_, scale := QuantizeColbert(matrix)
	require.NotEqual(t, float32(0), scale)
}
