package embedpool

import "math"

// QuantizeColbert rescales a per-token late-interaction matrix (flattened,
// row-major, width dim) to int8, returning the packed bytes and the scale
// factor needed to dequantize. scale is the largest absolute value in the
// matrix; encode is i8 = round(f/scale*127) clamped to [-127,127].
func QuantizeColbert(matrix []float32) (packed []byte, scale float32) {
	var maxAbs float32
	for _, f := range matrix {
		a := f
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return make([]byte, len(matrix)), 1
	}

	packed = make([]byte, len(matrix))
	for i, f := range matrix {
		v := math.Round(float64(f) / float64(maxAbs) * 127)
		if v > 127 {
			v = 127
		}
		if v < -127 {
			v = -127
		}
		packed[i] = byte(int8(v))
	}
	return packed, maxAbs
}

// DequantizeColbert reverses QuantizeColbert: f ≈ i8*scale/127.
func DequantizeColbert(packed []byte, scale float32) []float32 {
	out := make([]float32, len(packed))
	for i, b := range packed {
		out[i] = float32(int8(b)) * scale / 127
	}
	return out
}
