package embedding

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch reports vectors of unequal length reaching the
// similarity path. This is a configuration or programming defect and must
// fail loudly rather than degrade.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Normalize returns the unit-length form of v (ê = v / ||v||₂).
// The zero vector is returned unchanged; similarity against it is always 0.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity computes similarity between two vectors as a plain dot
// product. Every vector entering the store through the normal embedding
// path is already unit-length, which makes the division-free form exact;
// callers must preserve that invariant.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot), nil
}
