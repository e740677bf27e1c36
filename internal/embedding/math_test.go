package embedding

import (
	"errors"
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
	}{
		{name: "axis vector", in: []float32{3, 0, 0}},
		{name: "mixed signs", in: []float32{1, -2, 2}},
		{name: "small magnitudes", in: []float32{0.001, 0.002, 0.003}},
		{name: "already unit", in: []float32{0, 1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if norm := Norm(got); math.Abs(norm-1) > 1e-6 {
				t.Errorf("Norm(Normalize(%v)) = %v, want 1 ± 1e-6", tt.in, norm)
			}
		})
	}
}

func TestNormalize_ZeroVector(t *testing.T) {
	in := []float32{0, 0, 0}
	got := Normalize(in)
	for i, x := range got {
		if x != 0 {
			t.Errorf("Normalize(zero)[%d] = %v, want 0", i, x)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{name: "identical", a: []float32{0, 1, 0}, b: []float32{0, 1, 0}, want: 1},
		{name: "orthogonal", a: []float32{1, 0, 0}, b: []float32{0, 1, 0}, want: 0},
		{name: "opposite", a: []float32{1, 0, 0}, b: []float32{-1, 0, 0}, want: -1},
		{name: "zero vector", a: []float32{0, 0, 0}, b: []float32{0, 1, 0}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if err != nil {
				t.Fatalf("CosineSimilarity() error = %v", err)
			}
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("CosineSimilarity(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCosineSimilarity_DimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("error = %v, want ErrDimensionMismatch", err)
	}
}
