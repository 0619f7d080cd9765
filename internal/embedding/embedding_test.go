package embedding

import (
	"errors"
	"math"
	"testing"
)

func norm(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      []float64
		wantErr error
	}{
		{name: "Already unit", in: []float64{1, 0, 0}},
		{name: "Scaled", in: []float64{3, 4}},
		{name: "Negative components", in: []float64{-2, 2, -1}},
		{name: "Tiny but valid", in: []float64{1e-6, 0}},
		{name: "Zero vector", in: []float64{0, 0, 0}, wantErr: ErrDegenerateEmbedding},
		{name: "Below epsilon", in: []float64{1e-9, 0}, wantErr: ErrDegenerateEmbedding},
		{name: "Empty", in: []float64{}, wantErr: ErrDegenerateEmbedding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Normalize() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() unexpected error: %v", err)
			}
			if n := norm(got); math.Abs(n-1) > 1e-9 {
				t.Errorf("norm = %v, want 1", n)
			}
			// Normalizing again must be a no-op
			again, err := Normalize(got)
			if err != nil {
				t.Fatalf("second Normalize() error: %v", err)
			}
			for i := range got {
				if math.Abs(got[i]-again[i]) > 1e-12 {
					t.Errorf("component %d drifted: %v -> %v", i, got[i], again[i])
				}
			}
		})
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := []float64{3, 4}
	if _, err := Normalize(in); err != nil {
		t.Fatal(err)
	}
	if in[0] != 3 || in[1] != 4 {
		t.Errorf("input modified: %v", in)
	}
}

func TestCosine(t *testing.T) {
	x, _ := Normalize([]float64{1, 0})
	y, _ := Normalize([]float64{0, 1})
	negX, _ := Normalize([]float64{-1, 0})

	tests := []struct {
		name string
		a, b Vector
		want float64
	}{
		{"Identical", x, x, 1},
		{"Orthogonal", x, y, 0},
		{"Opposite", x, negX, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Cosine(tt.a, tt.b)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Cosine() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := Cosine(x, Vector{1, 0, 0}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestMean(t *testing.T) {
	x, _ := Normalize([]float64{1, 0})
	y, _ := Normalize([]float64{0, 1})

	got, err := Mean([]Vector{x, y})
	if err != nil {
		t.Fatal(err)
	}
	want := 1 / math.Sqrt2
	if math.Abs(got[0]-want) > 1e-9 || math.Abs(got[1]-want) > 1e-9 {
		t.Errorf("Mean() = %v, want [%v %v]", got, want, want)
	}

	negX, _ := Normalize([]float64{-1, 0})
	if _, err := Mean([]Vector{x, negX}); !errors.Is(err, ErrDegenerateEmbedding) {
		t.Errorf("opposite samples should cancel out, got %v", err)
	}
	if _, err := Mean(nil); !errors.Is(err, ErrDegenerateEmbedding) {
		t.Errorf("empty input should fail, got %v", err)
	}
}

func TestFromFloat32(t *testing.T) {
	got, err := FromFloat32([]float32{0, 2})
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0 || math.Abs(got[1]-1) > 1e-9 {
		t.Errorf("FromFloat32() = %v", got)
	}
	if f := got.Float32(); len(f) != 2 || f[1] != 1 {
		t.Errorf("Float32() = %v", f)
	}
}
