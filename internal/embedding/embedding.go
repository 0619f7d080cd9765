// Package embedding holds the vector math shared by enrollment and matching.
// Every vector that leaves this package is unit length.
package embedding

import (
	"errors"
	"fmt"
	"math"
)

// Dim is the length of the face encodings produced by the detector.
const Dim = 128

// degenerateNorm is the largest norm treated as a zero vector.
const degenerateNorm = 1e-8

var (
	// ErrDegenerateEmbedding is returned for vectors whose norm is effectively zero.
	ErrDegenerateEmbedding = errors.New("embedding norm is zero")
	// ErrDimensionMismatch is returned when two vectors of different lengths are compared.
	ErrDimensionMismatch = errors.New("embedding dimensions differ")
)

// Vector is a unit-norm embedding. Build one with Normalize.
type Vector []float64

// Normalize scales v to unit length. The input is not modified.
func Normalize(v []float64) (Vector, error) {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Sqrt(sum)
	if norm <= degenerateNorm || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, ErrDegenerateEmbedding
	}

	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out, nil
}

// FromFloat32 widens and normalizes a float32 encoding (dlib descriptors).
func FromFloat32(v []float32) (Vector, error) {
	wide := make([]float64, len(v))
	for i, x := range v {
		wide[i] = float64(x)
	}
	return Normalize(wide)
}

// Cosine returns the cosine similarity of two unit vectors, i.e. their dot product.
func Cosine(a, b Vector) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot, nil
}

// Mean averages a set of unit vectors and re-normalizes the result.
// Used to fold several enrollment samples into one template.
func Mean(vs []Vector) (Vector, error) {
	if len(vs) == 0 {
		return nil, ErrDegenerateEmbedding
	}
	dim := len(vs[0])
	sum := make([]float64, dim)
	for _, v := range vs {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(v), dim)
		}
		for i, x := range v {
			sum[i] += x
		}
	}
	for i := range sum {
		sum[i] /= float64(len(vs))
	}
	return Normalize(sum)
}

// Float32 narrows the vector for storage in a pgvector column.
func (v Vector) Float32() []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
