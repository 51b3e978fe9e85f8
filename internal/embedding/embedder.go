package embedding

import (
	"math"

	"quorum/internal/domain"
)

// Embedder converts free text into a numeric vector representation.
type Embedder = domain.Embedder

// Cosine returns the cosine similarity of a and b. Vectors of different
// length are compared over their common prefix; a zero vector scores 0.
func Cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize scales v to unit L2 norm in place and returns it.
func Normalize(v []float64) []float64 {
	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}

// ToFloat64 widens a float32 vector as returned by remote embedding APIs.
func ToFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
