package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 2, 3}, []float64{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float64{1, 1}, []float64{-1, -1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float64{0, 0}, []float64{1, 1}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float64{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-9)
	assert.InDelta(t, 0.8, v[1], 1e-9)

	zero := Normalize([]float64{0, 0})
	assert.Equal(t, []float64{0, 0}, zero)
}
