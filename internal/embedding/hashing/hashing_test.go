package hashing

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/embedding"
)

func TestEmbed_UnitNormAndDimension(t *testing.T) {
	e := NewEmbedder(64)
	v, err := e.Embed(context.Background(), "Goroutines communicate over channels.")
	require.NoError(t, err)
	require.Len(t, v, 64)

	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
}

func TestEmbed_Deterministic(t *testing.T) {
	a, err := NewEmbedder(128).Embed(context.Background(), "vector search over chunks")
	require.NoError(t, err)
	b, err := NewEmbedder(128).Embed(context.Background(), "vector search over chunks")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEmbed_SimilarTextsScoreHigher(t *testing.T) {
	e := NewEmbedder(0)
	ctx := context.Background()
	q, _ := e.Embed(ctx, "how do channels work in go")
	near, _ := e.Embed(ctx, "channels in go let goroutines exchange values")
	far, _ := e.Embed(ctx, "baking sourdough bread requires patience")

	assert.Greater(t, embedding.Cosine(q, near), embedding.Cosine(q, far))
}

func TestEmbed_OnlyStopwordsIsZeroVector(t *testing.T) {
	v, err := NewEmbedder(16).Embed(context.Background(), "the and of")
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 16), v)
}

func TestEmbed_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEmbedder(16).Embed(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}
