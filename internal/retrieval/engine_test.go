package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/domain"
	"quorum/internal/embedding/hashing"
	"quorum/internal/vectorstore/memory"
)

// axisEmbedder maps texts containing a keyword onto fixed axes.
type axisEmbedder struct {
	failOn string
}

func (axisEmbedder) Name() string   { return "axis" }
func (axisEmbedder) Dimension() int { return 3 }

func (a axisEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if a.failOn != "" && strings.Contains(text, a.failOn) {
		return nil, errors.New("embedding backend down")
	}
	v := make([]float64, 3)
	for i, kw := range []string{"cat", "dog", "fish"} {
		v[i] = float64(strings.Count(text, kw))
	}
	return v, nil
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func TestIndex_ChunkCountsAndOverlap(t *testing.T) {
	cases := []struct{ n, size, overlap int }{
		{10, 4, 1}, {100, 10, 0}, {101, 10, 9}, {7, 50, 10}, {500, 500, 50}, {1200, 500, 50},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("n%d_c%d_o%d", tc.n, tc.size, tc.overlap), func(t *testing.T) {
			store := memory.NewStorage()
			e := NewEngine(hashing.NewEmbedder(64), store, nil)

			n, err := e.Index(context.Background(), domain.Document{Filename: "d", Content: words(tc.n)}, tc.size, tc.overlap)
			require.NoError(t, err)
			step := tc.size - tc.overlap
			assert.Equal(t, (tc.n+step-1)/step, n)

			chunks, _ := store.All()
			require.Len(t, chunks, n)
			for i := 0; i+1 < len(chunks); i++ {
				a := strings.Fields(chunks[i].Text)
				b := strings.Fields(chunks[i+1].Text)
				if tc.overlap > 0 && len(a) == tc.size {
					assert.Equal(t, a[len(a)-tc.overlap:], b[:tc.overlap])
				}
				assert.Equal(t, i, chunks[i].Index)
			}
		})
	}
}

func TestIndex_InvalidParameters(t *testing.T) {
	e := NewEngine(axisEmbedder{}, memory.NewStorage(), nil)
	for _, p := range [][2]int{{0, 0}, {5, 5}, {5, -1}, {-3, 0}} {
		_, err := e.Index(context.Background(), domain.Document{Filename: "d", Content: "a b c"}, p[0], p[1])
		assert.ErrorIs(t, err, domain.ErrInvalidParameter)
	}
}

func TestIndex_EmbeddingFailureWritesNothing(t *testing.T) {
	store := memory.NewStorage()
	e := NewEngine(axisEmbedder{failOn: "fish"}, store, nil)
	ctx := context.Background()

	_, err := e.Index(ctx, domain.Document{Filename: "d", Content: "cat cat dog"}, 2, 0)
	require.NoError(t, err)

	_, err = e.Index(ctx, domain.Document{Filename: "d", Content: "cat dog fish"}, 2, 0)
	require.Error(t, err)

	chunks, _ := store.All()
	require.Len(t, chunks, 2)
	assert.Equal(t, "cat cat", chunks[0].Text)
}

func TestSearch_EmptyStore(t *testing.T) {
	e := NewEngine(axisEmbedder{}, memory.NewStorage(), nil)
	res, err := e.Search(context.Background(), "cat", 5)
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Empty(t, res)

	out, err := e.BuildContext(context.Background(), "cat", 5)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestSearch_TopKAndOrdering(t *testing.T) {
	e := NewEngine(axisEmbedder{}, memory.NewStorage(), nil)
	ctx := context.Background()
	_, err := e.Index(ctx, domain.Document{Filename: "a", Content: "cat dog dog fish fish fish cat cat"}, 2, 0)
	require.NoError(t, err)
	_, err = e.Index(ctx, domain.Document{Filename: "b", Content: "dog cat fish dog"}, 1, 0)
	require.NoError(t, err)

	for k := 0; k <= 15; k++ {
		res, err := e.Search(ctx, "cat", k)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res), k)
		for i := 1; i < len(res); i++ {
			assert.GreaterOrEqual(t, res[i-1].Similarity, res[i].Similarity)
		}
	}

	res, err := e.Search(ctx, "cat", 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	// "cat cat" and the single "cat" both score 1; insertion order breaks the tie.
	assert.Equal(t, "a", res[0].Chunk.DocumentFilename)
	assert.Equal(t, 3, res[0].Chunk.Index)
	assert.Equal(t, "b", res[1].Chunk.DocumentFilename)
	assert.InDelta(t, 1.0, res[1].Similarity, 1e-9)
}

func TestRemove_Idempotent(t *testing.T) {
	store := memory.NewStorage()
	e := NewEngine(axisEmbedder{}, store, nil)
	ctx := context.Background()
	_, _ = e.Index(ctx, domain.Document{Filename: "a", Content: "cat dog"}, 1, 0)
	_, _ = e.Index(ctx, domain.Document{Filename: "b", Content: "fish"}, 1, 0)

	require.NoError(t, e.Remove("a"))
	once, _ := store.All()
	require.NoError(t, e.Remove("a"))
	twice, _ := store.All()
	assert.Equal(t, once, twice)
	require.Len(t, once, 1)
}

func TestBuildContext_Format(t *testing.T) {
	e := NewEngine(axisEmbedder{}, memory.NewStorage(), nil)
	ctx := context.Background()
	_, err := e.Index(ctx, domain.Document{Filename: "pets.txt", Content: "cat dog"}, 1, 0)
	require.NoError(t, err)

	out, err := e.BuildContext(ctx, "cat", 1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "=== Knowledge Base (retrieval) ==="))
	assert.Contains(t, out, "[source: pets.txt#0]")
	assert.Contains(t, out, "[similarity: 100.00%]")
	assert.Contains(t, out, "\ncat\n")
	assert.NotContains(t, out, "dog")
	assert.True(t, strings.HasSuffix(out, "=== End ===\n"))
}

func TestStatsAndClear(t *testing.T) {
	e := NewEngine(axisEmbedder{}, memory.NewStorage(), nil)
	ctx := context.Background()
	_, _ = e.Index(ctx, domain.Document{Filename: "a", Content: "cat dog fish"}, 1, 0)
	_, _ = e.Index(ctx, domain.Document{Filename: "b", Content: "cat"}, 1, 0)

	st, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 4, st.TotalChunks)
	assert.Equal(t, 2, st.TotalDocuments)
	assert.Equal(t, 3, st.PerDocument["a"])

	require.NoError(t, e.Clear())
	st, err = e.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.TotalChunks)
}
