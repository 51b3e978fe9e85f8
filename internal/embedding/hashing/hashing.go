package hashing

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"quorum/internal/embedding"
)

// DefaultDimension is used when NewEmbedder is given a non-positive dimension.
const DefaultDimension = 512

// Embedder implements a term-frequency vectorizer over a hashed feature space.
// Unlike a corpus-fitted TF-IDF it needs no preparation, so vectors stored
// for earlier documents stay comparable when new documents are indexed.
type Embedder struct {
	dimension    int
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

// NewEmbedder creates a hashing embedder producing vectors of the given size.
func NewEmbedder(dimension int) *Embedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Embedder{
		dimension:    dimension,
		tokenPattern: regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`),
		stopwords:    defaultStopwords(),
	}
}

// Name returns the identifier of this embedder implementation.
func (e *Embedder) Name() string { return "hashing" }

// Dimension returns the dimensionality of the produced embedding vectors.
func (e *Embedder) Dimension() int { return e.dimension }

// Embed computes the hashed term-frequency embedding for the given text.
// Text without any indexable token yields a zero vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float64, e.dimension)
	tf := make(map[string]int)
	for _, tok := range e.tokenize(text) {
		tf[tok]++
	}
	if len(tf) == 0 {
		return vec, nil
	}
	for tok, count := range tf {
		h := xxhash.Sum64String(tok)
		idx := int(h % uint64(e.dimension))
		// sublinear tf; the sign bit spreads collisions around zero
		w := 1 + math.Log(float64(count))
		if h&(1<<63) != 0 {
			w = -w
		}
		vec[idx] += w
	}
	return embedding.Normalize(vec), nil
}

func (e *Embedder) tokenize(text string) []string {
	lower := strings.ToLower(text)
	raw := e.tokenPattern.FindAllString(lower, -1)
	if len(raw) == 0 {
		return nil
	}
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := e.stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
		"le", "la", "les", "un", "une", "des", "et", "ou", "de", "du", "en", "est", "pour", "dans", "sur",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
