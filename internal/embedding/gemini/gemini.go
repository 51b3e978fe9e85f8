package gemini

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"quorum/internal/embedding"
)

// Config configures the Gemini embedder.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// Embedder produces embeddings with the Gemini embedding models.
type Embedder struct {
	client    *genai.Client
	model     string
	dimension int
	timeout   time.Duration
}

// NewEmbedder creates a genai client for the Gemini API backend.
func NewEmbedder(ctx context.Context, cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini embedder: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-embedding-001"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}
	return &Embedder{client: client, model: cfg.Model, dimension: cfg.Dimension, timeout: cfg.Timeout}, nil
}

// Name returns the identifier of this embedder implementation.
func (e *Embedder) Name() string { return "gemini" }

// Dimension returns the configured output dimensionality.
func (e *Embedder) Dimension() int { return e.dimension }

// Embed returns the embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty for embedding generation")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	outputDim := int32(e.dimension)
	result, err := e.client.Models.EmbedContent(ctx, e.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{OutputDimensionality: &outputDim},
	)
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	if result == nil || len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("no embedding returned from API")
	}
	values := result.Embeddings[0].Values
	if len(values) != e.dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", e.dimension, len(values))
	}
	return embedding.ToFloat64(values), nil
}
