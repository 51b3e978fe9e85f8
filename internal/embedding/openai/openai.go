// Package openai embeds text through an OpenAI-compatible /embeddings endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/tidwall/gjson"

	"quorum/internal/logging"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "text-embedding-3-small"
	maxPayload     = 32 * 1024 * 1024
)

var errNoEmbedding = errors.New("no embedding returned")

// Client is an OpenAI-compatible embeddings client implementing the Embedder
// interface. It also understands the Ollama response shape.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	http       *http.Client
	maxRetries int
	logger     *log.Logger

	mu        sync.Mutex
	dimension int
}

// Config configures the OpenAI-compatible embeddings client.
// APIKey wins over APIKeyEnv when both are set.
type Config struct {
	BaseURL    string
	APIKey     string
	APIKeyEnv  string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	Logger     *log.Logger
}

// NewClient creates a new embeddings client using the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv)
	}
	c := &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     key,
		model:      cfg.Model,
		http:       &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		logger:     logging.OrNop(cfg.Logger),
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.http.Timeout <= 0 {
		c.http.Timeout = 30 * time.Second
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 5
	}
	return c, nil
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "openai" }

// Dimension returns the dimensionality of the produced vectors, known after the first call.
func (c *Client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dimension
}

// attemptError is a failed attempt that may be retried after wait.
type attemptError struct {
	err       error
	retryable bool
	wait      time.Duration
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// Embed returns an embedding vector for text. Rate limits, server errors and
// transport failures are retried with exponential backoff.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]string{"input": text, "prompt": text, "model": c.model})
	if err != nil {
		return nil, err
	}
	var last error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		vec, err := c.embedOnce(ctx, body)
		if err == nil {
			c.mu.Lock()
			if c.dimension == 0 {
				c.dimension = len(vec)
			}
			c.mu.Unlock()
			return vec, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		last = err
		var ae *attemptError
		if !errors.As(err, &ae) || !ae.retryable || attempt == c.maxRetries {
			break
		}
		wait := ae.wait
		if wait <= 0 {
			wait = retryDelay(attempt)
		}
		c.logger.Debug().Str("model", c.model).Int("attempt", attempt+1).Dur("wait", wait).Err(err).Msg("retrying embedding request")
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("openai embeddings: %w", last)
}

func (c *Client) embedOnce(ctx context.Context, body []byte) ([]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &attemptError{err: err, retryable: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		var wait time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			wait = time.Duration(secs) * time.Second
		}
		return nil, &attemptError{err: errors.New(resp.Status), retryable: true, wait: wait}
	case resp.StatusCode >= 300:
		return nil, &attemptError{err: errors.New(resp.Status)}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	if err != nil {
		return nil, &attemptError{err: err, retryable: true}
	}
	vec := decodeEmbedding(payload)
	if vec == nil {
		return nil, &attemptError{err: errNoEmbedding, retryable: true}
	}
	return vec, nil
}

// decodeEmbedding accepts the OpenAI shape {"data":[{"embedding":[...]}]}
// and the Ollama shape {"embedding":[...]}.
func decodeEmbedding(payload []byte) []float64 {
	if !gjson.ValidBytes(payload) {
		return nil
	}
	for _, path := range []string{"data.0.embedding", "embedding"} {
		arr := gjson.GetBytes(payload, path).Array()
		if len(arr) == 0 {
			continue
		}
		vec := make([]float64, len(arr))
		for i, v := range arr {
			vec[i] = v.Float()
		}
		return vec
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryDelay doubles from 200ms and is capped at 5s.
func retryDelay(attempt int) time.Duration {
	d := 200 * time.Millisecond << max(attempt, 0)
	return min(d, 5*time.Second)
}
