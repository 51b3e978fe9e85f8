// Package openrouter implements the OpenRouter chat completions adapter.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/phuslu/log"

	"quorum/internal/domain"
	"quorum/internal/logging"
	"quorum/internal/provider"
)

const (
	// DefaultBaseURL is the OpenRouter API root.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultContextLimit is reported for models missing from both the table and the catalogue.
	DefaultContextLimit = 8192

	maxResponseSize = 10 * 1024 * 1024
	retryBaseDelay  = 500 * time.Millisecond
	retryMaxDelay   = 10 * time.Second

	// catalogueRetry is how long a failed catalogue fetch is remembered.
	catalogueRetry = time.Minute
)

// contextLimits are known context windows in tokens.
var contextLimits = map[string]int{
	"anthropic/claude-3.5-sonnet":       200000,
	"anthropic/claude-3-opus":           200000,
	"anthropic/claude-3-sonnet":         200000,
	"anthropic/claude-3-haiku":          200000,
	"openai/gpt-4-turbo":                128000,
	"openai/gpt-4":                      8192,
	"openai/gpt-3.5-turbo":              16385,
	"google/gemini-pro":                 32768,
	"google/gemini-pro-1.5":             1000000,
	"meta-llama/llama-3.1-70b-instruct": 131072,
	"meta-llama/llama-3.1-8b-instruct":  131072,
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// statusError is a non-2xx answer from the API.
type statusError struct {
	Status  int
	Message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("openrouter error (HTTP %d): %s", e.Status, e.Message)
}

// Client talks to OpenRouter. It is safe for concurrent use.
type Client struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	siteName   string
	http       *http.Client
	logger     *log.Logger

	mu             sync.Mutex
	catalogue      map[string]int
	fetching       bool
	failedAt       time.Time
	catalogueRetry time.Duration
}

// New returns an OpenRouter client.
func New(cfg provider.Config, logger *log.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:    base,
		timeout:    cfg.TimeoutOrDefault(),
		maxRetries: retries,
		siteName:   "quorum",
		http:       &http.Client{},
		logger:     logging.OrNop(logger),

		catalogueRetry: catalogueRetry,
	}
}

// Send performs one chat completion. The context, when present, travels as a
// system message followed by the recent history and the user message.
func (c *Client) Send(ctx context.Context, req domain.ChatRequest) (*domain.ChatReply, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("%w: openrouter api key not set", domain.ErrAuth)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := chatRequest{Model: req.Model, Messages: buildMessages(req)}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return nil, classify(err)
			}
		}
		resp, err := c.do(ctx, req.APIKey, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		c.logger.Warn().Str("model", req.Model).Int("attempt", attempt+1).Err(err).Msg("retrying openrouter call")
	}
	return nil, classify(lastErr)
}

func buildMessages(req domain.ChatRequest) []chatMessage {
	var msgs []chatMessage
	if sys := provider.SystemPrompt(req.Context); sys != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: sys})
	}
	for _, turn := range provider.RecentHistory(req.History) {
		msgs = append(msgs, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	return append(msgs, chatMessage{Role: "user", Content: provider.UserText(req)})
}

func (c *Client) do(ctx context.Context, apiKey string, body chatRequest) (*domain.ChatReply, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("model", body.Model).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("openrouter response")

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp, payload)
	}
	var out chatResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %v", domain.ErrTransport, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", domain.ErrTransport)
	}
	model := out.Model
	if model == "" {
		model = body.Model
	}
	return &domain.ChatReply{
		Content: out.Choices[0].Message.Content,
		Usage: domain.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
		Model: model,
	}, nil
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Title", c.siteName)
}

// ContextLimit returns the context window of model from the known table, then
// from the OpenRouter model catalogue, then DefaultContextLimit. The catalogue
// is fetched once; a failed fetch is retried after catalogueRetry. Callers
// arriving while a fetch is in flight get DefaultContextLimit.
func (c *Client) ContextLimit(ctx context.Context, model, apiKey string) int {
	if n, ok := contextLimits[model]; ok {
		return n
	}
	c.mu.Lock()
	cat := c.catalogue
	fetch := cat == nil && !c.fetching && time.Since(c.failedAt) >= c.catalogueRetry
	if fetch {
		c.fetching = true
	}
	c.mu.Unlock()

	if fetch {
		fetched, err := c.fetchCatalogue(ctx, apiKey)
		c.mu.Lock()
		c.fetching = false
		if err != nil {
			c.failedAt = time.Now()
		} else {
			c.catalogue = fetched
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.Debug().Err(err).Msg("model catalogue unavailable")
		}
		cat = fetched
	}
	if n, ok := cat[model]; ok && n > 0 {
		return n
	}
	return DefaultContextLimit
}

func (c *Client) fetchCatalogue(ctx context.Context, apiKey string) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp, payload)
	}
	var out struct {
		Data []struct {
			ID            string `json:"id"`
			ContextLength int    `json:"context_length"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	cat := make(map[string]int, len(out.Data))
	for _, m := range out.Data {
		cat[m.ID] = m.ContextLength
	}
	return cat, nil
}

func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == maxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", maxResponseSize)
	}
	return body, nil
}

func newStatusError(resp *http.Response, payload []byte) *statusError {
	msg := string(payload)
	var apiErr apiErrorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if _, err := strconv.Atoi(ra); err == nil {
			msg += " (retry after " + ra + "s)"
		}
	}
	return &statusError{Status: resp.StatusCode, Message: msg}
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	return false
}

// classify maps transport and status failures onto the provider sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden || se.Status == http.StatusPaymentRequired:
			return fmt.Errorf("%w: %s", domain.ErrAuth, se.Message)
		case se.Status == http.StatusNotFound:
			return fmt.Errorf("%w: %s", domain.ErrModelNotFound, se.Message)
		case se.Status == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, se.Message)
		default:
			return fmt.Errorf("%w: %v", domain.ErrTransport, se)
		}
	}
	return domain.ClassifyProviderError(err)
}

func backoff(attempt int) time.Duration {
	d := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
