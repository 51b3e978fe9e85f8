// Package google implements the Gemini adapter on top of the genai SDK.
package google

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"google.golang.org/genai"

	"quorum/internal/domain"
	"quorum/internal/logging"
	"quorum/internal/provider"
)

// DefaultContextLimit is reported for Gemini models missing from the table.
const DefaultContextLimit = 32768

var contextLimits = map[string]int{
	"gemini-pro":              32768,
	"gemini-1.5-pro":          1000000,
	"gemini-1.5-pro-latest":   1000000,
	"gemini-1.5-flash":        1000000,
	"gemini-1.5-flash-latest": 1000000,
	"gemini-2.0-flash-exp":    1000000,
}

// answerSchema constrains structured replies to the expected JSON object.
var answerSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"explanation":         {Type: genai.TypeString},
		"final_answer":        {Type: genai.TypeString},
		"final_answer_letter": {Type: genai.TypeString},
	},
	Required: []string{"explanation", "final_answer", "final_answer_letter"},
}

// Client sends chats to Gemini. One genai client is kept per API key.
type Client struct {
	baseURL string
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// New returns a Gemini adapter.
func New(cfg provider.Config, logger *log.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		timeout: cfg.TimeoutOrDefault(),
		logger:  logging.OrNop(logger),
		clients: make(map[string]*genai.Client),
	}
}

// ModelName strips a "provider/" prefix such as "google/gemini-pro".
func ModelName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

func (c *Client) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[apiKey]; ok {
		return cl, nil
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	cl, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize genai client: %v", domain.ErrAuth, err)
	}
	c.clients[apiKey] = cl
	return cl, nil
}

// Send generates one reply. Context becomes the system instruction and history
// is replayed as prior contents.
func (c *Client) Send(ctx context.Context, req domain.ChatRequest) (*domain.ChatReply, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("%w: google api key not set", domain.ErrAuth)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cl, err := c.client(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}
	model := ModelName(req.Model)
	start := time.Now()
	resp, err := cl.Models.GenerateContent(ctx, model, Contents(req), Config(req))
	if err != nil {
		c.logger.Debug().Str("model", model).Err(err).Msg("gemini call failed")
		return nil, domain.ClassifyProviderError(err)
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("%w: empty response from gemini", domain.ErrTransport)
	}
	reply := &domain.ChatReply{Content: text, Model: model}
	if u := resp.UsageMetadata; u != nil {
		reply.Usage = domain.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	c.logger.Debug().Str("model", model).Int("tokens", reply.Usage.TotalTokens).Dur("took", time.Since(start)).Msg("gemini response")
	return reply, nil
}

// Contents converts the recent history and the user message into genai contents.
func Contents(req domain.ChatRequest) []*genai.Content {
	var out []*genai.Content
	for _, turn := range provider.RecentHistory(req.History) {
		role := genai.RoleUser
		if turn.Role == "assistant" {
			role = genai.RoleModel
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{genai.NewPartFromText(turn.Content)}})
	}
	return append(out, genai.NewContentFromText(provider.UserText(req), genai.RoleUser))
}

// Config builds the generation config: system instruction from the context and
// JSON output constrained by answerSchema when structured output is requested.
func Config(req domain.ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if sys := provider.SystemPrompt(req.Context); sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if req.Structured {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = answerSchema
	}
	return cfg
}

// ContextLimit looks model up in the known table.
func (c *Client) ContextLimit(_ context.Context, model, _ string) int {
	if n, ok := contextLimits[ModelName(model)]; ok {
		return n
	}
	return DefaultContextLimit
}
