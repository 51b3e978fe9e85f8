// Package claude implements the Anthropic Messages API adapter.
package claude

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/phuslu/log"

	"quorum/internal/domain"
	"quorum/internal/logging"
	"quorum/internal/provider"
)

const (
	// DefaultContextLimit is the context window of current Claude models.
	DefaultContextLimit = 200000

	defaultMaxTokens = 4096
)

// Client sends chats to Anthropic. The API key travels per request, so one
// SDK client serves every configured key.
type Client struct {
	sdk     anthropic.Client
	timeout time.Duration
	logger  *log.Logger
}

// New returns a Claude adapter.
func New(cfg provider.Config, logger *log.Logger) *Client {
	opts := []option.RequestOption{option.WithMaxRetries(max(cfg.MaxRetries, 0))}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		sdk:     anthropic.NewClient(opts...),
		timeout: cfg.TimeoutOrDefault(),
		logger:  logging.OrNop(logger),
	}
}

// ModelName strips an "anthropic/" style prefix.
func ModelName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

// Params builds the Messages API request for req.
func Params(req domain.ChatRequest) anthropic.MessageNewParams {
	var msgs []anthropic.MessageParam
	for _, turn := range provider.RecentHistory(req.History) {
		if turn.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
			continue
		}
		msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(provider.UserText(req))))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(ModelName(req.Model)),
		MaxTokens: defaultMaxTokens,
		Messages:  msgs,
	}
	if sys := provider.SystemPrompt(req.Context); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	return params
}

// Send performs one Messages API call.
func (c *Client) Send(ctx context.Context, req domain.ChatRequest) (*domain.ChatReply, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic api key not set", domain.ErrAuth)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, Params(req), option.WithAPIKey(req.APIKey))
	if err != nil {
		c.logger.Debug().Str("model", req.Model).Err(err).Msg("claude call failed")
		return nil, domain.ClassifyProviderError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%w: empty response from claude", domain.ErrTransport)
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	c.logger.Debug().Str("model", req.Model).Int("tokens", in+out).Dur("took", time.Since(start)).Msg("claude response")
	return &domain.ChatReply{
		Content: text.String(),
		Usage:   domain.TokenUsage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		Model:   string(resp.Model),
	}, nil
}

// ContextLimit returns DefaultContextLimit for every Claude model.
func (c *Client) ContextLimit(context.Context, string, string) int {
	return DefaultContextLimit
}
