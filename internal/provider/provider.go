// Package provider holds what the model adapters share: the request shaping
// rules and the registry the dispatcher resolves provider families from.
package provider

import (
	"fmt"
	"time"

	"quorum/internal/domain"
	"quorum/internal/structured"
)

// HistoryWindow is the number of most recent history turns sent with a request.
const HistoryWindow = 10

// DefaultTimeout bounds a single model call when the adapter config leaves it unset.
const DefaultTimeout = 60 * time.Second

// Config is the per-family adapter configuration.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// TimeoutOrDefault returns c.Timeout, or DefaultTimeout when unset.
func (c Config) TimeoutOrDefault() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// RecentHistory returns at most the last HistoryWindow turns.
func RecentHistory(history []domain.ChatTurn) []domain.ChatTurn {
	if len(history) > HistoryWindow {
		return history[len(history)-HistoryWindow:]
	}
	return history
}

// SystemPrompt wraps the knowledge-base context into the system instruction.
// An empty context yields an empty prompt.
func SystemPrompt(context string) string {
	if context == "" {
		return ""
	}
	return context + "\n\nUse the information above to answer the user's questions when it is relevant."
}

// UserText is the final user message, with the JSON instruction appended
// when structured output is requested.
func UserText(req domain.ChatRequest) string {
	if req.Structured {
		return structured.Prompt(req.Message)
	}
	return req.Message
}

// Registry maps provider families to their adapters.
type Registry map[domain.ProviderKind]domain.ModelProvider

// Lookup returns the adapter of kind.
func (r Registry) Lookup(kind domain.ProviderKind) (domain.ModelProvider, error) {
	p, ok := r[kind]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, kind)
	}
	return p, nil
}
