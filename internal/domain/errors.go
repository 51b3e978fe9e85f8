package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Configuration errors block a dispatch and are returned to its caller.
var (
	ErrConfig          = errors.New("configuration error")
	ErrNoModelsEnabled = fmt.Errorf("%w: no models enabled", ErrConfig)
	ErrMissingAPIKey   = fmt.Errorf("%w: missing api key", ErrConfig)
	ErrUnknownProvider = fmt.Errorf("%w: unknown provider", ErrConfig)
	ErrModelExists     = fmt.Errorf("%w: model already configured", ErrConfig)
	ErrUnknownModel    = fmt.Errorf("%w: model not configured", ErrConfig)
)

// Retrieval and ingestion errors.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrUnsupportedType  = errors.New("unsupported document type")
	ErrExtractionFailed = errors.New("text extraction failed")
	ErrEmptyDocument    = errors.New("document has no text")
	ErrDocumentNotFound = errors.New("document not found")
)

// Session errors.
var (
	ErrStaleGeneration      = errors.New("message belongs to an abandoned conversation")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Provider errors. They stay local to the outcome of the model that raised them.
var (
	ErrAuth          = errors.New("authentication failed")
	ErrRateLimited   = errors.New("rate limited")
	ErrModelNotFound = errors.New("model not found")
	ErrTimeout       = errors.New("request timed out")
	ErrTransport     = errors.New("transport error")
)

// ClassifyProviderError maps an SDK error onto a provider sentinel by
// inspecting its text. Errors that already wrap a sentinel are returned as is.
func ClassifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrAuth, ErrRateLimited, ErrModelNotFound, ErrTimeout, ErrTransport} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "api_key_invalid") || strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication"):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrModelNotFound, err)
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
}
