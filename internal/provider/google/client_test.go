package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/domain"
	"quorum/internal/provider"
)

func TestModelName(t *testing.T) {
	assert.Equal(t, "gemini-pro", ModelName("google/gemini-pro"))
	assert.Equal(t, "gemini-1.5-flash", ModelName("gemini-1.5-flash"))
}

func TestContextLimit(t *testing.T) {
	c := New(provider.Config{}, nil)
	ctx := context.Background()
	assert.Equal(t, 1000000, c.ContextLimit(ctx, "google/gemini-1.5-pro", ""))
	assert.Equal(t, 32768, c.ContextLimit(ctx, "gemini-pro", ""))
	assert.Equal(t, DefaultContextLimit, c.ContextLimit(ctx, "gemini-9-ultra", ""))
}

func TestContents(t *testing.T) {
	req := domain.ChatRequest{
		Message: "now",
		History: []domain.ChatTurn{{Role: "user", Content: "before"}, {Role: "assistant", Content: "reply"}},
	}
	got := Contents(req)
	require.Len(t, got, 3)
	assert.Equal(t, "user", got[0].Role)
	assert.Equal(t, "model", got[1].Role)
	assert.Equal(t, "reply", got[1].Parts[0].Text)
	assert.Equal(t, "now", got[2].Parts[0].Text)
}

func TestConfig(t *testing.T) {
	plain := Config(domain.ChatRequest{Message: "q"})
	assert.Nil(t, plain.SystemInstruction)
	assert.Empty(t, plain.ResponseMIMEType)

	cfg := Config(domain.ChatRequest{Message: "q", Context: "kb", Structured: true})
	require.NotNil(t, cfg.SystemInstruction)
	assert.Contains(t, cfg.SystemInstruction.Parts[0].Text, "kb")
	assert.Equal(t, "application/json", cfg.ResponseMIMEType)
	require.NotNil(t, cfg.ResponseSchema)
	assert.Contains(t, cfg.ResponseSchema.Properties, "final_answer_letter")
}

func TestSend_MissingKey(t *testing.T) {
	_, err := New(provider.Config{}, nil).Send(context.Background(), domain.ChatRequest{Model: "gemini-pro"})
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestSend_ParsesReply(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-1.5-flash:generateContent"), r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Paris."}]}}],
			"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":2,"totalTokenCount":11}}`))
	}))
	defer srv.Close()

	c := New(provider.Config{BaseURL: srv.URL}, nil)
	reply, err := c.Send(context.Background(), domain.ChatRequest{
		Model: "google/gemini-1.5-flash", APIKey: "g-key", Message: "Capital of France?", Context: "kb",
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris.", reply.Content)
	assert.Equal(t, "gemini-1.5-flash", reply.Model)
	assert.Equal(t, domain.TokenUsage{PromptTokens: 9, CompletionTokens: 2, TotalTokens: 11}, reply.Usage)
	assert.Contains(t, body, "contents")
	assert.Contains(t, body, "systemInstruction")
}

func TestSend_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`, domain.ErrRateLimited},
		{"unknown model", http.StatusNotFound, `{"error":{"code":404,"message":"model not found","status":"NOT_FOUND"}}`, domain.ErrModelNotFound},
		{"empty reply", http.StatusOK, `{"candidates":[]}`, domain.ErrTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := New(provider.Config{BaseURL: srv.URL}, nil)
			_, err := c.Send(context.Background(), domain.ChatRequest{Model: "gemini-pro", APIKey: "g-key", Message: "hi"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
