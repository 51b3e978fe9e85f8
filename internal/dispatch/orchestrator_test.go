package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/contextbuilder"
	"quorum/internal/conversation"
	"quorum/internal/domain"
	"quorum/internal/provider"
	"quorum/internal/session"
)

// fakeProvider answers per model after Delay, or fails when Fail is set.
type fakeProvider struct {
	Delay   time.Duration
	Fail    map[string]bool
	Replies map[string]string
	Panic   bool

	mu       sync.Mutex
	requests []domain.ChatRequest
}

func (f *fakeProvider) Send(ctx context.Context, req domain.ChatRequest) (*domain.ChatReply, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.Panic {
		panic("boom")
	}
	if err := sleepCtx(ctx, f.Delay); err != nil {
		return nil, err
	}
	if f.Fail[req.Model] {
		return nil, errors.Join(domain.ErrRateLimited, errors.New("quota exceeded"))
	}
	return &domain.ChatReply{
		Content: f.Replies[req.Model],
		Usage:   domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Model:   req.Model,
	}, nil
}

func (f *fakeProvider) ContextLimit(context.Context, string, string) int { return 1000 }

func (f *fakeProvider) seen() []domain.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ChatRequest(nil), f.requests...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type keys map[domain.ProviderKind]string

func (k keys) APIKey(kind domain.ProviderKind) string { return k[kind] }

type fixedContext struct{ ctx contextbuilder.Context }

func (f fixedContext) Build(context.Context, string, bool) contextbuilder.Context { return f.ctx }

type countingStore struct {
	*conversation.Store
	mu      sync.Mutex
	upserts int
}

func (c *countingStore) Upsert(conv domain.Conversation) error {
	c.mu.Lock()
	c.upserts++
	c.mu.Unlock()
	return c.Store.Upsert(conv)
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upserts
}

type events struct {
	mu  sync.Mutex
	all []domain.StatusEvent
}

func (e *events) add(ev domain.StatusEvent) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) forModel(model string) []domain.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Phase
	for _, ev := range e.all {
		if ev.Model == model {
			out = append(out, ev.Phase)
		}
	}
	return out
}

type fixture struct {
	orch    *Orchestrator
	fake    *fakeProvider
	store   *countingStore
	session *session.Session
	events  *events
}

func newFixture(t *testing.T, fake *fakeProvider) *fixture {
	t.Helper()
	store := &countingStore{Store: conversation.Open("", nil)}
	sess := session.New(store, nil)
	ev := &events{}
	o := New(
		provider.Registry{domain.ProviderOpenRouter: fake, domain.ProviderGoogle: fake},
		keys{domain.ProviderOpenRouter: "or-key", domain.ProviderGoogle: "g-key"},
		fixedContext{contextbuilder.Context{Mode: domain.ContextFull, Text: "=== Knowledge Base ===\n..."}},
		sess, nil,
	)
	o.OnStatus = ev.add
	return &fixture{orch: o, fake: fake, store: store, session: sess, events: ev}
}

func wait(t *testing.T, d *Dispatch) domain.ConversationMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := d.Wait(ctx)
	require.NoError(t, err)
	return msg
}

func TestDispatch_TwoModelsOneFails(t *testing.T) {
	fake := &fakeProvider{
		Replies: map[string]string{"openai/gpt-4": "Sure:\n{\"final_answer_letter\":\"a\"}\nDone."},
		Fail:    map[string]bool{"gemini-pro": true},
	}
	f := newFixture(t, fake)

	d, err := f.orch.Dispatch(context.Background(), "Which one?", []domain.ModelSpec{
		{Name: "openai/gpt-4", Provider: domain.ProviderOpenRouter, Enabled: true},
		{Name: "gemini-pro", Provider: domain.ProviderGoogle, Enabled: true},
	}, Options{Structured: true})
	require.NoError(t, err)

	msg := wait(t, d)
	assert.Len(t, msg.Responses, 2)
	assert.Equal(t, 2, msg.ExpectedCount)
	assert.Equal(t, map[string]int{"A": 1}, msg.AnswerHistogram)
	assert.True(t, msg.Responses["openai/gpt-4"].OK())
	assert.Equal(t, "A", msg.Responses["openai/gpt-4"].AnswerLetter)
	assert.InDelta(t, 1.5, msg.Responses["openai/gpt-4"].ContextUsage(), 1e-9)
	assert.False(t, msg.Responses["gemini-pro"].OK())
	assert.Contains(t, msg.Responses["gemini-pro"].ErrorMessage, "rate limited")
	assert.Equal(t, "?", msg.Responses["gemini-pro"].AnswerLetter)
	assert.Equal(t, domain.ContextFull, msg.ContextMode)
	assert.Contains(t, msg.ContextSent, "Knowledge Base")
	assert.False(t, msg.CompletedAt.IsZero())

	assert.Equal(t, 1, f.store.count())
	assert.True(t, d.Committed())
	saved := f.store.Load()
	require.Len(t, saved, 1)
	require.Len(t, saved[0].Messages, 1)
	assert.Equal(t, msg.ID, saved[0].Messages[0].ID)

	assert.Equal(t, []domain.Phase{domain.PhaseProcessing, domain.PhaseCompleted}, f.events.forModel("openai/gpt-4"))
	assert.Equal(t, []domain.Phase{domain.PhaseProcessing, domain.PhaseError}, f.events.forModel("gemini-pro"))
	assert.Equal(t, domain.PhaseError, d.Phase("gemini-pro"))

	for _, req := range fake.seen() {
		assert.Equal(t, "Which one?", req.Message)
		assert.True(t, req.Structured)
		assert.Contains(t, req.Context, "Knowledge Base")
	}
}

func TestDispatch_ConfigErrors(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	ctx := context.Background()

	_, err := f.orch.Dispatch(ctx, "hi", nil, Options{})
	assert.ErrorIs(t, err, domain.ErrNoModelsEnabled)

	_, err = f.orch.Dispatch(ctx, "hi", []domain.ModelSpec{{Name: "claude-3-opus", Provider: domain.ProviderAnthropic}}, Options{})
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	f.orch.keys = keys{domain.ProviderOpenRouter: "or-key"}
	_, err = f.orch.Dispatch(ctx, "hi", []domain.ModelSpec{
		{Name: "openai/gpt-4", Provider: domain.ProviderOpenRouter},
		{Name: "gemini-pro", Provider: domain.ProviderGoogle},
	}, Options{})
	assert.ErrorIs(t, err, domain.ErrMissingAPIKey)
	assert.ErrorIs(t, err, domain.ErrConfig)

	assert.Empty(t, f.fake.seen())
	assert.Empty(t, f.session.History())
}

func TestDispatch_ReturnsBeforeModelsResolve(t *testing.T) {
	f := newFixture(t, &fakeProvider{Delay: 200 * time.Millisecond, Replies: map[string]string{"m": "ok"}})
	start := time.Now()
	d, err := f.orch.Dispatch(context.Background(), "hi", []domain.ModelSpec{{Name: "m", Provider: domain.ProviderOpenRouter}}, Options{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	_, ok := d.Message()
	assert.False(t, ok)
	assert.Equal(t, domain.PhaseProcessing, d.Phase("m"))

	wait(t, d)
	msg, ok := d.Message()
	require.True(t, ok)
	assert.Equal(t, "ok", msg.Responses["m"].Content)
}

func TestDispatch_DuplicateModelDispatchedOnce(t *testing.T) {
	f := newFixture(t, &fakeProvider{Replies: map[string]string{"m": "ok"}})
	d, err := f.orch.Dispatch(context.Background(), "hi", []domain.ModelSpec{
		{Name: "m", Provider: domain.ProviderOpenRouter},
		{Name: "m", Provider: domain.ProviderOpenRouter},
	}, Options{})
	require.NoError(t, err)
	msg := wait(t, d)
	assert.Equal(t, 1, msg.ExpectedCount)
	assert.Len(t, f.fake.seen(), 1)
	assert.Equal(t, 1, f.store.count())
}

func TestDispatch_NewConversationDiscardsLateResults(t *testing.T) {
	f := newFixture(t, &fakeProvider{Delay: 100 * time.Millisecond, Replies: map[string]string{"m": "late"}})
	d, err := f.orch.Dispatch(context.Background(), "old question", []domain.ModelSpec{{Name: "m", Provider: domain.ProviderOpenRouter}}, Options{})
	require.NoError(t, err)

	fresh := f.session.NewConversation()
	wait(t, d)

	assert.False(t, d.Committed())
	assert.Zero(t, f.store.count())
	assert.Equal(t, fresh.ID, f.session.Conversation().ID)
	assert.Empty(t, f.session.Conversation().Messages)
}

func TestDispatch_OverlappingDispatchesAreIsolated(t *testing.T) {
	fake := &fakeProvider{Delay: 50 * time.Millisecond, Replies: map[string]string{"m1": "one", "m2": "two"}}
	f := newFixture(t, fake)
	models := []domain.ModelSpec{
		{Name: "m1", Provider: domain.ProviderOpenRouter},
		{Name: "m2", Provider: domain.ProviderGoogle},
	}
	var completed sync.WaitGroup
	completed.Add(2)
	f.orch.OnComplete = func(*Dispatch) { completed.Done() }

	first, err := f.orch.Dispatch(context.Background(), "first", models, Options{})
	require.NoError(t, err)
	second, err := f.orch.Dispatch(context.Background(), "second", models, Options{})
	require.NoError(t, err)

	a, b := wait(t, first), wait(t, second)
	completed.Wait()
	assert.Equal(t, "first", a.UserText)
	assert.Equal(t, "second", b.UserText)
	assert.Len(t, a.Responses, 2)
	assert.Len(t, b.Responses, 2)

	conv := f.session.Conversation()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "first", conv.Messages[0].UserText)
	assert.Equal(t, 2, f.store.count())

	// the second message carries the first as history
	for _, req := range fake.seen() {
		if req.Message == "second" {
			require.Len(t, req.History, 1)
			assert.Equal(t, "first", req.History[0].Content)
		}
	}
}

func TestDispatch_ProviderPanicBecomesFailure(t *testing.T) {
	f := newFixture(t, &fakeProvider{Panic: true})
	d, err := f.orch.Dispatch(context.Background(), "hi", []domain.ModelSpec{{Name: "m", Provider: domain.ProviderOpenRouter}}, Options{})
	require.NoError(t, err)
	msg := wait(t, d)
	assert.False(t, msg.Responses["m"].OK())
	assert.Contains(t, msg.Responses["m"].ErrorMessage, "panic")
}
