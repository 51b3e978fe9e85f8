// Package dispatch fans one user message out to every enabled model and folds
// the outcomes back into a single conversation message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"quorum/internal/contextbuilder"
	"quorum/internal/domain"
	"quorum/internal/logging"
	"quorum/internal/provider"
)

// ContextSource builds the context sent with a message.
type ContextSource interface {
	Build(ctx context.Context, query string, retrieval bool) contextbuilder.Context
}

// KeySource resolves the API key of a provider family.
type KeySource interface {
	APIKey(kind domain.ProviderKind) string
}

// Session records history and commits finished messages.
type Session interface {
	Generation() uint64
	RecordTurn(text string) []domain.ChatTurn
	Commit(generation uint64, msg domain.ConversationMessage) error
}

// Options are the per-message switches.
type Options struct {
	Retrieval  bool
	Structured bool
}

// Orchestrator starts dispatches. It is safe for concurrent use; every
// dispatch carries its own channel and consumer.
type Orchestrator struct {
	providers provider.Registry
	keys      KeySource
	contexts  ContextSource
	session   Session
	logger    *log.Logger

	// OnStatus receives every status transition of every dispatch. Events of
	// one dispatch arrive in order.
	OnStatus func(domain.StatusEvent)
	// OnComplete is called once per dispatch after its message is finalized.
	OnComplete func(*Dispatch)

	now func() time.Time
}

// New returns an Orchestrator.
func New(providers provider.Registry, keys KeySource, contexts ContextSource, session Session, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		providers: providers,
		keys:      keys,
		contexts:  contexts,
		session:   session,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

type target struct {
	spec     domain.ModelSpec
	provider domain.ModelProvider
	apiKey   string
}

type result struct {
	model   string
	outcome domain.ResponseOutcome
}

// Dispatch validates the models, snapshots context and history, starts one
// goroutine per model and returns without waiting for any of them.
// Configuration problems are returned before anything starts.
func (o *Orchestrator) Dispatch(ctx context.Context, userMessage string, models []domain.ModelSpec, opts Options) (*Dispatch, error) {
	targets, err := o.resolve(models)
	if err != nil {
		return nil, err
	}

	generation := o.session.Generation()
	built := o.contexts.Build(ctx, userMessage, opts.Retrieval)
	history := provider.RecentHistory(o.session.RecordTurn(userMessage))

	msg := &domain.ConversationMessage{
		ID:          uuid.NewString(),
		Timestamp:   o.now(),
		UserText:    userMessage,
		ContextMode: built.Mode,
		ContextSent: built.Text,
		Structured:  opts.Structured,
	}
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.spec.Name
	}
	d := newDispatch(msg.ID, generation, names)
	agg := newAggregator(msg, names)
	results := make(chan result, len(targets))

	o.logger.Info().Str("dispatch", d.ID).Int("models", len(targets)).
		Str("context_mode", string(built.Mode)).Bool("structured", opts.Structured).Msg("dispatch started")

	for _, t := range targets {
		o.transition(d, t.spec.Name, domain.PhaseProcessing, nil)
	}
	for _, t := range targets {
		req := domain.ChatRequest{
			Message:    userMessage,
			APIKey:     t.apiKey,
			Model:      t.spec.Name,
			Context:    built.Text,
			History:    history,
			Structured: opts.Structured,
		}
		go o.call(ctx, t, req, results)
	}
	go o.consume(d, agg, msg, results)
	return d, nil
}

// resolve drops repeated model names and checks that every provider family is
// registered and has a key.
func (o *Orchestrator) resolve(models []domain.ModelSpec) ([]target, error) {
	if len(models) == 0 {
		return nil, domain.ErrNoModelsEnabled
	}
	seen := make(map[string]bool, len(models))
	var targets []target
	for _, m := range models {
		if seen[m.Name] {
			o.logger.Warn().Str("model", m.Name).Msg("model listed twice, dispatching once")
			continue
		}
		seen[m.Name] = true
		p, err := o.providers.Lookup(m.Provider)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", m.Name, err)
		}
		key := o.keys.APIKey(m.Provider)
		if key == "" {
			return nil, fmt.Errorf("%w: provider %s for model %s", domain.ErrMissingAPIKey, m.Provider, m.Name)
		}
		targets = append(targets, target{spec: m, provider: p, apiKey: key})
	}
	return targets, nil
}

// call runs one model request and sends exactly one result.
func (o *Orchestrator) call(ctx context.Context, t target, req domain.ChatRequest, results chan<- result) {
	var outcome domain.ResponseOutcome
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Str("model", t.spec.Name).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("provider panicked")
			outcome = domain.Failure(fmt.Sprintf("provider panic: %v", r))
		}
		outcome.ReceivedAt = o.now()
		results <- result{model: t.spec.Name, outcome: outcome}
	}()

	start := time.Now()
	reply, err := t.provider.Send(ctx, req)
	if err != nil {
		o.logger.Warn().Str("model", t.spec.Name).Err(err).Dur("took", time.Since(start)).Msg("model call failed")
		outcome = domain.Failure(err.Error())
		return
	}
	limit := t.provider.ContextLimit(ctx, t.spec.Name, t.apiKey)
	o.logger.Debug().Str("model", t.spec.Name).Int("tokens", reply.Usage.TotalTokens).Dur("took", time.Since(start)).Msg("model replied")
	outcome = domain.Success(reply.Content, reply.Usage, limit)
}

// consume is the only goroutine that touches msg after Dispatch returns.
func (o *Orchestrator) consume(d *Dispatch, agg *aggregator, msg *domain.ConversationMessage, results <-chan result) {
	for r := range results {
		stored, v := agg.apply(r.model, r.outcome)
		switch v {
		case duplicate, unexpected, closed:
			o.logger.Warn().Str("dispatch", d.ID).Str("model", r.model).Str("verdict", v.String()).Msg("outcome rejected")
			continue
		}
		phase := domain.PhaseCompleted
		if !stored.OK() {
			phase = domain.PhaseError
		}
		o.transition(d, r.model, phase, &stored)
		if v == completed {
			break
		}
	}

	msg.CompletedAt = o.now()
	final := msg.Clone()
	err := o.session.Commit(d.generation, final)
	switch {
	case errors.Is(err, domain.ErrStaleGeneration):
		o.logger.Info().Str("dispatch", d.ID).Msg("conversation changed, message discarded")
	case err != nil:
		o.logger.Error().Str("dispatch", d.ID).Err(err).Msg("commit failed")
	}
	d.finish(final, err)
	o.logger.Info().Str("dispatch", d.ID).Int("responses", len(final.Responses)).
		Interface("answers", final.AnswerHistogram).Msg("dispatch finished")
	if o.OnComplete != nil {
		o.OnComplete(d)
	}
}

func (o *Orchestrator) transition(d *Dispatch, model string, phase domain.Phase, outcome *domain.ResponseOutcome) {
	d.setPhase(model, phase)
	if o.OnStatus != nil {
		o.OnStatus(domain.StatusEvent{DispatchID: d.ID, Model: model, Phase: phase, Outcome: outcome, At: o.now()})
	}
}
