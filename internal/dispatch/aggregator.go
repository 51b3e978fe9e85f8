package dispatch

import (
	"quorum/internal/domain"
	"quorum/internal/structured"
)

// aggregator folds model outcomes into one message. It is owned by a single
// goroutine and holds no locks.
type aggregator struct {
	msg       *domain.ConversationMessage
	expected  map[string]struct{}
	finalized bool
}

func newAggregator(msg *domain.ConversationMessage, models []string) *aggregator {
	expected := make(map[string]struct{}, len(models))
	for _, m := range models {
		expected[m] = struct{}{}
	}
	msg.ExpectedCount = len(expected)
	if msg.Responses == nil {
		msg.Responses = make(map[string]domain.ResponseOutcome, len(expected))
	}
	if msg.AnswerHistogram == nil {
		msg.AnswerHistogram = make(map[string]int)
	}
	return &aggregator{msg: msg, expected: expected}
}

// verdict is what apply did with an outcome.
type verdict int

const (
	accepted verdict = iota
	completed
	duplicate
	unexpected
	closed
)

func (v verdict) String() string {
	switch v {
	case accepted:
		return "accepted"
	case completed:
		return "completed"
	case duplicate:
		return "duplicate"
	case unexpected:
		return "unexpected"
	default:
		return "closed"
	}
}

// apply stores the first outcome of each expected model. Later outcomes for a
// model that already resolved are rejected, so each model counts once.
func (a *aggregator) apply(model string, outcome domain.ResponseOutcome) (domain.ResponseOutcome, verdict) {
	if a.finalized {
		return outcome, closed
	}
	if _, ok := a.expected[model]; !ok {
		return outcome, unexpected
	}
	if _, ok := a.msg.Responses[model]; ok {
		return outcome, duplicate
	}
	outcome.AnswerLetter = domain.UnknownAnswer
	if a.msg.Structured && outcome.OK() {
		outcome.AnswerLetter = structured.Letter(outcome.Content)
	}
	if outcome.AnswerLetter != domain.UnknownAnswer {
		a.msg.AnswerHistogram[outcome.AnswerLetter]++
	}
	a.msg.Responses[model] = outcome
	if len(a.msg.Responses) == a.msg.ExpectedCount {
		a.finalized = true
		return outcome, completed
	}
	return outcome, accepted
}
