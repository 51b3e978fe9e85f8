package dispatch

import (
	"context"
	"sync"

	"quorum/internal/domain"
)

// Dispatch is the handle of one fanned-out message.
type Dispatch struct {
	ID         string
	generation uint64
	models     []string

	mu     sync.RWMutex
	phases map[string]domain.Phase

	done      chan struct{}
	final     domain.ConversationMessage
	commitErr error
}

func newDispatch(id string, generation uint64, models []string) *Dispatch {
	phases := make(map[string]domain.Phase, len(models))
	for _, m := range models {
		phases[m] = domain.PhaseIdle
	}
	return &Dispatch{ID: id, generation: generation, models: models, phases: phases, done: make(chan struct{})}
}

// Models lists the models the message was sent to, in dispatch order.
func (d *Dispatch) Models() []string {
	return append([]string(nil), d.models...)
}

// Phase returns the live status of model.
func (d *Dispatch) Phase(model string) domain.Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.phases[model]
}

// Phases returns a copy of the status of every model.
func (d *Dispatch) Phases() map[string]domain.Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]domain.Phase, len(d.phases))
	for k, v := range d.phases {
		out[k] = v
	}
	return out
}

func (d *Dispatch) setPhase(model string, phase domain.Phase) {
	d.mu.Lock()
	d.phases[model] = phase
	d.mu.Unlock()
}

func (d *Dispatch) finish(msg domain.ConversationMessage, commitErr error) {
	d.final = msg
	d.commitErr = commitErr
	close(d.done)
}

// Done is closed once every model has resolved.
func (d *Dispatch) Done() <-chan struct{} { return d.done }

// Message returns the finalized message. ok is false while models are still pending.
func (d *Dispatch) Message() (msg domain.ConversationMessage, ok bool) {
	select {
	case <-d.done:
		return d.final.Clone(), true
	default:
		return domain.ConversationMessage{}, false
	}
}

// Committed reports whether the finalized message made it into the
// conversation. It is false for messages abandoned by a new conversation.
func (d *Dispatch) Committed() bool {
	select {
	case <-d.done:
		return d.commitErr == nil
	default:
		return false
	}
}

// Wait blocks until the dispatch finishes or ctx is done.
func (d *Dispatch) Wait(ctx context.Context) (domain.ConversationMessage, error) {
	select {
	case <-d.done:
		return d.final.Clone(), nil
	case <-ctx.Done():
		return domain.ConversationMessage{}, ctx.Err()
	}
}
