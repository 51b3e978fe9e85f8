// Package session tracks the active conversation and the rolling chat history.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"quorum/internal/domain"
	"quorum/internal/logging"
)

// Store persists conversations.
type Store interface {
	Upsert(conv domain.Conversation) error
}

// Session is the single logical chat session. Commits of finished messages
// are serialized here; messages started before the last NewConversation are
// rejected with domain.ErrStaleGeneration.
type Session struct {
	mu         sync.Mutex
	store      Store
	logger     *log.Logger
	generation uint64
	conv       domain.Conversation
	history    []domain.ChatTurn
	now        func() time.Time
}

// New starts a session with a fresh conversation.
func New(store Store, logger *log.Logger) *Session {
	s := &Session{store: store, logger: logging.OrNop(logger), now: time.Now}
	s.resetLocked()
	return s
}

// Generation identifies the current conversation. It increases on every NewConversation.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// RecordTurn appends a user turn to the history and returns the turns that preceded it.
// Only user turns are kept: replies differ per model, so none is shared history.
func (s *Session) RecordTurn(text string) []domain.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := make([]domain.ChatTurn, len(s.history))
	copy(prior, s.history)
	s.history = append(s.history, domain.ChatTurn{Role: "user", Content: text})
	return prior
}

// History returns a copy of the rolling history.
func (s *Session) History() []domain.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatTurn, len(s.history))
	copy(out, s.history)
	return out
}

// Commit adds a finished message to the conversation, keeping messages in the
// order they were sent, and upserts the conversation. A store failure is
// logged; the message stays committed in memory.
func (s *Session) Commit(generation uint64, msg domain.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return fmt.Errorf("%w: message %s from generation %d, current %d",
			domain.ErrStaleGeneration, msg.ID, generation, s.generation)
	}
	msgs := append(s.conv.Messages, msg.Clone())
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	s.conv.Messages = msgs
	s.conv.UpdatedAt = s.now()

	if s.store != nil {
		if err := s.store.Upsert(s.conv.Clone()); err != nil {
			s.logger.Error().Err(err).Str("conversation", s.conv.ID).Msg("conversation kept in memory only")
		}
	}
	s.logger.Info().Str("conversation", s.conv.ID).Str("message", msg.ID).
		Int("messages", len(s.conv.Messages)).Msg("message committed")
	return nil
}

// Conversation returns a copy of the active conversation.
func (s *Session) Conversation() domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Clone()
}

// NewConversation abandons the active conversation and its history. Results
// of dispatches still in flight will no longer be committed.
func (s *Session) NewConversation() domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.logger.Info().Str("conversation", s.conv.ID).Uint64("generation", s.generation).Msg("new conversation")
	return s.conv.Clone()
}

func (s *Session) resetLocked() {
	s.generation++
	now := s.now()
	s.conv = domain.Conversation{ID: uuid.NewString(), StartedAt: now, UpdatedAt: now}
	s.history = nil
}
