// Package conversation persists finished conversations, most recent first.
package conversation

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/phuslu/log"

	"quorum/internal/domain"
	"quorum/internal/fileutil"
	"quorum/internal/logging"
)

// Store keeps conversations in memory and mirrors them to a JSON file.
type Store struct {
	mu     sync.RWMutex
	path   string
	convs  []domain.Conversation
	logger *log.Logger
}

// Open loads the store from path. A missing or corrupt file yields an empty
// store; an empty path keeps everything in memory.
func Open(path string, logger *log.Logger) *Store {
	s := &Store{path: path, logger: logging.OrNop(logger)}
	if path == "" {
		return s
	}
	var convs []domain.Conversation
	if err := fileutil.ReadJSON(path, &convs); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", path).Msg("conversation history unreadable, starting empty")
		}
		return s
	}
	s.convs = convs
	s.logger.Debug().Int("conversations", len(convs)).Msg("conversation history loaded")
	return s
}

// Upsert replaces the conversation with the same ID or prepends it. The
// in-memory state is updated even when writing the file fails.
func (s *Store) Upsert(conv domain.Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("%w: conversation id is empty", domain.ErrInvalidParameter)
	}
	c := conv.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i := range s.convs {
		if s.convs[i].ID == c.ID {
			s.convs[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		s.convs = append([]domain.Conversation{c}, s.convs...)
	}
	return s.persistLocked()
}

// Load returns every conversation, most recent first.
func (s *Store) Load() []domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Conversation, len(s.convs))
	for i := range s.convs {
		out[i] = s.convs[i].Clone()
	}
	return out
}

// Get returns the conversation with the given ID.
func (s *Store) Get(id string) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.convs {
		if s.convs[i].ID == id {
			return s.convs[i].Clone(), nil
		}
	}
	return domain.Conversation{}, fmt.Errorf("%w: %s", domain.ErrConversationNotFound, id)
}

// Delete removes one conversation.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.convs {
		if s.convs[i].ID == id {
			s.convs = append(s.convs[:i], s.convs[i+1:]...)
			return s.persistLocked()
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrConversationNotFound, id)
}

// DeleteAll removes every conversation.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = nil
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	convs := s.convs
	if convs == nil {
		convs = []domain.Conversation{}
	}
	if err := fileutil.WriteJSON(s.path, convs); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("failed to save conversation history")
		return fmt.Errorf("save conversations: %w", err)
	}
	return nil
}
