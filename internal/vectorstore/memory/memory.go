package memory

import (
	"errors"
	"os"
	"sync"

	"github.com/phuslu/log"

	"quorum/internal/domain"
	"quorum/internal/fileutil"
	"quorum/internal/logging"
)

// Storage is an in-memory chunk store kept in insertion order. When a path is
// set every mutation is mirrored to a JSON file; write failures are logged
// and the store carries on in memory.
type Storage struct {
	mu     sync.RWMutex
	chunks []domain.Chunk
	path   string
	logger *log.Logger
}

// NewStorage returns an empty store that never touches disk.
func NewStorage() *Storage { return &Storage{logger: logging.Nop()} }

// Open loads the store from path. A missing or corrupt file yields an empty store.
func Open(path string, logger *log.Logger) *Storage {
	s := &Storage{path: path, logger: logging.OrNop(logger)}
	var chunks []domain.Chunk
	if err := fileutil.ReadJSON(path, &chunks); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", path).Msg("chunk store unreadable, starting empty")
		}
		return s
	}
	s.chunks = chunks
	s.logger.Debug().Int("chunks", len(chunks)).Str("path", path).Msg("chunk store loaded")
	return s
}

// ReplaceDocument drops every chunk of filename and appends the new ones.
func (s *Storage) ReplaceDocument(filename string, chunks []domain.Chunk) error {
	for _, ch := range chunks {
		if ch.DocumentFilename != filename {
			return errors.New("chunk belongs to a different document")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.chunks[:0:0]
	for _, ch := range s.chunks {
		if ch.DocumentFilename != filename {
			kept = append(kept, ch)
		}
	}
	s.chunks = append(kept, chunks...)
	s.persistLocked()
	return nil
}

// RemoveDocument drops every chunk of filename. Unknown documents are a no-op.
func (s *Storage) RemoveDocument(filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.chunks[:0:0]
	for _, ch := range s.chunks {
		if ch.DocumentFilename != filename {
			kept = append(kept, ch)
		}
	}
	if len(kept) == len(s.chunks) {
		return nil
	}
	s.chunks = kept
	s.persistLocked()
	return nil
}

// All returns a copy of the chunks in insertion order.
func (s *Storage) All() ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out, nil
}

// Clear removes every chunk and the backing file.
func (s *Storage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = nil
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("failed to remove chunk store file")
		}
	}
	return nil
}

func (s *Storage) persistLocked() {
	if s.path == "" {
		return
	}
	if err := fileutil.WriteJSON(s.path, s.chunks); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("failed to save chunk store")
	}
}
