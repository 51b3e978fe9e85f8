package badger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/phuslu/log"

	"quorum/internal/domain"
	"quorum/internal/logging"
)

var (
	chunkPrefix = []byte("chunk:")
	docPrefix   = []byte("doc:")
	seqKey      = []byte("seq:chunk")
)

// Storage keeps chunks in a Badger database.
//
// Layout:
//
//	chunk:<seq>              -> JSON chunk, seq is big-endian so iteration follows insertion order
//	doc:<filename>\x00<seq>  -> empty, per-document index used for replace and remove
type Storage struct {
	db     *badger.DB
	seq    *badger.Sequence
	owned  bool
	logger *log.Logger
}

// Open opens (or creates) a Badger database in dir.
func Open(dir string, logger *log.Logger) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	logging.OrNop(logger).Debug().Str("path", dir).Msg("badger chunk store opened")
	return s, nil
}

// New wraps an already opened database. The caller keeps ownership of db.
func New(db *badger.DB, logger *log.Logger) (*Storage, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	seq, err := db.GetSequence(seqKey, 128)
	if err != nil {
		return nil, fmt.Errorf("failed to lease chunk sequence: %w", err)
	}
	return &Storage{db: db, seq: seq, logger: logging.OrNop(logger)}, nil
}

// Close releases the sequence and, for stores created by Open, the database.
func (s *Storage) Close() error {
	var errs []error
	if err := s.seq.Release(); err != nil {
		errs = append(errs, err)
	}
	if s.owned {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReplaceDocument removes every chunk of filename and stores the new ones in a single transaction.
func (s *Storage) ReplaceDocument(filename string, chunks []domain.Chunk) error {
	payloads := make([][]byte, len(chunks))
	for i, ch := range chunks {
		if ch.DocumentFilename != filename {
			return errors.New("chunk belongs to a different document")
		}
		data, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk: %w", err)
		}
		payloads[i] = data
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := deleteDocument(txn, filename); err != nil {
			return err
		}
		for _, data := range payloads {
			n, err := s.seq.Next()
			if err != nil {
				return err
			}
			id := seqBytes(n)
			if err := txn.Set(chunkKey(id), data); err != nil {
				return err
			}
			if err := txn.Set(docKey(filename, id), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace document %s: %w", filename, err)
	}
	return nil
}

// RemoveDocument removes every chunk of filename. Unknown documents are a no-op.
func (s *Storage) RemoveDocument(filename string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return deleteDocument(txn, filename)
	})
}

// All returns every chunk in insertion order.
func (s *Storage) All() ([]domain.Chunk, error) {
	var out []domain.Chunk
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(chunkPrefix); it.ValidForPrefix(chunkPrefix); it.Next() {
			var ch domain.Chunk
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ch)
			})
			if err != nil {
				s.logger.Warn().Err(err).Msg("skipping undecodable chunk")
				continue
			}
			out = append(out, ch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear drops every chunk and index entry.
func (s *Storage) Clear() error {
	return s.db.DropPrefix(chunkPrefix, docPrefix)
}

func deleteDocument(txn *badger.Txn, filename string) error {
	prefix := docIndexPrefix(filename)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		id := bytes.TrimPrefix(k, prefix)
		if err := txn.Delete(chunkKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func seqBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func chunkKey(id []byte) []byte {
	return append(append([]byte{}, chunkPrefix...), id...)
}

func docIndexPrefix(filename string) []byte {
	k := append([]byte{}, docPrefix...)
	k = append(k, filename...)
	return append(k, 0)
}

func docKey(filename string, id []byte) []byte {
	return append(docIndexPrefix(filename), id...)
}
