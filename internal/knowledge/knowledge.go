// Package knowledge keeps the documents the user loaded, indexes them for
// retrieval and persists them as JSON.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/phuslu/log"

	"quorum/internal/domain"
	"quorum/internal/fileutil"
	"quorum/internal/logging"
)

// Indexer maintains the retrieval index of a document.
type Indexer interface {
	Index(ctx context.Context, doc domain.Document, chunkSize, overlap int) (int, error)
	Remove(filename string) error
}

// Options are the chunking parameters used when indexing.
type Options struct {
	ChunkSize int
	Overlap   int
}

// Base is the set of loaded documents, in the order they were first added.
type Base struct {
	// writeMu orders mutations, index and document list together. mu guards
	// docs alone so reads do not wait on embedding.
	writeMu    sync.Mutex
	mu         sync.RWMutex
	docs       []domain.Document
	path       string
	source     domain.DocumentSource
	indexer    Indexer
	summarizer domain.Summarizer
	opts       Options
	logger     *log.Logger
	now        func() time.Time
}

// Open loads the documents stored at path. A missing or corrupt file yields
// an empty base; an empty path keeps everything in memory.
func Open(path string, source domain.DocumentSource, indexer Indexer, summarizer domain.Summarizer, opts Options, logger *log.Logger) *Base {
	b := &Base{
		path:       path,
		source:     source,
		indexer:    indexer,
		summarizer: summarizer,
		opts:       opts,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
	if path == "" {
		return b
	}
	var docs []domain.Document
	if err := fileutil.ReadJSON(path, &docs); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn().Err(err).Str("path", path).Msg("knowledge base unreadable, starting empty")
		}
		return b
	}
	b.docs = docs
	b.logger.Debug().Int("documents", len(docs)).Msg("knowledge base loaded")
	return b
}

// Ingest extracts the file at path, indexes it and adds it. A document with
// the same filename is replaced. When indexing fails nothing changes.
func (b *Base) Ingest(ctx context.Context, path string) (domain.Document, int, error) {
	text, err := b.source.ExtractText(path)
	if err != nil {
		return domain.Document{}, 0, err
	}
	doc := domain.Document{
		Filename: filepath.Base(path),
		Content:  text,
		AddedAt:  b.now(),
		Kind:     KindOf(path),
	}
	n, err := b.Add(ctx, doc)
	return doc, n, err
}

// Add indexes doc and stores it, replacing any document with its filename.
// It returns the number of chunks indexed.
func (b *Base) Add(ctx context.Context, doc domain.Document) (int, error) {
	if doc.Filename == "" {
		return 0, fmt.Errorf("%w: document filename is empty", domain.ErrInvalidParameter)
	}
	if doc.Content == "" {
		return 0, fmt.Errorf("%w: %s", domain.ErrEmptyDocument, doc.Filename)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	n, err := b.indexer.Index(ctx, doc, b.opts.ChunkSize, b.opts.Overlap)
	if err != nil {
		return 0, fmt.Errorf("index %s: %w", doc.Filename, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	replaced := false
	for i := range b.docs {
		if b.docs[i].Filename == doc.Filename {
			b.docs[i] = doc
			replaced = true
			break
		}
	}
	if !replaced {
		b.docs = append(b.docs, doc)
	}
	b.persistLocked()
	b.logger.Info().Str("document", doc.Filename).Str("kind", string(doc.Kind)).Int("chunks", n).Bool("replaced", replaced).Msg("document added")
	return n, nil
}

// Remove drops the document and its chunks.
func (b *Base) Remove(filename string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.indexLocked(filename)
	if idx < 0 {
		return fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, filename)
	}
	if err := b.indexer.Remove(filename); err != nil {
		return fmt.Errorf("remove %s from index: %w", filename, err)
	}
	b.docs = append(b.docs[:idx], b.docs[idx+1:]...)
	b.persistLocked()
	b.logger.Info().Str("document", filename).Msg("document removed")
	return nil
}

// List returns a copy of the documents.
func (b *Base) List() []domain.Document {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Document, len(b.docs))
	copy(out, b.docs)
	return out
}

// Get returns the document named filename.
func (b *Base) Get(filename string) (domain.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if idx := b.indexLocked(filename); idx >= 0 {
		return b.docs[idx], nil
	}
	return domain.Document{}, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, filename)
}

// Summary returns an extractive summary of at most maxSentences sentences.
func (b *Base) Summary(filename string, maxSentences int) (string, error) {
	doc, err := b.Get(filename)
	if err != nil {
		return "", err
	}
	return b.summarizer.Summarize(doc.Content, maxSentences)
}

// Reindex rebuilds the chunks of every document, for instance after the
// embedder changed. Failures are collected and the remaining documents are
// still indexed.
func (b *Base) Reindex(ctx context.Context) (int, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	var (
		total int
		errs  []error
	)
	for _, doc := range b.List() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := b.indexer.Index(ctx, doc, b.opts.ChunkSize, b.opts.Overlap)
		if err != nil {
			errs = append(errs, fmt.Errorf("index %s: %w", doc.Filename, err))
			continue
		}
		total += n
	}
	b.logger.Info().Int("chunks", total).Int("failed", len(errs)).Msg("knowledge base reindexed")
	return total, errors.Join(errs...)
}

func (b *Base) indexLocked(filename string) int {
	for i := range b.docs {
		if b.docs[i].Filename == filename {
			return i
		}
	}
	return -1
}

func (b *Base) persistLocked() {
	if b.path == "" {
		return
	}
	if err := fileutil.WriteJSON(b.path, b.docs); err != nil {
		b.logger.Error().Err(err).Str("path", b.path).Msg("failed to save knowledge base")
	}
}
