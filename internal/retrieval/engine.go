// Package retrieval indexes documents as embedded word windows and ranks them
// against a query by cosine similarity.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"

	"quorum/internal/chunker"
	"quorum/internal/domain"
	"quorum/internal/embedding"
	"quorum/internal/logging"
	"quorum/internal/vectorstore"
)

// Engine owns the chunk store. Index, Remove and Clear are serialized; Search
// reads a snapshot of the store.
type Engine struct {
	embedder domain.Embedder
	store    domain.ChunkStore
	logger   *log.Logger

	mu sync.Mutex
}

// NewEngine wires an embedder to a chunk store.
func NewEngine(embedder domain.Embedder, store domain.ChunkStore, logger *log.Logger) *Engine {
	return &Engine{embedder: embedder, store: store, logger: logging.OrNop(logger)}
}

// Index splits the document into windows of chunkSize words advancing by
// chunkSize-overlap, embeds every window and replaces the document's chunks.
// Nothing is written when any embedding fails.
func (e *Engine) Index(ctx context.Context, doc domain.Document, chunkSize, overlap int) (int, error) {
	wc, err := chunker.NewWordChunker(chunkSize, overlap)
	if err != nil {
		return 0, err
	}
	chunks, err := wc.Chunk(doc)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	for i := range chunks {
		vec, err := e.embedder.Embed(ctx, chunks[i].Text)
		if err != nil {
			return 0, fmt.Errorf("embed chunk %d of %s: %w", i, doc.Filename, err)
		}
		chunks[i].Embedding = vec
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.ReplaceDocument(doc.Filename, chunks); err != nil {
		return 0, fmt.Errorf("store chunks of %s: %w", doc.Filename, err)
	}
	e.logger.Info().Str("document", doc.Filename).Int("chunks", len(chunks)).
		Str("embedder", e.embedder.Name()).Dur("took", time.Since(start)).Msg("document indexed")
	return len(chunks), nil
}

// Search ranks every chunk against query and returns at most topK results by
// non-increasing similarity. Equal scores keep insertion order.
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]domain.ScoredChunk, error) {
	chunks, err := e.store.All()
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 || topK <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	scored := make([]domain.ScoredChunk, len(chunks))
	for i, ch := range chunks {
		scored[i] = domain.ScoredChunk{Chunk: ch, Similarity: embedding.Cosine(qvec, ch.Embedding)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if topK < len(scored) {
		scored = scored[:topK]
	}
	return scored, nil
}

// Remove drops every chunk of filename. Removing an unknown document is a no-op.
func (e *Engine) Remove(filename string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.RemoveDocument(filename); err != nil {
		return fmt.Errorf("remove chunks of %s: %w", filename, err)
	}
	e.logger.Debug().Str("document", filename).Msg("document chunks removed")
	return nil
}

// BuildContext renders the topK chunks most similar to query as an attributed
// block. It returns an empty string when nothing matches.
func (e *Engine) BuildContext(ctx context.Context, query string, topK int) (string, error) {
	results, err := e.Search(ctx, query, topK)
	if err != nil {
		return "", err
	}
	return FormatContext(results), nil
}

// FormatContext renders search results the way BuildContext does.
func FormatContext(results []domain.ScoredChunk) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("=== Knowledge Base (retrieval) ===\n\n")
	for _, r := range results {
		fmt.Fprintf(&b, "[source: %s#%d]\n", r.Chunk.DocumentFilename, r.Chunk.Index)
		fmt.Fprintf(&b, "[similarity: %.2f%%]\n", r.Similarity*100)
		b.WriteString(r.Chunk.Text)
		b.WriteString("\n\n")
	}
	b.WriteString("=== End ===\n")
	return b.String()
}

// Stats reports chunk and document counts.
func (e *Engine) Stats() (vectorstore.Stats, error) {
	return vectorstore.Collect(e.store)
}

// Clear drops every chunk.
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Clear(); err != nil {
		return err
	}
	e.logger.Info().Msg("retrieval index cleared")
	return nil
}
