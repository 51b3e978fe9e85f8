// Package contextbuilder chooses between full-corpus and retrieval context for a query.
package contextbuilder

import (
	"context"
	"strings"

	"github.com/phuslu/log"

	"quorum/internal/domain"
	"quorum/internal/logging"
)

// DocumentLister returns the documents of the knowledge base in a stable order.
type DocumentLister interface {
	List() []domain.Document
}

// Retriever renders the retrieval context for a query.
type Retriever interface {
	BuildContext(ctx context.Context, query string, topK int) (string, error)
}

// Context is the text sent alongside a message and the strategy that produced it.
type Context struct {
	Mode domain.ContextMode
	Text string
}

// Builder assembles message context.
type Builder struct {
	docs      DocumentLister
	retriever Retriever
	topK      int
	logger    *log.Logger
}

// New returns a Builder. retriever may be nil when retrieval is unavailable.
func New(docs DocumentLister, retriever Retriever, topK int, logger *log.Logger) *Builder {
	if topK <= 0 {
		topK = 5
	}
	return &Builder{docs: docs, retriever: retriever, topK: topK, logger: logging.OrNop(logger)}
}

// Build returns the context for query. With retrieval requested and a
// non-empty query it delegates to the retriever; otherwise, or when retrieval
// fails, it concatenates every document. Mode is ContextNone when the text is empty.
func (b *Builder) Build(ctx context.Context, query string, retrieval bool) Context {
	if retrieval && b.retriever != nil && strings.TrimSpace(query) != "" {
		text, err := b.retriever.BuildContext(ctx, query, b.topK)
		if err == nil {
			return result(domain.ContextRetrieval, text)
		}
		b.logger.Warn().Err(err).Msg("retrieval failed, falling back to full knowledge base")
	}
	return result(domain.ContextFull, Full(b.docs.List()))
}

// Full renders every document under a single banner. No documents yields "".
func Full(docs []domain.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("=== Knowledge Base ===\n\n")
	for _, d := range docs {
		sb.WriteString("Document: ")
		sb.WriteString(d.Filename)
		sb.WriteString("\n")
		sb.WriteString(d.Content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("=== End ===\n")
	return sb.String()
}

func result(mode domain.ContextMode, text string) Context {
	if text == "" {
		mode = domain.ContextNone
	}
	return Context{Mode: mode, Text: text}
}
