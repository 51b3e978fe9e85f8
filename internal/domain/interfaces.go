package domain

import "context"

// Embedder converts free text into a numeric vector representation.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// ChunkStore holds embedded chunks in insertion order.
// ReplaceDocument must swap a document's chunks as a single step.
type ChunkStore interface {
	ReplaceDocument(filename string, chunks []Chunk) error
	RemoveDocument(filename string) error
	All() ([]Chunk, error)
	Clear() error
}

// Summarizer produces a brief summary of the provided text.
type Summarizer interface {
	Summarize(text string, maxSentences int) (string, error)
}

// DocumentSource extracts text from a file on disk.
type DocumentSource interface {
	ExtractText(path string) (string, error)
}

// ChatRequest is everything a provider needs for one model call.
type ChatRequest struct {
	Message    string
	APIKey     string
	Model      string
	Context    string
	History    []ChatTurn
	Structured bool
}

// ChatReply is a provider's answer to a ChatRequest.
type ChatReply struct {
	Content string
	Usage   TokenUsage
	Model   string
}

// ModelProvider talks to one provider family. Send must resolve in bounded
// time; failures wrap one of the provider error sentinels.
type ModelProvider interface {
	Send(ctx context.Context, req ChatRequest) (*ChatReply, error)
	ContextLimit(ctx context.Context, model, apiKey string) int
}
