package chunker

import (
	"fmt"
	"strings"

	"quorum/internal/domain"
)

// WordChunker splits text into windows of a fixed number of words. Consecutive
// windows share overlap words; the last window may be shorter.
type WordChunker struct {
	chunkSize int
	overlap   int
}

// NewWordChunker validates 0 <= overlap < chunkSize.
func NewWordChunker(chunkSize, overlap int) (*WordChunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrInvalidParameter, chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("%w: overlap must be in [0, %d), got %d", domain.ErrInvalidParameter, chunkSize, overlap)
	}
	return &WordChunker{chunkSize: chunkSize, overlap: overlap}, nil
}

// Step is the number of words the window advances by.
func (c *WordChunker) Step() int { return c.chunkSize - c.overlap }

// Chunk returns the document's windows without embeddings.
func (c *WordChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	windows := c.Split(document.Content)
	chunks := make([]domain.Chunk, 0, len(windows))
	for i, text := range windows {
		chunks = append(chunks, domain.Chunk{
			DocumentFilename: document.Filename,
			Index:            i,
			Text:             text,
		})
	}
	return chunks, nil
}

// Split returns the non-empty word windows of text.
func (c *WordChunker) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	step := c.Step()
	out := make([]string, 0, (len(words)+step-1)/step)
	for i := 0; i < len(words); i += step {
		end := i + c.chunkSize
		if end > len(words) {
			end = len(words)
		}
		window := strings.Join(words[i:end], " ")
		if strings.TrimSpace(window) == "" {
			continue
		}
		out = append(out, window)
	}
	return out
}
