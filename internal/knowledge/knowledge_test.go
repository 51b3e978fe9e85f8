package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/domain"
	"quorum/internal/summarizer"
)

type fakeIndexer struct {
	indexed map[string]string
	failOn  string
	removed []string
}

func newFakeIndexer() *fakeIndexer { return &fakeIndexer{indexed: map[string]string{}} }

func (f *fakeIndexer) Index(_ context.Context, doc domain.Document, _, _ int) (int, error) {
	if doc.Filename == f.failOn {
		return 0, errors.New("embedder down")
	}
	f.indexed[doc.Filename] = doc.Content
	return 1, nil
}

func (f *fakeIndexer) Remove(filename string) error {
	f.removed = append(f.removed, filename)
	delete(f.indexed, filename)
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestIngest_AddsAndReplaces(t *testing.T) {
	dir := t.TempDir()
	idx := newFakeIndexer()
	kb := Open(filepath.Join(dir, "documents.json"), TextSource{}, idx, summarizer.NewFrequencySummarizer(), Options{ChunkSize: 50, Overlap: 5}, nil)

	doc, n, err := kb.Ingest(context.Background(), writeFile(t, dir, "a.txt", "first version"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "a.txt", doc.Filename)
	assert.Equal(t, domain.KindText, doc.Kind)

	_, _, err = kb.Ingest(context.Background(), writeFile(t, dir, "b.md", "other"))
	require.NoError(t, err)
	_, _, err = kb.Ingest(context.Background(), writeFile(t, dir, "a.txt", "second version"))
	require.NoError(t, err)

	docs := kb.List()
	require.Len(t, docs, 2)
	assert.Equal(t, "a.txt", docs[0].Filename)
	assert.Equal(t, "second version", docs[0].Content)
	assert.Equal(t, "second version", idx.indexed["a.txt"])

	reopened := Open(filepath.Join(dir, "documents.json"), TextSource{}, idx, nil, Options{}, nil)
	assert.Equal(t, docs[0].Content, reopened.List()[0].Content)
	assert.Len(t, reopened.List(), 2)
}

func TestIngest_EmptyFileRejected(t *testing.T) {
	dir := t.TempDir()
	kb := Open("", TextSource{}, newFakeIndexer(), nil, Options{}, nil)
	_, _, err := kb.Ingest(context.Background(), writeFile(t, dir, "blank.txt", "  \n\t "))
	assert.ErrorIs(t, err, domain.ErrEmptyDocument)
	assert.Empty(t, kb.List())
}

func TestIngest_IndexFailureLeavesBaseUnchanged(t *testing.T) {
	dir := t.TempDir()
	idx := newFakeIndexer()
	kb := Open("", TextSource{}, idx, nil, Options{}, nil)
	_, _, err := kb.Ingest(context.Background(), writeFile(t, dir, "a.txt", "original"))
	require.NoError(t, err)

	idx.failOn = "a.txt"
	_, _, err = kb.Ingest(context.Background(), writeFile(t, dir, "a.txt", "replacement"))
	require.Error(t, err)

	doc, err := kb.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "original", doc.Content)
}

func TestRemove(t *testing.T) {
	idx := newFakeIndexer()
	kb := Open("", TextSource{}, idx, nil, Options{}, nil)
	_, err := kb.Add(context.Background(), domain.Document{Filename: "a.txt", Content: "x"})
	require.NoError(t, err)

	require.NoError(t, kb.Remove("a.txt"))
	assert.Equal(t, []string{"a.txt"}, idx.removed)
	assert.Empty(t, kb.List())

	assert.ErrorIs(t, kb.Remove("a.txt"), domain.ErrDocumentNotFound)
	_, err = kb.Get("a.txt")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestSummary(t *testing.T) {
	kb := Open("", TextSource{}, newFakeIndexer(), summarizer.NewFrequencySummarizer(), Options{}, nil)
	_, err := kb.Add(context.Background(), domain.Document{Filename: "a.txt", Content: "Caches store data. Caches make reads fast. Bananas are yellow. Caches expire data."})
	require.NoError(t, err)

	got, err := kb.Summary("a.txt", 2)
	require.NoError(t, err)
	assert.Equal(t, "Caches store data. Caches expire data.", got)

	_, err = kb.Summary("missing.txt", 2)
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestReindex_ContinuesPastFailures(t *testing.T) {
	idx := newFakeIndexer()
	kb := Open("", TextSource{}, idx, nil, Options{}, nil)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := kb.Add(context.Background(), domain.Document{Filename: name, Content: name})
		require.NoError(t, err)
	}
	idx.failOn = "b.txt"
	idx.indexed = map[string]string{}

	n, err := kb.Reindex(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, idx.indexed, "a.txt")
	assert.Contains(t, idx.indexed, "c.txt")
}

// gatedIndexer stores chunks and then waits on release before returning.
type gatedIndexer struct {
	mu      sync.Mutex
	indexed map[string]bool
	started chan struct{}
	release chan struct{}
}

func (g *gatedIndexer) Index(_ context.Context, doc domain.Document, _, _ int) (int, error) {
	g.mu.Lock()
	g.indexed[doc.Filename] = true
	g.mu.Unlock()
	g.started <- struct{}{}
	<-g.release
	return 1, nil
}

func (g *gatedIndexer) Remove(filename string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.indexed, filename)
	return nil
}

func TestRemove_WaitsForInFlightAdd(t *testing.T) {
	idx := &gatedIndexer{indexed: map[string]bool{}, started: make(chan struct{}, 1), release: make(chan struct{})}
	kb := Open("", TextSource{}, idx, nil, Options{ChunkSize: 50}, nil)

	go func() { idx.release <- struct{}{} }()
	_, err := kb.Add(context.Background(), domain.Document{Filename: "a.txt", Content: "v1"})
	require.NoError(t, err)
	<-idx.started

	addDone := make(chan error, 1)
	go func() {
		_, err := kb.Add(context.Background(), domain.Document{Filename: "a.txt", Content: "v2"})
		addDone <- err
	}()
	<-idx.started

	removeDone := make(chan error, 1)
	go func() { removeDone <- kb.Remove("a.txt") }()
	select {
	case err := <-removeDone:
		t.Fatalf("remove finished while add was indexing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(idx.release)
	require.NoError(t, <-addDone)
	require.NoError(t, <-removeDone)

	assert.Empty(t, kb.List())
	idx.mu.Lock()
	defer idx.mu.Unlock()
	assert.Empty(t, idx.indexed)
}
