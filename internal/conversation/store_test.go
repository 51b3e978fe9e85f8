package conversation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/domain"
)

func conv(id string, messages int) domain.Conversation {
	c := domain.Conversation{ID: id, StartedAt: time.Now().UTC().Truncate(time.Second)}
	for i := 0; i < messages; i++ {
		c.Messages = append(c.Messages, domain.ConversationMessage{
			ID:            id + "-m",
			UserText:      "hello",
			ExpectedCount: 1,
			Responses: map[string]domain.ResponseOutcome{
				"m1": domain.Success("A", domain.TokenUsage{TotalTokens: 3}, 8192),
			},
			AnswerHistogram: map[string]int{"A": 1},
		})
	}
	return c
}

func TestUpsert_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.json")
	s := Open(path, nil)
	require.NoError(t, s.Upsert(conv("c1", 1)))

	loaded := Open(path, nil).Load()
	require.Len(t, loaded, 1)
	assert.Equal(t, "c1", loaded[0].ID)
	assert.Len(t, loaded[0].Messages, 1)
	assert.Equal(t, 1, loaded[0].Messages[0].AnswerHistogram["A"])
	assert.Equal(t, 8192, loaded[0].Messages[0].Responses["m1"].ContextLimit)
}

func TestUpsert_ReplacesSameID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.json")
	s := Open(path, nil)
	require.NoError(t, s.Upsert(conv("c1", 1)))
	require.NoError(t, s.Upsert(conv("c1", 3)))

	loaded := Open(path, nil).Load()
	require.Len(t, loaded, 1)
	assert.Len(t, loaded[0].Messages, 3)
}

func TestUpsert_PrependsNew(t *testing.T) {
	s := Open("", nil)
	require.NoError(t, s.Upsert(conv("old", 1)))
	require.NoError(t, s.Upsert(conv("new", 1)))
	require.NoError(t, s.Upsert(conv("old", 2)))

	loaded := s.Load()
	require.Len(t, loaded, 2)
	assert.Equal(t, "new", loaded[0].ID)
	assert.Equal(t, "old", loaded[1].ID)
	assert.Len(t, loaded[1].Messages, 2)
}

func TestUpsert_RejectsEmptyID(t *testing.T) {
	assert.ErrorIs(t, Open("", nil).Upsert(domain.Conversation{}), domain.ErrInvalidParameter)
}

func TestLoad_ReturnsCopies(t *testing.T) {
	s := Open("", nil)
	require.NoError(t, s.Upsert(conv("c1", 1)))
	first := s.Load()
	first[0].Messages[0].AnswerHistogram["A"] = 99

	again := s.Load()
	assert.Equal(t, 1, again[0].Messages[0].AnswerHistogram["A"])
}

func TestOpen_MissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, Open(filepath.Join(dir, "missing.json"), nil).Load())

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("[{"), 0o644))
	s := Open(corrupt, nil)
	assert.Empty(t, s.Load())
	require.NoError(t, s.Upsert(conv("c1", 1)))
	assert.Len(t, Open(corrupt, nil).Load(), 1)
}

func TestGetDeleteAndDeleteAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.json")
	s := Open(path, nil)
	require.NoError(t, s.Upsert(conv("a", 1)))
	require.NoError(t, s.Upsert(conv("b", 1)))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	require.NoError(t, s.Delete("a"))
	_, err = s.Get("a")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	assert.ErrorIs(t, s.Delete("a"), domain.ErrConversationNotFound)

	require.NoError(t, s.DeleteAll())
	assert.Empty(t, Open(path, nil).Load())
}

func TestUpsert_WriteFailureKeepsMemory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	s := Open(filepath.Join(blocker, "conversations.json"), nil)
	err := s.Upsert(conv("c1", 1))
	require.Error(t, err)
	assert.Len(t, s.Load(), 1)
}
