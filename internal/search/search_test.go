package search

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frago-dev/agentwatch/internal/index"
	"github.com/frago-dev/agentwatch/internal/session"
	"github.com/frago-dev/agentwatch/internal/storage"
)

func newIndexedStore(t *testing.T) *index.DB {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStore(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	db, err := index.OpenDB(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	seed := func(id string, status session.Status, lastActivity time.Time, contents ...string) {
		require.NoError(t, store.CreateSession(&session.Session{
			ID:             id,
			AgentType:      "claude-code",
			ProjectPath:    "/home/dev/" + id,
			Status:         status,
			StartedAt:      lastActivity.Add(-time.Minute),
			LastActivityAt: lastActivity,
		}))
		for _, c := range contents {
			require.NoError(t, store.AppendStep(id, session.Step{
				Type:      session.StepUserMessage,
				Timestamp: lastActivity,
				Content:   c,
			}))
		}
	}

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	seed("sess-old", session.StatusCompleted, base,
		"please refactor the parser module",
		"the parser still fails on empty lines")
	seed("sess-new", session.StatusRunning, base.Add(time.Hour),
		"deploy the staging environment")

	_, err = index.IndexAll(db, store)
	require.NoError(t, err)
	return db
}

func TestSearchFindsAndMarksMatches(t *testing.T) {
	db := newIndexedStore(t)

	results, err := Search(db, Options{Query: "parser"})
	require.NoError(t, err)
	require.Len(t, results, 1, "results are deduped per session")
	assert.Equal(t, "sess-old", results[0].SessionID)
	assert.Contains(t, results[0].Snippet, ">>>parser<<<")
}

func TestSearchStatusFilter(t *testing.T) {
	db := newIndexedStore(t)

	results, err := Search(db, Options{Query: "deploy", Status: "completed"})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = Search(db, Options{Query: "deploy", Status: "running"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "sess-new", results[0].SessionID)
}

func TestListAllNewestFirst(t *testing.T) {
	db := newIndexedStore(t)

	results, err := ListAll(db, Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "sess-new", results[0].SessionID)
	assert.Equal(t, "sess-old", results[1].SessionID)
	assert.Equal(t, -1, results[0].StepNum)
}

func TestListAllSinceFilter(t *testing.T) {
	db := newIndexedStore(t)

	results, err := ListAll(db, Options{Since: "2026-03-14T10:30:00Z"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "sess-new", results[0].SessionID)
}

func TestMakeSnippetWrapsMatch(t *testing.T) {
	got := makeSnippet("the quick brown fox jumps over the lazy dog", "fox", 6)
	assert.Equal(t, "...brown >>>fox<<< jumps...", got)
}

func TestMakeSnippetNoMatchReturnsHead(t *testing.T) {
	got := makeSnippet("short text", "missing", 30)
	assert.Equal(t, "short text", got)
}

func TestContainsCJK(t *testing.T) {
	assert.True(t, containsCJK("修复解析器"))
	assert.False(t, containsCJK("fix the parser"))
}
