package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frago-dev/agentwatch/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func testSession(id string) *session.Session {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &session.Session{
		ID:             id,
		AgentType:      "claude-code",
		ProjectPath:    "/home/dev/project",
		Status:         session.StatusRunning,
		StartedAt:      now,
		LastActivityAt: now,
		FilePath:       "/tmp/log.jsonl",
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateSession(testSession("s1")))
	err := store.CreateSession(testSession("s1"))
	require.ErrorIs(t, err, ErrSessionExists)
}

func TestAppendAndReadStepsPreservesOrder(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(testSession("s1")))

	for i, content := range []string{"first", "second", "third"} {
		step := session.Step{
			Type:      session.StepUserMessage,
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Content:   content,
		}
		require.NoError(t, store.AppendStep("s1", step))
	}

	steps, err := store.ReadSteps("s1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "first", steps[0].Content)
	assert.Equal(t, "second", steps[1].Content)
	assert.Equal(t, "third", steps[2].Content)
}

func TestAppendStepDurableCompleteLine(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(testSession("s1")))
	require.NoError(t, store.AppendStep("s1", session.Step{
		Type:    session.StepAssistantMessage,
		Content: "persisted",
	}))

	// read the raw file back as an external reader would
	f, err := os.Open(filepath.Join(store.BaseDir(), "s1", stepsFileName))
	require.NoError(t, err)
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		last = scanner.Text()
	}
	require.NoError(t, scanner.Err())

	var step session.Step
	require.NoError(t, json.Unmarshal([]byte(last), &step))
	assert.Equal(t, "persisted", step.Content)
}

func TestReadStepsSkipsCorruptLines(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(testSession("s1")))
	require.NoError(t, store.AppendStep("s1", session.Step{Type: session.StepUserMessage, Content: "good"}))

	logPath := filepath.Join(store.BaseDir(), "s1", stepsFileName)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{torn line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.AppendStep("s1", session.Step{Type: session.StepUserMessage, Content: "after"}))

	steps, err := store.ReadSteps("s1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "good", steps[0].Content)
	assert.Equal(t, "after", steps[1].Content)
}

func TestUpdateMetadataMergesPartialFields(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(testSession("s1")))

	offset := int64(4096)
	status := session.StatusCompleted
	require.NoError(t, store.UpdateMetadata("s1", MetadataUpdate{
		FileOffset: &offset,
		Status:     &status,
	}))

	sess, err := store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), sess.FileOffset)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	// untouched fields survive the merge
	assert.Equal(t, "/home/dev/project", sess.ProjectPath)
	assert.Equal(t, "claude-code", sess.AgentType)
}

func TestUpdateMetadataMissingSession(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateMetadata("nope", MetadataUpdate{})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGenerateSummary(t *testing.T) {
	store := newTestStore(t)
	sess := testSession("s1")
	sess.LastActivityAt = sess.StartedAt.Add(90 * time.Second)
	require.NoError(t, store.CreateSession(sess))

	steps := []session.Step{
		{Type: session.StepUserMessage, Content: "hi"},
		{Type: session.StepToolCall, ToolCall: &session.ToolCall{ToolName: "search", CallID: "1", Status: session.ToolCallPending}},
		{Type: session.StepToolResult, Metadata: map[string]string{"callId": "1", "status": "success"}},
		{Type: session.StepToolCall, ToolCall: &session.ToolCall{ToolName: "search", CallID: "2", Status: session.ToolCallPending}},
		{Type: session.StepAssistantMessage, Content: "done"},
	}
	for _, s := range steps {
		require.NoError(t, store.AppendStep("s1", s))
	}

	sum, err := store.GenerateSummary("s1")
	require.NoError(t, err)
	assert.Equal(t, 5, sum.StepCount)
	assert.Equal(t, 2, sum.ToolCallCount)
	assert.Equal(t, 2, sum.ToolUsage["search"])
	assert.Equal(t, 1, sum.PendingCalls)
	assert.Equal(t, 1, sum.StepCounts[session.StepUserMessage])
	assert.InDelta(t, 90.0, sum.DurationSeconds, 0.001)
	assert.Equal(t, session.StatusRunning, sum.LastStatus)

	// the derived summary file is regenerated alongside
	_, err = os.Stat(filepath.Join(store.BaseDir(), "s1", summaryFileName))
	require.NoError(t, err)
}

func TestListSessionsFiltersAndSorts(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		sess := testSession(id)
		sess.LastActivityAt = base.Add(time.Duration(i) * time.Hour)
		if id == "b" {
			sess.Status = session.StatusCompleted
		}
		require.NoError(t, store.CreateSession(sess))
	}

	all, err := store.ListSessions("", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID) // most recent first

	running, err := store.ListSessions("", session.StatusRunning, 0)
	require.NoError(t, err)
	require.Len(t, running, 2)

	limited, err := store.ListSessions("", "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)

	none, err := store.ListSessions("other-agent", "", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListSessionsSkipsCorruptMetadata(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(testSession("good")))

	badDir := filepath.Join(store.BaseDir(), "bad")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, metadataFileName), []byte("{corrupt"), 0o644))

	sessions, err := store.ListSessions("", "", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "good", sessions[0].ID)
}
