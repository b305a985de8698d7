package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frago-dev/agentwatch/internal/config"
	"github.com/frago-dev/agentwatch/internal/session"
	"github.com/frago-dev/agentwatch/internal/storage"
)

func newTestMonitor(t *testing.T) (*Monitor, *storage.Store, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		WatchRoot:                filepath.Join(t.TempDir(), "projects"),
		DataDir:                  filepath.Join(t.TempDir(), "sessions"),
		AgentType:                "claude-code",
		PathSeparator:            "-",
		CorrelationWindowSeconds: 30,
		DebounceMillis:           20,
		IdleTimeoutSeconds:       300,
		ResyncIntervalSeconds:    3600,
	}
	require.NoError(t, os.MkdirAll(cfg.WatchRoot, 0o755))

	store, err := storage.NewStore(cfg.DataDir)
	require.NoError(t, err)
	return New(cfg, store), store, cfg
}

func writeLog(t *testing.T, cfg *config.Config, project, name, content string) string {
	t.Helper()
	dir := filepath.Join(cfg.WatchRoot, session.EncodeProjectPath(project, cfg.PathSeparator))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const scenarioLines = `{"type":"user_message","content":"hi"}
{"type":"tool_call","call_id":"1","tool":"search"}
{"type":"tool_result","call_id":"1","status":"success"}
`

func TestSyncEndToEndScenario(t *testing.T) {
	m, store, cfg := newTestMonitor(t)
	writeLog(t, cfg, "/home/dev/proj", "run.jsonl", scenarioLines)

	stats := m.SyncAllProjects()
	assert.Equal(t, 1, stats.Synced)
	assert.Equal(t, 0, stats.Errors)

	sessions, err := store.ListSessions("", "", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	steps, err := store.ReadSteps(sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, session.StepUserMessage, steps[0].Type)
	assert.Equal(t, session.StepToolCall, steps[1].Type)
	assert.Equal(t, session.StepToolResult, steps[2].Type)

	sum, err := store.GenerateSummary(sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.StepCount)
	assert.Equal(t, 1, sum.ToolCallCount)
	assert.Equal(t, 0, sum.PendingCalls)
}

func TestSyncIncrementalNoDuplicates(t *testing.T) {
	m, store, cfg := newTestMonitor(t)
	path := writeLog(t, cfg, "/home/dev/proj", "run.jsonl",
		`{"type":"user_message","content":"one"}`+"\n")

	stats := m.SyncAllProjects()
	assert.Equal(t, 1, stats.Synced)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"user_message","content":"two"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats = m.SyncAllProjects()
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 0, stats.Synced)

	// no growth: nothing re-emitted
	stats = m.SyncAllProjects()
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Updated)

	sessions, err := store.ListSessions("", "", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	steps, err := store.ReadSteps(sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "one", steps[0].Content)
	assert.Equal(t, "two", steps[1].Content)
}

func TestCorrelationTieBreakClosestStart(t *testing.T) {
	m, store, cfg := newTestMonitor(t)

	base := time.Now().Add(-time.Minute)
	m.RegisterTask("task-a", "/home/dev/proj", base)                    // 10:00:00
	m.RegisterTask("task-b", "/home/dev/proj", base.Add(5*time.Second)) // 10:00:05

	path := writeLog(t, cfg, "/home/dev/proj", "run.jsonl",
		`{"type":"user_message","content":"hi"}`+"\n")
	// file first modified at 10:00:04: task-b had not started yet, so the
	// file claims task-a despite task-b being nearer in absolute time
	require.NoError(t, os.Chtimes(path, time.Now(), base.Add(4*time.Second)))

	stats := m.SyncAllProjects()
	assert.Equal(t, 1, stats.Synced)

	sess, err := store.GetSession("task-a")
	require.NoError(t, err)
	assert.Equal(t, "/home/dev/proj", sess.ProjectPath)
}

func TestCorrelationOutsideWindowMintsNewID(t *testing.T) {
	m, store, cfg := newTestMonitor(t)

	m.RegisterTask("task-old", "/home/dev/proj", time.Now().Add(-time.Hour))
	writeLog(t, cfg, "/home/dev/proj", "run.jsonl",
		`{"type":"user_message","content":"hi"}`+"\n")

	stats := m.SyncAllProjects()
	assert.Equal(t, 1, stats.Synced)

	_, err := store.GetSession("task-old")
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
	assert.Equal(t, 1, m.tasks.openCount()) // unclaimed task stays open
}

func TestTruncationRestartsAsFreshSession(t *testing.T) {
	m, store, cfg := newTestMonitor(t)
	path := writeLog(t, cfg, "/home/dev/proj", "run.jsonl",
		`{"type":"user_message","content":"a long first message body"}`+"\n")

	m.SyncAllProjects()
	first, err := store.ListSessions("", "", 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// rewrite smaller than the consumed offset: rotation
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"user_message","content":"hi"}`+"\n"), 0o644))

	stats := m.SyncAllProjects()
	assert.Equal(t, 1, stats.Synced)
	assert.Equal(t, 0, stats.Errors)

	sessions, err := store.ListSessions("", "", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	old, err := store.GetSession(first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, old.Status)
}

func TestTerminalRecordClosesSession(t *testing.T) {
	m, store, cfg := newTestMonitor(t)
	path := writeLog(t, cfg, "/home/dev/proj", "run.jsonl",
		`{"type":"user_message","content":"hi"}`+"\n"+
			`{"type":"session_end","status":"error"}`+"\n")

	m.SyncAllProjects()

	sessions, err := store.ListSessions("", "", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, session.StatusError, sessions[0].Status)

	state, ok := m.PathState(path)
	require.True(t, ok)
	assert.Equal(t, "closed", state)

	// further writes to a closed path are ignored until recreation
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"user_message","content":"late"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m.SyncAllProjects()
	steps, err := store.ReadSteps(sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
}

func TestEndSessionSignal(t *testing.T) {
	m, store, cfg := newTestMonitor(t)
	writeLog(t, cfg, "/home/dev/proj", "run.jsonl",
		`{"type":"user_message","content":"hi"}`+"\n")

	m.SyncAllProjects()
	sessions, err := store.ListSessions("", "", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	m.EndSession(sessions[0].ID, true)

	sess, err := store.GetSession(sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, sess.Status)
}

func TestEndSessionDuringRunningCycleStaysClosed(t *testing.T) {
	m, store, cfg := newTestMonitor(t)
	m.RegisterTask("task-live", "/home/dev/proj", time.Now())

	// enough records that the store cycle is still running when the end
	// signal arrives
	var b strings.Builder
	for i := 0; i < 6000; i++ {
		b.WriteString(`{"type":"user_message","content":"chunk"}` + "\n")
	}
	path := writeLog(t, cfg, "/home/dev/proj", "run.jsonl", b.String())

	done := make(chan struct{})
	go func() {
		m.SyncAllProjects()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	m.EndSession("task-live", false)
	<-done

	state, ok := m.PathState(path)
	require.True(t, ok)
	assert.Equal(t, "closed", state)

	sess, err := store.GetSession("task-live")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)

	// the ended session does not pick up later appends
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"user_message","content":"late"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats := m.SyncAllProjects()
	assert.Equal(t, SyncStats{Skipped: 1}, stats)

	sess, err = store.GetSession("task-live")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
}

func TestClosedPathSkippedOnSyncWithoutReopening(t *testing.T) {
	m, store, cfg := newTestMonitor(t)
	path := writeLog(t, cfg, "/home/dev/proj", "run.jsonl",
		`{"type":"user_message","content":"hi"}`+"\n"+
			`{"type":"session_end","status":"success"}`+"\n")

	m.SyncAllProjects()
	sessions, err := store.ListSessions("", "", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// growth on a closed path is skipped outright on every pass
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"user_message","content":"late"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	for i := 0; i < 3; i++ {
		stats := m.SyncAllProjects()
		assert.Equal(t, SyncStats{Skipped: 1}, stats)
	}

	state, ok := m.PathState(path)
	require.True(t, ok)
	assert.Equal(t, "closed", state)

	steps, err := store.ReadSteps(sessions[0].ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestStopWaitsForDebouncedWork(t *testing.T) {
	m, store, cfg := newTestMonitor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	time.Sleep(50 * time.Millisecond)
	writeLog(t, cfg, "/home/dev/proj", "run.jsonl", scenarioLines)
	time.Sleep(30 * time.Millisecond) // event delivered, debounce timer armed
	m.Stop()

	// whatever landed before Stop returned is the final store state
	snapshot := func() (int, int) {
		sessions, err := store.ListSessions("", "", 0)
		require.NoError(t, err)
		total := 0
		for _, s := range sessions {
			steps, err := store.ReadSteps(s.ID)
			require.NoError(t, err)
			total += len(steps)
		}
		return len(sessions), total
	}
	sessionsBefore, stepsBefore := snapshot()

	time.Sleep(250 * time.Millisecond)
	sessionsAfter, stepsAfter := snapshot()
	assert.Equal(t, sessionsBefore, sessionsAfter)
	assert.Equal(t, stepsBefore, stepsAfter)
}

func TestWatcherPicksUpNewFile(t *testing.T) {
	m, store, cfg := newTestMonitor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	// directory created after Start; the watcher must add it on the fly
	time.Sleep(50 * time.Millisecond)
	writeLog(t, cfg, "/home/dev/proj", "run.jsonl", scenarioLines)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sessions, err := store.ListSessions("", "", 0)
		require.NoError(t, err)
		if len(sessions) == 1 {
			steps, err := store.ReadSteps(sessions[0].ID)
			require.NoError(t, err)
			if len(steps) == 3 {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher did not ingest the new session file in time")
}
