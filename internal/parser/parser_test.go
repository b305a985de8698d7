package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frago-dev/agentwatch/internal/session"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func readAllRecords(t *testing.T, path string, offset int64) ([]Record, int64) {
	t.Helper()
	h, err := OpenOrResume(path, offset)
	require.NoError(t, err)
	defer h.Close()
	records, newOffset, err := h.ReadNewRecords()
	require.NoError(t, err)
	return records, newOffset
}

func TestIncrementalEqualsBatch(t *testing.T) {
	lines := []string{
		`{"type":"user_message","content":"hi"}` + "\n",
		`{"type":"assistant_message","content":"hello"}` + "\n",
		`{"type":"tool_call","call_id":"1","tool":"search"}` + "\n",
		`{"type":"tool_result","call_id":"1","status":"success"}` + "\n",
		`{"type":"assistant_message","content":"done"}` + "\n",
	}

	batchPath := filepath.Join(t.TempDir(), "batch.jsonl")
	incrPath := filepath.Join(t.TempDir(), "incr.jsonl")

	var full string
	for _, l := range lines {
		full += l
	}
	writeFile(t, batchPath, full)
	batch, _ := readAllRecords(t, batchPath, 0)

	var incremental []Record
	var offset int64
	for _, l := range lines {
		appendFile(t, incrPath, l)
		recs, newOffset := readAllRecords(t, incrPath, offset)
		incremental = append(incremental, recs...)
		offset = newOffset
	}

	require.Equal(t, len(batch), len(incremental))
	for i := range batch {
		assert.Equal(t, batch[i].Kind, incremental[i].Kind)
		assert.Equal(t, batch[i].Content, incremental[i].Content)
		assert.Equal(t, batch[i].CallID, incremental[i].CallID)
	}
}

func TestReadIsIdempotentWithoutGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, `{"type":"user_message","content":"hi"}`+"\n")

	recs, offset := readAllRecords(t, path, 0)
	require.Len(t, recs, 1)

	recs2, offset2 := readAllRecords(t, path, offset)
	assert.Empty(t, recs2)
	assert.Equal(t, offset, offset2)
}

func TestPartialTrailingLineNotConsumed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, `{"type":"user_message","content":"hi"}`+"\n"+`{"type":"assi`)

	recs, offset := readAllRecords(t, path, 0)
	require.Len(t, recs, 1)
	assert.Equal(t, KindUserMessage, recs[0].Kind)

	// finish the line; the next read picks up exactly the completed record
	appendFile(t, path, `stant_message","content":"yo"}`+"\n")
	recs2, _ := readAllRecords(t, path, offset)
	require.Len(t, recs2, 1)
	assert.Equal(t, KindAssistantMessage, recs2[0].Kind)
	assert.Equal(t, "yo", recs2[0].Content)
}

func TestOpenOrResumeDetectsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "short\n")

	_, err := OpenOrResume(path, 1000)
	require.ErrorIs(t, err, ErrTruncated)

	// resetting to zero reads whatever the fresh stream holds
	recs, _ := readAllRecords(t, path, 0)
	assert.Empty(t, recs) // "short" is not JSON; skipped, not fatal
}

func TestMalformedLineSkippedOffsetAdvances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "{not json\n"+`{"type":"user_message","content":"ok"}`+"\n")

	recs, offset := readAllRecords(t, path, 0)
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Content)

	// the malformed line's bytes were consumed; re-reading returns nothing
	recs2, _ := readAllRecords(t, path, offset)
	assert.Empty(t, recs2)
}

func TestDecodeLineUnknownKindPreserved(t *testing.T) {
	rec, ok := DecodeLine([]byte(`{"type":"telemetry","v":42}`))
	require.True(t, ok)
	assert.Equal(t, KindUnknown, rec.Kind)
	assert.Contains(t, rec.Raw, "telemetry")

	step := RecordToStep(rec)
	assert.Equal(t, session.StepSystem, step.Type)
	assert.Contains(t, step.Content, "telemetry")
}

func TestDecodeLineClaudeStyleNestedMessage(t *testing.T) {
	line := `{"type":"assistant","timestamp":"2026-03-01T10:00:00Z","message":{"role":"assistant","content":[{"type":"text","text":"answer"}]}}`
	rec, ok := DecodeLine([]byte(line))
	require.True(t, ok)
	assert.Equal(t, KindAssistantMessage, rec.Kind)
	assert.Equal(t, "answer", rec.Content)
	assert.Equal(t, 2026, rec.Timestamp.Year())
}

func TestRecordToStepToolCall(t *testing.T) {
	rec, ok := DecodeLine([]byte(`{"type":"tool_call","call_id":"7","tool":"bash","input":"ls -la"}`))
	require.True(t, ok)

	step := RecordToStep(rec)
	assert.Equal(t, session.StepToolCall, step.Type)
	require.NotNil(t, step.ToolCall)
	assert.Equal(t, "bash", step.ToolCall.ToolName)
	assert.Equal(t, "7", step.ToolCall.CallID)
	assert.Equal(t, session.ToolCallPending, step.ToolCall.Status)
	assert.Equal(t, "ls -la", step.ToolCall.InputSummary)
}

func TestApplyToolResultTransitionsOnce(t *testing.T) {
	calls := []session.ToolCall{
		{ToolName: "search", CallID: "X", Status: session.ToolCallPending},
	}

	calls = ApplyToolResult(calls, Record{CallID: "X", Status: "success", Content: "3 hits"})
	require.Len(t, calls, 1)
	assert.Equal(t, session.ToolCallSuccess, calls[0].Status)
	assert.Equal(t, "3 hits", calls[0].OutputSummary)

	// a second result for the same ID no longer matches a pending call and
	// synthesizes a new record instead of flipping the resolved one
	calls = ApplyToolResult(calls, Record{CallID: "X", Status: "error"})
	require.Len(t, calls, 2)
	assert.Equal(t, session.ToolCallSuccess, calls[0].Status)
	assert.Equal(t, session.ToolCallError, calls[1].Status)
	assert.Empty(t, calls[1].InputSummary)
}

func TestApplyToolResultUnmatchedSynthesizes(t *testing.T) {
	calls := ApplyToolResult(nil, Record{CallID: "orphan", Status: "error", Content: "boom"})
	require.Len(t, calls, 1)
	assert.Equal(t, "orphan", calls[0].CallID)
	assert.Equal(t, session.ToolCallError, calls[0].Status)
	assert.Empty(t, calls[0].InputSummary)
}

func TestReplayToolCalls(t *testing.T) {
	steps := []session.Step{
		{Type: session.StepToolCall, ToolCall: &session.ToolCall{ToolName: "search", CallID: "1", Status: session.ToolCallPending}},
		{Type: session.StepToolCall, ToolCall: &session.ToolCall{ToolName: "bash", CallID: "2", Status: session.ToolCallPending}},
		{Type: session.StepToolResult, Metadata: map[string]string{"callId": "1", "status": "success"}},
	}

	calls := ReplayToolCalls(steps)
	require.Len(t, calls, 2)
	assert.Equal(t, session.ToolCallSuccess, calls[0].Status)
	assert.Equal(t, session.ToolCallPending, calls[1].Status)
}
