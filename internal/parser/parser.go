// Package parser turns newly appended bytes of a line-delimited session log
// into typed records. It never re-reads consumed bytes: callers hold the
// byte offset, pass it to OpenOrResume, and persist the offset returned by
// ReadNewRecords.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/frago-dev/agentwatch/internal/session"
)

const (
	maxContentSize = 8 * 1024
	maxSummarySize = 512
)

// ErrTruncated reports that the file is now smaller than the caller's known
// offset. The log was truncated or rotated; the caller must reset to offset
// zero and treat subsequent content as a fresh stream.
var ErrTruncated = errors.New("session log truncated below known offset")

// Kind classifies a decoded log line.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	KindSessionEnd       Kind = "session_end"
	KindSystem           Kind = "system"
	KindUnknown          Kind = "unknown"
)

// Record is one decoded log line. Unknown kinds keep the raw line so
// forward-incompatible records are preserved rather than dropped.
type Record struct {
	Kind      Kind
	Timestamp time.Time
	Content   string
	Cwd       string
	ToolName  string
	CallID    string
	Status    string // tool_result: "success" or "error"; session_end: exit reason
	Raw       string
}

// Handle is an open session log positioned at the first unconsumed byte.
type Handle struct {
	path   string
	f      *os.File
	offset int64
}

// OpenOrResume opens path and seeks to knownOffset. It fails with
// ErrTruncated when the file has shrunk below knownOffset.
func OpenOrResume(path string, knownOffset int64) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < knownOffset {
		f.Close()
		return nil, fmt.Errorf("%s: size %d < offset %d: %w", path, info.Size(), knownOffset, ErrTruncated)
	}

	if _, err := f.Seek(knownOffset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	return &Handle{path: path, f: f, offset: knownOffset}, nil
}

func (h *Handle) Close() error { return h.f.Close() }

// Offset returns the first byte not yet consumed.
func (h *Handle) Offset() int64 { return h.offset }

// ReadNewRecords reads every complete line appended since the last offset
// and returns the decoded records plus the new offset. An incomplete
// trailing line (no newline yet) is left unconsumed so the writer can
// finish it; its bytes are excluded from the returned offset. Malformed
// lines are logged and skipped but still advance the offset, so one bad
// line cannot stall the tail forever.
func (h *Handle) ReadNewRecords() ([]Record, int64, error) {
	data, err := io.ReadAll(h.f)
	if err != nil {
		return nil, h.offset, err
	}
	if len(data) == 0 {
		return nil, h.offset, nil
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		// nothing but a partial line; rewind so the next call sees it whole
		if _, err := h.f.Seek(h.offset, io.SeekStart); err != nil {
			return nil, h.offset, err
		}
		return nil, h.offset, nil
	}
	complete := data[:end+1]
	if end+1 < len(data) {
		if _, err := h.f.Seek(h.offset+int64(end+1), io.SeekStart); err != nil {
			return nil, h.offset, err
		}
	}

	var records []Record
	for _, line := range bytes.Split(complete, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		rec, ok := DecodeLine(line)
		if !ok {
			klog.Warningf("skipping malformed line in %s", h.path)
			continue
		}
		records = append(records, rec)
	}

	h.offset += int64(len(complete))
	return records, h.offset, nil
}

type rawRecord struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
	Message   json.RawMessage `json:"message"`
	Cwd       string          `json:"cwd"`
	Tool      string          `json:"tool"`
	ToolName  string          `json:"tool_name"`
	CallID    string          `json:"call_id"`
	Status    string          `json:"status"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	Reason    string          `json:"reason"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeLine decodes one log line. The second return value is false only
// when the line is not valid JSON at all; structurally valid lines of an
// unrecognized type come back as KindUnknown with the raw line preserved.
func DecodeLine(line []byte) (Record, bool) {
	var raw rawRecord
	if err := json.Unmarshal(line, &raw); err != nil {
		return Record{}, false
	}

	rec := Record{
		Timestamp: parseTimestamp(raw.Timestamp),
		Cwd:       raw.Cwd,
		Raw:       string(line),
	}

	switch raw.Type {
	case "user_message", "user":
		rec.Kind = KindUserMessage
		rec.Content = extractText(raw.Content, raw.Message)
	case "assistant_message", "assistant":
		rec.Kind = KindAssistantMessage
		rec.Content = extractText(raw.Content, raw.Message)
	case "tool_call", "tool_use":
		rec.Kind = KindToolCall
		rec.ToolName = firstNonEmpty(raw.Tool, raw.ToolName)
		rec.CallID = raw.CallID
		rec.Content = rawSummary(raw.Input)
	case "tool_result":
		rec.Kind = KindToolResult
		rec.CallID = raw.CallID
		rec.Status = raw.Status
		rec.Content = rawSummary(raw.Output)
	case "session_end":
		rec.Kind = KindSessionEnd
		rec.Status = firstNonEmpty(raw.Status, raw.Reason)
	case "system", "summary":
		rec.Kind = KindSystem
		rec.Content = extractText(raw.Content, raw.Message)
	default:
		rec.Kind = KindUnknown
	}

	return rec, true
}

// RecordToStep maps a decoded record to its stored step. Pure function;
// unknown kinds become system steps with the raw line as content.
func RecordToStep(rec Record) session.Step {
	step := session.Step{
		Timestamp: rec.Timestamp,
		Content:   session.Truncate(rec.Content, maxContentSize),
	}

	switch rec.Kind {
	case KindUserMessage:
		step.Type = session.StepUserMessage
	case KindAssistantMessage:
		step.Type = session.StepAssistantMessage
	case KindToolCall:
		step.Type = session.StepToolCall
		step.Content = ""
		step.ToolCall = &session.ToolCall{
			ToolName:     rec.ToolName,
			CallID:       rec.CallID,
			Status:       session.ToolCallPending,
			InputSummary: session.Truncate(rec.Content, maxSummarySize),
		}
	case KindToolResult:
		step.Type = session.StepToolResult
		step.Content = ""
		step.Metadata = map[string]string{
			"callId": rec.CallID,
			"status": rec.Status,
		}
		if rec.Content != "" {
			step.Metadata["output"] = session.Truncate(rec.Content, maxSummarySize)
		}
	case KindSessionEnd:
		step.Type = session.StepSystem
		step.Metadata = map[string]string{"event": "session_end", "status": rec.Status}
	case KindSystem:
		step.Type = session.StepSystem
	default:
		step.Type = session.StepSystem
		step.Content = session.Truncate(rec.Raw, maxContentSize)
	}

	return step
}

// ApplyToolResult resolves a tool_result record against the known calls.
// The pending call with the matching ID transitions exactly once; a result
// with no matching pending call (log rotation, missed lines) synthesizes a
// new record with the status taken directly from the result and no input
// summary.
func ApplyToolResult(calls []session.ToolCall, rec Record) []session.ToolCall {
	status := session.ToolCallSuccess
	if rec.Status == "error" {
		status = session.ToolCallError
	}

	for i := range calls {
		if calls[i].CallID == rec.CallID && calls[i].Status == session.ToolCallPending {
			calls[i].Status = status
			calls[i].OutputSummary = session.Truncate(rec.Content, maxSummarySize)
			return calls
		}
	}

	return append(calls, session.ToolCall{
		CallID:        rec.CallID,
		Status:        status,
		OutputSummary: session.Truncate(rec.Content, maxSummarySize),
	})
}

// ReplayToolCalls reconstructs correlated tool call records from a stored
// step sequence. The step log is append-only, so call status is derived by
// replay rather than rewritten in place.
func ReplayToolCalls(steps []session.Step) []session.ToolCall {
	var calls []session.ToolCall
	for _, step := range steps {
		switch step.Type {
		case session.StepToolCall:
			if step.ToolCall != nil {
				calls = append(calls, *step.ToolCall)
			}
		case session.StepToolResult:
			calls = ApplyToolResult(calls, Record{
				Kind:    KindToolResult,
				CallID:  step.Metadata["callId"],
				Status:  step.Metadata["status"],
				Content: step.Metadata["output"],
			})
		}
	}
	return calls
}

func extractText(content, message json.RawMessage) string {
	if s := textFrom(content); s != "" {
		return s
	}
	// Claude-style records nest the content inside a message object.
	if len(message) > 0 {
		var msg struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(message, &msg); err == nil {
			return textFrom(msg.Content)
		}
	}
	return ""
}

func textFrom(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}

	return ""
}

// rawSummary renders a tool input/output payload as a short string.
func rawSummary(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}
