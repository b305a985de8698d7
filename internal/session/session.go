package session

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a monitored session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// StepType classifies a normalized event extracted from a session log.
type StepType string

const (
	StepUserMessage      StepType = "user_message"
	StepAssistantMessage StepType = "assistant_message"
	StepToolCall         StepType = "tool_call"
	StepToolResult       StepType = "tool_result"
	StepSystem           StepType = "system"
)

// ToolCallStatus tracks the lifecycle of a single tool invocation.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// Session is one run of an external agent tool being tracked.
// FileOffset is the number of bytes of the source log already consumed;
// it only ever grows, so re-reading a file never re-emits stored steps.
type Session struct {
	ID             string    `json:"sessionId"`
	AgentType      string    `json:"agentType"`
	ProjectPath    string    `json:"projectPath"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	FilePath       string    `json:"filePath"`
	FileOffset     int64     `json:"fileOffset"`
}

// Step is one normalized event in a session's append-only step log.
type Step struct {
	Type      StepType          `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ToolCall  *ToolCall         `json:"toolCall,omitempty"`
}

// ToolCall records one agent tool invocation. A tool_call step creates it
// pending; a later tool_result step with the same CallID resolves it.
type ToolCall struct {
	ToolName      string         `json:"toolName"`
	CallID        string         `json:"callId"`
	Status        ToolCallStatus `json:"status"`
	InputSummary  string         `json:"inputSummary,omitempty"`
	OutputSummary string         `json:"outputSummary,omitempty"`
}

// Summary is a derived aggregate, recomputable from the step log alone.
type Summary struct {
	SessionID       string           `json:"sessionId"`
	StepCount       int              `json:"stepCount"`
	StepCounts      map[StepType]int `json:"stepCounts"`
	ToolCallCount   int              `json:"toolCallCount"`
	ToolUsage       map[string]int   `json:"toolUsage"`
	PendingCalls    int              `json:"pendingCalls"`
	DurationSeconds float64          `json:"durationSeconds"`
	LastStatus      Status           `json:"lastStatus"`
	GeneratedAt     time.Time        `json:"generatedAt"`
}

// EncodeProjectPath maps an absolute project path to the directory name the
// external tool uses under its log root, replacing path slashes with sep.
// The encoding is lossy for paths that already contain sep; correlation
// additionally requires a time-window match, which bounds the ambiguity.
func EncodeProjectPath(path, sep string) string {
	return strings.ReplaceAll(path, "/", sep)
}

// Truncate caps s at max bytes, appending an ellipsis when cut. Step content
// and tool call summaries are stored truncated so a runaway tool result
// cannot bloat the step log.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
