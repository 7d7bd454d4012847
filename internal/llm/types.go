// Package llm talks to inference backends. Ollama and OpenAI-compatible
// endpoints sit behind one streaming Client interface.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace logs request payloads. It matches config.LevelTrace.
const LevelTrace = slog.Level(-8)

// Message is one provider-neutral chat turn. Its JSON form is what
// Ollama's /api/chat accepts.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	ToolName   string     `json:"tool_name,omitempty"`    // For tool responses (Ollama correlates by name)
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function half of a [ToolCall]. Arguments are
// always decoded; providers that send a JSON string are converted at the
// boundary.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is a finished completion. Provider wire formats are
// converted in ollama.go and openai.go.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// FinishReason is the provider's stop reason when it reports one
	// ("stop", "length", "tool_calls").
	FinishReason string

	// Token usage.
	InputTokens  int
	OutputTokens int

	// Ollama timings; zero for other providers.
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// StreamEvent is one step of a streamed turn. Which fields are set
// depends on Kind.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCallStart events.
	ToolCall *ToolCall

	// ToolCallID, ToolName, ToolResult and ToolError are set for
	// KindToolCallDone events. ToolResult is the JSON encoding of the
	// tool's output.
	ToolCallID string
	ToolName   string
	ToolResult string
	ToolError  string

	// Response is set for KindDone events.
	Response *ChatResponse
}

// StreamEventKind tags a StreamEvent.
type StreamEventKind int

const (
	// KindToken carries a text fragment from the model.
	KindToken StreamEventKind = iota

	// KindToolCallStart is emitted before a tool runs.
	KindToolCallStart

	// KindToolCallDone carries the tool's result or error.
	KindToolCallDone

	// KindDone ends the turn with usage and finish reason.
	KindDone
)

// String returns the event kind's wire name.
func (k StreamEventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindToolCallStart:
		return "tool_call_start"
	case KindToolCallDone:
		return "tool_call_done"
	case KindDone:
		return "done"
	}
	return "unknown"
}

// StreamCallback receives events in the order they happen.
type StreamCallback func(event StreamEvent)
