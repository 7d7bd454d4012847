// Package message defines the conversation data model shared by the
// agent loop, the history pipeline, the message store, and the HTTP API.
//
// A [Message] is one conversational turn made of ordered [Part] values.
// A part is either plain text or a tool invocation; tool invocations
// carry a [ToolState] from a small closed set so that callers can tell
// terminal (result recorded) from non-terminal (still waiting) calls.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ToolState is the lifecycle state of a tool invocation.
type ToolState string

const (
	// StatePendingInput means the model is still streaming the call's
	// arguments.
	StatePendingInput ToolState = "call-pending-input"

	// StateReady means the call is complete and due to run, but its
	// execution was deferred (typically awaiting user confirmation).
	StateReady ToolState = "call-ready"

	// StateOutputAvailable means the call ran and Output holds its result.
	StateOutputAvailable ToolState = "output-available"

	// StateOutputError means the call failed or was denied; Output
	// describes why.
	StateOutputError ToolState = "output-error"
)

// Valid reports whether s is one of the four defined states.
func (s ToolState) Valid() bool {
	switch s {
	case StatePendingInput, StateReady, StateOutputAvailable, StateOutputError:
		return true
	}
	return false
}

// Terminal reports whether s records a final result.
func (s ToolState) Terminal() bool {
	return s == StateOutputAvailable || s == StateOutputError
}

// PartType tags the variant held by a [Part].
type PartType string

const (
	PartText           PartType = "text"
	PartToolInvocation PartType = "tool-invocation"
)

// ToolInvocation is a model-requested tool call and, once terminal, its
// result.
type ToolInvocation struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	State      ToolState      `json:"state"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`

	// Approval carries an explicit user decision for confirmation-gated
	// calls. Nil means no decision was recorded.
	Approval *bool `json:"approval,omitempty"`
}

// Part is one ordered fragment of a message. Exactly one of Text or
// Tool is meaningful, selected by Type.
type Part struct {
	Type PartType
	Text string
	Tool *ToolInvocation
}

// NewText returns a text part.
func NewText(text string) Part {
	return Part{Type: PartText, Text: text}
}

// NewToolInvocation returns a tool-invocation part.
func NewToolInvocation(inv ToolInvocation) Part {
	return Part{Type: PartToolInvocation, Tool: &inv}
}

// IsToolInvocation reports whether p carries a tool invocation.
func (p Part) IsToolInvocation() bool {
	return p.Type == PartToolInvocation && p.Tool != nil
}

// wirePart is the flat JSON form of a Part.
type wirePart struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	*ToolInvocation
}

// MarshalJSON implements json.Marshaler.
func (p Part) MarshalJSON() ([]byte, error) {
	w := wirePart{Type: p.Type}
	switch p.Type {
	case PartToolInvocation:
		w.ToolInvocation = p.Tool
	default:
		w.Text = p.Text
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown part types are
// rejected; tool states are decoded verbatim and validated later by the
// history sanitizer.
func (p *Part) UnmarshalJSON(b []byte) error {
	var w wirePart
	w.ToolInvocation = &ToolInvocation{}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Type {
	case PartText:
		*p = Part{Type: PartText, Text: w.Text}
	case PartToolInvocation:
		*p = Part{Type: PartToolInvocation, Tool: w.ToolInvocation}
	default:
		return fmt.Errorf("unknown part type %q", w.Type)
	}
	return nil
}

// Metadata is free-form per-message data.
type Metadata struct {
	CreatedAt time.Time      `json:"createdAt"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Message is one conversational turn.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// NewID returns a fresh time-ordered message identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewUserMessage builds a user turn holding a single text part.
func NewUserMessage(text string) Message {
	return Message{
		ID:       NewID(),
		Role:     RoleUser,
		Parts:    []Part{NewText(text)},
		Metadata: Metadata{CreatedAt: time.Now()},
	}
}

// NewAssistantMessage builds an empty assistant turn ready to receive
// streamed parts.
func NewAssistantMessage() Message {
	return Message{
		ID:       NewID(),
		Role:     RoleAssistant,
		Metadata: Metadata{CreatedAt: time.Now()},
	}
}

// Text returns the concatenation of all text parts.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolInvocations returns the tool invocations of m in part order.
// The returned pointers alias m's parts.
func (m Message) ToolInvocations() []*ToolInvocation {
	var out []*ToolInvocation
	for _, p := range m.Parts {
		if p.IsToolInvocation() {
			out = append(out, p.Tool)
		}
	}
	return out
}

// HasToolInvocations reports whether m contains any tool invocation.
func (m Message) HasToolInvocations() bool {
	for _, p := range m.Parts {
		if p.IsToolInvocation() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of m. Input maps are copied recursively;
// Output values are copied when they are JSON-shaped maps or slices.
func Clone(m Message) Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p
			if p.Tool != nil {
				inv := *p.Tool
				inv.Input = cloneMap(p.Tool.Input)
				inv.Output = cloneValue(p.Tool.Output)
				if p.Tool.Approval != nil {
					approved := *p.Tool.Approval
					inv.Approval = &approved
				}
				out.Parts[i].Tool = &inv
			}
		}
	}
	if m.Metadata.Extra != nil {
		out.Metadata.Extra = cloneMap(m.Metadata.Extra)
	}
	return out
}

// CloneAll deep-copies every message.
func CloneAll(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = Clone(msgs[i])
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Merge upserts incoming into existing by message ID. Messages already
// present are replaced in place; new ones are appended in the order
// received. Neither input slice is modified.
func Merge(existing, incoming []Message) []Message {
	out := CloneAll(existing)
	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.ID] = i
	}
	for _, m := range incoming {
		m = Clone(m)
		if m.ID == "" {
			m.ID = NewID()
		}
		if m.Metadata.CreatedAt.IsZero() {
			m.Metadata.CreatedAt = time.Now()
		}
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}
