// Package history prepares a stored conversation for resubmission to the
// model. It removes turns whose tool calls never finished and resolves
// tool calls in the current turn that were held back for confirmation.
package history

import (
	"fmt"

	"github.com/fluxmind/fluxmind/internal/message"
)

// MalformedHistoryError reports a message with an unknown role, or a
// tool invocation whose state is outside the defined set. Stored
// conversations are produced by this service, so this indicates
// corruption or a client sending garbage.
type MalformedHistoryError struct {
	MessageID  string
	Role       message.Role // set when the role is unknown
	ToolCallID string
	State      message.ToolState
}

// Error implements the error interface.
func (e *MalformedHistoryError) Error() string {
	if e.ToolCallID == "" && e.State == "" {
		return fmt.Sprintf("message %s has unknown role %q", e.MessageID, e.Role)
	}
	return fmt.Sprintf("message %s: tool call %s has unknown state %q", e.MessageID, e.ToolCallID, e.State)
}

// Sanitize drops every assistant message that holds at least one
// non-terminal tool invocation. A turn is atomic for the model: a
// partially resolved tool turn cannot be partially replayed, so the
// whole message goes. Other messages are kept; only their text reaches
// the model. Order is preserved and msgs is not modified.
func Sanitize(msgs []message.Message) ([]message.Message, error) {
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Role.Valid() {
			return nil, &MalformedHistoryError{MessageID: m.ID, Role: m.Role}
		}
		if m.Role != message.RoleAssistant {
			out = append(out, m)
			continue
		}
		complete, err := complete(m)
		if err != nil {
			return nil, err
		}
		if complete {
			out = append(out, m)
		}
	}
	return out, nil
}

// complete reports whether every tool invocation in m is terminal.
func complete(m message.Message) (bool, error) {
	ok := true
	for _, p := range m.Parts {
		if !p.IsToolInvocation() {
			continue
		}
		if !p.Tool.State.Valid() {
			return false, &MalformedHistoryError{
				MessageID:  m.ID,
				ToolCallID: p.Tool.ToolCallID,
				State:      p.Tool.State,
			}
		}
		if !p.Tool.State.Terminal() {
			ok = false
		}
	}
	return ok, nil
}
