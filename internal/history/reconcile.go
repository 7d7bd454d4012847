package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fluxmind/fluxmind/internal/message"
)

// DeniedOutput is recorded when the user explicitly rejects a call.
const DeniedOutput = "Error: User denied access to tool execution"

// Call is what a confirmation handler receives.
type Call struct {
	ToolCallID string
	ToolName   string
	Input      map[string]any

	// History is the conversation as handed to the reconciler. Handlers
	// must treat it as read-only.
	History []message.Message
}

// Handler runs a confirmation-gated tool once it is due.
type Handler interface {
	Confirm(ctx context.Context, call Call) (any, error)
}

// HandlerFunc adapts an ordinary function to [Handler].
type HandlerFunc func(ctx context.Context, call Call) (any, error)

// Confirm calls f(ctx, call).
func (f HandlerFunc) Confirm(ctx context.Context, call Call) (any, error) {
	return f(ctx, call)
}

// Confirmations maps tool names to their confirmation handlers.
type Confirmations map[string]Handler

// Reconciler resolves held-back tool calls in the most recent turn.
type Reconciler struct {
	handlers Confirmations
	logger   *slog.Logger
}

// NewReconciler creates a reconciler. A nil logger discards output.
func NewReconciler(handlers Confirmations, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{handlers: handlers, logger: logger}
}

// Reconcile is shorthand for NewReconciler(handlers, nil).Reconcile.
func Reconcile(ctx context.Context, msgs []message.Message, handlers Confirmations) []message.Message {
	return NewReconciler(handlers, nil).Reconcile(ctx, msgs)
}

// Reconcile returns msgs with every call-ready invocation in the last
// message resolved to output-available or output-error. Earlier messages
// are returned as-is; the last message is deep-copied before changes, so
// msgs itself is never modified.
//
// Resolution per call:
//   - explicit user denial: output-error with DeniedOutput
//   - no registered handler: output-error (calls are never allowed by default)
//   - handler error or panic: output-error describing the failure
//   - handler success: output-available with the handler's value
//
// Handler failures are recorded as data and never returned.
func (r *Reconciler) Reconcile(ctx context.Context, msgs []message.Message) []message.Message {
	if len(msgs) == 0 {
		return msgs
	}

	out := make([]message.Message, len(msgs))
	copy(out, msgs)

	lastIdx := len(out) - 1
	last := message.Clone(out[lastIdx])
	changed := false

	for _, inv := range last.ToolInvocations() {
		if inv.State != message.StateReady {
			continue
		}
		changed = true
		r.resolve(ctx, inv, msgs)
	}

	if changed {
		out[lastIdx] = last
	}
	return out
}

func (r *Reconciler) resolve(ctx context.Context, inv *message.ToolInvocation, msgs []message.Message) {
	log := r.logger.With("tool", inv.ToolName, "tool_call_id", inv.ToolCallID)

	if inv.Approval != nil && !*inv.Approval {
		inv.State = message.StateOutputError
		inv.Output = DeniedOutput
		log.Info("tool call denied by user")
		return
	}

	h, ok := r.handlers[inv.ToolName]
	if !ok || h == nil {
		inv.State = message.StateOutputError
		inv.Output = fmt.Sprintf("Error: no confirmation handler registered for tool %q; the call was not executed", inv.ToolName)
		log.Warn("tool call denied, no confirmation handler")
		return
	}

	result, err := confirm(ctx, h, Call{
		ToolCallID: inv.ToolCallID,
		ToolName:   inv.ToolName,
		Input:      inv.Input,
		History:    msgs,
	})
	if err != nil {
		inv.State = message.StateOutputError
		inv.Output = fmt.Sprintf("Error executing tool %s: %v", inv.ToolName, err)
		log.Warn("confirmation handler failed", "error", err)
		return
	}

	inv.State = message.StateOutputAvailable
	inv.Output = result
	log.Debug("confirmation handler completed")
}

// confirm invokes h, converting a panic into an error so one bad handler
// cannot take down the request or stop sibling calls from resolving.
func confirm(ctx context.Context, h Handler, call Call) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Confirm(ctx, call)
}
