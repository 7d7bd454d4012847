package history

import (
	"context"

	"github.com/fluxmind/fluxmind/internal/message"
)

// Prepare turns a stored conversation into one that is safe to submit
// for inference.
//
// The current turn is the last message; everything before it is history.
// History is sanitized first, so interrupted tool turns from earlier
// cycles disappear. The current turn is then reconciled, resolving any
// call-ready invocations. A final sanitize pass removes the current turn
// if it still holds a non-terminal invocation (for example a call whose
// arguments never finished streaming), which leaves every invocation in
// the result terminal.
func (r *Reconciler) Prepare(ctx context.Context, msgs []message.Message) ([]message.Message, error) {
	if len(msgs) == 0 {
		return []message.Message{}, nil
	}

	past, err := Sanitize(msgs[:len(msgs)-1])
	if err != nil {
		return nil, err
	}

	current := msgs[len(msgs)-1]
	if _, err := complete(current); err != nil {
		return nil, err
	}

	reconciled := r.Reconcile(ctx, append(past, current))
	return Sanitize(reconciled)
}

// Prepare is shorthand for NewReconciler(handlers, nil).Prepare.
func Prepare(ctx context.Context, msgs []message.Message, handlers Confirmations) ([]message.Message, error) {
	return NewReconciler(handlers, nil).Prepare(ctx, msgs)
}
