package tools

import "context"

// DefaultConversation is reported when a tool runs outside any
// conversation, e.g. from `fluxmind ask` without a name.
const DefaultConversation = "default"

type (
	conversationKey struct{}
	toolCallKey     struct{}
)

// WithConversationID tags ctx with the conversation a tool call belongs
// to. Scheduling tools use it to route fired sessions back.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationKey{}, id)
}

// ConversationIDFromContext returns the tagged conversation, or
// DefaultConversation.
func ConversationIDFromContext(ctx context.Context) string {
	if id, _ := ctx.Value(conversationKey{}).(string); id != "" {
		return id
	}
	return DefaultConversation
}

// WithToolCallID tags ctx with the invocation being executed.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallKey{}, id)
}

// ToolCallIDFromContext returns the tagged invocation ID or "".
func ToolCallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(toolCallKey{}).(string)
	return id
}
