// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/fluxmind/fluxmind/internal/history"
)

// Handler executes a tool with decoded arguments. The returned value
// becomes the invocation's output and must be JSON-encodable.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	// RequiresConfirmation holds the tool back for user confirmation.
	// The agent leaves such calls in the call-ready state and the
	// history reconciler runs them on the next turn.
	RequiresConfirmation bool `json:"-"`
}

// Registry holds available tools. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry. A nil logger discards
// output.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil if absent.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools in OpenAI function-calling format, sorted by
// name so the request payload is stable.
func (r *Registry) List() []map[string]any {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// RequireConfirmation marks the named tools as confirmation-gated. It
// returns [*ErrToolUnavailable] for the first name that is not
// registered; names before it are still marked.
func (r *Registry) RequireConfirmation(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return &ErrToolUnavailable{ToolName: name}
		}
		t.RequiresConfirmation = true
	}
	return nil
}

// NeedsConfirmation reports whether calls to name are held back.
func (r *Registry) NeedsConfirmation(name string) bool {
	t := r.Get(name)
	return t != nil && t.RequiresConfirmation
}

// Execute validates args against the tool's parameter schema and runs
// it. Unknown tools yield [*ErrToolUnavailable] and schema violations
// yield [*ErrInvalidInput]. A panicking handler is reported as an error.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result any, err error) {
	tool := r.Get(name)
	if tool == nil || tool.Handler == nil {
		return nil, &ErrToolUnavailable{ToolName: name}
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := Validate(tool.Parameters, args); err != nil {
		return nil, &ErrInvalidInput{ToolName: name, Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf("tool %s panicked: %v", name, p)
		}
	}()

	r.logger.Debug("executing tool",
		"tool", name,
		"conversation_id", ConversationIDFromContext(ctx),
		"tool_call_id", ToolCallIDFromContext(ctx),
	)
	return tool.Handler(ctx, args)
}

// Confirmations returns confirmation handlers for every gated tool, for
// use by the history reconciler. Each handler runs the tool through
// [Registry.Execute] with the call's ID attached to the context.
func (r *Registry) Confirmations() history.Confirmations {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(history.Confirmations)
	for name, t := range r.tools {
		if !t.RequiresConfirmation {
			continue
		}
		out[name] = history.HandlerFunc(func(ctx context.Context, call history.Call) (any, error) {
			return r.Execute(WithToolCallID(ctx, call.ToolCallID), call.ToolName, call.Input)
		})
	}
	return out
}
