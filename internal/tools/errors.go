// Package tools provides the tool registry and execution framework.
//
// This file defines error types for tool execution.
package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. This indicates a capability mismatch
// (the model hallucinated a name, or configuration references a tool
// that does not exist), not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrInvalidInput is returned when tool arguments do not satisfy the
// tool's parameter schema. The handler is not invoked.
type ErrInvalidInput struct {
	ToolName string
	Err      error
}

// Error implements the error interface.
func (e *ErrInvalidInput) Error() string {
	return fmt.Sprintf("invalid input for tool %q: %v", e.ToolName, e.Err)
}

// Unwrap returns the underlying validation error.
func (e *ErrInvalidInput) Unwrap() error {
	return e.Err
}
