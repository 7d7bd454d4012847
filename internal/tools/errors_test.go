package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrToolUnavailable_Error(t *testing.T) {
	err := &ErrToolUnavailable{ToolName: "createFlashcard"}
	want := `tool "createFlashcard" is not available in this context`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrToolUnavailable_WrappedErrorsAs(t *testing.T) {
	orig := &ErrToolUnavailable{ToolName: "getStudyTip"}
	wrapped := fmt.Errorf("tool execution: %w", orig)

	var target *ErrToolUnavailable
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrToolUnavailable")
	}
	if target.ToolName != "getStudyTip" {
		t.Errorf("ToolName = %q, want %q", target.ToolName, "getStudyTip")
	}
}

func TestErrInvalidInput_Unwrap(t *testing.T) {
	cause := errors.New("topic is required")
	err := fmt.Errorf("execute: %w", &ErrInvalidInput{ToolName: "createFlashcard", Err: cause})

	if !errors.Is(err, cause) {
		t.Error("errors.Is failed to reach the validation cause")
	}
	var target *ErrInvalidInput
	if !errors.As(err, &target) {
		t.Fatal("errors.As failed to match *ErrInvalidInput")
	}
	want := `invalid input for tool "createFlashcard": topic is required`
	if got := target.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
