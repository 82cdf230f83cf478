package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrUnknownTool_Error(t *testing.T) {
	err := &ErrUnknownTool{ToolName: "launch_rocket"}
	want := `unknown tool "launch_rocket"`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrUnknownTool_WrappedErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", &ErrUnknownTool{ToolName: "read_mind"})

	var target *ErrUnknownTool
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrUnknownTool")
	}
	if target.ToolName != "read_mind" {
		t.Errorf("ToolName = %q, want %q", target.ToolName, "read_mind")
	}
}

func TestErrInvalidArguments_Error(t *testing.T) {
	err := &ErrInvalidArguments{ToolName: "search_web", Reason: "query is required"}
	want := "invalid arguments for search_web: query is required"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestSuspend_ErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("ask: %w", &Suspend{Query: "Which color?"})

	var s *Suspend
	if !errors.As(wrapped, &s) {
		t.Fatal("errors.As failed to match wrapped *Suspend")
	}
	if s.Query != "Which color?" {
		t.Errorf("Query = %q", s.Query)
	}
}
