package tools

import "fmt"

// ErrUnknownTool is returned when a tool call names a tool that is not
// registered.
type ErrUnknownTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}

// ErrInvalidArguments is returned when a tool call's arguments do not
// match the tool's declared schema.
type ErrInvalidArguments struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, e.Reason)
}

// Suspend is returned by a handler that needs a human answer before the
// conversation can continue. Query is the question to put to the human.
type Suspend struct {
	Query string
}

// Error implements the error interface so handlers can return it
// through the normal error path.
func (s *Suspend) Error() string {
	return fmt.Sprintf("awaiting human input: %s", s.Query)
}
