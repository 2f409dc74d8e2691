package tools

import (
	"fmt"
	"strings"
)

// UnknownToolError is returned when a call names a tool that is not in
// the registry. The agent loop answers it by re-prompting with the
// available names rather than dispatching.
type UnknownToolError struct {
	ToolName  string
	Available []string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q (available: %s)", e.ToolName, strings.Join(e.Available, ", "))
}

// ExecutionError wraps any failure inside a tool: schema violations,
// undecodable parameters, handler errors and recovered panics. It is
// converted to an {"error": ...} result for the model and never
// propagated out of dispatch.
type ExecutionError struct {
	ToolName string
	Err      error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.ToolName, e.Err)
}

// Unwrap returns the underlying failure.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
