// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool execution.
package tools

import (
	"errors"
	"fmt"
)

// ErrAlreadyRegistered is returned by Register when a tool with the same
// name is already present.
var ErrAlreadyRegistered = errors.New("tool already registered")

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. This indicates a capability mismatch
// (a hallucinated or misspelled name), not a transient execution
// failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q not found", e.ToolName)
}
