package tools

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownTool is returned when no tool is registered under a name
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when arguments do not match the tool schema
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrExecution is returned when a tool executor fails or times out
	ErrExecution = errors.New("tool execution error")
)

// Error describes a tool failure that is reported back to the model
type Error struct {
	Kind   error
	Tool   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Tool, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Code returns the stable identifier used in tool result payloads
func (e *Error) Code() string {
	switch {
	case errors.Is(e.Kind, ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(e.Kind, ErrInvalidArguments):
		return "invalid_tool_arguments"
	default:
		return "tool_execution_error"
	}
}

// Payload renders the error as the JSON text placed in a tool message
func (e *Error) Payload() string {
	b, err := json.Marshal(map[string]string{
		"error":   e.Code(),
		"tool":    e.Tool,
		"message": e.Reason,
	})
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, e.Code())
	}
	return string(b)
}

func newError(kind error, tool, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Tool: tool, Reason: fmt.Sprintf(format, args...)}
}

// ExecutionError reports a call that could not run to completion
func ExecutionError(tool string, err error) *Error {
	return newError(ErrExecution, tool, "%v", err)
}
