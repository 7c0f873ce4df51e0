// Package errors provides structured error types for cwf.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Category is the failure taxonomy a run error belongs to.
type Category string

const (
	// CategoryConfiguration covers faults in how a graph or expression was
	// written. Always fatal, never retried.
	CategoryConfiguration Category = "configuration"
	// CategoryOperational covers expected failures (missing file, bad JSON,
	// tool-reported failure) that a node chose not to recover from.
	CategoryOperational Category = "operational"
	// CategoryProcess covers pane creation, port exhaustion and teardown.
	CategoryProcess Category = "process"
)

// Error codes for cwf operations.
const (
	// Config errors
	CodeConfigMissingField = "CONFIG_001" // Missing required field
	CodeConfigInvalidValue = "CONFIG_002" // Invalid value type

	// Graph errors
	CodeGraphDuplicateNode = "GRAPH_001" // Node name registered twice
	CodeGraphUnknownNode   = "GRAPH_002" // Edge or router names a missing node
	CodeGraphNoEntry       = "GRAPH_003" // No edge from the start sentinel
	CodeGraphDeadEnd       = "GRAPH_004" // Node without an outgoing edge
	CodeGraphUnknownTool   = "GRAPH_005" // Node requires an unregistered tool
	CodeGraphMaxSteps      = "GRAPH_006" // Step bound reached
	CodeGraphNodeFailed    = "GRAPH_007" // Node returned an error
	CodeGraphDuplicateEdge = "GRAPH_008" // Second outgoing edge for a node

	// Expression errors
	CodeExprSyntax = "EXPR_001" // No operator / malformed condition
	CodeExprUsage  = "EXPR_002" // Ordering comparison on non-numeric operands

	// Server errors
	CodeServerPortExhausted = "SERVER_001" // No free port within the probe bound
	CodeServerNotStarted    = "SERVER_002" // Operation needs a listening server

	// Pane errors
	CodePaneCreateFailed       = "PANE_001" // split-window failed or returned no id
	CodePaneNoWindow           = "PANE_002" // Current tmux window could not be determined
	CodePanePromptTooLarge     = "PANE_003" // Prompt exceeds the absolute ceiling
	CodePaneNotOpen            = "PANE_004" // Operation needs an open pane
	CodePaneTeardownIncomplete = "PANE_005" // Pane still present after the poll bound

	// Tool errors
	CodeToolFailed   = "TOOL_001" // Tool reported failure
	CodeToolNotFound = "TOOL_002" // Tool name not in registry

	// Schema errors
	CodeSchemaViolation = "SCHEMA_001" // Value does not match schema

	// IO errors
	CodeIOFileNotFound = "IO_001" // File not found
	CodeIOPermission   = "IO_002" // Permission denied
	CodeIOReadError    = "IO_004" // Read error
	CodeIOWriteError   = "IO_005" // Write error
	CodeIOParseError   = "IO_006" // Content could not be decoded
)

// Error is the structured error type for cwf operations.
type Error struct {
	Code    string         `json:"code"`              // Error code (e.g., "GRAPH_001")
	Message string         `json:"message"`           // Human-readable message
	Details map[string]any `json:"details,omitempty"` // Context (node, pane, path, ...)
	Cause   error          `json:"-"`                 // Wrapped error (not serialized)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Category derives the taxonomy category from the code prefix.
func (e *Error) Category() Category {
	return CategoryOf(e.Code)
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with cause error message.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		Category Category `json:"category"`
		CauseMsg string   `json:"cause,omitempty"`
	}{
		alias:    (*alias)(e),
		Category: e.Category(),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new Error.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with an Error.
func Wrap(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted Error.
func Wrapf(code string, err error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// CategoryOf maps an error code to its taxonomy category.
func CategoryOf(code string) Category {
	switch code {
	case CodeConfigMissingField, CodeConfigInvalidValue,
		CodeGraphDuplicateNode, CodeGraphUnknownNode, CodeGraphNoEntry,
		CodeGraphDeadEnd, CodeGraphUnknownTool, CodeGraphDuplicateEdge,
		CodeExprSyntax, CodeExprUsage, CodeToolNotFound:
		return CategoryConfiguration
	case CodeServerPortExhausted, CodeServerNotStarted,
		CodePaneCreateFailed, CodePaneNoWindow, CodePanePromptTooLarge,
		CodePaneNotOpen, CodePaneTeardownIncomplete:
		return CategoryProcess
	default:
		return CategoryOperational
	}
}

// Classify returns the category of the first coded error in err's chain, or
// CategoryOperational when err carries no code.
func Classify(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category()
	}
	return CategoryOperational
}

// --- Graph Errors ---

// DuplicateNode creates an error for a node name registered twice.
func DuplicateNode(name string) *Error {
	return Newf(CodeGraphDuplicateNode, "node %q already exists", name).
		WithDetail("node", name)
}

// UnknownNode creates an error for an edge or router naming a missing node.
func UnknownNode(from, to string) *Error {
	return Newf(CodeGraphUnknownNode, "node %q routes to unknown node %q", from, to).
		WithDetail("from", from).
		WithDetail("to", to)
}

// UnknownTool creates an error for a node requiring an unregistered tool.
func UnknownTool(node, tool string) *Error {
	return Newf(CodeGraphUnknownTool, "node %q requires unknown tool %q", node, tool).
		WithDetail("node", node).
		WithDetail("tool", tool)
}

// --- Pane Errors ---

// PaneCreateFailed creates an error carrying tmux's own diagnostic text.
func PaneCreateFailed(diagnostic string, err error) *Error {
	msg := "failed to create pane"
	if diagnostic != "" {
		msg += ": " + diagnostic
	}
	return Wrap(CodePaneCreateFailed, msg, err).
		WithDetail("diagnostic", diagnostic)
}

// PaneTeardownIncomplete creates an error for a pane that outlived teardown.
func PaneTeardownIncomplete(paneID string, polls int) *Error {
	return Newf(CodePaneTeardownIncomplete, "pane %s still exists after %d polls", paneID, polls).
		WithDetail("pane", paneID).
		WithDetail("polls", polls)
}

// --- IO Errors ---

// IOFileNotFound creates an error for missing file.
func IOFileNotFound(path string) *Error {
	return Newf(CodeIOFileNotFound, "file not found: %s", path).
		WithDetail("path", path)
}

// IOPermissionDenied creates an error for permission issues.
func IOPermissionDenied(path string, err error) *Error {
	return Wrap(CodeIOPermission, "permission denied", err).
		WithDetail("path", path)
}

// IOReadError creates an error for read failures.
func IOReadError(path string, err error) *Error {
	return Wrap(CodeIOReadError, "failed to read file", err).
		WithDetail("path", path)
}

// IOWriteError creates an error for write failures.
func IOWriteError(path string, err error) *Error {
	return Wrap(CodeIOWriteError, "failed to write file", err).
		WithDetail("path", path)
}

// IOParseError creates an error for undecodable content.
func IOParseError(format string, err error) *Error {
	return Wrapf(CodeIOParseError, err, "failed to parse %s", format).
		WithDetail("format", format)
}

// HasCode checks if an error is an Error with the given code.
// It handles wrapped errors by unwrapping to find an Error.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Code returns the error code if err is an Error, empty string otherwise.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
