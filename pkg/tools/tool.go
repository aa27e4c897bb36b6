// Package tools implements the built-in tool registry, the path sandbox
// policy, and the executor that gates every call behind approval and
// records it as a span.
package tools

import "context"

// Tool is one callable exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *ToolResult
}

// Error kinds carried on failed results. These match the span error.kind
// attribute values.
const (
	ErrKindDenied    = "denied"
	ErrKindPolicy    = "policy_violation"
	ErrKindExecution = "execution_error"
	ErrKindTimeout   = "timeout"
)

// ToolResult is the outcome of a tool call. Failures travel as results,
// never as panics past the executor boundary. ForLLM is what the model
// sees; ForUser is the optional display form.
type ToolResult struct {
	ForLLM    string
	ForUser   string
	IsError   bool
	ErrorKind string
}

// NewToolResult builds a successful result shown identically to the model
// and the user.
func NewToolResult(content string) *ToolResult {
	return &ToolResult{ForLLM: content, ForUser: content}
}

// ErrorResult builds a failed result with an execution error kind.
func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, ForUser: message, IsError: true, ErrorKind: ErrKindExecution}
}

// PolicyResult builds a failed result for blocklist and sandbox rejections.
func PolicyResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, ForUser: message, IsError: true, ErrorKind: ErrKindPolicy}
}

// DeniedResult builds the synthetic result returned when approval is
// denied or times out.
func DeniedResult(toolName string) *ToolResult {
	msg := "Tool call " + toolName + " was denied by the user."
	return &ToolResult{ForLLM: msg, ForUser: msg, IsError: true, ErrorKind: ErrKindDenied}
}
