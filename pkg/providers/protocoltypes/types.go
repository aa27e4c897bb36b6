// Package protocoltypes holds the provider-neutral chat protocol types.
// It has no dependencies so every provider implementation and the router
// can share one vocabulary without import cycles.
package protocoltypes

import "context"

// Message is one entry of a conversation in provider-neutral form.
type Message struct {
	Role       string     `json:"role"` // user | assistant | system | tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// IsError marks a tool message as a failed tool result; endpoints
	// that carry error status on the wire propagate it.
	IsError bool `json:"is_error,omitempty"`
}

// ToolCall is a tool invocation requested by the model. Arguments holds
// the decoded form; Function carries the raw wire shape when the
// response came from a chat-completions endpoint.
type ToolCall struct {
	ID        string         `json:"id"`
	Type      string         `json:"type,omitempty"`
	Function  *FunctionCall  `json:"function,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// FunctionCall is the chat-completions wire representation of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition advertises one tool to the model.
type ToolDefinition struct {
	Type     string                 `json:"type"`
	Function ToolFunctionDefinition `json:"function"`
}

// ToolFunctionDefinition is the schema part of a tool definition.
type ToolFunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewToolDefinition builds a function-typed tool definition.
func NewToolDefinition(name, description string, parameters map[string]any) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// UsageInfo reports token accounting for one completion.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is the provider-neutral completion result.
type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// Provider is a single LLM backend.
type Provider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any) (*LLMResponse, error)
	GetDefaultModel() string
}

// StreamingProvider is implemented by providers that can deliver text
// deltas as they arrive.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any, onDelta func(delta string)) (*LLMResponse, error)
}
