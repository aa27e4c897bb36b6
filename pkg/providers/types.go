// Package providers routes chat requests across health-tracked LLM
// endpoints. The wire types live in protocoltypes; the aliases here keep
// caller code on one import.
package providers

import "github.com/gateclaw/gateclaw/pkg/providers/protocoltypes"

type (
	Message                = protocoltypes.Message
	ToolCall               = protocoltypes.ToolCall
	FunctionCall           = protocoltypes.FunctionCall
	ToolDefinition         = protocoltypes.ToolDefinition
	ToolFunctionDefinition = protocoltypes.ToolFunctionDefinition
	UsageInfo              = protocoltypes.UsageInfo
	LLMResponse            = protocoltypes.LLMResponse
	Provider               = protocoltypes.Provider
	StreamingProvider      = protocoltypes.StreamingProvider
)

// NewToolDefinition builds a function-typed tool definition.
func NewToolDefinition(name, description string, parameters map[string]any) ToolDefinition {
	return protocoltypes.NewToolDefinition(name, description, parameters)
}
