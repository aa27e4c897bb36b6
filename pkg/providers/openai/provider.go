// Package openai adapts any chat-completions compatible endpoint
// (OpenAI, Ollama, vLLM, OpenRouter and friends) to the
// provider-neutral chat interface.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/gateclaw/gateclaw/pkg/logger"
	"github.com/gateclaw/gateclaw/pkg/providers/protocoltypes"
)

type (
	Message        = protocoltypes.Message
	ToolCall       = protocoltypes.ToolCall
	FunctionCall   = protocoltypes.FunctionCall
	ToolDefinition = protocoltypes.ToolDefinition
	UsageInfo      = protocoltypes.UsageInfo
	LLMResponse    = protocoltypes.LLMResponse
)

type Provider struct {
	client       openai.Client
	defaultModel string
}

// NewProvider creates a chat-completions provider. baseURL must point at
// the endpoint root; a /v1 suffix is added when missing.
func NewProvider(apiKey, baseURL, defaultModel string) *Provider {
	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: 5 * time.Minute}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(normalizeBaseURL(baseURL)))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &Provider{
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

func (p *Provider) GetDefaultModel() string {
	return p.defaultModel
}

func (p *Provider) Chat(
	ctx context.Context,
	messages []Message,
	tools []ToolDefinition,
	model string,
	options map[string]any,
) (*LLMResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: buildMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = translateTools(tools)
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String("auto"),
		}
	}
	applyOptions(&params, options)

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}

	choice := completion.Choices[0]
	resp := &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    parseChoiceToolCalls(choice),
		FinishReason: string(choice.FinishReason),
	}
	if completion.Usage.TotalTokens > 0 {
		resp.Usage = &UsageInfo{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		}
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = "tool_calls"
	}
	return resp, nil
}

func buildMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				assistant := openai.ChatCompletionAssistantMessageParam{}
				if msg.Content != "" {
					assistant.Content.OfString = openai.String(msg.Content)
				}
				for _, tc := range msg.ToolCalls {
					args := rawArguments(tc)
					assistant.ToolCalls = append(assistant.ToolCalls,
						openai.ChatCompletionMessageToolCallUnionParam{
							OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
								ID: tc.ID,
								Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
									Name:      tc.Name,
									Arguments: args,
								},
							},
						})
				}
				out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			} else {
				out = append(out, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			if msg.ToolCallID != "" {
				out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
			} else {
				out = append(out, openai.UserMessage(msg.Content))
			}
		}
	}
	return out
}

func translateTools(tools []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	result := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Function.Name,
			Description: openai.String(t.Function.Description),
			Parameters:  shared.FunctionParameters(t.Function.Parameters),
		}))
	}
	return result
}

func parseChoiceToolCalls(choice openai.ChatCompletionChoice) []ToolCall {
	var calls []ToolCall
	for _, call := range choice.Message.ToolCalls {
		fn, ok := call.AsAny().(openai.ChatCompletionMessageFunctionToolCall)
		if !ok {
			continue
		}
		var args map[string]any
		if fn.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(fn.Function.Arguments), &args); err != nil {
				logger.WarnCF("providers", "undecodable tool arguments", map[string]any{
					"tool": fn.Function.Name, "error": err.Error(),
				})
				args = map[string]any{"raw": fn.Function.Arguments}
			}
		}
		calls = append(calls, ToolCall{
			ID:   fn.ID,
			Type: "function",
			Function: &FunctionCall{
				Name:      fn.Function.Name,
				Arguments: fn.Function.Arguments,
			},
			Name:      fn.Function.Name,
			Arguments: args,
		})
	}
	return calls
}

func applyOptions(params *openai.ChatCompletionNewParams, options map[string]any) {
	if options == nil {
		return
	}
	if v, ok := asInt(options["max_tokens"]); ok {
		params.MaxCompletionTokens = openai.Opt(v)
	}
	if v, ok := asFloat(options["temperature"]); ok {
		params.Temperature = openai.Opt(v)
	}
	if v, ok := asFloat(options["top_p"]); ok {
		params.TopP = openai.Opt(v)
	}
}

func rawArguments(tc ToolCall) string {
	if tc.Function != nil && tc.Function.Arguments != "" {
		return tc.Function.Arguments
	}
	if tc.Arguments != nil {
		if data, err := json.Marshal(tc.Arguments); err == nil {
			return string(data)
		}
	}
	return "{}"
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func normalizeBaseURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}
