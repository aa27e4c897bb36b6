package heal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gateclaw/gateclaw/pkg/pipeline"
	"github.com/gateclaw/gateclaw/pkg/tools"
	"github.com/gateclaw/gateclaw/pkg/trace"
)

// RunCodeTool exposes the healer as a registry tool so agents can run
// snippets and get the retry loop for free.
type RunCodeTool struct {
	healer *Healer
}

func NewRunCodeTool(healer *Healer) *RunCodeTool {
	return &RunCodeTool{healer: healer}
}

func (t *RunCodeTool) Name() string { return "run_code" }

func (t *RunCodeTool) Description() string {
	return "Run a code snippet (python, javascript, bash, ruby). Failed runs are retried with automatic fixes."
}

func (t *RunCodeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"language": map[string]any{
				"type":        "string",
				"description": "python | javascript | bash | ruby",
			},
			"code": map[string]any{
				"type":        "string",
				"description": "The code to execute",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Timeout in seconds (default 30)",
			},
		},
		"required": []string{"language", "code"},
	}
}

func (t *RunCodeTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	language, _ := args["language"].(string)
	code, _ := args["code"].(string)
	timeout, _ := args["timeout"].(float64)

	res, err := t.healer.Run(ctx, trace.TraceIDFrom(ctx), language, code, timeout)
	if err != nil && !errors.Is(err, pipeline.ErrSelfHealExhausted) {
		return tools.ErrorResult(err.Error())
	}

	payload, marshalErr := json.Marshal(res)
	if marshalErr != nil {
		return tools.ErrorResult(fmt.Sprintf("encode run result: %s", marshalErr))
	}
	if err != nil {
		return tools.ErrorResult(string(payload))
	}
	return tools.NewToolResult(string(payload))
}
