package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// PatchFileTool applies sequential search-and-replace edits to one file.
// Each search string must occur exactly once; ambiguity is an error, not a
// best-match.
type PatchFileTool struct {
	policy *PathPolicy
}

func NewPatchFileTool(policy *PathPolicy) *PatchFileTool {
	return &PatchFileTool{policy: policy}
}

func (t *PatchFileTool) Name() string {
	return "patch_file"
}

func (t *PatchFileTool) Description() string {
	return "Apply a list of {search, replace} edits to a file. Each search text must match exactly once."
}

func (t *PatchFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File to patch",
			},
			"edits": map[string]any{
				"type":        "array",
				"description": "Edits applied in order",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"search":  map[string]any{"type": "string"},
						"replace": map[string]any{"type": "string"},
					},
					"required": []string{"search", "replace"},
				},
			},
		},
		"required": []string{"path", "edits"},
	}
}

func (t *PatchFileTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return ErrorResult("path is required")
	}
	rawEdits, ok := args["edits"].([]any)
	if !ok || len(rawEdits) == 0 {
		return ErrorResult("edits is required and must be a non-empty array")
	}

	canonical, err := t.policy.ValidateWrite(path)
	if err != nil {
		return PolicyResult(err.Error())
	}

	data, err := os.ReadFile(canonical)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	content := string(data)

	for i, raw := range rawEdits {
		edit, ok := raw.(map[string]any)
		if !ok {
			return ErrorResult(fmt.Sprintf("edit %d is not an object", i))
		}
		search, _ := edit["search"].(string)
		replace, _ := edit["replace"].(string)
		if search == "" {
			return ErrorResult(fmt.Sprintf("edit %d: search must not be empty", i))
		}

		count := strings.Count(content, search)
		if count != 1 {
			return ErrorResult(fmt.Sprintf("edit %d: search text matches %d times, need exactly 1", i, count))
		}
		content = strings.Replace(content, search, replace, 1)
	}

	if err := writeFileAtomic(canonical, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return NewToolResult(fmt.Sprintf("Applied %d edits to %s", len(rawEdits), canonical))
}
