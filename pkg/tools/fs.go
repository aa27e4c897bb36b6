package tools

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, syncing before the rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ReadFileTool returns file content up to a byte cap.
type ReadFileTool struct {
	policy   *PathPolicy
	maxBytes int64
}

func NewReadFileTool(policy *PathPolicy, maxBytes int64) *ReadFileTool {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &ReadFileTool{policy: policy, maxBytes: maxBytes}
}

func (t *ReadFileTool) Name() string {
	return "read_file"
}

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Output is truncated past the size limit."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path of the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return ErrorResult("path is required")
	}
	canonical, err := t.policy.Validate(path)
	if err != nil {
		return PolicyResult(err.Error())
	}

	f, err := os.Open(canonical)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	defer f.Close()

	buf := make([]byte, t.maxBytes+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}

	truncated := int64(n) > t.maxBytes
	if truncated {
		n = int(t.maxBytes)
	}
	content := string(buf[:n])
	if truncated {
		content += fmt.Sprintf("\n... (truncated at %d bytes)", t.maxBytes)
	}
	return NewToolResult(content)
}

// WriteFileTool creates or replaces a file inside the workspace.
type WriteFileTool struct {
	policy *PathPolicy
}

func NewWriteFileTool(policy *PathPolicy) *WriteFileTool {
	return &WriteFileTool{policy: policy}
}

func (t *WriteFileTool) Name() string {
	return "write_file"
}

func (t *WriteFileTool) Description() string {
	return "Write content to a file inside the workspace, creating parent directories as needed."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Destination path inside the workspace",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "File content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return ErrorResult("path is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return ErrorResult("content is required")
	}

	canonical, err := t.policy.ValidateWrite(path)
	if err != nil {
		return PolicyResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(canonical), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("create parent dirs: %v", err))
	}
	if err := writeFileAtomic(canonical, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return NewToolResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), canonical))
}

// SearchFilesTool walks a root matching file names against a glob.
type SearchFilesTool struct {
	policy     *PathPolicy
	maxResults int
}

func NewSearchFilesTool(policy *PathPolicy, maxResults int) *SearchFilesTool {
	if maxResults <= 0 {
		maxResults = 500
	}
	return &SearchFilesTool{policy: policy, maxResults: maxResults}
}

func (t *SearchFilesTool) Name() string {
	return "search_files"
}

func (t *SearchFilesTool) Description() string {
	return "Recursively find files under a root whose names match a glob pattern."
}

func (t *SearchFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"root": map[string]any{
				"type":        "string",
				"description": "Directory to search from",
			},
			"glob": map[string]any{
				"type":        "string",
				"description": "Glob matched against file names, e.g. *.go",
			},
		},
		"required": []string{"root", "glob"},
	}
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	root, ok := args["root"].(string)
	if !ok || root == "" {
		return ErrorResult("root is required")
	}
	glob, ok := args["glob"].(string)
	if !ok || glob == "" {
		return ErrorResult("glob is required")
	}
	if _, err := filepath.Match(glob, "probe"); err != nil {
		return ErrorResult(fmt.Sprintf("invalid glob %q: %v", glob, err))
	}

	canonical, err := t.policy.Validate(root)
	if err != nil {
		return PolicyResult(err.Error())
	}

	var matches []string
	truncated := false
	walkErr := filepath.WalkDir(canonical, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(glob, d.Name()); ok {
			matches = append(matches, path)
			if len(matches) >= t.maxResults {
				truncated = true
				return fs.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != ctx.Err() {
		return ErrorResult(fmt.Sprintf("search %s: %v", root, walkErr))
	}

	if len(matches) == 0 {
		return NewToolResult("No files matched " + glob)
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n... (stopped at %d results)", t.maxResults)
	}
	return NewToolResult(out)
}
