package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// hardBlockedPrefixes are rejected for every path argument regardless of
// configuration.
var hardBlockedPrefixes = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/proc",
	"/sys",
	"/dev",
	"/boot",
	"/root/.ssh",
	"/root/.aws",
}

func init() {
	if home, err := os.UserHomeDir(); err == nil {
		hardBlockedPrefixes = append(hardBlockedPrefixes,
			filepath.Join(home, ".ssh"),
			filepath.Join(home, ".aws"),
			filepath.Join(home, ".gnupg"),
		)
	}
}

// PathPolicy canonicalizes path arguments and rejects access to sensitive
// locations. Writes are additionally confined to the workspace.
type PathPolicy struct {
	Workspace       string
	BlockedPrefixes []string
}

// NewPathPolicy builds a policy rooted at workspace with extra configured
// blocked prefixes.
func NewPathPolicy(workspace string, blocked []string) *PathPolicy {
	abs, err := filepath.Abs(workspace)
	if err == nil {
		workspace = abs
	}
	if resolved, err := filepath.EvalSymlinks(workspace); err == nil {
		workspace = resolved
	}
	return &PathPolicy{Workspace: workspace, BlockedPrefixes: blocked}
}

// Canonicalize resolves a path to its absolute, symlink-free form.
// Symlink resolution is best effort: a missing leaf resolves its parent.
func (p *PathPolicy) Canonicalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	abs = filepath.Clean(abs)

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	// leaf may not exist yet; resolve the parent instead
	dir, base := filepath.Split(abs)
	if resolved, err := filepath.EvalSymlinks(filepath.Clean(dir)); err == nil {
		return filepath.Join(resolved, base), nil
	}
	return abs, nil
}

// Validate canonicalizes a path and rejects it under any blocked prefix.
func (p *PathPolicy) Validate(path string) (string, error) {
	canonical, err := p.Canonicalize(path)
	if err != nil {
		return "", err
	}
	for _, prefix := range hardBlockedPrefixes {
		if underPrefix(canonical, prefix) {
			return "", fmt.Errorf("access to %s is blocked", prefix)
		}
	}
	for _, prefix := range p.BlockedPrefixes {
		if underPrefix(canonical, prefix) {
			return "", fmt.Errorf("access to %s is blocked by configuration", prefix)
		}
	}
	return canonical, nil
}

// ValidateWrite validates a path and additionally requires it to live
// inside the workspace.
func (p *PathPolicy) ValidateWrite(path string) (string, error) {
	canonical, err := p.Validate(path)
	if err != nil {
		return "", err
	}
	if !underPrefix(canonical, p.Workspace) {
		return "", fmt.Errorf("writes are restricted to the workspace %s", p.Workspace)
	}
	return canonical, nil
}

// ValidateArgs canonicalizes and checks every path-like argument in place,
// returning the rewritten map.
func (p *PathPolicy) ValidateArgs(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, key := range []string{"path", "file_path", "search_path", "root"} {
		v, ok := out[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		canonical, err := p.Validate(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = canonical
	}
	return out, nil
}

func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	prefix = filepath.Clean(prefix)
	return path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator))
}
