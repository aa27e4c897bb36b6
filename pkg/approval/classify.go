// Package approval gates tool calls behind risk classification and
// human-in-the-loop decisions, with time- and path-scoped trust grants.
package approval

import "strings"

// Level is the risk classification of a tool call.
type Level string

const (
	LevelSafe      Level = "safe"
	LevelSensitive Level = "sensitive"
	LevelCritical  Level = "critical"
)

// Prefix rules applied when no override matches. Unknown names classify as
// sensitive.
var (
	safePrefixes = []string{
		"get_", "list_", "read_", "search_", "find_", "describe_",
		"show_", "view_", "fetch_", "count_", "check_", "status_",
		"info_", "stat_", "head_",
	}
	sensitivePrefixes = []string{
		"write_", "create_", "update_", "edit_", "modify_", "add_",
		"set_", "put_", "post_", "upload_", "push_", "commit_",
		"merge_", "send_",
	}
	criticalPrefixes = []string{
		"delete_", "remove_", "destroy_", "drop_", "purge_", "force_",
		"reset_", "revoke_", "terminate_", "kill_",
	}
)

// builtinOverrides pins the levels of well-known tools regardless of what
// their name prefix would suggest.
var builtinOverrides = map[string]Level{
	"shell":        LevelSensitive,
	"read_file":    LevelSafe,
	"search_files": LevelSafe,
	"write_file":   LevelSensitive,
	"patch_file":   LevelSensitive,
	"delete_file":  LevelCritical,
}

// Classify returns the risk level of a tool. Config overrides win over the
// builtin table, which wins over the prefix rules.
func Classify(toolName string, overrides map[string]Level) Level {
	name := strings.ToLower(toolName)

	if overrides != nil {
		if lvl, ok := overrides[name]; ok {
			return lvl
		}
	}
	if lvl, ok := builtinOverrides[name]; ok {
		return lvl
	}

	for _, p := range criticalPrefixes {
		if strings.HasPrefix(name, p) {
			return LevelCritical
		}
	}
	for _, p := range safePrefixes {
		if strings.HasPrefix(name, p) {
			return LevelSafe
		}
	}
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(name, p) {
			return LevelSensitive
		}
	}
	return LevelSensitive
}

// ParseLevel converts a config string to a Level, defaulting to sensitive.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return LevelSafe
	case "critical":
		return LevelCritical
	default:
		return LevelSensitive
	}
}
