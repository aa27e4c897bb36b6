package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const maxShellOutput = 10000

// defaultDenyPatterns block destructive or exfiltrating shell commands.
// The blocklist is acknowledged bypassable; exec-only mode is the stricter
// alternative.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\s+/`),
	regexp.MustCompile(`\brm\s+.*\*`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(sh|bash|zsh)\b`),
	regexp.MustCompile(`\bwget\b.*\|\s*(sh|bash|zsh)\b`),
	regexp.MustCompile(`base64\b.*\|\s*(sh|bash|zsh)\b`),
	regexp.MustCompile(`\b(bash|sh|zsh)\s+-i\s+[>&]`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bchown\b`),
	regexp.MustCompile(`\bpkill\b`),
	regexp.MustCompile(`\bkillall\b`),
	regexp.MustCompile(`;\s*rm\s+-[rf]`),
	regexp.MustCompile(`&&\s*rm\s+-[rf]`),
	regexp.MustCompile(`\beval\b`),
}

var shellMetachars = regexp.MustCompile("[|&;<>`$(){}\\\\*?\\[\\]~#]")

// ShellTool runs a command under sh -c, or directly as an argv in
// exec-only mode.
type ShellTool struct {
	workingDir   string
	timeout      time.Duration
	execOnly     bool
	denyPatterns []*regexp.Regexp
}

// ShellConfig holds the configurable options for ShellTool.
type ShellConfig struct {
	WorkingDir     string
	TimeoutSeconds int
	ExecOnly       bool
	DenyPatterns   []string
}

// NewShellTool creates a ShellTool.
func NewShellTool(cfg ShellConfig) *ShellTool {
	patterns := make([]*regexp.Regexp, len(defaultDenyPatterns))
	copy(patterns, defaultDenyPatterns)
	for _, p := range cfg.DenyPatterns {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &ShellTool{
		workingDir:   cfg.WorkingDir,
		timeout:      timeout,
		execOnly:     cfg.ExecOnly,
		denyPatterns: patterns,
	}
}

func (t *ShellTool) Name() string {
	return "shell"
}

func (t *ShellTool) Description() string {
	return "Execute a shell command in the workspace and return its output. Use with caution."
}

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Optional timeout in seconds (default 30)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	command, ok := args["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}

	if reason := t.guard(command); reason != "" {
		return PolicyResult("Command blocked by safety guard: " + reason)
	}

	timeout := t.timeout
	if v, ok := args["timeout"].(float64); ok && v > 0 {
		timeout = time.Duration(v) * time.Second
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := strings.Fields(command)
	if len(argv) == 0 {
		return ErrorResult("command is required")
	}
	var cmd *exec.Cmd
	if t.execOnly {
		cmd = exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	} else {
		cmd = exec.CommandContext(cmdCtx, "sh", "-c", command)
	}
	if t.workingDir != "" {
		cmd.Dir = t.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if cmdCtx.Err() == context.DeadlineExceeded {
		msg := fmt.Sprintf("Command timed out after %v", timeout)
		return &ToolResult{ForLLM: msg, ForUser: msg, IsError: true, ErrorKind: ErrKindTimeout}
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ErrorResult(fmt.Sprintf("failed to start command: %v", err))
		}
	}

	output := formatShellOutput(exitCode, stdout.String(), stderr.String(), duration)
	if exitCode != 0 {
		return &ToolResult{ForLLM: output, ForUser: output, IsError: true, ErrorKind: ErrKindExecution}
	}
	return NewToolResult(output)
}

// Run executes the command and returns raw streams, for callers that need
// to classify failures rather than feed text to the model.
func (t *ShellTool) Run(ctx context.Context, command string, timeout time.Duration) (exitCode int, stdout, stderr string, err error) {
	if strings.TrimSpace(command) == "" {
		return -1, "", "", fmt.Errorf("command is required")
	}
	if reason := t.guard(command); reason != "" {
		return -1, "", "", fmt.Errorf("command blocked: %s", reason)
	}
	if timeout <= 0 {
		timeout = t.timeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if t.execOnly {
		argv := strings.Fields(command)
		cmd = exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	} else {
		cmd = exec.CommandContext(cmdCtx, "sh", "-c", command)
	}
	if t.workingDir != "" {
		cmd.Dir = t.workingDir
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return -1, out.String(), errBuf.String(), context.DeadlineExceeded
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return exitErr.ExitCode(), out.String(), errBuf.String(), nil
		}
		return -1, out.String(), errBuf.String(), runErr
	}
	return 0, out.String(), errBuf.String(), nil
}

func (t *ShellTool) guard(command string) string {
	lower := strings.ToLower(strings.TrimSpace(command))

	if t.execOnly && shellMetachars.MatchString(command) {
		return "shell metacharacters are refused in exec-only mode"
	}
	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(lower) {
			return "dangerous pattern detected"
		}
	}
	return ""
}

func formatShellOutput(exitCode int, stdout, stderr string, duration time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit_code: %d\nduration: %s\n", exitCode, duration.Round(time.Millisecond))
	if stdout != "" {
		b.WriteString("stdout:\n" + stdout)
	}
	if stderr != "" {
		if stdout != "" {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n" + stderr)
	}
	if stdout == "" && stderr == "" {
		b.WriteString("(no output)")
	}

	out := b.String()
	if len(out) > maxShellOutput {
		out = out[:maxShellOutput] + fmt.Sprintf("\n... (truncated, %d more chars)", len(out)-maxShellOutput)
	}
	return out
}
