// Package heal wraps code execution in a bounded retry loop that feeds
// the failure context back to a model for a rewrite.
package heal

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gateclaw/gateclaw/pkg/logger"
	"github.com/gateclaw/gateclaw/pkg/pipeline"
	"github.com/gateclaw/gateclaw/pkg/providers"
	"github.com/gateclaw/gateclaw/pkg/tools"
	"github.com/gateclaw/gateclaw/pkg/trace"
)

const (
	defaultMaxAttempts = 3
	envSnapshotLimit   = 2048
	healTemperature    = 0.2
	shellProbeTimeout  = 10 * time.Second
)

type languageConfig struct {
	cmd         string
	ext         string
	versionCmd  string
	packagesCmd string
}

var languages = map[string]languageConfig{
	"python":     {cmd: "python3", ext: ".py", versionCmd: "python3 --version", packagesCmd: "python3 -m pip list --format=freeze"},
	"javascript": {cmd: "node", ext: ".js", versionCmd: "node --version", packagesCmd: "npm ls --depth=0"},
	"bash":       {cmd: "bash", ext: ".sh", versionCmd: "bash --version"},
	"ruby":       {cmd: "ruby", ext: ".rb", versionCmd: "ruby --version", packagesCmd: "gem list"},
}

var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\n(.*?)```")

// Completer requests one chat completion; the provider router satisfies it.
type Completer interface {
	Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, options map[string]any, onAttempt providers.AttemptFunc) (*providers.LLMResponse, string, error)
}

// RunResult is the outcome of the final code execution.
type RunResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Attempts int    `json:"attempts"`
	Code     string `json:"code"` // code that actually ran last
	Healed   bool   `json:"healed"`
}

type Options struct {
	MaxAttempts int
	WorkDir     string
}

// Healer runs code and, on failure, asks the model for a fix using the
// stderr, the error category, and an environment snapshot.
type Healer struct {
	shell     *tools.ShellTool
	completer Completer
	recorder  *trace.Recorder
	opts      Options

	envOnce sync.Once
	envSnap map[string]string
	envMu   sync.Mutex
}

func NewHealer(shell *tools.ShellTool, completer Completer, recorder *trace.Recorder, opts Options) *Healer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Healer{
		shell:     shell,
		completer: completer,
		recorder:  recorder,
		opts:      opts,
		envSnap:   map[string]string{},
	}
}

// Run executes code, healing failed runs up to MaxAttempts times. When
// the loop exhausts, the ORIGINAL failure is returned alongside
// ErrSelfHealExhausted so callers see what the model was trying to fix.
func (h *Healer) Run(ctx context.Context, traceID, language, code string, timeoutSeconds float64) (*RunResult, error) {
	cfg, ok := languages[strings.ToLower(language)]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s", language)
	}
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("no code provided")
	}

	var original *RunResult
	executions := 0
	current := code
	for attempt := 0; attempt < h.opts.MaxAttempts; attempt++ {
		spanID := h.startSpan(traceID, attempt)

		result, err := h.runOnce(ctx, cfg, current, timeoutSeconds)
		executions++
		if err != nil {
			h.endSpan(spanID, attempt, CategoryOther, false)
			return nil, err
		}
		result.Attempts = attempt + 1
		result.Code = current
		result.Healed = attempt > 0

		if result.ExitCode == 0 {
			h.endSpan(spanID, attempt, "", true)
			return result, nil
		}
		if original == nil {
			original = result
		}

		category := Classify(result.Stderr)
		h.endSpan(spanID, attempt, category, false)

		if category == CategoryOther && attempt > 0 {
			break
		}
		if attempt == h.opts.MaxAttempts-1 {
			break
		}

		fixed, err := h.requestFix(ctx, cfg, language, current, result.Stderr, category)
		if err != nil {
			logger.WarnCF("heal", "healing completion failed", map[string]any{
				"attempt": attempt, "error": err.Error(),
			})
			break
		}
		if fixed == "" {
			break
		}
		current = fixed
	}

	original.Attempts = executions
	return original, fmt.Errorf("%w: exit code %d after %d attempts",
		pipeline.ErrSelfHealExhausted, original.ExitCode, executions)
}

func (h *Healer) runOnce(ctx context.Context, cfg languageConfig, code string, timeoutSeconds float64) (*RunResult, error) {
	dir := h.opts.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "heal-*"+cfg.ext)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	command := cfg.cmd + " " + shellQuote(path)
	exitCode, stdout, stderr, err := h.shell.Run(ctx, command, time.Duration(timeoutSeconds*float64(time.Second)))
	if err != nil {
		return nil, err
	}
	return &RunResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

func (h *Healer) requestFix(ctx context.Context, cfg languageConfig, language, code, stderr string, category Category) (string, error) {
	prompt := fmt.Sprintf(`The following %s program failed. Rewrite it so it runs successfully.

Error category: %s

Program:
%s

Stderr:
%s

Environment:
%s

Reply with the corrected program in a single fenced code block. Do not explain.`,
		language, category, fence(language, code), truncate(stderr, envSnapshotLimit), h.envSnapshot(cfg))

	resp, _, err := h.completer.Chat(ctx,
		[]providers.Message{
			{Role: "system", Content: "You fix broken programs. Respond only with corrected code in a fenced block."},
			{Role: "user", Content: prompt},
		},
		nil,
		map[string]any{"temperature": healTemperature},
		nil,
	)
	if err != nil {
		return "", err
	}
	return ExtractCodeBlock(resp.Content), nil
}

// ExtractCodeBlock returns the body of the first fenced code block, or
// empty when the reply has none.
func ExtractCodeBlock(reply string) string {
	m := fencedBlock.FindStringSubmatch(reply)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// envSnapshot collects OS release, runtime version, and the installed
// package list, truncated so healing prompts stay small. Cached per
// interpreter.
func (h *Healer) envSnapshot(cfg languageConfig) string {
	h.envMu.Lock()
	if snap, ok := h.envSnap[cfg.cmd]; ok {
		h.envMu.Unlock()
		return snap
	}
	h.envMu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "os: %s/%s %s\n", runtime.GOOS, runtime.GOARCH, osRelease())

	probe := func(command string) string {
		if command == "" {
			return ""
		}
		ctx, cancel := context.WithTimeout(context.Background(), shellProbeTimeout)
		defer cancel()
		_, stdout, stderr, err := h.shell.Run(ctx, command, 0)
		if err != nil {
			return ""
		}
		out := strings.TrimSpace(stdout)
		if out == "" {
			out = strings.TrimSpace(stderr)
		}
		return out
	}

	if v := probe(cfg.versionCmd); v != "" {
		fmt.Fprintf(&b, "runtime: %s\n", firstLine(v))
	}
	if pkgs := probe(cfg.packagesCmd); pkgs != "" {
		fmt.Fprintf(&b, "packages:\n%s\n", pkgs)
	}
	snap := truncate(b.String(), envSnapshotLimit)

	h.envMu.Lock()
	h.envSnap[cfg.cmd] = snap
	h.envMu.Unlock()
	return snap
}

func (h *Healer) startSpan(traceID string, attempt int) string {
	if h.recorder == nil || traceID == "" {
		return ""
	}
	return h.recorder.StartSpan(traceID, trace.KindSelfHeal,
		fmt.Sprintf("self_heal attempt %d", attempt), "")
}

func (h *Healer) endSpan(spanID string, attempt int, category Category, success bool) {
	if h.recorder == nil || spanID == "" {
		return
	}
	status := trace.StatusOK
	if !success {
		status = trace.StatusError
	}
	attrs := map[string]string{
		"attempt": fmt.Sprintf("%d", attempt),
		"success": fmt.Sprintf("%t", success),
	}
	if category != "" {
		attrs["error_category"] = string(category)
	}
	h.recorder.EndSpan(spanID, status, attrs)
}

func osRelease() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return runtime.Version()
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return runtime.Version()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

func fence(language, code string) string {
	return "```" + language + "\n" + code + "\n```"
}

func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
