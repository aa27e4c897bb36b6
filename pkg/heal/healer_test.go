package heal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateclaw/gateclaw/pkg/pipeline"
	"github.com/gateclaw/gateclaw/pkg/providers"
	"github.com/gateclaw/gateclaw/pkg/tools"
	"github.com/gateclaw/gateclaw/pkg/trace"
)

type fakeCompleter struct {
	replies []string
	prompts []string
	calls   int
}

func (f *fakeCompleter) Chat(_ context.Context, messages []providers.Message, _ []providers.ToolDefinition, _ map[string]any, _ providers.AttemptFunc) (*providers.LLMResponse, string, error) {
	f.prompts = append(f.prompts, messages[len(messages)-1].Content)
	idx := f.calls
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	f.calls++
	return &providers.LLMResponse{Content: f.replies[idx], FinishReason: "stop"}, "stub", nil
}

func newTestHealer(t *testing.T, completer Completer) (*Healer, *trace.Recorder) {
	t.Helper()
	shell := tools.NewShellTool(tools.ShellConfig{WorkingDir: t.TempDir()})
	recorder := trace.NewRecorder(trace.Options{Enabled: true, MaxTraces: 10})
	return NewHealer(shell, completer, recorder, Options{WorkDir: t.TempDir()}), recorder
}

func TestClassify(t *testing.T) {
	cases := []struct {
		stderr string
		want   Category
	}{
		{"ModuleNotFoundError: No module named 'pandas'", CategoryModuleMissing},
		{"Error: Cannot find module 'express'", CategoryModuleMissing},
		{"SyntaxError: invalid syntax", CategorySyntax},
		{"IndentationError: unexpected indent", CategoryIndentation},
		{"TypeError: unsupported operand type(s)", CategoryType},
		{"NameError: name 'foo' is not defined", CategoryName},
		{"AttributeError: 'NoneType' object has no attribute 'x'", CategoryAttribute},
		{"KeyError: 'missing'", CategoryKey},
		{"IndexError: list index out of range", CategoryIndex},
		{"ValueError: invalid literal for int()", CategoryValue},
		{"FileNotFoundError: [Errno 2] No such file or directory: 'data.csv'", CategoryFileMissing},
		{"ZeroDivisionError: division by zero", CategoryZeroDivision},
		{"ImportError: cannot import name 'foo' from 'bar'", CategoryImport},
		{"Segmentation fault (core dumped)", CategoryOther},
		{"", CategoryOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.stderr), "stderr: %q", tc.stderr)
	}
}

func TestExtractCodeBlock(t *testing.T) {
	reply := "Here is the fix:\n```python\nprint('ok')\n```\nand some trailing prose"
	assert.Equal(t, "print('ok')", ExtractCodeBlock(reply))

	assert.Equal(t, "echo hi", ExtractCodeBlock("```\necho hi\n```"))
	assert.Equal(t, "", ExtractCodeBlock("no code here"))

	// only the first block counts
	multi := "```bash\nfirst\n```\n```bash\nsecond\n```"
	assert.Equal(t, "first", ExtractCodeBlock(multi))
}

func TestHealer_SuccessFirstTry(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"unused"}}
	h, recorder := newTestHealer(t, completer)
	traceID := recorder.StartTrace("run code", "")

	res, err := h.Run(context.Background(), traceID, "bash", "echo hello", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Healed)
	assert.Equal(t, 0, completer.calls)
}

func TestHealer_HealsModuleMissing(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"```bash\necho recovered\n```"}}
	h, recorder := newTestHealer(t, completer)
	traceID := recorder.StartTrace("run code", "")

	broken := "echo \"ModuleNotFoundError: No module named 'pandas'\" >&2; exit 1"
	res, err := h.Run(context.Background(), traceID, "bash", broken, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "recovered")
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, res.Healed)

	require.Len(t, completer.prompts, 1)
	assert.Contains(t, completer.prompts[0], "module-missing")
	assert.Contains(t, completer.prompts[0], "No module named 'pandas'")
	assert.Contains(t, completer.prompts[0], "Environment:")

	recorder.EndTrace(traceID, "", trace.StatusCompleted)
	got, ok := recorder.Get(traceID)
	require.True(t, ok)
	var healSpans []trace.Span
	for _, s := range got.Spans {
		if s.Kind == trace.KindSelfHeal {
			healSpans = append(healSpans, s)
		}
	}
	require.Len(t, healSpans, 2)
	assert.Equal(t, "module-missing", healSpans[0].Attributes["error_category"])
	assert.Equal(t, "false", healSpans[0].Attributes["success"])
	assert.Equal(t, "true", healSpans[1].Attributes["success"])
}

func TestHealer_ExhaustsAndReturnsOriginalError(t *testing.T) {
	stillBroken := "```bash\necho \"KeyError: 'x'\" >&2; exit 2\n```"
	completer := &fakeCompleter{replies: []string{stillBroken}}
	h, recorder := newTestHealer(t, completer)
	traceID := recorder.StartTrace("run code", "")

	res, err := h.Run(context.Background(), traceID, "bash",
		"echo \"KeyError: 'orig'\" >&2; exit 1", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrSelfHealExhausted)
	// original failure comes back, not the last attempt's
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "'orig'")
	assert.Equal(t, 3, res.Attempts)
}

func TestHealer_UnclassifiedGivesUpAfterOneHeal(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"```bash\necho \"still weird\" >&2; exit 9\n```"}}
	h, recorder := newTestHealer(t, completer)
	traceID := recorder.StartTrace("run code", "")

	res, err := h.Run(context.Background(), traceID, "bash",
		"echo \"something inexplicable\" >&2; exit 7", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrSelfHealExhausted)
	assert.Equal(t, 2, res.Attempts, "an unclassified second failure stops the loop")
	assert.Equal(t, 1, completer.calls)
}

func TestHealer_TimeoutIsSeconds(t *testing.T) {
	h, recorder := newTestHealer(t, &fakeCompleter{replies: []string{"unused"}})
	traceID := recorder.StartTrace("run code", "")

	// a sub-second budget must actually interrupt the run; a nanosecond
	// misread would leave the default 30s timeout in charge
	start := time.Now()
	_, err := h.Run(context.Background(), traceID, "bash", "sleep 5", 0.3)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestHealer_UnsupportedLanguage(t *testing.T) {
	h, _ := newTestHealer(t, &fakeCompleter{replies: []string{""}})
	_, err := h.Run(context.Background(), "", "fortran", "print *, 'hi'", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")

	_, err = h.Run(context.Background(), "", "bash", "   ", 10)
	require.Error(t, err)
}

func TestHealer_NoCodeBlockInReplyStops(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"I cannot fix this."}}
	h, recorder := newTestHealer(t, completer)
	traceID := recorder.StartTrace("run code", "")

	res, err := h.Run(context.Background(), traceID, "bash",
		"echo \"ValueError: bad\" >&2; exit 1", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrSelfHealExhausted)
	assert.Equal(t, 1, res.Attempts)
}
