package heal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateclaw/gateclaw/pkg/approval"
	"github.com/gateclaw/gateclaw/pkg/tools"
	"github.com/gateclaw/gateclaw/pkg/trace"
)

func newTestExecutor(t *testing.T, h *Healer, recorder *trace.Recorder) *tools.Executor {
	t.Helper()
	policy := tools.NewPathPolicy(t.TempDir(), nil)
	registry := tools.NewRegistry()
	registry.Register(NewRunCodeTool(h))
	broker := approval.NewBroker(approval.Options{
		AutoApproveSafe: true,
		Timeout:         time.Second,
		Overrides:       map[string]approval.Level{"run_code": approval.LevelSafe},
	})
	return tools.NewExecutor(registry, policy, broker, recorder)
}

func TestRunCodeTool_Success(t *testing.T) {
	h, recorder := newTestHealer(t, &fakeCompleter{replies: []string{"unused"}})
	executor := newTestExecutor(t, h, recorder)
	traceID := recorder.StartTrace("run code", "")

	res := executor.Execute(context.Background(), traceID, "run_code", map[string]any{
		"language": "bash",
		"code":     "echo hello",
	})
	require.False(t, res.IsError)
	assert.Contains(t, res.ForLLM, `"exit_code":0`)
	assert.Contains(t, res.ForLLM, "hello")
}

func TestRunCodeTool_HealSpansLandOnCallerTrace(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"```bash\necho fixed\n```"}}
	h, recorder := newTestHealer(t, completer)
	executor := newTestExecutor(t, h, recorder)
	traceID := recorder.StartTrace("run code", "")

	res := executor.Execute(context.Background(), traceID, "run_code", map[string]any{
		"language": "bash",
		"code":     "echo \"SyntaxError: bad\" >&2; exit 1",
	})
	require.False(t, res.IsError)
	assert.Contains(t, res.ForLLM, `"healed":true`)

	recorder.EndTrace(traceID, "", trace.StatusCompleted)
	got, ok := recorder.Get(traceID)
	require.True(t, ok)
	var healSpans int
	for _, s := range got.Spans {
		if s.Kind == trace.KindSelfHeal {
			healSpans++
		}
	}
	assert.Equal(t, 2, healSpans, "each attempt records a span on the turn's trace")
}

func TestRunCodeTool_ExhaustionIsAnErrorResult(t *testing.T) {
	stillBroken := "```bash\necho \"KeyError: 'x'\" >&2; exit 2\n```"
	h, recorder := newTestHealer(t, &fakeCompleter{replies: []string{stillBroken}})
	executor := newTestExecutor(t, h, recorder)
	traceID := recorder.StartTrace("run code", "")

	res := executor.Execute(context.Background(), traceID, "run_code", map[string]any{
		"language": "bash",
		"code":     "echo \"KeyError: 'orig'\" >&2; exit 1",
	})
	require.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, `"exit_code":1`, "the original failure is reported")
}

func TestRunCodeTool_ValidationErrors(t *testing.T) {
	h, recorder := newTestHealer(t, &fakeCompleter{replies: []string{"unused"}})
	executor := newTestExecutor(t, h, recorder)

	res := executor.Execute(context.Background(), "", "run_code", map[string]any{
		"language": "fortran",
		"code":     "print *, 'hi'",
	})
	require.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "unsupported language")
}
