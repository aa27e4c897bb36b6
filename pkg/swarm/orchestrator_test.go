package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateclaw/gateclaw/pkg/agent"
	"github.com/gateclaw/gateclaw/pkg/providers"
	"github.com/gateclaw/gateclaw/pkg/trace"
)

// scriptedRunner replays per-role outputs in order.
type scriptedRunner struct {
	outputs map[string][]string // role -> successive replies
	counts  map[string]int
	tasks   map[string][]string // role -> tasks it was given
}

func newScriptedRunner(outputs map[string][]string) *scriptedRunner {
	return &scriptedRunner{
		outputs: outputs,
		counts:  map[string]int{},
		tasks:   map[string][]string{},
	}
}

func (s *scriptedRunner) RunTurn(_ context.Context, _ string, task string, profile *agent.Profile, _ agent.Observer) (*agent.TurnResult, error) {
	role := profile.Role
	s.tasks[role] = append(s.tasks[role], task)
	replies := s.outputs[role]
	if len(replies) == 0 {
		return nil, fmt.Errorf("no scripted reply for role %s", role)
	}
	idx := s.counts[role]
	if idx >= len(replies) {
		idx = len(replies) - 1
	}
	s.counts[role]++
	return &agent.TurnResult{Text: replies[idx], TraceID: "trace_" + role}, nil
}

type stubCompressor struct {
	reply string
	err   error
	calls int
}

func (s *stubCompressor) Chat(_ context.Context, _ []providers.Message, _ []providers.ToolDefinition, _ map[string]any, _ providers.AttemptFunc) (*providers.LLMResponse, string, error) {
	s.calls++
	if s.err != nil {
		return nil, "", s.err
	}
	return &providers.LLMResponse{Content: s.reply}, "stub", nil
}

func newTestOrchestrator(t *testing.T, runner TurnRunner, compressor Compressor, opts Options) (*Orchestrator, *trace.Recorder) {
	t.Helper()
	recorder := trace.NewRecorder(trace.Options{Enabled: true, MaxTraces: 20})
	return NewOrchestrator(runner, compressor, recorder, nil, opts), recorder
}

func TestSwarm_ApprovedFirstIteration(t *testing.T) {
	runner := newScriptedRunner(map[string][]string{
		"coder":    {"print('hello')"},
		"reviewer": {"APPROVED"},
		"critic":   {"VALID"},
	})
	o, recorder := newTestOrchestrator(t, runner, nil, Options{})

	res, err := o.Run(context.Background(), "write a greeting")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, "print('hello')", res.Code)
	assert.Equal(t, "VALID", res.CriticVerdict)
	assert.Empty(t, res.Warning)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, []string{"coder", "reviewer", "critic"}, res.AgentsUsed)

	got, ok := recorder.Get(res.TraceID)
	require.True(t, ok)
	var delegations int
	for _, s := range got.Spans {
		if s.Kind == trace.KindDelegation {
			delegations++
		}
	}
	assert.Equal(t, 3, delegations)
}

func TestSwarm_RouteToSecurity(t *testing.T) {
	runner := newScriptedRunner(map[string][]string{
		"coder":    {`query = "SELECT * FROM t WHERE id=" + user_id`, `cursor.execute("SELECT * FROM t WHERE id=%s", (user_id,))`},
		"reviewer": {"Potential SQLi. ROUTE:security", "APPROVED"},
		"security": {"Confirmed SQL injection via string concatenation; use parameterized queries."},
		"critic":   {"VALID"},
	})
	o, _ := newTestOrchestrator(t, runner, nil, Options{})

	res, err := o.Run(context.Background(), "query users table")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, 2, res.Iterations)
	assert.Contains(t, res.AgentsUsed, "security")
	assert.Equal(t, `cursor.execute("SELECT * FROM t WHERE id=%s", (user_id,))`, res.Code,
		"the rewrite from the second iteration wins")

	// the second coder task carries the security report
	require.Len(t, runner.tasks["coder"], 2)
	assert.Contains(t, runner.tasks["coder"][1], "security report")
	assert.Contains(t, runner.tasks["coder"][1], "parameterized queries")
}

func TestSwarm_CriticRejectionAnnotatesOnly(t *testing.T) {
	runner := newScriptedRunner(map[string][]string{
		"coder":    {"code"},
		"reviewer": {"APPROVED"},
		"critic":   {"REJECTED: the error path swallows exceptions"},
	})
	o, _ := newTestOrchestrator(t, runner, nil, Options{})

	res, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status, "critic rejection must not reopen the loop")
	assert.Contains(t, res.Warning, "swallows exceptions")
}

func TestSwarm_ExhaustsIterationBudget(t *testing.T) {
	runner := newScriptedRunner(map[string][]string{
		"coder":    {"v1", "v2", "v3"},
		"reviewer": {"still broken"},
	})
	o, _ := newTestOrchestrator(t, runner, nil, Options{MaxIterations: 3})

	res, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, res.Status)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, "v3", res.Code, "latest artifact comes back")
	assert.NotEmpty(t, res.Warning)
	assert.Equal(t, 3, runner.counts["coder"], "loop termination law")
}

func TestSwarm_HumanHintReachesCoder(t *testing.T) {
	runner := newScriptedRunner(map[string][]string{
		"coder":    {"code"},
		"reviewer": {"APPROVED"},
		"critic":   {"VALID"},
	})
	o, _ := newTestOrchestrator(t, runner, nil, Options{})
	o.Hint("use python 3.12 only")

	_, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	first := runner.tasks["coder"][0]
	assert.True(t, strings.HasPrefix(first, "[URGENT USER MESSAGE]"))
	assert.Contains(t, first, "use python 3.12 only")
}

func TestSwarm_PlannerEnrichesTask(t *testing.T) {
	runner := newScriptedRunner(map[string][]string{
		"planner":  {"1. parse input 2. compute 3. print"},
		"coder":    {"code"},
		"reviewer": {"APPROVED"},
		"critic":   {"VALID"},
	})
	o, _ := newTestOrchestrator(t, runner, nil, Options{UsePlanner: true})

	res, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Contains(t, res.AgentsUsed, "planner")
	assert.Contains(t, runner.tasks["coder"][0], "Plan:")
}

func TestSwarm_FeedbackCompression(t *testing.T) {
	longFeedback := strings.Repeat("fix the null check on line 40. ", 200)
	runner := newScriptedRunner(map[string][]string{
		"coder":    {"v1", "v2", "v3"},
		"reviewer": {longFeedback},
	})
	compressor := &stubCompressor{reply: "condensed: fix null check line 40"}
	o, _ := newTestOrchestrator(t, runner, compressor, Options{MaxIterations: 3})

	_, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, compressor.calls, 1)
	assert.Contains(t, runner.tasks["coder"][2], "condensed: fix null check")
}

func TestCompressFeedback_TruncationKeepsDirective(t *testing.T) {
	o, _ := newTestOrchestrator(t, newScriptedRunner(nil), &stubCompressor{err: errors.New("llm down")}, Options{})

	feedback := "ROUTE:security\n" + strings.Repeat("x", 4000)
	out := o.compressFeedback(context.Background(), feedback)
	assert.LessOrEqual(t, len(out), feedbackCompressLimit+len("\nROUTE:security"))
	assert.Contains(t, out, "ROUTE:security")
}

func TestCompressFeedback_TruncationKeepsLastDirective(t *testing.T) {
	o, _ := newTestOrchestrator(t, newScriptedRunner(nil), &stubCompressor{err: errors.New("llm down")}, Options{})

	feedback := "ROUTE:security\n" + strings.Repeat("x", 4000) + "\nROUTE:tester\n" + strings.Repeat("y", 4000)
	out := o.compressFeedback(context.Background(), feedback)
	assert.Contains(t, out, "ROUTE:tester")
	assert.NotContains(t, out, "ROUTE:security", "superseded directives are dropped")
}

type swarmEventLog struct {
	spawned   []string
	completed []string
	failed    []string
}

func (l *swarmEventLog) OnStart(string, string)          {}
func (l *swarmEventLog) OnChunk(string)                  {}
func (l *swarmEventLog) OnEnd()                          {}
func (l *swarmEventLog) OnThinking(string, string, bool) {}
func (l *swarmEventLog) OnAgentSpawned(role string)      { l.spawned = append(l.spawned, role) }
func (l *swarmEventLog) OnAgentCompleted(role string)    { l.completed = append(l.completed, role) }
func (l *swarmEventLog) OnAgentFailed(role string)       { l.failed = append(l.failed, role) }

func TestSwarm_SetObserverReceivesAgentEvents(t *testing.T) {
	runner := newScriptedRunner(map[string][]string{
		"coder":    {"code"},
		"reviewer": {"APPROVED"},
		"critic":   {"VALID"},
	})
	o, _ := newTestOrchestrator(t, runner, nil, Options{})

	events := &swarmEventLog{}
	o.SetObserver(events)

	_, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, []string{"coder", "reviewer", "critic"}, events.spawned)
	assert.Equal(t, []string{"coder", "reviewer", "critic"}, events.completed)
	assert.Empty(t, events.failed)
}
