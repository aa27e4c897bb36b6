package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateclaw/gateclaw/pkg/approval"
	"github.com/gateclaw/gateclaw/pkg/pipeline"
	"github.com/gateclaw/gateclaw/pkg/providers"
	"github.com/gateclaw/gateclaw/pkg/session"
	"github.com/gateclaw/gateclaw/pkg/tools"
	"github.com/gateclaw/gateclaw/pkg/trace"
)

// scriptedRouter returns canned responses in order, cycling on the last.
type scriptedRouter struct {
	mu        sync.Mutex
	responses []routerReply
	calls     []routerCall
}

type routerReply struct {
	resp *providers.LLMResponse
	err  error
}

type routerCall struct {
	messages []providers.Message
	tools    []providers.ToolDefinition
	streamed bool
}

func (s *scriptedRouter) next(messages []providers.Message, tools []providers.ToolDefinition, streamed bool) (*providers.LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.calls)
	s.calls = append(s.calls, routerCall{messages: messages, tools: tools, streamed: streamed})
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	r := s.responses[idx]
	return r.resp, r.err
}

func (s *scriptedRouter) Chat(_ context.Context, messages []providers.Message, tools []providers.ToolDefinition, _ map[string]any, onAttempt providers.AttemptFunc) (*providers.LLMResponse, string, error) {
	resp, err := s.next(messages, tools, false)
	if onAttempt != nil {
		onAttempt("stub", "stub-model", 1, err)
	}
	return resp, "stub", err
}

func (s *scriptedRouter) ChatStream(_ context.Context, messages []providers.Message, tools []providers.ToolDefinition, _ map[string]any, onAttempt providers.AttemptFunc, onDelta func(string)) (*providers.LLMResponse, string, error) {
	resp, err := s.next(messages, tools, true)
	if onAttempt != nil {
		onAttempt("stub", "stub-model", 1, err)
	}
	if err == nil && onDelta != nil {
		onDelta(resp.Content)
	}
	return resp, "stub", err
}

type recordingObserver struct {
	mu     sync.Mutex
	starts int
	chunks []string
	ends   int
}

func (r *recordingObserver) OnStart(string, string) { r.mu.Lock(); r.starts++; r.mu.Unlock() }
func (r *recordingObserver) OnChunk(c string) {
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()
}
func (r *recordingObserver) OnEnd()                          { r.mu.Lock(); r.ends++; r.mu.Unlock() }
func (r *recordingObserver) OnThinking(string, string, bool) {}
func (r *recordingObserver) OnAgentSpawned(string)           {}
func (r *recordingObserver) OnAgentCompleted(string)         {}
func (r *recordingObserver) OnAgentFailed(string)            {}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func textReply(content string) routerReply {
	return routerReply{resp: &providers.LLMResponse{Content: content, FinishReason: "stop"}}
}

func toolReply(id, name string, args map[string]any) routerReply {
	return routerReply{resp: &providers.LLMResponse{
		FinishReason: "tool_calls",
		ToolCalls:    []providers.ToolCall{{ID: id, Name: name, Arguments: args}},
	}}
}

func newTestBrain(t *testing.T, router ChatRouter, opts Options) (*Brain, *trace.Recorder, string) {
	t.Helper()
	policy := tools.NewPathPolicy(t.TempDir(), nil)
	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(policy, 0))
	registry.Register(tools.NewWriteFileTool(policy))
	broker := approval.NewBroker(approval.Options{AutoApproveSafe: true, Timeout: time.Second})
	recorder := trace.NewRecorder(trace.Options{Enabled: true, MaxTraces: 20})
	executor := tools.NewExecutor(registry, policy, broker, recorder)
	sessions := session.NewManager(session.Options{})
	return NewBrain(router, executor, sessions, recorder, opts), recorder, policy.Workspace
}

func TestBrain_PlainTextAnswer(t *testing.T) {
	router := &scriptedRouter{responses: []routerReply{textReply("the answer")}}
	brain, recorder, _ := newTestBrain(t, router, Options{})
	obs := &recordingObserver{}

	res, err := brain.RunTurn(context.Background(), "s1", "question?", nil, obs)
	require.NoError(t, err)
	assert.Equal(t, "the answer", res.Text)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 1, obs.starts)
	assert.Equal(t, []string{"the answer"}, obs.chunks)
	assert.Equal(t, 1, obs.ends)

	got, ok := recorder.Get(res.TraceID)
	require.True(t, ok)
	assert.Equal(t, trace.StatusCompleted, got.Status)
	assert.Equal(t, "the answer", got.FinalResponse)

	var kinds []trace.SpanKind
	for _, s := range got.Spans {
		kinds = append(kinds, s.Kind)
	}
	assert.Contains(t, kinds, trace.KindLLMCall)
	assert.Contains(t, kinds, trace.KindResponse)
}

func TestBrain_ToolRoundThreadsResultBack(t *testing.T) {
	router := &scriptedRouter{responses: []routerReply{
		toolReply("call_1", "read_file", nil), // args filled per test below
		textReply("file says hi"),
	}}
	brain, _, ws := newTestBrain(t, router, Options{})

	path := filepath.Join(ws, "note.txt")
	require.NoError(t, writeFile(path, "hi"))
	router.responses[0] = toolReply("call_1", "read_file", map[string]any{"path": path})

	res, err := brain.RunTurn(context.Background(), "s1", "read the note", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "file says hi", res.Text)
	assert.Equal(t, 2, res.Rounds)

	// second provider call must carry the tool result keyed by the call id
	require.Len(t, router.calls, 2)
	second := router.calls[1].messages
	var toolMsg *providers.Message
	for i := range second {
		if second[i].Role == "tool" {
			toolMsg = &second[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Equal(t, "hi", toolMsg.Content)
}

func TestBrain_ForcedFinalAfterRoundBudget(t *testing.T) {
	router := &scriptedRouter{responses: []routerReply{
		toolReply("c1", "read_file", map[string]any{"path": "/nonexistent"}),
	}}
	brain, _, _ := newTestBrain(t, router, Options{MaxToolRounds: 2})
	obs := &recordingObserver{}

	// the router keeps demanding tools; after 2 rounds the brain must
	// force a text-only turn
	router.responses = append(router.responses,
		router.responses[0], textReply("giving my best answer"))

	res, err := brain.RunTurn(context.Background(), "s1", "loop forever", nil, obs)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, "giving my best answer", res.Text)

	last := router.calls[len(router.calls)-1]
	assert.True(t, last.streamed, "forced final turn should stream")
	assert.Nil(t, last.tools, "forced final turn must disable tools")
}

func TestBrain_ProfileWithoutSandboxGetsNoTools(t *testing.T) {
	router := &scriptedRouter{responses: []routerReply{textReply("analysis")}}
	brain, _, _ := newTestBrain(t, router, Options{})

	_, err := brain.RunTurn(context.Background(), "s1", "think about it", LookupProfile("critic"), nil)
	require.NoError(t, err)
	require.Len(t, router.calls, 1)
	assert.Empty(t, router.calls[0].tools)
	assert.Equal(t, "system", router.calls[0].messages[0].Role)
}

func TestBrain_BusySessionRejected(t *testing.T) {
	router := &scriptedRouter{responses: []routerReply{textReply("ok")}}
	brain, _, _ := newTestBrain(t, router, Options{})
	require.NoError(t, brain.sessions.Begin("busy"))

	_, err := brain.RunTurn(context.Background(), "busy", "hi", nil, nil)
	assert.ErrorIs(t, err, pipeline.ErrResourceExhausted)
}

type stubSkillRouter struct {
	calls  []string
	result *tools.ToolResult
	err    error
}

func (s *stubSkillRouter) Invoke(_ context.Context, name string, _ map[string]any) (*tools.ToolResult, error) {
	s.calls = append(s.calls, name)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func TestBrain_SkillCallDispatchesToSkillRouter(t *testing.T) {
	router := &scriptedRouter{responses: []routerReply{
		toolReply("tc1", "skill_summarize", map[string]any{"text": "a long report"}),
		textReply("done"),
	}}
	skills := &stubSkillRouter{result: tools.NewToolResult("summary: short")}
	brain, recorder, _ := newTestBrain(t, router, Options{Skills: skills})

	res, err := brain.RunTurn(context.Background(), "s1", "summarize this", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, []string{"skill_summarize"}, skills.calls)

	// the skill result is threaded back like any tool result
	second := router.calls[1].messages
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "tc1", last.ToolCallID)
	assert.Contains(t, last.Content, "summary: short")
	assert.False(t, last.IsError)

	got, ok := recorder.Get(res.TraceID)
	require.True(t, ok)
	var skillSpan *trace.Span
	for i, s := range got.Spans {
		if s.Name == "skill_summarize" {
			skillSpan = &got.Spans[i]
		}
	}
	require.NotNil(t, skillSpan)
	assert.Equal(t, "skill", skillSpan.Attributes["dispatch"])
}

func TestBrain_SkillCallWithoutHostFailsSoftly(t *testing.T) {
	router := &scriptedRouter{responses: []routerReply{
		toolReply("tc1", "skill_summarize", nil),
		textReply("sorry, no can do"),
	}}
	brain, _, _ := newTestBrain(t, router, Options{})

	res, err := brain.RunTurn(context.Background(), "s1", "summarize this", nil, nil)
	require.NoError(t, err, "a missing skill host must not abort the turn")
	assert.Equal(t, "sorry, no can do", res.Text)

	second := router.calls[1].messages
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.True(t, last.IsError)
	assert.Contains(t, last.Content, "no skill host")
}

func TestBrain_DeadlineClosesTraceAsTimeout(t *testing.T) {
	router := &scriptedRouter{responses: []routerReply{{err: context.DeadlineExceeded}}}
	brain, recorder, _ := newTestBrain(t, router, Options{})

	res, err := brain.RunTurn(context.Background(), "s1", "slow", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrDeadlineExceeded)

	got, ok := recorder.Get(res.TraceID)
	require.True(t, ok)
	assert.Equal(t, trace.StatusError, got.Status)
}
