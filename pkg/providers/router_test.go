package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/gateclaw/gateclaw/pkg/pipeline"
)

// stubProvider returns scripted results in order, cycling on the last one.
type stubProvider struct {
	responses []stubResponse
	calls     int
}

type stubResponse struct {
	resp *LLMResponse
	err  error
}

func (s *stubProvider) Chat(_ context.Context, _ []Message, _ []ToolDefinition, _ string, _ map[string]any) (*LLMResponse, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	r := s.responses[idx]
	return r.resp, r.err
}

func (s *stubProvider) GetDefaultModel() string { return "stub-model" }

func transientErr(msg string) error {
	return fmt.Errorf("%w: %s", pipeline.ErrProviderTransient, msg)
}

func okResponse(content string) stubResponse {
	return stubResponse{resp: &LLMResponse{Content: content, FinishReason: "stop"}}
}

func newEndpoint(name, kind string, p Provider) *Endpoint {
	return &Endpoint{Name: name, Kind: kind, Model: "m", Provider: p}
}

func TestRouter_FailoverToSecondEndpoint(t *testing.T) {
	primary := &stubProvider{responses: []stubResponse{{err: transientErr("overloaded")}}}
	fallback := &stubProvider{responses: []stubResponse{okResponse("from fallback")}}

	r := NewRouter(
		newEndpoint("main", "anthropic", primary),
		newEndpoint("backup", "openai-compatible", fallback),
	)

	var attempts []string
	resp, used, err := r.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, nil,
		func(endpoint, model string, durationMS float64, err error) {
			attempts = append(attempts, endpoint)
		})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content)
	assert.Equal(t, "backup", used)
	// one attempt per endpoint, primary first by priority
	assert.Equal(t, []string{"main", "backup"}, attempts)
}

func TestRouter_PriorityOrdersHealthyEndpoints(t *testing.T) {
	anthropicEP := &stubProvider{responses: []stubResponse{okResponse("a")}}
	ollamaEP := &stubProvider{responses: []stubResponse{okResponse("o")}}

	r := NewRouter(
		newEndpoint("local", "ollama", ollamaEP),
		newEndpoint("cloud", "anthropic", anthropicEP),
	)

	_, used, err := r.Chat(context.Background(), nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "cloud", used)
	assert.Equal(t, 0, ollamaEP.calls)
}

func TestRouter_FatalErrorStopsFailover(t *testing.T) {
	badKey := errors.New("invalid api key")
	primary := &stubProvider{responses: []stubResponse{{err: badKey}}}
	fallback := &stubProvider{responses: []stubResponse{okResponse("never")}}

	r := NewRouter(
		newEndpoint("main", "anthropic", primary),
		newEndpoint("backup", "ollama", fallback),
	)

	_, _, err := r.Chat(context.Background(), nil, nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, badKey)
	assert.NotErrorIs(t, err, pipeline.ErrProviderUnavailable)
	assert.Equal(t, 0, fallback.calls, "fatal errors must not fail over")
}

func TestRouter_AllTransientFailuresExhaust(t *testing.T) {
	a := &stubProvider{responses: []stubResponse{{err: transientErr("down")}}}
	b := &stubProvider{responses: []stubResponse{{err: transientErr("also down")}}}

	r := NewRouter(
		newEndpoint("a", "anthropic", a),
		newEndpoint("b", "ollama", b),
	)

	_, _, err := r.Chat(context.Background(), nil, nil, nil, nil)
	assert.ErrorIs(t, err, pipeline.ErrProviderUnavailable)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestRouter_CircuitSkipsFailedEndpoint(t *testing.T) {
	flaky := &stubProvider{responses: []stubResponse{{err: transientErr("boom")}, okResponse("recovered")}}
	steady := &stubProvider{responses: []stubResponse{okResponse("steady")}}

	r := NewRouter(
		newEndpoint("flaky", "anthropic", flaky),
		newEndpoint("steady", "ollama", steady),
	)

	_, used, err := r.Chat(context.Background(), nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "steady", used)

	// circuit now open on flaky: next call goes straight to steady
	_, used, err = r.Chat(context.Background(), nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "steady", used)
	assert.Equal(t, 1, flaky.calls)

	for _, s := range r.Stats() {
		if s.Name == "flaky" {
			assert.True(t, s.CircuitOpen)
			assert.Equal(t, 1, s.ConsecutiveFails)
			assert.Contains(t, s.LastError, "boom")
		}
	}
}

func TestRouter_SuccessResetsHealth(t *testing.T) {
	p := &stubProvider{responses: []stubResponse{okResponse("ok")}}
	ep := newEndpoint("only", "anthropic", p)
	ep.recordFailure(transientErr("blip"))
	ep.circuitOpenUntil = time.Time{} // force the circuit shut for the test

	r := NewRouter(ep)
	_, _, err := r.Chat(context.Background(), nil, nil, nil, nil)
	require.NoError(t, err)

	s := r.Stats()[0]
	assert.Equal(t, 0, s.ConsecutiveFails)
	assert.False(t, s.CircuitOpen)
	assert.Empty(t, s.LastError)
	assert.Greater(t, s.Score, float64(0))
}

func TestRouter_RateLimitedEndpointSkipped(t *testing.T) {
	limited := &stubProvider{responses: []stubResponse{okResponse("limited")}}
	open := &stubProvider{responses: []stubResponse{okResponse("open")}}

	epLimited := newEndpoint("limited", "anthropic", limited)
	epLimited.limiter = rate.NewLimiter(rate.Limit(0.001), 1)
	epLimited.limiter.Allow() // drain the burst

	r := NewRouter(epLimited, newEndpoint("open", "ollama", open))

	_, used, err := r.Chat(context.Background(), nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "open", used)
	assert.Equal(t, 0, limited.calls)
}

func TestRouter_NoCandidatesAvailable(t *testing.T) {
	p := &stubProvider{responses: []stubResponse{okResponse("never")}}
	ep := newEndpoint("only", "anthropic", p)
	ep.circuitOpenUntil = time.Now().Add(time.Minute)

	r := NewRouter(ep)
	_, _, err := r.Chat(context.Background(), nil, nil, nil, nil)
	assert.ErrorIs(t, err, pipeline.ErrProviderUnavailable)
	assert.Equal(t, 0, p.calls)
}

func TestRouter_BackoffGrowsAndCaps(t *testing.T) {
	ep := newEndpoint("e", "anthropic", nil)
	var prev time.Duration
	for i := 0; i < 10; i++ {
		ep.recordFailure(transientErr("x"))
		wait := time.Until(ep.circuitOpenUntil)
		if i > 0 && i <= maxBackoffExp {
			assert.Greater(t, wait, prev-baseBackoff, "backoff should grow until the cap")
		}
		assert.LessOrEqual(t, wait, maxBackoff+baseBackoff)
		prev = wait
	}
}

func TestClassifyError(t *testing.T) {
	assert.NoError(t, ClassifyError(nil))

	deadline := ClassifyError(context.DeadlineExceeded)
	assert.ErrorIs(t, deadline, pipeline.ErrDeadlineExceeded)
	assert.True(t, IsTransient(deadline))

	canceled := ClassifyError(context.Canceled)
	assert.ErrorIs(t, canceled, context.Canceled)
	assert.False(t, IsTransient(canceled))

	fatal := ClassifyError(errors.New("model not found"))
	assert.False(t, IsTransient(fatal))
}

func TestNewFromConfigRejectsEmpty(t *testing.T) {
	_, err := NewFromConfig(nil)
	assert.Error(t, err)
}
