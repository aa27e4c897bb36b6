package providers

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gateclaw/gateclaw/pkg/config"
	"github.com/gateclaw/gateclaw/pkg/logger"
	"github.com/gateclaw/gateclaw/pkg/pipeline"
	"github.com/gateclaw/gateclaw/pkg/providers/anthropic"
	"github.com/gateclaw/gateclaw/pkg/providers/openai"
)

const (
	latencyWeight  = 0.05 // score points lost per ms of EWMA latency
	failureWeight  = 25.0 // score points lost per consecutive failure
	ewmaAlpha      = 0.3
	baseBackoff    = time.Second
	maxBackoff     = 60 * time.Second
	maxBackoffExp  = 6
	defaultWarmRPS = 10
)

func basePriority(kind string) float64 {
	switch kind {
	case "anthropic":
		return 300
	case "openai-compatible", "openai":
		return 200
	case "ollama":
		return 100
	default:
		return 50
	}
}

// Endpoint is one health-tracked backend the router can pick.
type Endpoint struct {
	Name     string
	Kind     string
	Model    string
	Provider Provider

	limiter *rate.Limiter

	mu               sync.Mutex
	ewmaLatencyMS    float64
	consecutiveFails int
	totalRequests    int64
	totalFailures    int64
	circuitOpenUntil time.Time
	lastError        string
}

// EndpointStats is a point-in-time health snapshot.
type EndpointStats struct {
	Name             string  `json:"name"`
	Kind             string  `json:"kind"`
	Model            string  `json:"model"`
	Score            float64 `json:"score"`
	EWMALatencyMS    float64 `json:"ewma_latency_ms"`
	ConsecutiveFails int     `json:"consecutive_fails"`
	TotalRequests    int64   `json:"total_requests"`
	TotalFailures    int64   `json:"total_failures"`
	CircuitOpen      bool    `json:"circuit_open"`
	LastError        string  `json:"last_error,omitempty"`
}

func (e *Endpoint) score() float64 {
	return basePriority(e.Kind) - latencyWeight*e.ewmaLatencyMS - failureWeight*float64(e.consecutiveFails)
}

func (e *Endpoint) available(now time.Time) bool {
	return now.After(e.circuitOpenUntil)
}

func (e *Endpoint) recordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms := float64(latency.Milliseconds())
	if e.ewmaLatencyMS == 0 {
		e.ewmaLatencyMS = ms
	} else {
		e.ewmaLatencyMS = ewmaAlpha*ms + (1-ewmaAlpha)*e.ewmaLatencyMS
	}
	e.consecutiveFails = 0
	e.totalRequests++
	e.circuitOpenUntil = time.Time{}
	e.lastError = ""
}

func (e *Endpoint) recordFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFails++
	e.totalRequests++
	e.totalFailures++
	e.lastError = err.Error()

	exp := e.consecutiveFails
	if exp > maxBackoffExp {
		exp = maxBackoffExp
	}
	backoff := baseBackoff * time.Duration(math.Pow(2, float64(exp)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(baseBackoff)))
	e.circuitOpenUntil = time.Now().Add(backoff + jitter)
}

// AttemptFunc observes each endpoint attempt, successful or not. Callers
// use it to record one llm_call span per attempt.
type AttemptFunc func(endpoint, model string, durationMS float64, err error)

// Router fails over between endpoints ordered by health score.
type Router struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
}

func NewRouter(endpoints ...*Endpoint) *Router {
	return &Router{endpoints: endpoints}
}

// NewFromConfig builds a router from the configured provider list.
// Disabled entries are skipped; unknown kinds fall back to the
// chat-completions client.
func NewFromConfig(cfgs []config.ProviderConfig) (*Router, error) {
	var endpoints []*Endpoint
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		var p Provider
		switch c.Kind {
		case "anthropic":
			p = anthropic.NewProvider(c.APIKey, c.BaseURL)
		case "openai-compatible", "openai", "ollama", "custom":
			p = openai.NewProvider(c.APIKey, c.BaseURL, c.Model)
		default:
			logger.WarnCF("providers", "unknown provider kind, using chat-completions client",
				map[string]any{"name": c.Name, "kind": c.Kind})
			p = openai.NewProvider(c.APIKey, c.BaseURL, c.Model)
		}
		rps := c.RPS
		if rps <= 0 {
			rps = defaultWarmRPS
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		model := c.Model
		if model == "" {
			model = p.GetDefaultModel()
		}
		endpoints = append(endpoints, &Endpoint{
			Name:     c.Name,
			Kind:     c.Kind,
			Model:    model,
			Provider: p,
			limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		})
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no enabled providers configured")
	}
	return &Router{endpoints: endpoints}, nil
}

// Chat tries endpoints from best to worst score until one succeeds.
// Transient failures open the endpoint's circuit and move on; fatal
// failures return immediately. With every endpoint down or rate limited
// the error is ErrProviderUnavailable.
func (r *Router) Chat(
	ctx context.Context,
	messages []Message,
	tools []ToolDefinition,
	options map[string]any,
	onAttempt AttemptFunc,
) (*LLMResponse, string, error) {
	candidates := r.ranked()
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("%w: no endpoints configured", pipeline.ErrProviderUnavailable)
	}

	now := time.Now()
	attempted := 0
	var lastErr error
	for _, ep := range candidates {
		ep.mu.Lock()
		open := !ep.available(now)
		ep.mu.Unlock()
		if open {
			continue
		}
		if ep.limiter != nil && !ep.limiter.Allow() {
			continue
		}
		attempted++

		start := time.Now()
		resp, err := ep.Provider.Chat(ctx, messages, tools, ep.Model, options)
		elapsed := time.Since(start)
		if err != nil {
			err = ClassifyError(err)
		}
		if onAttempt != nil {
			onAttempt(ep.Name, ep.Model, float64(elapsed.Milliseconds()), err)
		}
		if err == nil {
			ep.recordSuccess(elapsed)
			return resp, ep.Name, nil
		}

		ep.recordFailure(err)
		lastErr = err
		if ctx.Err() != nil {
			return nil, ep.Name, err
		}
		if !IsTransient(err) {
			return nil, ep.Name, err
		}
		logger.WarnCF("providers", "endpoint failed, trying next", map[string]any{
			"endpoint": ep.Name, "error": err.Error(),
		})
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: all %d attempted endpoints failed: %w",
			pipeline.ErrProviderUnavailable, attempted, lastErr)
	}
	return nil, "", fmt.Errorf("%w: all endpoints circuit-open or rate limited",
		pipeline.ErrProviderUnavailable)
}

// ChatStream behaves like Chat but streams deltas when the selected
// endpoint supports it.
func (r *Router) ChatStream(
	ctx context.Context,
	messages []Message,
	tools []ToolDefinition,
	options map[string]any,
	onAttempt AttemptFunc,
	onDelta func(delta string),
) (*LLMResponse, string, error) {
	candidates := r.ranked()
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("%w: no endpoints configured", pipeline.ErrProviderUnavailable)
	}

	now := time.Now()
	attempted := 0
	var lastErr error
	for _, ep := range candidates {
		ep.mu.Lock()
		open := !ep.available(now)
		ep.mu.Unlock()
		if open {
			continue
		}
		if ep.limiter != nil && !ep.limiter.Allow() {
			continue
		}
		attempted++

		start := time.Now()
		var resp *LLMResponse
		var err error
		if sp, ok := ep.Provider.(StreamingProvider); ok && onDelta != nil {
			resp, err = sp.ChatStream(ctx, messages, tools, ep.Model, options, onDelta)
		} else {
			resp, err = ep.Provider.Chat(ctx, messages, tools, ep.Model, options)
			if err == nil && onDelta != nil && resp.Content != "" {
				onDelta(resp.Content)
			}
		}
		elapsed := time.Since(start)
		if err != nil {
			err = ClassifyError(err)
		}
		if onAttempt != nil {
			onAttempt(ep.Name, ep.Model, float64(elapsed.Milliseconds()), err)
		}
		if err == nil {
			ep.recordSuccess(elapsed)
			return resp, ep.Name, nil
		}

		ep.recordFailure(err)
		lastErr = err
		if ctx.Err() != nil {
			return nil, ep.Name, err
		}
		if !IsTransient(err) {
			return nil, ep.Name, err
		}
		logger.WarnCF("providers", "endpoint failed, trying next", map[string]any{
			"endpoint": ep.Name, "error": err.Error(),
		})
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: all %d attempted endpoints failed: %w",
			pipeline.ErrProviderUnavailable, attempted, lastErr)
	}
	return nil, "", fmt.Errorf("%w: all endpoints circuit-open or rate limited",
		pipeline.ErrProviderUnavailable)
}

// ranked returns endpoints sorted best score first.
func (r *Router) ranked() []*Endpoint {
	r.mu.RLock()
	candidates := make([]*Endpoint, len(r.endpoints))
	copy(candidates, r.endpoints)
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		candidates[i].mu.Lock()
		si := candidates[i].score()
		candidates[i].mu.Unlock()
		candidates[j].mu.Lock()
		sj := candidates[j].score()
		candidates[j].mu.Unlock()
		return si > sj
	})
	return candidates
}

// Stats snapshots every endpoint's health.
func (r *Router) Stats() []EndpointStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	stats := make([]EndpointStats, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		ep.mu.Lock()
		stats = append(stats, EndpointStats{
			Name:             ep.Name,
			Kind:             ep.Kind,
			Model:            ep.Model,
			Score:            ep.score(),
			EWMALatencyMS:    ep.ewmaLatencyMS,
			ConsecutiveFails: ep.consecutiveFails,
			TotalRequests:    ep.totalRequests,
			TotalFailures:    ep.totalFailures,
			CircuitOpen:      !ep.available(now),
			LastError:        ep.lastError,
		})
		ep.mu.Unlock()
	}
	return stats
}
