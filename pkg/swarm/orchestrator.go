// Package swarm runs a bounded loop of role-specialized agents (coder,
// reviewer, critic, plus optional specialists) until the produced code
// passes review or the iteration budget runs out.
package swarm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gateclaw/gateclaw/pkg/agent"
	"github.com/gateclaw/gateclaw/pkg/logger"
	"github.com/gateclaw/gateclaw/pkg/providers"
	"github.com/gateclaw/gateclaw/pkg/trace"
)

const (
	defaultMaxIterations  = 3
	defaultRunTimeout     = 600 * time.Second
	feedbackCompressLimit = 3000
	compressTemperature   = 0.2
)

// Status is a terminal swarm state.
type Status string

const (
	StatusApproved  Status = "approved"
	StatusExhausted Status = "exhausted"
	StatusError     Status = "error"
)

var routeDirective = regexp.MustCompile(`ROUTE:(security|tester)`)

// TurnRunner runs one agent turn; the Brain satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, userMessage string, profile *agent.Profile, observer agent.Observer) (*agent.TurnResult, error)
}

// Compressor summarizes oversized feedback; the provider router
// satisfies it.
type Compressor interface {
	Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, options map[string]any, onAttempt providers.AttemptFunc) (*providers.LLMResponse, string, error)
}

// Result is the outcome of one swarm run.
type Result struct {
	RunID         string   `json:"run_id"`
	Status        Status   `json:"status"`
	Code          string   `json:"code"`
	Review        string   `json:"review"`
	CriticVerdict string   `json:"critic_verdict,omitempty"`
	Warning       string   `json:"warning,omitempty"`
	Iterations    int      `json:"iterations"`
	AgentsUsed    []string `json:"agents_used"`
	TraceID       string   `json:"trace_id"`
}

type Options struct {
	MaxIterations int
	RunTimeout    time.Duration
	UsePlanner    bool
}

// Orchestrator owns the coder-reviewer-critic loop.
type Orchestrator struct {
	runner     TurnRunner
	compressor Compressor
	recorder   *trace.Recorder
	observer   agent.Observer
	opts       Options

	hints chan string
}

func NewOrchestrator(runner TurnRunner, compressor Compressor, recorder *trace.Recorder, observer agent.Observer, opts Options) *Orchestrator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	if observer == nil {
		observer = agent.NopObserver{}
	}
	return &Orchestrator{
		runner:     runner,
		compressor: compressor,
		recorder:   recorder,
		observer:   observer,
		opts:       opts,
		hints:      make(chan string, 8),
	}
}

// SetObserver replaces the event sink. The gateway hub is constructed
// after the orchestrator, so it attaches itself through here before any
// run starts.
func (o *Orchestrator) SetObserver(observer agent.Observer) {
	if observer == nil {
		observer = agent.NopObserver{}
	}
	o.observer = observer
}

// Hint queues a human message; the next coder iteration sees it as an
// urgent block. Dropped when the queue is full.
func (o *Orchestrator) Hint(text string) {
	select {
	case o.hints <- text:
	default:
		logger.WarnC("swarm", "hint queue full, dropping hint")
	}
}

// Run executes the swarm loop for a task.
func (o *Orchestrator) Run(ctx context.Context, task string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.RunTimeout)
	defer cancel()

	runID := "swarm_" + uuid.NewString()[:8]
	traceID := o.recorder.StartTrace(task, runID)
	result := &Result{RunID: runID, Status: StatusError, TraceID: traceID}

	if o.opts.UsePlanner {
		plan, err := o.runPhase(ctx, traceID, runID, "planner", task, 0)
		if err == nil && plan != "" {
			task = "Plan:\n" + plan + "\n\nOriginal task:\n" + task
			result.AgentsUsed = append(result.AgentsUsed, "planner")
		}
	}

	var code, feedback string
	for iteration := 1; iteration <= o.opts.MaxIterations; iteration++ {
		result.Iterations = iteration

		coderTask := o.coderTask(task, code, feedback, iteration)
		out, err := o.runPhase(ctx, traceID, runID, "coder", coderTask, iteration)
		if err != nil {
			return o.finish(result, traceID, StatusError, code, feedback, err)
		}
		code = out
		result.Code = code
		result.AgentsUsed = appendUnique(result.AgentsUsed, "coder")

		review, err := o.runPhase(ctx, traceID, runID, "reviewer", o.reviewTask(task, code), iteration)
		if err != nil {
			return o.finish(result, traceID, StatusError, code, feedback, err)
		}
		result.Review = review
		result.AgentsUsed = appendUnique(result.AgentsUsed, "reviewer")

		if strings.Contains(strings.ToUpper(review), "APPROVED") {
			o.criticPhase(ctx, traceID, runID, task, code, result, iteration)
			return o.finish(result, traceID, StatusApproved, code, feedback, nil)
		}

		if m := routeDirective.FindStringSubmatch(review); m != nil {
			specialist := m[1]
			report, err := o.runPhase(ctx, traceID, runID, specialist, o.specialistTask(task, code, review), iteration)
			if err == nil {
				feedback += fmt.Sprintf("\n[%s report, iteration %d]\n%s\n", specialist, iteration, report)
				result.AgentsUsed = appendUnique(result.AgentsUsed, specialist)
			}
		} else {
			feedback += fmt.Sprintf("\n[reviewer feedback, iteration %d]\n%s\n", iteration, review)
		}

		if iteration >= 2 && len(feedback) > feedbackCompressLimit {
			feedback = o.compressFeedback(ctx, feedback)
		}
	}

	result.Warning = "iteration budget exhausted without reviewer approval"
	return o.finish(result, traceID, StatusExhausted, code, feedback, nil)
}

func (o *Orchestrator) coderTask(task, code, feedback string, iteration int) string {
	var hint string
	select {
	case h := <-o.hints:
		hint = "[URGENT USER MESSAGE]\n" + h + "\n\n"
	default:
	}

	if code == "" && feedback == "" {
		return hint + task
	}
	return fmt.Sprintf("%sOriginal task:\n%s\n\nPrevious code:\n```\n%s\n```\n\nAccumulated feedback (iteration %d):\n%s\n\nFix the code addressing EVERY point raised.",
		hint, task, code, iteration, feedback)
}

func (o *Orchestrator) reviewTask(task, code string) string {
	return fmt.Sprintf("Review this code written for the task below.\nTask: %s\n\nCode:\n```\n%s\n```\n\nList every problem found. If the code is acceptable, respond exactly: APPROVED. You may add one ROUTE:security or ROUTE:tester directive to request a specialist pass.",
		truncateHead(task, 500), code)
}

func (o *Orchestrator) specialistTask(task, code, review string) string {
	return fmt.Sprintf("The reviewer requested your pass on this code.\nTask: %s\n\nReviewer notes:\n%s\n\nCode:\n```\n%s\n```",
		truncateHead(task, 500), review, code)
}

func (o *Orchestrator) criticPhase(ctx context.Context, traceID, runID, task, code string, result *Result, iteration int) {
	verdict, err := o.runPhase(ctx, traceID, runID, "critic",
		fmt.Sprintf("Task: %s\n\nApproved artifact:\n```\n%s\n```", truncateHead(task, 500), code), iteration)
	if err != nil {
		return
	}
	result.CriticVerdict = verdict
	result.AgentsUsed = appendUnique(result.AgentsUsed, "critic")

	trimmed := strings.TrimSpace(verdict)
	if reason, ok := strings.CutPrefix(trimmed, "REJECTED:"); ok {
		// the critic annotates, it does not reopen the loop
		result.Warning = "critic rejected the artifact: " + strings.TrimSpace(firstLine(reason))
	}
}

// runPhase spawns one role agent under a delegation span.
func (o *Orchestrator) runPhase(ctx context.Context, traceID, runID, role, task string, iteration int) (string, error) {
	profile := agent.LookupProfile(role)
	if profile == nil {
		return "", fmt.Errorf("unknown agent role: %s", role)
	}

	spanID := o.recorder.StartSpan(traceID, trace.KindDelegation, "delegation "+role, "")
	o.observer.OnAgentSpawned(role)

	sessionID := fmt.Sprintf("%s_%s_%d", runID, role, iteration)
	turn, err := o.runner.RunTurn(ctx, sessionID, task, profile, agent.NopObserver{})
	attrs := map[string]string{"role": role, "iteration": strconv.Itoa(iteration)}
	if err != nil {
		o.observer.OnAgentFailed(role)
		attrs["error"] = err.Error()
		o.recorder.EndSpan(spanID, trace.StatusError, attrs)
		return "", err
	}
	o.observer.OnAgentCompleted(role)
	attrs["agent_trace"] = turn.TraceID
	o.recorder.EndSpan(spanID, trace.StatusOK, attrs)
	return turn.Text, nil
}

// compressFeedback summarizes oversized feedback with one low-temperature
// call; on failure it truncates keeping the last directive.
func (o *Orchestrator) compressFeedback(ctx context.Context, feedback string) string {
	if o.compressor != nil {
		resp, _, err := o.compressor.Chat(ctx,
			[]providers.Message{
				{Role: "system", Content: "Compress review feedback. Keep every concrete action item and directive; drop prose."},
				{Role: "user", Content: feedback},
			},
			nil,
			map[string]any{"temperature": compressTemperature},
			nil,
		)
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return resp.Content
		}
		if err != nil {
			logger.WarnCF("swarm", "feedback compression failed, truncating", map[string]any{"error": err.Error()})
		}
	}

	var directive string
	if all := routeDirective.FindAllString(feedback, -1); len(all) > 0 {
		directive = all[len(all)-1]
	}
	truncated := feedback[len(feedback)-feedbackCompressLimit:]
	if directive != "" && !strings.Contains(truncated, directive) {
		truncated += "\n" + directive
	}
	return truncated
}

func (o *Orchestrator) finish(result *Result, traceID string, status Status, code, feedback string, err error) (*Result, error) {
	result.Status = status
	result.Code = code
	if err != nil {
		o.recorder.EndTrace(traceID, "", trace.StatusError)
		return result, err
	}
	traceStatus := trace.StatusCompleted
	if status == StatusError {
		traceStatus = trace.StatusError
	}
	o.recorder.EndTrace(traceID, code, traceStatus)
	return result, nil
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}

func truncateHead(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
