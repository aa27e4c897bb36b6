// Package agent implements the single-turn orchestrator (Brain) and the
// fixed role profiles used by swarm runs.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gateclaw/gateclaw/pkg/logger"
	"github.com/gateclaw/gateclaw/pkg/pipeline"
	"github.com/gateclaw/gateclaw/pkg/providers"
	"github.com/gateclaw/gateclaw/pkg/session"
	"github.com/gateclaw/gateclaw/pkg/tools"
	"github.com/gateclaw/gateclaw/pkg/trace"
)

const (
	defaultMaxToolRounds = 8
	defaultTurnTimeout   = 120 * time.Second
	skillPrefix          = "skill_"
)

// ChatRouter is the provider-facing surface the Brain needs; the
// provider router satisfies it.
type ChatRouter interface {
	Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, options map[string]any, onAttempt providers.AttemptFunc) (*providers.LLMResponse, string, error)
	ChatStream(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, options map[string]any, onAttempt providers.AttemptFunc, onDelta func(delta string)) (*providers.LLMResponse, string, error)
}

// SkillRouter handles tool calls prefixed skill_, which are served by an
// external skill host rather than the local executor.
type SkillRouter interface {
	Invoke(ctx context.Context, name string, args map[string]any) (*tools.ToolResult, error)
}

type Options struct {
	MaxToolRounds int
	TurnTimeout   time.Duration
	// SerializeBusySessions queues a turn behind an in-flight one on the
	// same session instead of rejecting it.
	SerializeBusySessions bool
	// Skills dispatches skill_ prefixed calls; without one they fail
	// softly with an error result.
	Skills SkillRouter
}

// Brain runs one conversational turn: model call, tool dispatch, repeat,
// until the model answers in plain text or the round budget runs out.
type Brain struct {
	router   ChatRouter
	executor *tools.Executor
	sessions *session.Manager
	recorder *trace.Recorder
	opts     Options
}

func NewBrain(router ChatRouter, executor *tools.Executor, sessions *session.Manager, recorder *trace.Recorder, opts Options) *Brain {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = defaultMaxToolRounds
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = defaultTurnTimeout
	}
	return &Brain{router: router, executor: executor, sessions: sessions, recorder: recorder, opts: opts}
}

// TurnResult carries the final text plus the trace it was recorded under.
type TurnResult struct {
	Text    string
	TraceID string
	Rounds  int
}

// RunTurn executes one user turn on a session. The observer receives
// start/chunk/end events; pass nil to discard them.
func (b *Brain) RunTurn(ctx context.Context, sessionID, userMessage string, profile *Profile, observer Observer) (*TurnResult, error) {
	if observer == nil {
		observer = NopObserver{}
	}
	if b.opts.SerializeBusySessions {
		if err := b.sessions.BeginWait(ctx, sessionID); err != nil {
			return nil, err
		}
	} else if err := b.sessions.Begin(sessionID); err != nil {
		return nil, err
	}
	defer b.sessions.End(sessionID)

	ctx, cancel := context.WithTimeout(ctx, b.opts.TurnTimeout)
	defer cancel()

	traceID := b.recorder.StartTrace(userMessage, sessionID)
	observer.OnStart(sessionID, traceID)
	defer observer.OnEnd()

	b.sessions.Append(sessionID, providers.Message{Role: "user", Content: userMessage})

	messages := b.composeMessages(sessionID, profile)
	toolDefs := b.toolCatalogue(profile)
	options := map[string]any{}
	if profile != nil {
		if profile.Temperature > 0 {
			options["temperature"] = profile.Temperature
		}
		if profile.MaxTokens > 0 {
			options["max_tokens"] = profile.MaxTokens
		}
	}

	result := &TurnResult{TraceID: traceID}
	for round := 0; ; round++ {
		forced := round >= b.opts.MaxToolRounds
		callTools := toolDefs
		if forced {
			callTools = nil
		}
		result.Rounds = round + 1

		var resp *providers.LLMResponse
		var err error
		if forced || len(callTools) == 0 {
			// no tool use possible, stream the answer live
			respSpan := b.recorder.StartSpan(traceID, trace.KindResponse, "response", "")
			resp, _, err = b.router.ChatStream(ctx, messages, nil, options, b.attemptRecorder(traceID),
				func(delta string) {
					observer.OnChunk(delta)
					b.recorder.RecordEvent(respSpan, "chunk", delta)
				})
			if err != nil {
				b.recorder.EndSpan(respSpan, trace.StatusError, nil)
				return result, b.failTurn(traceID, err)
			}
			result.Text = resp.Content
			b.recorder.EndSpan(respSpan, trace.StatusOK, map[string]string{
				"length": strconv.Itoa(len(resp.Content)),
			})
			break
		}

		resp, _, err = b.router.Chat(ctx, messages, callTools, options, b.attemptRecorder(traceID))
		if err != nil {
			return result, b.failTurn(traceID, err)
		}

		if len(resp.ToolCalls) == 0 {
			result.Text = resp.Content
			observer.OnChunk(resp.Content)
			respSpan := b.recorder.StartSpan(traceID, trace.KindResponse, "response", "")
			b.recorder.RecordEvent(respSpan, "chunk", resp.Content)
			b.recorder.EndSpan(respSpan, trace.StatusOK, map[string]string{
				"length": strconv.Itoa(len(resp.Content)),
			})
			break
		}

		assistant := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistant)
		b.sessions.Append(sessionID, assistant)

		// sequential dispatch: each result must be threaded back before
		// the next model call
		for _, tc := range resp.ToolCalls {
			var toolResult *tools.ToolResult
			if strings.HasPrefix(tc.Name, skillPrefix) {
				toolResult = b.dispatchSkill(ctx, traceID, tc.Name, tc.Arguments)
			} else {
				toolResult = b.executor.Execute(ctx, traceID, tc.Name, tc.Arguments)
			}
			toolMsg := providers.Message{Role: "tool", Content: toolResult.ForLLM, ToolCallID: tc.ID, IsError: toolResult.IsError}
			messages = append(messages, toolMsg)
			b.sessions.Append(sessionID, toolMsg)
		}
	}

	final := providers.Message{Role: "assistant", Content: result.Text}
	b.sessions.Append(sessionID, final)
	b.recorder.EndTrace(traceID, result.Text, trace.StatusCompleted)
	return result, nil
}

func (b *Brain) composeMessages(sessionID string, profile *Profile) []providers.Message {
	var messages []providers.Message
	if profile != nil && profile.SystemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: profile.SystemPrompt})
	}
	for _, msg := range b.sessions.History(sessionID) {
		if msg.Role == "system" && len(messages) > 0 {
			continue // profile prompt wins over persisted system messages
		}
		messages = append(messages, msg)
	}
	return messages
}

// toolCatalogue intersects the registry with the profile's allowlist.
// A profile without sandbox access gets no tools at all.
func (b *Brain) toolCatalogue(profile *Profile) []providers.ToolDefinition {
	var allowed []string
	if profile != nil {
		if profile.SandboxAccess == SandboxNone || len(profile.AllowedTools) == 0 {
			return nil
		}
		allowed = profile.AllowedTools
	}
	defs := b.executor.Registry().Definitions(allowed)
	out := make([]providers.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, providers.NewToolDefinition(d.Name, d.Description, d.Parameters))
	}
	return out
}

// dispatchSkill hands a skill_ call to the external skill host, recording
// it like any other tool execution.
func (b *Brain) dispatchSkill(ctx context.Context, traceID, name string, args map[string]any) *tools.ToolResult {
	spanID := b.recorder.StartSpan(traceID, trace.KindToolExec, name, "")

	var result *tools.ToolResult
	if b.opts.Skills == nil {
		result = tools.ErrorResult("no skill host is configured")
	} else if res, err := b.opts.Skills.Invoke(ctx, name, args); err != nil {
		result = tools.ErrorResult("skill invocation failed: " + err.Error())
	} else if res == nil {
		result = tools.ErrorResult("skill host returned no result")
	} else {
		result = res
	}

	attrs := map[string]string{"tool": name, "dispatch": "skill"}
	status := trace.StatusOK
	if result.IsError {
		attrs["error.kind"] = result.ErrorKind
		status = trace.StatusError
	}
	b.recorder.EndSpan(spanID, status, attrs)
	return result
}

// attemptRecorder emits one llm_call span per endpoint attempt.
func (b *Brain) attemptRecorder(traceID string) providers.AttemptFunc {
	return func(endpoint, model string, durationMS float64, err error) {
		spanID := b.recorder.StartSpan(traceID, trace.KindLLMCall, "llm_call "+endpoint, "")
		attrs := map[string]string{
			"endpoint":    endpoint,
			"model":       model,
			"duration_ms": strconv.FormatFloat(durationMS, 'f', 1, 64),
		}
		status := trace.StatusOK
		if err != nil {
			status = trace.StatusError
			attrs["error.kind"] = pipeline.Kind(err)
		}
		b.recorder.EndSpan(spanID, status, attrs)
	}
}

// failTurn closes the trace according to the failure class and returns
// an error safe to surface.
func (b *Brain) failTurn(traceID string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pipeline.ErrDeadlineExceeded):
		b.recorder.EndTrace(traceID, "", trace.StatusTimeout)
		return fmt.Errorf("%w: turn aborted", pipeline.ErrDeadlineExceeded)
	case errors.Is(err, context.Canceled):
		b.recorder.EndTrace(traceID, "", trace.StatusTimeout)
		return err
	default:
		logger.ErrorCF("agent", "turn failed", map[string]any{"trace": traceID, "error": err.Error()})
		b.recorder.EndTrace(traceID, "", trace.StatusError)
		return err
	}
}
