package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gateclaw/gateclaw/pkg/approval"
	"github.com/gateclaw/gateclaw/pkg/logger"
	"github.com/gateclaw/gateclaw/pkg/trace"
)

// Executor runs registered tools with path-policy enforcement, approval
// gating, and span recording. It is the only way the rest of the pipeline
// invokes tools.
type Executor struct {
	registry *Registry
	policy   *PathPolicy
	broker   *approval.Broker
	recorder *trace.Recorder
}

// NewExecutor wires the executor to its collaborators.
func NewExecutor(registry *Registry, policy *PathPolicy, broker *approval.Broker, recorder *trace.Recorder) *Executor {
	return &Executor{
		registry: registry,
		policy:   policy,
		broker:   broker,
		recorder: recorder,
	}
}

// Registry exposes the underlying tool table.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs one tool call end to end: canonicalize and police path
// arguments, obtain approval, run the handler, and record a span. Denials
// and policy rejections come back as synthetic results so the turn loop
// can continue.
func (e *Executor) Execute(ctx context.Context, traceID, name string, args map[string]any) *ToolResult {
	server := e.registry.Server(name)

	kind := trace.KindToolExec
	if server != "builtin" {
		kind = trace.KindMCPCall
	}
	spanID := e.recorder.StartSpan(traceID, kind, name, "")
	start := time.Now()

	result := e.execute(ctx, traceID, spanID, name, server, args)

	attrs := map[string]string{
		"tool":        name,
		"arg_digest":  argDigest(args),
		"duration_ms": fmt.Sprintf("%.2f", float64(time.Since(start))/float64(time.Millisecond)),
	}
	status := trace.StatusOK
	if result.IsError {
		attrs["outcome"] = result.ErrorKind
		attrs["error.kind"] = result.ErrorKind
		status = trace.StatusError
		if result.ErrorKind == ErrKindTimeout {
			status = trace.StatusTimeout
		}
	} else {
		attrs["outcome"] = "ok"
	}
	e.recorder.EndSpan(spanID, status, attrs)
	return result
}

func (e *Executor) execute(ctx context.Context, traceID, spanID, name, server string, args map[string]any) *ToolResult {
	checked, err := e.policy.ValidateArgs(args)
	if err != nil {
		logger.WarnCF("tools", "path policy rejection", map[string]any{"tool": name, "error": err.Error()})
		return PolicyResult(err.Error())
	}

	decision := e.broker.Check(name, server, checked)
	switch decision.Verdict {
	case approval.DenyPolicy:
		return PolicyResult(decision.Reason)
	case approval.NeedsApproval:
		approvalSpan := e.recorder.StartSpan(traceID, trace.KindApproval, "approval:"+name, spanID)
		state := e.broker.Wait(ctx, decision.RequestID)
		switch state {
		case approval.StateApproved:
			e.recorder.EndSpan(approvalSpan, trace.StatusOK, map[string]string{"state": string(state)})
		case approval.StateTimeout:
			e.recorder.EndSpan(approvalSpan, trace.StatusTimeout, map[string]string{"state": string(state)})
			return DeniedResult(name)
		default:
			e.recorder.EndSpan(approvalSpan, trace.StatusError, map[string]string{"state": string(state)})
			return DeniedResult(name)
		}
	}

	return e.registry.Execute(trace.WithTraceID(ctx, traceID), name, checked)
}

// argDigest fingerprints tool arguments for span attribution without
// recording their content.
func argDigest(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}
