// Package pipeline holds the error taxonomy shared across the agentic
// execution pipeline. Callers match kinds with errors.Is; components wrap
// these sentinels with context.
package pipeline

import "errors"

var (
	// ErrProviderUnavailable means every configured endpoint is tripped or
	// disabled. Surfaced to the user; never retried.
	ErrProviderUnavailable = errors.New("no provider available")

	// ErrProviderTransient marks 5xx, network, and rate-limit failures that
	// the router handles by failing over to the next endpoint.
	ErrProviderTransient = errors.New("transient provider failure")

	// ErrToolDenied is produced when an approval is denied or times out.
	ErrToolDenied = errors.New("tool call denied")

	// ErrToolPolicyViolation marks path or shell blocklist rejections.
	ErrToolPolicyViolation = errors.New("tool policy violation")

	// ErrToolExecution marks a runtime failure inside a tool handler.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrSelfHealExhausted means the healing loop spent its attempts.
	ErrSelfHealExhausted = errors.New("self-heal attempts exhausted")

	// ErrSwarmExhausted means the swarm hit its iteration cap unapproved.
	ErrSwarmExhausted = errors.New("swarm iterations exhausted")

	// ErrDeadlineExceeded means the request deadline fired mid-turn.
	ErrDeadlineExceeded = errors.New("request deadline exceeded")

	// ErrResourceExhausted means the worker queue is full.
	ErrResourceExhausted = errors.New("server busy")

	// ErrInternal marks invariant violations. The trace is marked error and
	// the user sees a generic message.
	ErrInternal = errors.New("internal error")
)

// Kind returns the taxonomy label for an error, or "internal" when the
// error wraps none of the sentinels. The label is recorded as the
// error.kind span attribute.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrProviderTransient):
		return "provider_transient"
	case errors.Is(err, ErrToolDenied):
		return "denied"
	case errors.Is(err, ErrToolPolicyViolation):
		return "policy_violation"
	case errors.Is(err, ErrToolExecution):
		return "execution_error"
	case errors.Is(err, ErrSelfHealExhausted):
		return "self_heal_exhausted"
	case errors.Is(err, ErrSwarmExhausted):
		return "swarm_exhausted"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	default:
		return "internal"
	}
}
