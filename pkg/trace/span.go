// Package trace records the execution of each user request as a tree of
// spans, keeps a bounded in-memory ring of recent traces, and persists
// completed traces as JSON files.
package trace

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpanKind identifies the pipeline step a span covers. Values align with
// OpenTelemetry naming so traces can be mirrored to a collector.
type SpanKind string

const (
	KindRequest    SpanKind = "request"
	KindRetrieval  SpanKind = "retrieval"
	KindLLMCall    SpanKind = "llm_call"
	KindToolExec   SpanKind = "tool_exec"
	KindSelfHeal   SpanKind = "self_heal"
	KindDelegation SpanKind = "delegation"
	KindMCPCall    SpanKind = "mcp_call"
	KindApproval   SpanKind = "approval"
	KindResponse   SpanKind = "response"
)

// Span status values.
const (
	StatusActive    = "active"
	StatusOK        = "ok"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusCompleted = "completed"
	StatusInFlight  = "in_progress"
)

const (
	maxAttrBytes    = 4096
	maxAttrsPerSpan = 32
)

// Event is a timestamped annotation on a span.
type Event struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload,omitempty"`
}

// Span is one node of a trace tree.
type Span struct {
	SpanID       string            `json:"span_id"`
	TraceID      string            `json:"trace_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Kind         SpanKind          `json:"kind"`
	Name         string            `json:"name"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time,omitzero"`
	DurationMS   float64           `json:"duration_ms"`
	Status       string            `json:"status"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Events       []Event           `json:"events,omitempty"`
}

func newSpanID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func newTraceID() string {
	return "trace_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// setAttr stores an attribute honoring the per-span count and size caps.
func (s *Span) setAttr(key, value string) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	if _, exists := s.Attributes[key]; !exists && len(s.Attributes) >= maxAttrsPerSpan {
		return
	}
	s.Attributes[key] = truncate(value, maxAttrBytes)
}

func (s *Span) open() bool {
	return s.Status == StatusActive
}

func (s *Span) clone() Span {
	out := *s
	if s.Attributes != nil {
		out.Attributes = make(map[string]string, len(s.Attributes))
		for k, v := range s.Attributes {
			out.Attributes[k] = v
		}
	}
	out.Events = append([]Event(nil), s.Events...)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Trace is a complete record of one user request through the pipeline.
type Trace struct {
	TraceID       string            `json:"trace_id"`
	SessionID     string            `json:"session_id,omitempty"`
	UserInput     string            `json:"user_input"`
	FinalResponse string            `json:"final_response,omitempty"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time,omitzero"`
	DurationMS    float64           `json:"duration_ms"`
	Status        string            `json:"status"`
	Spans         []Span            `json:"spans"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Summary is the compact listing form of a trace.
type Summary struct {
	TraceID    string    `json:"trace_id"`
	SessionID  string    `json:"session_id,omitempty"`
	UserInput  string    `json:"user_input"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	SpanCount  int       `json:"span_count"`
	StartTime  time.Time `json:"start_time"`
}

func (t *Trace) summary() Summary {
	return Summary{
		TraceID:    t.TraceID,
		SessionID:  t.SessionID,
		UserInput:  truncate(t.UserInput, 100),
		Status:     t.Status,
		DurationMS: t.DurationMS,
		SpanCount:  len(t.Spans),
		StartTime:  t.StartTime,
	}
}

func (t *Trace) clone() *Trace {
	out := *t
	out.Spans = make([]Span, len(t.Spans))
	for i := range t.Spans {
		out.Spans[i] = t.Spans[i].clone()
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
