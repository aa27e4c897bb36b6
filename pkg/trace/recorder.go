package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gateclaw/gateclaw/pkg/logger"
)

// Options configures a Recorder.
type Options struct {
	Enabled   bool
	MaxTraces int
	Persist   bool
	StorePath string
	// Mirror receives every completed trace, e.g. for OTLP export.
	Mirror func(*Trace)
}

// Recorder stores pipeline traces in a bounded ring with optional JSON
// persistence. All methods are safe for concurrent use; span writes are
// serialized per trace.
type Recorder struct {
	mu     sync.Mutex
	opts   Options
	active map[string]*entry
	ring   []*entry
	spans  map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	trace Trace
}

// NewRecorder creates a Recorder. The store directory is created when
// persistence is on.
func NewRecorder(opts Options) *Recorder {
	if opts.MaxTraces <= 0 {
		opts.MaxTraces = 500
	}
	if opts.Persist && opts.StorePath != "" {
		if err := os.MkdirAll(opts.StorePath, 0o755); err != nil {
			logger.WarnCF("trace", "trace dir unavailable, persistence disabled", map[string]any{
				"dir": opts.StorePath, "error": err.Error(),
			})
			opts.Persist = false
		}
	}
	return &Recorder{
		opts:   opts,
		active: make(map[string]*entry),
		spans:  make(map[string]*entry),
	}
}

// StartTrace opens a new trace with a root request span and returns the
// trace id. A disabled recorder returns an empty id; every other method
// treats that as a no-op.
func (r *Recorder) StartTrace(userInput, sessionID string) string {
	if !r.opts.Enabled {
		return ""
	}
	e := &entry{trace: Trace{
		TraceID:   newTraceID(),
		SessionID: sessionID,
		UserInput: truncate(userInput, 500),
		StartTime: time.Now(),
		Status:    StatusInFlight,
	}}

	root := Span{
		SpanID:    newSpanID(),
		TraceID:   e.trace.TraceID,
		Kind:      KindRequest,
		Name:      "request",
		StartTime: e.trace.StartTime,
		Status:    StatusActive,
	}
	e.trace.Spans = append(e.trace.Spans, root)

	r.mu.Lock()
	r.active[e.trace.TraceID] = e
	r.spans[root.SpanID] = e
	r.mu.Unlock()

	logger.DebugCF("trace", "trace started", map[string]any{"trace_id": e.trace.TraceID})
	return e.trace.TraceID
}

// RootSpan returns the id of a trace's root request span.
func (r *Recorder) RootSpan(traceID string) string {
	r.mu.Lock()
	e, ok := r.active[traceID]
	r.mu.Unlock()
	if !ok {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.trace.Spans) == 0 {
		return ""
	}
	return e.trace.Spans[0].SpanID
}

// StartSpan appends a new span to an active trace and returns its id.
// An empty parent defaults to the most recently opened span still active.
func (r *Recorder) StartSpan(traceID string, kind SpanKind, name, parentID string) string {
	r.mu.Lock()
	e, ok := r.active[traceID]
	r.mu.Unlock()
	if !ok {
		return ""
	}

	e.mu.Lock()
	if parentID == "" {
		for i := len(e.trace.Spans) - 1; i >= 0; i-- {
			if e.trace.Spans[i].open() {
				parentID = e.trace.Spans[i].SpanID
				break
			}
		}
	}
	span := Span{
		SpanID:       newSpanID(),
		TraceID:      traceID,
		ParentSpanID: parentID,
		Kind:         kind,
		Name:         name,
		StartTime:    time.Now(),
		Status:       StatusActive,
	}
	e.trace.Spans = append(e.trace.Spans, span)
	e.mu.Unlock()

	r.mu.Lock()
	r.spans[span.SpanID] = e
	r.mu.Unlock()
	return span.SpanID
}

// EndSpan closes a span. Closing an already-closed span is a no-op.
func (r *Recorder) EndSpan(spanID, status string, attrs map[string]string) {
	r.mu.Lock()
	e, ok := r.spans[spanID]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.trace.Spans {
		s := &e.trace.Spans[i]
		if s.SpanID != spanID {
			continue
		}
		if !s.open() {
			return
		}
		s.EndTime = time.Now()
		s.DurationMS = float64(s.EndTime.Sub(s.StartTime)) / float64(time.Millisecond)
		s.Status = status
		for k, v := range attrs {
			s.setAttr(k, v)
		}
		return
	}
}

// RecordEvent appends a timestamped event to a span.
func (r *Recorder) RecordEvent(spanID, name, payload string) {
	r.mu.Lock()
	e, ok := r.spans[spanID]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.trace.Spans {
		s := &e.trace.Spans[i]
		if s.SpanID == spanID {
			s.Events = append(s.Events, Event{
				Name:      name,
				Timestamp: time.Now(),
				Payload:   truncate(payload, maxAttrBytes),
			})
			return
		}
	}
}

// SetAttr records a single attribute on an open or closed span.
func (r *Recorder) SetAttr(spanID, key, value string) {
	r.mu.Lock()
	e, ok := r.spans[spanID]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.trace.Spans {
		if e.trace.Spans[i].SpanID == spanID {
			e.trace.Spans[i].setAttr(key, value)
			return
		}
	}
}

// EndTrace completes a trace, closes any spans still open, moves it into
// the ring (evicting the oldest past capacity), and persists it.
func (r *Recorder) EndTrace(traceID, finalResponse, status string) {
	r.mu.Lock()
	e, ok := r.active[traceID]
	if ok {
		delete(r.active, traceID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	leftover := StatusOK
	if status == StatusError || status == StatusTimeout {
		leftover = status
	}

	e.mu.Lock()
	now := time.Now()
	for i := range e.trace.Spans {
		s := &e.trace.Spans[i]
		if s.open() {
			s.EndTime = now
			s.DurationMS = float64(s.EndTime.Sub(s.StartTime)) / float64(time.Millisecond)
			s.Status = leftover
		}
	}
	e.trace.FinalResponse = truncate(finalResponse, 500)
	e.trace.EndTime = now
	e.trace.DurationMS = float64(now.Sub(e.trace.StartTime)) / float64(time.Millisecond)
	if status == StatusTimeout {
		status = StatusError
	}
	e.trace.Status = status
	snapshot := e.trace.clone()
	spanCount := len(e.trace.Spans)
	e.mu.Unlock()

	r.mu.Lock()
	r.ring = append(r.ring, e)
	for len(r.ring) > r.opts.MaxTraces {
		old := r.ring[0]
		r.ring = r.ring[1:]
		for _, s := range old.trace.Spans {
			delete(r.spans, s.SpanID)
		}
	}
	r.mu.Unlock()

	if r.opts.Persist {
		r.persist(snapshot)
	}
	if r.opts.Mirror != nil {
		r.opts.Mirror(snapshot)
	}

	logger.DebugCF("trace", "trace completed", map[string]any{
		"trace_id": traceID, "spans": spanCount, "status": status,
	})
}

// persist writes one JSON file per trace, atomic via rename.
func (r *Recorder) persist(t *Trace) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		logger.ErrorCF("trace", "marshal trace failed", map[string]any{"trace_id": t.TraceID, "error": err.Error()})
		return
	}
	final := filepath.Join(r.opts.StorePath, t.TraceID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logger.ErrorCF("trace", "persist trace failed", map[string]any{"trace_id": t.TraceID, "error": err.Error()})
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		logger.ErrorCF("trace", "persist trace failed", map[string]any{"trace_id": t.TraceID, "error": err.Error()})
	}
}

// Get returns a snapshot of a trace by id, checking active traces, the
// ring, then the persisted store.
func (r *Recorder) Get(traceID string) (*Trace, bool) {
	r.mu.Lock()
	if e, ok := r.active[traceID]; ok {
		r.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.trace.clone(), true
	}
	for _, e := range r.ring {
		if e.trace.TraceID == traceID {
			r.mu.Unlock()
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.trace.clone(), true
		}
	}
	r.mu.Unlock()

	if r.opts.StorePath == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(r.opts.StorePath, traceID+".json"))
	if err != nil {
		return nil, false
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, false
	}
	return &t, true
}

// List returns summaries of recent completed traces, newest first.
func (r *Recorder) List(limit int) []Summary {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, limit)
	for i := len(r.ring) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.ring[i]
		e.mu.Lock()
		out = append(out, e.trace.summary())
		e.mu.Unlock()
	}
	return out
}

// Search returns summaries of traces whose user input contains the query,
// case-insensitive, newest first.
func (r *Recorder) Search(query string, limit int) []Summary {
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToLower(query)

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, limit)
	for i := len(r.ring) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.ring[i]
		e.mu.Lock()
		if strings.Contains(strings.ToLower(e.trace.UserInput), q) {
			out = append(out, e.trace.summary())
		}
		e.mu.Unlock()
	}
	return out
}

// Stats summarizes recorder state and completed-trace latency.
type Stats struct {
	Total         int     `json:"total_traces"`
	Active        int     `json:"active_traces"`
	Completed     int     `json:"completed"`
	Errors        int     `json:"errors"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	P95DurationMS float64 `json:"p95_duration_ms"`
	Capacity      int     `json:"max_traces_capacity"`
}

// Stats returns aggregate statistics over the ring.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		Total:    len(r.ring),
		Active:   len(r.active),
		Capacity: r.opts.MaxTraces,
	}

	var durations []float64
	for _, e := range r.ring {
		e.mu.Lock()
		switch e.trace.Status {
		case StatusCompleted:
			st.Completed++
			durations = append(durations, e.trace.DurationMS)
		case StatusError:
			st.Errors++
		}
		e.mu.Unlock()
	}

	if len(durations) > 0 {
		var sum float64
		for _, d := range durations {
			sum += d
		}
		st.AvgDurationMS = sum / float64(len(durations))
		sort.Float64s(durations)
		st.P95DurationMS = durations[int(float64(len(durations))*0.95)%len(durations)]
	}
	return st
}

// Shutdown flushes every still-active trace to the ring and store.
func (r *Recorder) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.EndTrace(id, "", StatusError)
	}
}
