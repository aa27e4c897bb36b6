package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_DisabledRecordsNothing(t *testing.T) {
	r := NewRecorder(Options{Enabled: false, MaxTraces: 5})

	traceID := r.StartTrace("hello", "s")
	assert.Empty(t, traceID)

	// downstream calls degrade to no-ops
	spanID := r.StartSpan(traceID, KindLLMCall, "llm_call", "")
	assert.Empty(t, spanID)
	r.EndSpan(spanID, StatusOK, nil)
	r.RecordEvent(spanID, "chunk", "x")
	r.EndTrace(traceID, "done", StatusCompleted)

	assert.Empty(t, r.List(10))
	stats := r.Stats()
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.Active)
}

func newTestRecorder(t *testing.T, persist bool) *Recorder {
	t.Helper()
	opts := Options{Enabled: true, MaxTraces: 5}
	if persist {
		opts.Persist = true
		opts.StorePath = t.TempDir()
	}
	return NewRecorder(opts)
}

func TestRecorder_SpanTree(t *testing.T) {
	r := newTestRecorder(t, false)

	id := r.StartTrace("write a script", "sess-1")
	require.NotEmpty(t, id)

	llm := r.StartSpan(id, KindLLMCall, "chat", "")
	tool := r.StartSpan(id, KindToolExec, "shell", "")
	r.EndSpan(tool, StatusOK, map[string]string{"tool": "shell"})
	r.EndSpan(llm, StatusOK, nil)
	r.EndTrace(id, "done", StatusCompleted)

	got, ok := r.Get(id)
	require.True(t, ok)
	require.Len(t, got.Spans, 3)

	root := got.Spans[0]
	assert.Equal(t, KindRequest, root.Kind)
	assert.Empty(t, root.ParentSpanID)

	// llm span parents to the root; tool span parents to the open llm span
	assert.Equal(t, root.SpanID, got.Spans[1].ParentSpanID)
	assert.Equal(t, got.Spans[1].SpanID, got.Spans[2].ParentSpanID)

	for _, s := range got.Spans {
		assert.False(t, s.EndTime.Before(s.StartTime), "span %s end before start", s.Name)
		assert.NotEqual(t, StatusActive, s.Status, "no span may stay open after EndTrace")
	}
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestRecorder_EndSpanIdempotent(t *testing.T) {
	r := newTestRecorder(t, false)
	id := r.StartTrace("task", "")
	span := r.StartSpan(id, KindLLMCall, "chat", "")

	r.EndSpan(span, StatusError, nil)
	r.EndSpan(span, StatusOK, nil) // second close must not win

	r.EndTrace(id, "", StatusCompleted)
	got, _ := r.Get(id)
	assert.Equal(t, StatusError, got.Spans[1].Status)
}

func TestRecorder_RingEviction(t *testing.T) {
	r := newTestRecorder(t, false)

	var ids []string
	for i := 0; i < 8; i++ {
		id := r.StartTrace("task", "")
		r.EndTrace(id, "", StatusCompleted)
		ids = append(ids, id)
	}

	assert.Equal(t, 5, r.Stats().Total)

	// oldest evicted, newest retained
	_, ok := r.Get(ids[0])
	assert.False(t, ok)
	_, ok = r.Get(ids[7])
	assert.True(t, ok)
}

func TestRecorder_PersistAndDiskLookup(t *testing.T) {
	opts := Options{Enabled: true, MaxTraces: 2, Persist: true, StorePath: t.TempDir()}
	r := NewRecorder(opts)

	var first string
	for i := 0; i < 4; i++ {
		id := r.StartTrace("persisted task", "")
		if i == 0 {
			first = id
		}
		r.EndTrace(id, "answer", StatusCompleted)
	}

	// evicted from the ring but still readable from disk
	got, ok := r.Get(first)
	require.True(t, ok)
	assert.Equal(t, "persisted task", got.UserInput)
	assert.Equal(t, "answer", got.FinalResponse)

	// file content round-trips losslessly
	data, err := os.ReadFile(filepath.Join(opts.StorePath, first+".json"))
	require.NoError(t, err)
	var decoded Trace
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, got.TraceID, decoded.TraceID)
	assert.Equal(t, len(got.Spans), len(decoded.Spans))
	assert.Equal(t, got.Spans[0].SpanID, decoded.Spans[0].SpanID)
}

func TestRecorder_SearchAndList(t *testing.T) {
	r := newTestRecorder(t, false)

	a := r.StartTrace("fix the parser bug", "")
	r.EndTrace(a, "", StatusCompleted)
	b := r.StartTrace("deploy the service", "")
	r.EndTrace(b, "", StatusError)

	list := r.List(10)
	require.Len(t, list, 2)
	assert.Equal(t, b, list[0].TraceID, "newest first")

	found := r.Search("PARSER", 10)
	require.Len(t, found, 1)
	assert.Equal(t, a, found[0].TraceID)
}

func TestRecorder_Stats(t *testing.T) {
	r := newTestRecorder(t, false)

	for i := 0; i < 3; i++ {
		id := r.StartTrace("ok task", "")
		r.EndTrace(id, "", StatusCompleted)
	}
	id := r.StartTrace("bad task", "")
	r.EndTrace(id, "", StatusError)
	r.StartTrace("still running", "")

	st := r.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 3, st.Completed)
	assert.Equal(t, 1, st.Errors)
	assert.GreaterOrEqual(t, st.P95DurationMS, 0.0)
}

func TestRecorder_AttrCaps(t *testing.T) {
	r := newTestRecorder(t, false)
	id := r.StartTrace("task", "")
	span := r.StartSpan(id, KindToolExec, "shell", "")

	big := make([]byte, 10000)
	for i := range big {
		big[i] = 'x'
	}
	r.SetAttr(span, "stdout", string(big))
	for i := 0; i < 100; i++ {
		r.SetAttr(span, string(rune('a'+i%26))+string(rune('0'+i/26)), "v")
	}
	r.EndSpan(span, StatusOK, nil)
	r.EndTrace(id, "", StatusCompleted)

	got, _ := r.Get(id)
	s := got.Spans[1]
	assert.LessOrEqual(t, len(s.Attributes["stdout"]), 4096)
	assert.LessOrEqual(t, len(s.Attributes), 32)
}

func TestRecorder_TimeoutClosesOpenSpans(t *testing.T) {
	r := newTestRecorder(t, false)
	id := r.StartTrace("task", "")
	r.StartSpan(id, KindApproval, "approval:write_file", "")

	r.EndTrace(id, "partial", StatusTimeout)

	got, _ := r.Get(id)
	assert.Equal(t, StatusError, got.Status, "timeout maps to trace error status")
	for _, s := range got.Spans {
		assert.Equal(t, StatusTimeout, s.Status)
	}
}
