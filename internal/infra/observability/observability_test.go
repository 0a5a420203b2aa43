package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

func newTestTracer(t *testing.T, max int) *Tracer {
	t.Helper()
	tr := NewTracer(TracerConfig{Enabled: true, MaxSpans: max})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	return tr
}

func TestTracer_Phase_RecordsSpan(t *testing.T) {
	tr := newTestTracer(t, 16)
	ctx := context.Background()

	span := tr.StartPhase(ctx, "node-1", 7, "aggregate")
	tr.EndPhase(span, nil, map[string]string{"strategy": "trimmed_mean"})

	spans := tr.Spans(1)
	if len(spans) != 1 {
		t.Fatalf("Spans(1) returned %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Phase != "aggregate" || got.Round != 7 || got.NodeID != "node-1" {
		t.Errorf("span = %+v", got)
	}
	if got.Status != SpanOK {
		t.Errorf("Status = %v, want OK", got.Status)
	}
	if got.Duration != time.Millisecond {
		t.Errorf("Duration = %v, want 1ms", got.Duration)
	}
	if got.TraceID != "node-1/r7" {
		t.Errorf("TraceID = %q, want node-1/r7", got.TraceID)
	}
	if got.Attrs["strategy"] != "trimmed_mean" {
		t.Errorf("Attrs[strategy] = %q", got.Attrs["strategy"])
	}
}

func TestTracer_EndPhase_RecordsError(t *testing.T) {
	tr := newTestTracer(t, 16)
	span := tr.StartPhase(context.Background(), "n", 1, "checkpoint")
	tr.EndPhase(span, errors.New("disk full"), nil)

	spans := tr.Spans(1)
	if spans[0].Status != SpanError {
		t.Errorf("Status = %v, want ERROR", spans[0].Status)
	}
	if spans[0].Attrs["error"] != "disk full" {
		t.Errorf("error attr = %q, want %q", spans[0].Attrs["error"], "disk full")
	}
}

func TestTracer_Disabled(t *testing.T) {
	tr := NewTracer(TracerConfig{Enabled: false, MaxSpans: 100})
	span := tr.StartPhase(context.Background(), "n", 1, "noop")
	tr.EndPhase(span, nil, nil)

	if tr.SpanCount() != 0 {
		t.Errorf("disabled tracer SpanCount() = %d, want 0", tr.SpanCount())
	}
}

func TestTracer_NilIsNoop(t *testing.T) {
	var tr *Tracer
	span := tr.StartPhase(context.Background(), "n", 1, "admit")
	tr.EndPhase(span, nil, nil)
}

func TestTracer_RingBuffer_Overflow(t *testing.T) {
	tr := newTestTracer(t, 3)
	for i := 0; i < 5; i++ {
		span := tr.StartPhase(context.Background(), "n", uint64(i), "round")
		tr.EndPhase(span, nil, nil)
	}

	if tr.SpanCount() != 3 {
		t.Errorf("SpanCount() = %d, want 3 (ring buffer overflow)", tr.SpanCount())
	}
	if got := tr.Spans(1)[0].Round; got != 4 {
		t.Errorf("newest span round = %d, want 4", got)
	}
}

func TestTracer_RoundSpans(t *testing.T) {
	tr := newTestTracer(t, 16)
	for _, phase := range []string{"admit", "aggregate", "reputation"} {
		tr.EndPhase(tr.StartPhase(context.Background(), "n", 3, phase), nil, nil)
	}
	tr.EndPhase(tr.StartPhase(context.Background(), "n", 4, "admit"), nil, nil)

	got := tr.RoundSpans(3)
	if len(got) != 3 {
		t.Fatalf("RoundSpans(3) returned %d, want 3", len(got))
	}
	if got[0].Phase != "admit" || got[2].Phase != "reputation" {
		t.Errorf("phases out of order: %s .. %s", got[0].Phase, got[2].Phase)
	}
}

func TestTracer_ResetAndLimit(t *testing.T) {
	tr := newTestTracer(t, 16)
	for i := 0; i < 5; i++ {
		tr.EndPhase(tr.StartPhase(context.Background(), "n", 1, "op"), nil, nil)
	}
	if len(tr.Spans(0)) != 5 {
		t.Errorf("Spans(0) should return all spans")
	}
	if len(tr.Spans(2)) != 2 {
		t.Errorf("Spans(2) should return 2 spans")
	}
	tr.Reset()
	if tr.SpanCount() != 0 {
		t.Errorf("SpanCount() after Reset = %d, want 0", tr.SpanCount())
	}
}

// ─── Context Propagation ────────────────────────────────────────────────────

func TestTracer_ContextTraceID(t *testing.T) {
	tr := newTestTracer(t, 16)
	ctx := WithTraceID(context.Background(), "trace-abc")

	tr.EndPhase(tr.StartPhase(ctx, "n", 1, "gossip"), nil, nil)
	if got := tr.Spans(1)[0].TraceID; got != "trace-abc" {
		t.Errorf("TraceID = %q, want %q", got, "trace-abc")
	}
}

func TestTracer_SpanIDUnique(t *testing.T) {
	tr := newTestTracer(t, 16)
	a := tr.StartPhase(context.Background(), "n", 1, "a")
	b := tr.StartPhase(context.Background(), "n", 1, "b")
	if a.SpanID == b.SpanID {
		t.Errorf("SpanIDs should be unique, both = %q", a.SpanID)
	}
}
