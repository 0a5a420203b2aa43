// Package observability records per-round phase spans and exposes the
// swarm's Prometheus metrics.
//
// This provides:
//   - Phase spans for one node round (admit → aggregate → reputation → gossip → audit → checkpoint)
//   - Round/trace id propagation through context
//   - Prometheus collectors for every swarm subsystem
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Round Spans: in-memory phase timing, inspectable over the status API
// ═══════════════════════════════════════════════════════════════════════════

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// String returns the label used in JSON and logs.
func (s SpanStatus) String() string {
	if s == SpanError {
		return "ERROR"
	}
	return "OK"
}

// Span is one phase of one node round.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	NodeID    string            `json:"node_id"`
	Round     uint64            `json:"round"`
	Phase     string            `json:"phase"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer keeps the most recent round spans in a ring buffer.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
	now      func() time.Time
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 4096)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 4096,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
		now:      time.Now,
	}
}

// StartPhase begins a span for one phase of a round.
// The caller must call EndPhase when done.
func (t *Tracer) StartPhase(ctx context.Context, nodeID string, round uint64, phase string) *Span {
	if t == nil || !t.enabled {
		return &Span{NodeID: nodeID, Round: round, Phase: phase}
	}
	return &Span{
		TraceID:   traceIDFromContext(ctx, nodeID, round),
		SpanID:    generateID(),
		NodeID:    nodeID,
		Round:     round,
		Phase:     phase,
		StartTime: t.now(),
		Status:    SpanOK,
	}
}

// EndPhase completes a span and records it. attrs may be nil.
func (t *Tracer) EndPhase(span *Span, err error, attrs map[string]string) {
	if t == nil || !t.enabled || span == nil {
		return
	}

	span.EndTime = t.now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	span.Attrs = attrs
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		PhaseErrors.WithLabelValues(span.Phase).Inc()
	}
	PhaseDuration.WithLabelValues(span.Phase).Observe(float64(span.Duration.Microseconds()) / 1000)

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// RoundSpans returns the recorded phases of one round, oldest first.
func (t *Tracer) RoundSpans(round uint64) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Span
	for _, s := range t.spans {
		if s.Round == round {
			out = append(out, s)
		}
	}
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const traceIDKey contextKey = "qres-trace-id"

// WithTraceID returns a context carrying an explicit trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func traceIDFromContext(ctx context.Context, nodeID string, round uint64) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return fmt.Sprintf("%s/r%d", nodeID, round)
}

var spanCounter atomic.Int64

func generateID() string {
	return fmt.Sprintf("span-%d", spanCounter.Add(1))
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Round Metrics ──────────────────────────────────────────────────────────

// RoundsCompleted tracks finished rounds.
var RoundsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "round",
	Name:      "completed_total",
	Help:      "Total rounds completed by local nodes.",
})

// AggregationFallbacks tracks rounds resolved by a fallback aggregation path.
var AggregationFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "round",
	Name:      "aggregation_fallbacks_total",
	Help:      "Aggregations resolved by a fallback path.",
}, []string{"strategy", "fallback"})

// AdmittedContributions tracks the admitted set size of the last round.
var AdmittedContributions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "qres",
	Subsystem: "round",
	Name:      "admitted_contributions",
	Help:      "Contributions admitted into the last aggregation.",
})

// PhaseDuration tracks round phase latency.
var PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "qres",
	Subsystem: "round",
	Name:      "phase_duration_ms",
	Help:      "Round phase duration in milliseconds.",
	Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 50, 100},
}, []string{"phase"})

// PhaseErrors tracks round phases that ended in error.
var PhaseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "round",
	Name:      "phase_errors_total",
	Help:      "Round phases that ended in error.",
}, []string{"phase"})

// ─── Reputation Metrics ─────────────────────────────────────────────────────

// ReputationBans tracks permanent bans by reason.
var ReputationBans = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "reputation",
	Name:      "bans_total",
	Help:      "Permanent bans by reason.",
}, []string{"reason"})

// ReputationGated tracks nodes soft-gated out of the last round.
var ReputationGated = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "qres",
	Subsystem: "reputation",
	Name:      "gated_nodes",
	Help:      "Nodes soft-gated out of the last round.",
})

// ─── Regime Metrics ─────────────────────────────────────────────────────────

// RegimeCurrent tracks the current regime (0=calm, 1=prestorm, 2=storm).
var RegimeCurrent = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "qres",
	Subsystem: "regime",
	Name:      "current",
	Help:      "Current regime (0=calm, 1=prestorm, 2=storm).",
})

// RegimeTransitions tracks regime changes.
var RegimeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "regime",
	Name:      "transitions_total",
	Help:      "Regime transitions by source and target.",
}, []string{"from", "to"})

// RegimeStormBlocked tracks Storm escalations refused for lack of quorum.
var RegimeStormBlocked = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "regime",
	Name:      "storm_blocked_total",
	Help:      "Storm escalations refused for lack of quorum.",
})

// ─── Energy Metrics ─────────────────────────────────────────────────────────

// EnergyRefusals tracks operations refused by the energy gate.
var EnergyRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "energy",
	Name:      "refusals_total",
	Help:      "Operations refused by the energy gate.",
}, []string{"op"})

// EnergyBrownouts tracks charges that left the level under the reserve or
// exceeded it.
var EnergyBrownouts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "energy",
	Name:      "brownouts_total",
	Help:      "Charges that fell under the reserve or exceeded the current level.",
})

// ─── Bridge Metrics ─────────────────────────────────────────────────────────

// BridgeRefusals tracks inter-zone sends dropped by the bridge network.
var BridgeRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "bridge",
	Name:      "refusals_total",
	Help:      "Inter-zone sends dropped by reason.",
}, []string{"reason"})

// ─── Gossip Metrics ─────────────────────────────────────────────────────────

// GossipFrames tracks frames by direction and outcome.
var GossipFrames = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "gossip",
	Name:      "frames_total",
	Help:      "Gossip frames by direction and outcome.",
}, []string{"direction", "outcome"})

// ─── Audit Metrics ──────────────────────────────────────────────────────────

// AuditSampled tracks audited nodes.
var AuditSampled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "audit",
	Name:      "sampled_total",
	Help:      "Nodes sampled for audit.",
})

// AuditFailures tracks failed audits.
var AuditFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "audit",
	Name:      "failures_total",
	Help:      "Audits whose update failed verification.",
})

// ─── Persistence Metrics ────────────────────────────────────────────────────

// CheckpointsWritten tracks snapshots persisted.
var CheckpointsWritten = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "persist",
	Name:      "checkpoints_total",
	Help:      "Snapshots persisted.",
})

// CheckpointBytes tracks the size of the last snapshot.
var CheckpointBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "qres",
	Subsystem: "persist",
	Name:      "snapshot_bytes",
	Help:      "Size in bytes of the last persisted snapshot.",
})

// PersistRetries tracks retried persistence I/O.
var PersistRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "qres",
	Subsystem: "persist",
	Name:      "retries_total",
	Help:      "Persistence operations retried after a transient error.",
})
