package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/aggregate"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/energy"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/observability"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/persist"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/regime"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/reputation"
)

// Round phases, as recorded in spans.
const (
	PhaseReceive    = "receive"
	PhaseAdapt      = "adapt"
	PhaseAggregate  = "aggregate"
	PhaseReputation = "reputation"
	PhaseRegime     = "regime"
	PhaseGossip     = "gossip"
	PhaseAudit      = "audit"
	PhaseCheckpoint = "checkpoint"
)

// RoundReport describes one completed round.
type RoundReport struct {
	NodeID        string
	Round         uint64
	Awaiting      bool // still waiting for an onboarding summary
	Contributed   bool // the local update was produced
	Contributions int
	Admitted      []string
	Gated         []string
	Strategy      string
	Fallback      string
	Trimmed       []string
	Consensus     domain.Vector // nil when nothing was aggregated
	Outcome       reputation.RoundOutcome
	Entropy       domain.Fixed
	Transition    regime.Transition
	Epidemic      domain.EpidemicState
	Received      int
	Sent          int
	Audit         *domain.AuditRecord
	Checkpointed  bool
	EnergyLevel   int64
}

// Round runs one full round and returns what happened. Only a cancelled
// context aborts a round; every other failure is absorbed and logged.
func (n *Node) Round(ctx context.Context) (RoundReport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.awaiting {
		rep := RoundReport{NodeID: n.cfg.ID, Round: n.round, Awaiting: true}
		rep.Received = n.receive(ctx, n.round)
		if n.awaiting {
			return rep, ctx.Err()
		}
	}

	n.round++
	round := n.round
	id := n.cfg.ID
	ctx = observability.WithTraceID(ctx, id+"-"+strconv.FormatUint(round, 10))
	current := n.detector.Current()

	rep := RoundReport{NodeID: id, Round: round}
	n.bridge.NextRound()
	n.queue.Advance(round)
	n.pool.Harvest(current)

	// 1. Receive
	span := n.tracer.StartPhase(ctx, id, round, PhaseReceive)
	rep.Received = n.receive(ctx, round)
	n.tracer.EndPhase(span, ctx.Err(), map[string]string{"frames": strconv.Itoa(rep.Received)})
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	// 2. Local update
	span = n.tracer.StartPhase(ctx, id, round, PhaseAdapt)
	own, err := n.adapt(ctx, round)
	n.tracer.EndPhase(span, err, nil)
	rep.Contributed = own != nil

	// 3. Aggregate
	span = n.tracer.StartPhase(ctx, id, round, PhaseAggregate)
	contribs := n.inbox.Drain(round)
	observed := n.observed.Drain(round)
	rep.Contributions = len(contribs)
	n.fileClaims(round, contribs)
	in, gated := n.admit(contribs)
	rep.Gated = gated
	for _, w := range in {
		rep.Admitted = append(rep.Admitted, w.NodeID)
	}
	res, err := n.aggregate(current, in)
	if err == nil {
		rep.Strategy, rep.Fallback, rep.Trimmed = res.Strategy, res.Fallback, res.Trimmed
		rep.Consensus = res.Vector.Clone()
	}
	n.tracer.EndPhase(span, err, map[string]string{
		"admitted": strconv.Itoa(len(in)),
		"strategy": res.Strategy,
		"fallback": res.Fallback,
	})
	observability.AdmittedContributions.Set(float64(len(in)))
	observability.ReputationGated.Set(float64(len(gated)))

	if err == nil {
		// 4. Reputation
		span = n.tracer.StartPhase(ctx, id, round, PhaseReputation)
		drifts := aggregate.Drifts(in, res.Vector)
		rep.Outcome = n.tracker.ApplyRound(scored(drifts, observed, contribs, res.Vector), gated)
		for _, banned := range rep.Outcome.NewlyBanned {
			observability.ReputationBans.WithLabelValues("score").Inc()
			log.Printf("[node] %s: %s banned at round %d (reputation below threshold)", id, banned, round)
		}
		n.tracer.EndPhase(span, nil, map[string]string{
			"penalized": strconv.Itoa(len(rep.Outcome.Penalized)),
			"banned":    strconv.Itoa(len(rep.Outcome.NewlyBanned)),
		})

		// 5. Regime and model step
		span = n.tracer.StartPhase(ctx, id, round, PhaseRegime)
		rep.Entropy = aggregate.MeanDrift(drifts)
		rep.Transition = n.detector.Observe(round, rep.Entropy)
		if rep.Transition.Derivative > domain.FromFloat(n.cfg.Gate.DerivativeThreshold) {
			n.vote(round, rep.Transition)
		}
		n.weights.Lerp(res.Vector, regime.LearningRate(rep.Transition.To))
		n.observeResidual(own, res.Vector)
		n.variance = persist.Variance(vectors(in), res.Vector)
		n.contributors = len(in)
		n.tracer.EndPhase(span, nil, map[string]string{
			"regime":  rep.Transition.To.String(),
			"entropy": rep.Entropy.String(),
		})
	} else if !errors.Is(err, domain.ErrNoContributions) {
		log.Printf("[node] %s round %d: aggregate: %v", id, round, err)
	}

	// 6. Gossip
	span = n.tracer.StartPhase(ctx, id, round, PhaseGossip)
	rep.Epidemic = n.epidemic.Update(n.residual, n.accuracy, n.pool.Admit(energy.OpGossipSend))
	if own != nil && n.shouldSend() {
		n.originate(ctx, round, own)
	}
	if n.cfg.SummaryEvery > 0 && round%n.cfg.SummaryEvery == 0 {
		n.publishSummary(round)
	}
	rep.Sent = n.flush(ctx)
	n.tracer.EndPhase(span, nil, map[string]string{"sent": strconv.Itoa(rep.Sent)})

	// 7. Audit
	if n.auditor != nil {
		span = n.tracer.StartPhase(ctx, id, round, PhaseAudit)
		rec := n.audit(ctx, round)
		rep.Audit = &rec
		n.tracer.EndPhase(span, nil, map[string]string{
			"sampled": strconv.Itoa(len(rec.Sampled)),
			"failed":  strconv.Itoa(len(rec.Failed)),
		})
	}

	// 8. Checkpoint
	if n.persist != nil && n.persist.Due(round) {
		span = n.tracer.StartPhase(ctx, id, round, PhaseCheckpoint)
		_, err := n.persist.Checkpoint(ctx, n.snapshotLocked())
		if err != nil {
			log.Printf("[node] %s round %d: checkpoint: %v", id, round, err)
		}
		rep.Checkpointed = err == nil
		n.tracer.EndPhase(span, err, nil)
	}

	rep.EnergyLevel = n.pool.Level()
	n.lastReport = rep
	observability.RoundsCompleted.Inc()
	return rep, nil
}

// adapt produces and files the local update when the energy gate admits it.
// A refusal is silent: the node simply sits the round out.
func (n *Node) adapt(ctx context.Context, round uint64) (domain.Vector, error) {
	if !n.pool.TrySpend(energy.OpAdapt) {
		return nil, nil
	}
	v, err := n.dep.Model.Update(ctx, round, n.weights.Clone())
	if err != nil {
		return nil, fmt.Errorf("local update: %w", err)
	}
	if len(v) != n.cfg.Dimension {
		return nil, fmt.Errorf("local update dim %d, want %d: %w", len(v), n.cfg.Dimension, domain.ErrDimensionMismatch)
	}
	n.lastUpdate = v.Clone()
	n.inbox.Add(domain.Contribution{NodeID: n.cfg.ID, Round: round, Vector: v.Clone()}, round)
	return v, nil
}

// admit runs the reputation gate and attaches influence weights.
func (n *Node) admit(contribs []domain.Contribution) (in []aggregate.Weighted, gated []string) {
	byID := make(map[string]domain.Vector, len(contribs))
	ids := make([]string, 0, len(contribs))
	for _, c := range contribs {
		byID[c.NodeID] = c.Vector
		ids = append(ids, c.NodeID)
	}
	admitted, gated := n.tracker.Admit(ids)
	weights := n.tracker.InfluenceWeights(admitted, len(n.topo.Nodes()))
	in = make([]aggregate.Weighted, len(admitted))
	for i, id := range admitted {
		in[i] = aggregate.Weighted{NodeID: id, Vector: byID[id], Weight: weights[i]}
	}
	return in, gated
}

func (n *Node) aggregate(r domain.Regime, in []aggregate.Weighted) (aggregate.Result, error) {
	cfg := n.cfg.Aggregate
	cfg.Dimension = n.cfg.Dimension
	strategy, err := aggregate.ForRegime(r, cfg)
	if err != nil {
		return aggregate.Result{}, err
	}
	res, err := strategy.Aggregate(in)
	if err != nil {
		return res, err
	}
	if res.Fallback != "" {
		observability.AggregationFallbacks.WithLabelValues(strategy.Name(), res.Fallback).Inc()
	}
	return res, nil
}

// observeResidual tracks how far the local update sits from consensus and
// whether that distance is improving.
func (n *Node) observeResidual(own, consensus domain.Vector) {
	if own == nil {
		return
	}
	residual := own.RMSDistance(consensus)
	if n.hasResidual {
		n.accuracy = n.residual.Sub(residual)
	}
	n.residual, n.hasResidual = residual, true
	if n.drift.Observe(residual) {
		log.Printf("[node] %s: residual %s is a 3σ outlier (mean %.4f)", n.cfg.ID, residual, n.drift.Mean())
	}
}

// shouldSend applies cadence and strategic silence to routine sends.
// An infectious node always spreads.
func (n *Node) shouldSend() bool {
	if n.epidemic.CanOriginate() {
		return true
	}
	if n.cfg.Silence && n.detector.StableForSilence() {
		return false
	}
	if n.cfg.UseCadence && !n.cadence.Due(n.detector.Current(), n.tracker.Score(n.cfg.ID)) {
		return false
	}
	return true
}

// audit verifies the previous round's sample. Updates for a round keep
// arriving until the next one starts, so auditing one round behind lets
// every node see the same claims.
func (n *Node) audit(ctx context.Context, round uint64) domain.AuditRecord {
	if round < 2 {
		return domain.AuditRecord{Round: round}
	}
	target := round - 1
	claims := n.claims[target]
	delete(n.claims, target)

	members := n.topo.Nodes()
	for _, id := range n.auditor.Sample(target, members) {
		if id == n.cfg.ID {
			n.pool.TrySpend(energy.OpAuditResponse)
			break
		}
	}
	return n.auditor.Audit(ctx, target, members, claims)
}

// fileClaims keeps drained updates by round for the audit, dropping rounds
// too old to be audited.
func (n *Node) fileClaims(round uint64, contribs []domain.Contribution) {
	if n.auditor == nil {
		return
	}
	if n.claims == nil {
		n.claims = make(map[uint64]map[string]domain.Vector)
	}
	for _, c := range contribs {
		if c.Round+1 < round {
			continue
		}
		m := n.claims[c.Round]
		if m == nil {
			m = make(map[string]domain.Vector)
			n.claims[c.Round] = m
		}
		m[c.NodeID] = c.Vector
	}
	for r := range n.claims {
		if r+1 < round {
			delete(n.claims, r)
		}
	}
}

// scored adds the drifts of probation updates to the admitted ones. An id
// that also arrived through the normal path keeps its admitted drift.
func scored(drifts map[string]domain.Fixed, observed, contribs []domain.Contribution, consensus domain.Vector) map[string]domain.Fixed {
	if len(observed) == 0 {
		return drifts
	}
	present := make(map[string]bool, len(contribs))
	for _, c := range contribs {
		present[c.NodeID] = true
	}
	out := make(map[string]domain.Fixed, len(drifts)+len(observed))
	for id, d := range drifts {
		out[id] = d
	}
	var extra []aggregate.Weighted
	for _, c := range observed {
		if !present[c.NodeID] {
			extra = append(extra, aggregate.Weighted{NodeID: c.NodeID, Vector: c.Vector})
		}
	}
	for id, d := range aggregate.Drifts(extra, consensus) {
		out[id] = d
	}
	return out
}

func vectors(in []aggregate.Weighted) []domain.Vector {
	out := make([]domain.Vector, len(in))
	for i, w := range in {
		out[i] = w.Vector
	}
	return out
}
