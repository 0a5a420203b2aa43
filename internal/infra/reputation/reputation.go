// Package reputation implements asymmetric trust scoring for swarm nodes.
//
// Each node carries one score in [0,1], starting neutral at 0.5:
//   - Agreement with the round's consensus earns a small reward.
//   - Deviation costs a larger penalty (slow to earn, fast to lose).
//   - Below the soft gate a node is left out of aggregation for the round.
//   - Below the ban threshold, or after repeated audit failures, it is out for good.
//
// Influence = min(score^k, RawWeightCap), then share-capped so no single
// node carries more than max(InfluenceCap, 1/m) of a round's weight.
//
// All scores are Q16.16 so every node derives identical aggregation weights.
package reputation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// DefaultReputation for brand new nodes (neutral).
	DefaultReputation = 0.5

	// HonestReward is earned for an update close to consensus.
	HonestReward = 0.02

	// DriftPenalty is charged for an update far from consensus.
	DriftPenalty = 0.08

	// AuditFailurePenalty is charged when a sampled update fails verification.
	AuditFailurePenalty = 0.15

	// GatedDecay is charged each round a node sits below the soft gate.
	GatedDecay = 0.01

	// BanThreshold: scores below this are permanently excluded.
	BanThreshold = 0.2

	// SoftGateThreshold: scores below this sit out the current round.
	SoftGateThreshold = 0.4

	// DeviationThreshold is the RMS distance from consensus that counts as drift.
	DeviationThreshold = 0.3

	// HighReputation is the bar for bridge eligibility and regime votes.
	HighReputation = 0.8
)

// ─── Types ──────────────────────────────────────────────────────────────────

// NodeReputation stores a node's complete reputation state.
type NodeReputation struct {
	NodeID        string
	Score         domain.Fixed
	Banned        bool
	BanReason     string
	AuditFailures int
	Rounds        int // rounds this node has been scored
	LastUpdate    time.Time
	JoinedAt      time.Time
}

// IsTrusted returns whether this node meets a minimum threshold.
func (nr *NodeReputation) IsTrusted(threshold domain.Fixed) bool {
	return !nr.Banned && nr.Score >= threshold
}

// TrustTier returns a human label for the trust level.
func (nr *NodeReputation) TrustTier() string {
	if nr.Banned {
		return "BANNED"
	}
	o := nr.Score.Float()
	switch {
	case o >= 0.8:
		return "TRUSTED"
	case o >= SoftGateThreshold:
		return "NEUTRAL"
	case o >= BanThreshold:
		return "GATED"
	default:
		return "POOR"
	}
}

// ─── Configuration ──────────────────────────────────────────────────────────

// TrackerConfig configures the reputation tracker.
type TrackerConfig struct {
	Initial            float64
	HonestReward       float64
	DriftPenalty       float64
	AuditPenalty       float64
	GatedDecay         float64
	BanThreshold       float64
	SoftGateThreshold  float64
	DeviationThreshold float64 // RMS distance that counts as drift
	MinAdmitted        int     // below this the soft gate relaxes (default 4)
	MinTrimmable       int     // below this everyone non-banned is admitted (default 3)
	Exponent           float64 // 0 = pick from swarm size
	RawWeightCap       float64 // cap on score^k before share capping
	InfluenceCap       float64 // max share of a round's total weight
}

// DefaultTrackerConfig returns the tuned defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Initial:            DefaultReputation,
		HonestReward:       HonestReward,
		DriftPenalty:       DriftPenalty,
		AuditPenalty:       AuditFailurePenalty,
		GatedDecay:         GatedDecay,
		BanThreshold:       BanThreshold,
		SoftGateThreshold:  SoftGateThreshold,
		DeviationThreshold: DeviationThreshold,
		MinAdmitted:        4,
		MinTrimmable:       3,
		Exponent:           0,
		RawWeightCap:       0.8,
		InfluenceCap:       0.03,
	}
}

// fixedConfig is TrackerConfig converted once, so rounds never touch floats.
type fixedConfig struct {
	initial, reward, drift, audit, decay domain.Fixed
	ban, soft, deviation                 domain.Fixed
	rawCap, shareCap                     domain.Fixed
}

func (c TrackerConfig) fixed() fixedConfig {
	return fixedConfig{
		initial:   domain.FromFloat(c.Initial),
		reward:    domain.FromFloat(c.HonestReward),
		drift:     domain.FromFloat(c.DriftPenalty),
		audit:     domain.FromFloat(c.AuditPenalty),
		decay:     domain.FromFloat(c.GatedDecay),
		ban:       domain.FromFloat(c.BanThreshold),
		soft:      domain.FromFloat(c.SoftGateThreshold),
		deviation: domain.FromFloat(c.DeviationThreshold),
		rawCap:    domain.FromFloat(c.RawWeightCap),
		shareCap:  domain.FromFloat(c.InfluenceCap),
	}
}

// ─── Tracker ────────────────────────────────────────────────────────────────

// Tracker manages reputation for every node this node has heard from.
// Thread-safe via RWMutex.
type Tracker struct {
	mu     sync.RWMutex
	config TrackerConfig
	fx     fixedConfig
	nodes  map[string]*NodeReputation // nodeID → reputation

	// Injectable clock for testing.
	now func() time.Time
}

// NewTracker creates a reputation tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MinAdmitted <= 0 {
		cfg.MinAdmitted = 4
	}
	if cfg.MinTrimmable <= 0 {
		cfg.MinTrimmable = 3
	}
	return &Tracker{
		config: cfg,
		fx:     cfg.fixed(),
		nodes:  make(map[string]*NodeReputation),
		now:    time.Now,
	}
}

// Config returns the tracker configuration.
func (t *Tracker) Config() TrackerConfig { return t.config }

// DeviationThreshold returns the drift bar in fixed point.
func (t *Tracker) DeviationThreshold() domain.Fixed { return t.fx.deviation }

// ─── Node Registration ─────────────────────────────────────────────────────

// Register initializes reputation for a new node at the neutral level.
func (t *Tracker) Register(nodeID string) *NodeReputation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(nodeID)
}

func (t *Tracker) registerLocked(nodeID string) *NodeReputation {
	if existing, ok := t.nodes[nodeID]; ok {
		return existing
	}
	now := t.now()
	rep := &NodeReputation{
		NodeID:     nodeID,
		Score:      t.fx.initial,
		LastUpdate: now,
		JoinedAt:   now,
	}
	t.nodes[nodeID] = rep
	return rep
}

// Get returns a copy of a node's reputation. Returns nil if not registered.
func (t *Tracker) Get(nodeID string) *NodeReputation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rep, ok := t.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *rep
	return &cp
}

// Score returns the node's score, or the initial score if unknown.
func (t *Tracker) Score(nodeID string) domain.Fixed {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rep, ok := t.nodes[nodeID]; ok {
		return rep.Score
	}
	return t.fx.initial
}

// IsBanned reports permanent exclusion.
func (t *Tracker) IsBanned(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rep, ok := t.nodes[nodeID]
	return ok && rep.Banned
}

// ─── Score Updates ──────────────────────────────────────────────────────────

// Reward raises a node's score, clamped to 1.
func (t *Tracker) Reward(nodeID string, amount domain.Fixed) error {
	return t.adjust(nodeID, amount)
}

// Penalize lowers a node's score, clamped to 0. Crossing the ban threshold bans.
func (t *Tracker) Penalize(nodeID string, amount domain.Fixed) error {
	return t.adjust(nodeID, -amount)
}

func (t *Tracker) adjust(nodeID string, delta domain.Fixed) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("adjust %s: %w", nodeID, domain.ErrNodeNotRegistered)
	}
	t.applyLocked(rep, delta)
	return nil
}

func (t *Tracker) applyLocked(rep *NodeReputation, delta domain.Fixed) {
	rep.Score = rep.Score.Add(delta).Clamp(0, domain.One)
	rep.LastUpdate = t.now()
	if !rep.Banned && rep.Score < t.fx.ban {
		rep.Banned = true
		rep.BanReason = "reputation below ban threshold"
	}
}

// Ban permanently excludes a node regardless of score.
func (t *Tracker) Ban(nodeID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := t.registerLocked(nodeID)
	if rep.Banned {
		return
	}
	rep.Banned = true
	rep.BanReason = reason
	rep.LastUpdate = t.now()
}

// RecordAuditFailure charges the audit penalty and returns the running count.
func (t *Tracker) RecordAuditFailure(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := t.registerLocked(nodeID)
	rep.AuditFailures++
	t.applyLocked(rep, -t.fx.audit)
	return rep.AuditFailures
}

// AuditFailures returns the cumulative failure count.
func (t *Tracker) AuditFailures(nodeID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rep, ok := t.nodes[nodeID]; ok {
		return rep.AuditFailures
	}
	return 0
}

// RoundOutcome summarizes one ApplyRound call.
type RoundOutcome struct {
	Rewarded    []string
	Penalized   []string
	Decayed     []string
	NewlyBanned []string
}

// ApplyRound scores every admitted node by its drift from the round's
// consensus and decays the soft-gated ones. drifts must come from this
// round's aggregate.
func (t *Tracker) ApplyRound(drifts map[string]domain.Fixed, gated []string) RoundOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out RoundOutcome
	ids := make([]string, 0, len(drifts))
	for id := range drifts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rep := t.registerLocked(id)
		if rep.Banned {
			continue
		}
		rep.Rounds++
		if drifts[id] > t.fx.deviation {
			t.applyLocked(rep, -t.fx.drift)
			out.Penalized = append(out.Penalized, id)
		} else {
			t.applyLocked(rep, t.fx.reward)
			out.Rewarded = append(out.Rewarded, id)
		}
		if rep.Banned {
			out.NewlyBanned = append(out.NewlyBanned, id)
		}
	}

	for _, id := range gated {
		rep := t.registerLocked(id)
		if rep.Banned {
			continue
		}
		t.applyLocked(rep, -t.fx.decay)
		out.Decayed = append(out.Decayed, id)
		if rep.Banned {
			out.NewlyBanned = append(out.NewlyBanned, id)
		}
	}
	return out
}

// ─── Gating ─────────────────────────────────────────────────────────────────

// Admit splits candidates into this round's aggregation input and the
// soft-gated remainder. Banned nodes appear in neither list. The gate
// relaxes to the ban threshold, then to every non-banned node, when too
// few candidates remain for a valid trim.
func (t *Tracker) Admit(candidates []string) (admitted, gated []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := append([]string(nil), candidates...)
	sort.Strings(ids)

	var live []*NodeReputation
	for _, id := range ids {
		rep := t.registerLocked(id)
		if !rep.Banned {
			live = append(live, rep)
		}
	}

	pick := func(bar domain.Fixed) (in, out []string) {
		for _, rep := range live {
			if rep.Score >= bar {
				in = append(in, rep.NodeID)
			} else {
				out = append(out, rep.NodeID)
			}
		}
		return in, out
	}

	admitted, gated = pick(t.fx.soft)
	if len(admitted) < t.config.MinAdmitted {
		admitted, gated = pick(t.fx.ban)
	}
	if len(admitted) < t.config.MinTrimmable {
		admitted, gated = pick(0)
	}
	return admitted, gated
}

// ─── Influence ──────────────────────────────────────────────────────────────

// ExponentForSwarm picks the reputation exponent from swarm size: small
// swarms keep input diversity, large ones lean harder on trust.
func ExponentForSwarm(n int) float64 {
	switch {
	case n < 20:
		return 2.0
	case n > 50:
		return 3.5
	default:
		return 3.0
	}
}

// halfSteps converts an exponent to a count of 0.5 steps.
func halfSteps(k float64) int {
	h := int(k*2 + 0.5)
	if h < 0 {
		return 0
	}
	return h
}

// RawWeight returns min(score^k, RawWeightCap) for one score.
func (t *Tracker) RawWeight(score domain.Fixed, swarmSize int) domain.Fixed {
	k := t.config.Exponent
	if k <= 0 {
		k = ExponentForSwarm(swarmSize)
	}
	w := score.PowHalf(halfSteps(k))
	if t.fx.rawCap > 0 {
		w = domain.Min(w, t.fx.rawCap)
	}
	return w
}

// InfluenceWeights returns one raw weight per id, in the given order.
// Share capping happens per aggregation slice via CapShares.
func (t *Tracker) InfluenceWeights(ids []string, swarmSize int) []domain.Fixed {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Fixed, len(ids))
	for i, id := range ids {
		score := t.fx.initial
		if rep, ok := t.nodes[id]; ok {
			score = rep.Score
		}
		out[i] = t.RawWeight(score, swarmSize)
	}
	return out
}

// ShareCap returns the configured per-node influence cap.
func (t *Tracker) ShareCap() domain.Fixed { return t.fx.shareCap }

// ─── Queries ────────────────────────────────────────────────────────────────

// TopNodes returns nodes sorted by score, descending (ties by ID).
func (t *Tracker) TopNodes(limit int) []NodeReputation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nodes := make([]NodeReputation, 0, len(t.nodes))
	for _, rep := range t.nodes {
		nodes = append(nodes, *rep)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Score != nodes[j].Score {
			return nodes[i].Score > nodes[j].Score
		}
		return nodes[i].NodeID < nodes[j].NodeID
	})
	if limit > 0 && limit < len(nodes) {
		nodes = nodes[:limit]
	}
	return nodes
}

// TrustedNodes returns ids of non-banned nodes at or above threshold, sorted.
func (t *Tracker) TrustedNodes(threshold domain.Fixed) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]string, 0)
	for id, rep := range t.nodes {
		if rep.IsTrusted(threshold) {
			result = append(result, id)
		}
	}
	sort.Strings(result)
	return result
}

// NodeCount returns total registered nodes.
func (t *Tracker) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// BannedCount returns how many nodes are permanently excluded.
func (t *Tracker) BannedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, rep := range t.nodes {
		if rep.Banned {
			n++
		}
	}
	return n
}

// ─── Persistence ────────────────────────────────────────────────────────────

// Export returns the table in canonical order for snapshots.
func (t *Tracker) Export() []domain.ReputationEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.ReputationEntry, 0, len(t.nodes))
	for _, rep := range t.nodes {
		failures := rep.AuditFailures
		if failures > 0xFFFF {
			failures = 0xFFFF
		}
		out = append(out, domain.ReputationEntry{
			NodeID:        rep.NodeID,
			Score:         rep.Score,
			Banned:        rep.Banned,
			AuditFailures: uint16(failures),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Import replaces the table with snapshot entries.
func (t *Tracker) Import(entries []domain.ReputationEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.nodes = make(map[string]*NodeReputation, len(entries))
	for _, e := range entries {
		rep := &NodeReputation{
			NodeID:        e.NodeID,
			Score:         e.Score,
			Banned:        e.Banned,
			AuditFailures: int(e.AuditFailures),
			LastUpdate:    now,
			JoinedAt:      now,
		}
		if e.Banned {
			rep.BanReason = "restored from snapshot"
		}
		t.nodes[e.NodeID] = rep
	}
}
