package regime

import (
	"sort"
	"sync"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Consensus Gate ─────────────────────────────────────────────────────────

// Vote is one node's claim that a storm is building.
// Reputation is never taken from the vote; the gate looks it up locally.
type Vote struct {
	NodeID     string
	Round      uint64
	Derivative domain.Fixed
}

// ReputationSource is the local reputation view the gate trusts.
type ReputationSource interface {
	Score(nodeID string) domain.Fixed
	IsBanned(nodeID string) bool
}

// GateConfig configures the quorum.
type GateConfig struct {
	Quorum              int     // distinct trusted voters required
	HighReputation      float64 // minimum local reputation of a voter
	VoteWindowRounds    uint64  // votes older than this are pruned
	DerivativeThreshold float64 // a vote only counts above θ1
}

// DefaultGateConfig returns the standard quorum settings.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Quorum:              3,
		HighReputation:      0.8,
		VoteWindowRounds:    10,
		DerivativeThreshold: 0.05,
	}
}

// ConsensusGate authorizes Storm only when enough high-reputation nodes
// independently report a rising derivative.
type ConsensusGate struct {
	mu      sync.RWMutex
	cfg     GateConfig
	rep     ReputationSource
	votes   map[string]Vote // latest per node
	highRep domain.Fixed
	deriv   domain.Fixed
}

// NewConsensusGate creates a gate backed by the local reputation view.
func NewConsensusGate(cfg GateConfig, rep ReputationSource) *ConsensusGate {
	return &ConsensusGate{
		cfg:     cfg,
		rep:     rep,
		votes:   make(map[string]Vote),
		highRep: domain.FromFloat(cfg.HighReputation),
		deriv:   domain.FromFloat(cfg.DerivativeThreshold),
	}
}

// Submit records a vote. It returns false for a repeat vote from the same
// node in the same round or a vote older than the node's latest.
func (g *ConsensusGate) Submit(v Vote) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.votes[v.NodeID]; ok && v.Round <= prev.Round {
		return false
	}
	g.votes[v.NodeID] = v
	return true
}

// Authorized counts distinct trusted voters within the window at round.
func (g *ConsensusGate) Authorized(round uint64) bool {
	return len(g.Supporters(round)) >= g.cfg.Quorum
}

// Supporters returns, sorted, the voters currently counting toward quorum.
// Expired votes are pruned as a side effect.
func (g *ConsensusGate) Supporters(round uint64) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []string
	for id, v := range g.votes {
		if v.Round+g.cfg.VoteWindowRounds < round {
			delete(g.votes, id)
			continue
		}
		if v.Round > round || v.Derivative <= g.deriv {
			continue
		}
		if g.rep == nil || g.rep.IsBanned(id) || g.rep.Score(id) < g.highRep {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Pending returns the number of stored votes.
func (g *ConsensusGate) Pending() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.votes)
}
