package node

import (
	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/gossip"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/observability"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/reputation"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/topology"
)

// EnergyStatus is the energy section of Status.
type EnergyStatus struct {
	Level     int64   `json:"level"`
	Capacity  int64   `json:"capacity"`
	Fraction  float64 `json:"fraction"`
	Status    string  `json:"status"`
	Brownouts uint64  `json:"brownouts"`
	Refusals  uint64  `json:"refusals"`
}

// CheckpointStatus is the persistence section of Status.
type CheckpointStatus struct {
	Enabled   bool   `json:"enabled"`
	LastRound uint64 `json:"last_round"`
	LastSize  int    `json:"last_size"`
	Written   uint64 `json:"written"`
}

// Status is a point-in-time view of the node for operators.
type Status struct {
	NodeID         string               `json:"node_id"`
	Zone           string               `json:"zone"`
	Round          uint64               `json:"round"`
	Regime         string               `json:"regime"`
	Awaiting       bool                 `json:"awaiting_summary"`
	Score          float64              `json:"reputation"`
	Banned         bool                 `json:"banned"`
	BridgeEligible bool                 `json:"bridge_eligible"`
	Epidemic       string               `json:"epidemic"`
	Residual       float64              `json:"residual"`
	AccuracyDelta  float64              `json:"accuracy_delta"`
	Weights        []float64            `json:"weights"`
	Peers          int                  `json:"peers"`
	Contributors   int                  `json:"contributors"`
	Known          int                  `json:"known_nodes"`
	BannedNodes    int                  `json:"banned_nodes"`
	Energy         EnergyStatus         `json:"energy"`
	Inbox          gossip.InboxStats    `json:"inbox"`
	Bridge         topology.BridgeStats `json:"bridge"`
	QueueLen       int                  `json:"queue_len"`
	QueueDropped   uint64               `json:"queue_dropped"`
	Traffic        Traffic              `json:"traffic"`
	Checkpoint     CheckpointStatus     `json:"checkpoint"`
}

// Status reports the node's current state.
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()

	zone, _ := n.topo.ZoneOf(n.cfg.ID)
	score := n.tracker.Score(n.cfg.ID)
	st := Status{
		NodeID:         n.cfg.ID,
		Zone:           zone,
		Round:          n.round,
		Regime:         n.detector.Current().String(),
		Awaiting:       n.awaiting,
		Score:          score.Float(),
		Banned:         n.tracker.IsBanned(n.cfg.ID),
		BridgeEligible: n.bridge.Eligible(score),
		Epidemic:       n.epidemic.State().String(),
		Residual:       n.residual.Float(),
		AccuracyDelta:  n.accuracy.Float(),
		Weights:        n.weights.Floats(),
		Peers:          len(n.peers()),
		Contributors:   n.contributors,
		Known:          n.tracker.NodeCount(),
		BannedNodes:    n.tracker.BannedCount(),
		Energy: EnergyStatus{
			Level:     n.pool.Level(),
			Capacity:  n.pool.Capacity(),
			Fraction:  n.pool.Fraction(),
			Status:    n.pool.Status().String(),
			Brownouts: n.pool.Brownouts(),
			Refusals:  n.pool.Refusals(),
		},
		Inbox:        n.inbox.Stats(),
		Bridge:       n.bridge.Stats(),
		QueueLen:     n.queue.Len(),
		QueueDropped: n.queue.Dropped(),
		Traffic:      n.traffic,
	}
	if n.persist != nil {
		st.Checkpoint.Enabled = true
		st.Checkpoint.LastRound, st.Checkpoint.LastSize, st.Checkpoint.Written = n.persist.Stats()
	}
	return st
}

// CurrentRound returns the last completed round.
func (n *Node) CurrentRound() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.round
}

// Weights returns a copy of the model weights.
func (n *Node) Weights() domain.Vector {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.weights.Clone()
}

// Regime returns the active regime.
func (n *Node) Regime() domain.Regime { return n.detector.Current() }

// LastReport returns the report of the most recent round.
func (n *Node) LastReport() RoundReport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastReport
}

// Traffic returns cumulative transport counters.
func (n *Node) Traffic() Traffic {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.traffic
}

// Reputation returns the local reputation table, best first.
func (n *Node) Reputation(limit int) []reputation.NodeReputation {
	return n.tracker.TopNodes(limit)
}

// ReputationOf returns this node's view of another node's score.
func (n *Node) ReputationOf(id string) domain.Fixed { return n.tracker.Score(id) }

// IsBanned reports whether this node has banned id.
func (n *Node) IsBanned(id string) bool { return n.tracker.IsBanned(id) }

// Tracer returns the round span recorder.
func (n *Node) Tracer() *observability.Tracer { return n.tracer }
