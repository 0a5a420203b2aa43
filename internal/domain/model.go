// Package domain contains pure swarm types with ZERO infrastructure imports.
// This is the innermost ring: fixed-point math, regimes, contributions,
// snapshots and the capability interfaces the infra layer implements.
package domain

import (
	"fmt"
	"sort"
	"strings"
)

// ─── Regime ─────────────────────────────────────────────────────────────────

// Regime is the swarm operating mode.
type Regime uint8

const (
	RegimeCalm Regime = iota
	RegimePreStorm
	RegimeStorm
)

// String returns the regime label.
func (r Regime) String() string {
	switch r {
	case RegimeCalm:
		return "CALM"
	case RegimePreStorm:
		return "PRESTORM"
	case RegimeStorm:
		return "STORM"
	default:
		return fmt.Sprintf("REGIME(%d)", uint8(r))
	}
}

// ParseRegime accepts the labels produced by String, case-insensitively.
func ParseRegime(s string) (Regime, error) {
	switch strings.ToUpper(strings.ReplaceAll(s, "_", "")) {
	case "CALM":
		return RegimeCalm, nil
	case "PRESTORM":
		return RegimePreStorm, nil
	case "STORM":
		return RegimeStorm, nil
	}
	return 0, fmt.Errorf("unknown regime %q", s)
}

// ─── Contributions ──────────────────────────────────────────────────────────

// Contribution is one node's update vector for a round, as received.
type Contribution struct {
	NodeID string
	Round  uint64
	Vector Vector
}

// SortContributions orders by node ID so every node sees the same input order.
func SortContributions(cs []Contribution) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].NodeID < cs[j].NodeID })
}

// ─── Epidemic ───────────────────────────────────────────────────────────────

// EpidemicState tracks a node's place in the cure protocol.
type EpidemicState uint8

const (
	Susceptible EpidemicState = iota
	Infectious
	Cured
)

// String returns the state label.
func (s EpidemicState) String() string {
	switch s {
	case Susceptible:
		return "SUSCEPTIBLE"
	case Infectious:
		return "INFECTIOUS"
	case Cured:
		return "CURED"
	default:
		return fmt.Sprintf("EPIDEMIC(%d)", uint8(s))
	}
}

// EpidemicRecord is the persisted cure-protocol state of one node.
type EpidemicRecord struct {
	State         EpidemicState
	Residual      Fixed
	AccuracyDelta Fixed
	CureCounter   uint8
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

// ReputationEntry is one row of the persisted reputation table.
type ReputationEntry struct {
	NodeID        string
	Score         Fixed
	Banned        bool
	AuditFailures uint16
}

// RegimeState is the full detector state needed to resume bit-exactly.
type RegimeState struct {
	Current     Regime
	Pending     Regime
	Streak      uint32   // consecutive confirmations for Pending
	Dwell       uint32   // rounds spent in Current
	Window      [3]Fixed // raw entropy moving-average window
	WindowLen   uint8
	WindowNext  uint8
	Smoothed    [3]Fixed // last three smoothed values, oldest first
	SmoothedLen uint8
	CalmRounds  uint32
}

// Validate rejects states the detector could not have produced. The
// window cursors index fixed three-slot arrays.
func (s RegimeState) Validate() error {
	switch {
	case s.Current > RegimeStorm || s.Pending > RegimeStorm:
		return fmt.Errorf("regime %d/%d: %w", s.Current, s.Pending, ErrSnapshotCorrupt)
	case s.WindowLen > 3 || s.WindowNext >= 3:
		return fmt.Errorf("window len %d next %d: %w", s.WindowLen, s.WindowNext, ErrSnapshotCorrupt)
	case s.SmoothedLen > 3:
		return fmt.Errorf("smoothed len %d: %w", s.SmoothedLen, ErrSnapshotCorrupt)
	}
	return nil
}

// Placement records which zone a node belongs to.
type Placement struct {
	NodeID string
	Zone   string
}

// Snapshot is everything a node needs to resume after power loss.
type Snapshot struct {
	NodeID         string
	Round          uint64
	Regime         RegimeState
	Weights        Vector
	Reputation     []ReputationEntry // sorted by NodeID
	Placement      []Placement       // sorted by NodeID
	EnergyLevel    int64
	EnergyCapacity int64
	Epidemic       EpidemicRecord
	CreatedAtMs    int64
}

// Canonicalize puts the id tables into canonical order.
func (s *Snapshot) Canonicalize() {
	sort.Slice(s.Reputation, func(i, j int) bool {
		return s.Reputation[i].NodeID < s.Reputation[j].NodeID
	})
	sort.Slice(s.Placement, func(i, j int) bool {
		return s.Placement[i].NodeID < s.Placement[j].NodeID
	})
}

// Summary is the compact onboarding record a new node fetches instead of
// replaying history.
type Summary struct {
	Round        uint64
	Consensus    Vector
	Variance     Vector
	Contributors uint32
	Digest       [32]byte // SHA-256 of the source snapshot encoding
}

// ─── Audit ──────────────────────────────────────────────────────────────────

// AuditRecord is the outcome of one round of collusion auditing.
type AuditRecord struct {
	ID       string
	Round    uint64
	Sampled  []string
	Failed   []string
	Banned   []string
	Failures map[string]int // cumulative, sampled nodes only
}
