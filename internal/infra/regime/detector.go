// Package regime classifies swarm conditions into Calm, PreStorm and Storm
// from a smoothed entropy signal, with hysteresis on every transition and a
// reputation-weighted quorum gate on escalation to Storm.
package regime

import (
	"log"
	"sync"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/observability"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config holds detector thresholds. Floats are converted to fixed point once.
type Config struct {
	DerivativeThreshold float64 // θ1: smoothed rise that signals a coming storm
	StormEntropy        float64 // θ2: entropy level that confirms a storm
	CalmEntropy         float64 // θ3: entropy level that confirms calm
	HysteresisRounds    int     // base confirmation count
	MinStormDwell       int     // rounds in Storm before Calm is allowed
	SilenceRounds       int     // calm rounds before strategic silence
	SilenceSpread       float64 // max smoothed-entropy spread during silence
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		DerivativeThreshold: 0.05,
		StormEntropy:        0.25,
		CalmEntropy:         0.1,
		HysteresisRounds:    3,
		MinStormDwell:       5,
		SilenceRounds:       10,
		SilenceSpread:       0.01,
	}
}

// PreStormConfirmations is the Calm→PreStorm streak (⅔ of the base).
func (c Config) PreStormConfirmations() uint32 { return atLeastOne(c.HysteresisRounds * 2 / 3) }

// StormConfirmations is the PreStorm→Storm streak (the base).
func (c Config) StormConfirmations() uint32 { return atLeastOne(c.HysteresisRounds) }

// CalmConfirmations is the Storm→Calm streak (5/3 of the base).
func (c Config) CalmConfirmations() uint32 { return atLeastOne(c.HysteresisRounds * 5 / 3) }

func atLeastOne(n int) uint32 {
	if n < 1 {
		return 1
	}
	return uint32(n)
}

// ─── Detector ───────────────────────────────────────────────────────────────

// Authorizer decides whether Storm escalation is backed by a quorum.
type Authorizer interface {
	Authorized(round uint64) bool
}

// Transition is the outcome of one Observe call.
type Transition struct {
	Round      uint64
	From, To   domain.Regime
	Changed    bool
	Blocked    bool // Storm escalation refused for lack of quorum
	Entropy    domain.Fixed
	Smoothed   domain.Fixed
	Derivative domain.Fixed
}

// Detector is the per-node regime state machine.
type Detector struct {
	mu    sync.RWMutex
	cfg   Config
	gate  Authorizer
	state domain.RegimeState

	deriv, storm, calm, spread domain.Fixed
}

// NewDetector creates a detector starting in Calm. A nil gate authorizes
// every escalation (single-node mode).
func NewDetector(cfg Config, gate Authorizer) *Detector {
	return &Detector{
		cfg:    cfg,
		gate:   gate,
		state:  domain.RegimeState{Current: domain.RegimeCalm, Pending: domain.RegimeCalm},
		deriv:  domain.FromFloat(cfg.DerivativeThreshold),
		storm:  domain.FromFloat(cfg.StormEntropy),
		calm:   domain.FromFloat(cfg.CalmEntropy),
		spread: domain.FromFloat(cfg.SilenceSpread),
	}
}

// Current returns the active regime.
func (d *Detector) Current() domain.Regime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Current
}

// State returns a copy of the full detector state for snapshots.
func (d *Detector) State() domain.RegimeState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Restore replaces the detector state from a snapshot. An impossible
// state is refused with ErrSnapshotCorrupt and the current one is kept.
func (d *Detector) Restore(s domain.RegimeState) error {
	if err := s.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
	return nil
}

// Derivative returns smoothed(t) − smoothed(t−2), zero until three
// smoothed values exist.
func (d *Detector) Derivative() domain.Fixed {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.derivativeLocked()
}

func (d *Detector) derivativeLocked() domain.Fixed {
	if d.state.SmoothedLen < 3 {
		return 0
	}
	return d.state.Smoothed[2].Sub(d.state.Smoothed[0])
}

// Observe feeds one round's entropy and applies at most one transition.
func (d *Detector) Observe(round uint64, entropy domain.Fixed) Transition {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &d.state
	smoothed := d.pushLocked(entropy)
	derivative := d.derivativeLocked()
	s.Dwell++

	tr := Transition{
		Round:      round,
		From:       s.Current,
		To:         s.Current,
		Entropy:    entropy,
		Smoothed:   smoothed,
		Derivative: derivative,
	}

	switch s.Current {
	case domain.RegimeCalm:
		d.confirm(derivative > d.deriv, domain.RegimePreStorm)
		if s.Streak >= d.cfg.PreStormConfirmations() {
			tr.To = domain.RegimePreStorm
		}
		if entropy < d.calm {
			s.CalmRounds++
		} else {
			s.CalmRounds = 0
		}

	case domain.RegimePreStorm:
		if derivative < 0 {
			tr.To = domain.RegimeCalm
			break
		}
		d.confirm(entropy > d.storm, domain.RegimeStorm)
		if s.Streak >= d.cfg.StormConfirmations() {
			if d.gate == nil || d.gate.Authorized(round) {
				tr.To = domain.RegimeStorm
			} else {
				tr.Blocked = true
				observability.RegimeStormBlocked.Inc()
			}
		}

	case domain.RegimeStorm:
		d.confirm(entropy < d.calm, domain.RegimeCalm)
		if s.Streak >= d.cfg.CalmConfirmations() && s.Dwell >= uint32(d.cfg.MinStormDwell) {
			tr.To = domain.RegimeCalm
		}
	}

	if tr.To != tr.From {
		tr.Changed = true
		s.Current = tr.To
		s.Pending = tr.To
		s.Streak = 0
		s.Dwell = 0
		s.CalmRounds = 0
		log.Printf("[regime] round %d: %s → %s (entropy=%s derivative=%s)",
			round, tr.From, tr.To, entropy, derivative)
		observability.RegimeTransitions.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
	}
	observability.RegimeCurrent.Set(float64(s.Current))
	return tr
}

// confirm extends or resets the streak toward target.
func (d *Detector) confirm(cond bool, target domain.Regime) {
	if cond {
		d.state.Pending = target
		d.state.Streak++
		return
	}
	d.state.Pending = d.state.Current
	d.state.Streak = 0
}

// pushLocked adds a raw sample to the 3-point window and records the new
// moving average in the smoothed history.
func (d *Detector) pushLocked(entropy domain.Fixed) domain.Fixed {
	s := &d.state
	s.Window[s.WindowNext] = entropy
	s.WindowNext = (s.WindowNext + 1) % 3
	if s.WindowLen < 3 {
		s.WindowLen++
	}

	var sum int64
	for i := uint8(0); i < s.WindowLen; i++ {
		sum += int64(s.Window[i])
	}
	smoothed := domain.WideToFixed(sum / int64(s.WindowLen))

	if s.SmoothedLen < 3 {
		s.Smoothed[s.SmoothedLen] = smoothed
		s.SmoothedLen++
	} else {
		s.Smoothed[0], s.Smoothed[1], s.Smoothed[2] = s.Smoothed[1], s.Smoothed[2], smoothed
	}
	return smoothed
}

// StableForSilence reports whether the node may skip non-essential gossip:
// Calm for SilenceRounds with the smoothed entropy nearly flat.
func (d *Detector) StableForSilence() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := d.state
	if s.Current != domain.RegimeCalm || s.CalmRounds < uint32(d.cfg.SilenceRounds) || s.SmoothedLen == 0 {
		return false
	}
	lo, hi := s.Smoothed[0], s.Smoothed[0]
	for i := uint8(1); i < s.SmoothedLen; i++ {
		lo = domain.Min(lo, s.Smoothed[i])
		hi = domain.Max(hi, s.Smoothed[i])
	}
	return hi.Sub(lo) <= d.spread
}
