// Package gossip spreads qualifying updates through the swarm.
//
// A node's update only travels when the node is Infectious: its residual
// error is low and still improving. Once improvement stalls the node is
// Cured and neither originates nor relays, so gossip dies out on its own.
//
//	Susceptible ──(residual<τ ∧ Δacc>δ ∧ energy)──▶ Infectious
//	Infectious  ──(no improvement for N rounds)───▶ Cured
//	any         ──(residual ≥ τ)──────────────────▶ Susceptible
package gossip

import (
	"sync"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// EpidemicConfig holds the infection and cure thresholds.
type EpidemicConfig struct {
	CureResidualThreshold float64
	CureAccuracyMinDelta  float64
	CureConfirmRounds     int
}

// DefaultEpidemicConfig returns the standard thresholds.
func DefaultEpidemicConfig() EpidemicConfig {
	return EpidemicConfig{
		CureResidualThreshold: 0.03,
		CureAccuracyMinDelta:  0.005,
		CureConfirmRounds:     2,
	}
}

// Epidemic is one node's gossip state machine.
type Epidemic struct {
	mu       sync.RWMutex
	rec      domain.EpidemicRecord
	residual domain.Fixed
	minDelta domain.Fixed
	confirm  uint8
}

// NewEpidemic starts Susceptible.
func NewEpidemic(cfg EpidemicConfig) *Epidemic {
	confirm := cfg.CureConfirmRounds
	if confirm < 1 {
		confirm = 1
	}
	return &Epidemic{
		residual: domain.FromFloat(cfg.CureResidualThreshold),
		minDelta: domain.FromFloat(cfg.CureAccuracyMinDelta),
		confirm:  uint8(confirm),
	}
}

// Update applies one round of local measurements and returns the new state.
// energyOK says whether the node can afford to start transmitting.
func (e *Epidemic) Update(residual, accuracyDelta domain.Fixed, energyOK bool) domain.EpidemicState {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := &e.rec
	r.Residual = residual
	r.AccuracyDelta = accuracyDelta

	if residual >= e.residual {
		r.State = domain.Susceptible
		r.CureCounter = 0
		return r.State
	}

	switch r.State {
	case domain.Susceptible:
		if accuracyDelta > e.minDelta && energyOK {
			r.State = domain.Infectious
			r.CureCounter = 0
		}
	case domain.Infectious:
		if accuracyDelta > e.minDelta {
			r.CureCounter = 0
			break
		}
		r.CureCounter++
		if r.CureCounter >= e.confirm {
			r.State = domain.Cured
		}
	}
	return r.State
}

// State returns the current state.
func (e *Epidemic) State() domain.EpidemicState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec.State
}

// CanOriginate reports whether the node may broadcast its own update.
func (e *Epidemic) CanOriginate() bool { return e.State() == domain.Infectious }

// CanRelay reports whether the node may forward others' updates.
func (e *Epidemic) CanRelay() bool { return e.State() != domain.Cured }

// Record returns the snapshot form.
func (e *Epidemic) Record() domain.EpidemicRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec
}

// Restore loads the snapshot form.
func (e *Epidemic) Restore(r domain.EpidemicRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec = r
}
