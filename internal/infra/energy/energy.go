// Package energy models a node's battery as an integer pool that gates
// every costed operation. A refused operation leaves the level untouched and
// has no effect on reputation.
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/observability"
)

// ─── Operations ─────────────────────────────────────────────────────────────

// Op is a costed node operation.
type Op uint8

const (
	OpGossipSend Op = iota
	OpGossipReceive
	OpAdapt
	OpPredict
	OpHeartbeat
	OpAuditResponse
)

func (o Op) String() string {
	switch o {
	case OpGossipSend:
		return "GOSSIP_SEND"
	case OpGossipReceive:
		return "GOSSIP_RECEIVE"
	case OpAdapt:
		return "ADAPT"
	case OpPredict:
		return "PREDICT"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpAuditResponse:
		return "AUDIT_RESPONSE"
	default:
		return fmt.Sprintf("OP(%d)", o)
	}
}

// Status is the coarse battery state.
type Status uint8

const (
	StatusNormal Status = iota
	StatusLow
	StatusCritical
)

func (s Status) String() string {
	switch s {
	case StatusLow:
		return "LOW"
	case StatusCritical:
		return "CRITICAL"
	default:
		return "NORMAL"
	}
}

// ─── Configuration ──────────────────────────────────────────────────────────

// Config holds capacity, per-operation costs and harvest rates in energy units.
type Config struct {
	Capacity         int64
	ReserveThreshold float64 // fraction below which costed ops are refused
	LowThreshold     float64
	Costs            map[Op]int64
	HarvestCalm      int64
	HarvestPreStorm  int64
	HarvestStorm     int64
}

// DefaultConfig returns the reference costs.
func DefaultConfig() Config {
	return Config{
		Capacity:         1000,
		ReserveThreshold: 0.10,
		LowThreshold:     0.30,
		Costs: map[Op]int64{
			OpGossipSend:    50,
			OpGossipReceive: 20,
			OpAdapt:         25,
			OpPredict:       1,
			OpHeartbeat:     5,
			OpAuditResponse: 30,
		},
		HarvestCalm:     5,
		HarvestPreStorm: 3,
		HarvestStorm:    2,
	}
}

// ─── Pool ───────────────────────────────────────────────────────────────────

// Pool is one node's energy store.
type Pool struct {
	mu        sync.RWMutex
	cfg       Config
	level     int64
	reserve   int64
	low       int64
	brownouts uint64
	refusals  uint64
}

// NewPool creates a full pool.
func NewPool(cfg Config) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.Costs == nil {
		cfg.Costs = DefaultConfig().Costs
	}
	return &Pool{
		cfg:     cfg,
		level:   cfg.Capacity,
		reserve: int64(math.Round(float64(cfg.Capacity) * cfg.ReserveThreshold)),
		low:     int64(math.Round(float64(cfg.Capacity) * cfg.LowThreshold)),
	}
}

// Cost returns the configured cost of an operation.
func (p *Pool) Cost(op Op) int64 { return p.cfg.Costs[op] }

// Admit reports whether op may run now. It never changes state.
func (p *Pool) Admit(op Op) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.admitLocked(op)
}

func (p *Pool) admitLocked(op Op) bool {
	return p.level >= p.reserve && p.level >= p.cfg.Costs[op]
}

// TrySpend admits and charges op in one step. A refusal is silent. An
// admitted charge that leaves the level under the reserve is a brownout.
func (p *Pool) TrySpend(op Op) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.admitLocked(op) {
		p.refusals++
		observability.EnergyRefusals.WithLabelValues(op.String()).Inc()
		return false
	}
	p.chargeLocked(p.cfg.Costs[op])
	return true
}

// Spend charges op without the reserve check. Attempting a cost above the
// level is a brownout: it is counted and the level stays unchanged.
func (p *Pool) Spend(op Op) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cost := p.cfg.Costs[op]
	if cost > p.level {
		p.brownoutLocked()
		return false
	}
	p.chargeLocked(cost)
	return true
}

// chargeLocked deducts cost, counting a brownout when the level crosses
// from at-or-above the reserve to below it.
func (p *Pool) chargeLocked(cost int64) {
	before := p.level
	p.level -= cost
	if before >= p.reserve && p.level < p.reserve {
		p.brownoutLocked()
	}
}

func (p *Pool) brownoutLocked() {
	p.brownouts++
	observability.EnergyBrownouts.Inc()
}

// Harvest adds the regime's per-round recharge, clamped to capacity.
func (p *Pool) Harvest(r domain.Regime) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	gain := p.cfg.HarvestCalm
	switch r {
	case domain.RegimePreStorm:
		gain = p.cfg.HarvestPreStorm
	case domain.RegimeStorm:
		gain = p.cfg.HarvestStorm
	}
	before := p.level
	p.level += gain
	if p.level > p.cfg.Capacity {
		p.level = p.cfg.Capacity
	}
	return p.level - before
}

// Level returns the current energy in units.
func (p *Pool) Level() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.level
}

// Capacity returns the pool size.
func (p *Pool) Capacity() int64 { return p.cfg.Capacity }

// Fraction returns level/capacity for reporting.
func (p *Pool) Fraction() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return float64(p.level) / float64(p.cfg.Capacity)
}

// Status classifies the current level.
func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case p.level < p.reserve:
		return StatusCritical
	case p.level < p.low:
		return StatusLow
	default:
		return StatusNormal
	}
}

// Brownouts returns how many charges fell under the reserve or exceeded the
// level.
func (p *Pool) Brownouts() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.brownouts
}

// Refusals returns how many TrySpend calls were refused.
func (p *Pool) Refusals() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refusals
}

// Restore sets the level from a snapshot, clamped to [0, capacity].
func (p *Pool) Restore(level int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case level < 0:
		level = 0
	case level > p.cfg.Capacity:
		level = p.cfg.Capacity
	}
	p.level = level
}
