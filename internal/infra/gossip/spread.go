package gossip

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/regime"
)

// ─── Fanout ─────────────────────────────────────────────────────────────────

// SpreadConfig controls how far a single update travels.
type SpreadConfig struct {
	Fanout int    // peers per send
	TTL    uint8  // relay hops
	Seed   uint64 // shared randomness for reproducible runs
}

// DefaultSpreadConfig returns a small fanout suited to lossy links.
func DefaultSpreadConfig() SpreadConfig {
	return SpreadConfig{Fanout: 3, TTL: 4, Seed: 1}
}

// Plan picks up to Fanout peers for self in a round. The choice depends
// only on the seed, self, round and the peer set, not on peer order.
func Plan(cfg SpreadConfig, self string, round uint64, peers []string) []string {
	candidates := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != self {
			candidates = append(candidates, p)
		}
	}
	sort.Strings(candidates)
	candidates = dedupSorted(candidates)
	if cfg.Fanout <= 0 || len(candidates) == 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(planSeed(cfg.Seed, self, round)))
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if cfg.Fanout < len(candidates) {
		candidates = candidates[:cfg.Fanout]
	}
	sort.Strings(candidates)
	return candidates
}

func planSeed(seed uint64, self string, round uint64) int64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], seed)
	binary.LittleEndian.PutUint64(buf[8:], round)
	sum := sha256.Sum256(append(buf[:], self...))
	return int64(binary.LittleEndian.Uint64(sum[:8]))
}

func dedupSorted(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// NextHop decrements a relay TTL. It reports false when the frame must not
// travel further.
func NextHop(ttl uint8) (uint8, bool) {
	if ttl == 0 {
		return 0, false
	}
	return ttl - 1, ttl > 1
}

// ─── Inbox ──────────────────────────────────────────────────────────────────

// InboxConfig bounds how late a contribution may arrive.
type InboxConfig struct {
	StragglerRounds uint64
}

// DefaultInboxConfig accepts contributions up to two rounds late.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{StragglerRounds: 2}
}

// InboxStats counts inbox decisions.
type InboxStats struct {
	Accepted  uint64 `json:"accepted"`
	Late      uint64 `json:"late"`
	Duplicate uint64 `json:"duplicate"`
}

// Inbox buffers received contributions until the node's next round.
// It never blocks a sender and never asks for a retry.
type Inbox struct {
	mu      sync.Mutex
	cfg     InboxConfig
	byRound map[uint64]map[string]domain.Contribution
	stats   InboxStats
}

// NewInbox creates an empty inbox.
func NewInbox(cfg InboxConfig) *Inbox {
	return &Inbox{cfg: cfg, byRound: make(map[uint64]map[string]domain.Contribution)}
}

// Add stores a contribution received while the node is at round current.
func (in *Inbox) Add(c domain.Contribution, current uint64) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if c.Round+in.cfg.StragglerRounds < current {
		in.stats.Late++
		return false
	}
	bucket := in.byRound[c.Round]
	if bucket == nil {
		bucket = make(map[string]domain.Contribution)
		in.byRound[c.Round] = bucket
	}
	if _, dup := bucket[c.NodeID]; dup {
		in.stats.Duplicate++
		return false
	}
	bucket[c.NodeID] = c
	in.stats.Accepted++
	return true
}

// Drain returns the contributions usable at round current: the newest per
// node among rounds within the straggler window, in node-id order. Drained
// and expired rounds are discarded.
func (in *Inbox) Drain(current uint64) []domain.Contribution {
	in.mu.Lock()
	defer in.mu.Unlock()

	latest := make(map[string]domain.Contribution)
	for round, bucket := range in.byRound {
		if round > current {
			continue
		}
		if round+in.cfg.StragglerRounds >= current {
			for id, c := range bucket {
				if prev, ok := latest[id]; !ok || c.Round > prev.Round {
					latest[id] = c
				}
			}
		}
		delete(in.byRound, round)
	}

	out := make([]domain.Contribution, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	domain.SortContributions(out)
	return out
}

// Pending returns the number of buffered contributions.
func (in *Inbox) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, b := range in.byRound {
		n += len(b)
	}
	return n
}

// Stats returns cumulative counters.
func (in *Inbox) Stats() InboxStats {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stats
}

// ─── Cadence ────────────────────────────────────────────────────────────────

// Interval is the regime's base gossip interval scaled by reputation:
// base × (0.2 + 0.8 × rep).
func Interval(r domain.Regime, rep domain.Fixed) time.Duration {
	w := domain.FromFloat(0.2).Add(domain.FromFloat(0.8).Mul(rep.Clamp(0, domain.One)))
	return time.Duration(int64(regime.BaseInterval(r)) * int64(w) >> domain.FracBits)
}

// Cadence tracks when a node last gossiped.
type Cadence struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewCadence creates a cadence that is immediately due.
func NewCadence() *Cadence {
	return &Cadence{now: time.Now}
}

// Due reports whether the interval for (regime, rep) has elapsed.
func (c *Cadence) Due(r domain.Regime, rep domain.Fixed) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.IsZero() || c.now().Sub(c.last) >= Interval(r, rep)
}

// MarkSent records a send at the current time.
func (c *Cadence) MarkSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = c.now()
}
