package gossip

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// ─── Seen Filter ────────────────────────────────────────────────────────────
// Duplicate suppression for relayed frames. Answers "was (sender, round,
// kind) already handled?" with:
//   - No  → definitely new (zero false negatives within the live generations)
//   - Yes → probably seen (false positive rate ≤ configured FPR)
//
// Two Bloom generations rotate so memory stays bounded while recent frames
// remain suppressed for at least one full generation.

// SeenConfig sizes one generation.
type SeenConfig struct {
	ExpectedItems int     // frames per generation
	FPRate        float64 // e.g. 0.001 = 0.1%
}

// DefaultSeenConfig returns defaults for a few thousand frames per generation.
func DefaultSeenConfig() SeenConfig {
	return SeenConfig{ExpectedItems: 4096, FPRate: 0.001}
}

type bloom struct {
	bits    []uint64
	numBits uint
	numHash uint
	count   int
}

// newBloom sizes a filter with the optimal formulas:
//
//	m = -(n * ln(p)) / (ln(2)^2)   (total bits)
//	k = (m/n) * ln(2)              (hash functions)
func newBloom(cfg SeenConfig) *bloom {
	n := float64(cfg.ExpectedItems)
	m := uint(math.Ceil(-(n * math.Log(cfg.FPRate)) / (math.Ln2 * math.Ln2)))
	k := uint(math.Ceil(float64(m) / n * math.Ln2))
	if m == 0 {
		m = 64
	}
	if k == 0 {
		k = 1
	}
	return &bloom{bits: make([]uint64, (m+63)/64), numBits: m, numHash: k}
}

func (b *bloom) add(h1, h2 uint32) {
	for i := uint(0); i < b.numHash; i++ {
		pos := b.nth(h1, h2, i)
		b.bits[pos/64] |= 1 << (pos % 64)
	}
	b.count++
}

func (b *bloom) contains(h1, h2 uint32) bool {
	for i := uint(0); i < b.numHash; i++ {
		pos := b.nth(h1, h2, i)
		if b.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// nth uses double hashing: h_i(x) = h1(x) + i*h2(x).
func (b *bloom) nth(h1, h2 uint32, i uint) uint {
	return uint((uint64(h1) + uint64(i)*uint64(h2)) % uint64(b.numBits))
}

// SeenFilter remembers recently handled frames.
type SeenFilter struct {
	mu       sync.Mutex
	cfg      SeenConfig
	current  *bloom
	previous *bloom
}

// NewSeenFilter creates an empty filter.
func NewSeenFilter(cfg SeenConfig) *SeenFilter {
	if cfg.ExpectedItems <= 0 {
		cfg.ExpectedItems = DefaultSeenConfig().ExpectedItems
	}
	if cfg.FPRate <= 0 || cfg.FPRate >= 1 {
		cfg.FPRate = DefaultSeenConfig().FPRate
	}
	return &SeenFilter{cfg: cfg, current: newBloom(cfg), previous: newBloom(cfg)}
}

// FrameKey identifies a frame for duplicate suppression.
func FrameKey(kind, sender string, round uint64) string {
	return fmt.Sprintf("%s|%s|%d", kind, sender, round)
}

// MarkSeen records key and reports whether it was new. When the current
// generation fills up, it becomes the previous one.
func (s *SeenFilter) MarkSeen(key string) bool {
	h1, h2 := baseHashes(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.contains(h1, h2) || s.previous.contains(h1, h2) {
		return false
	}
	if s.current.count >= s.cfg.ExpectedItems {
		s.previous = s.current
		s.current = newBloom(s.cfg)
	}
	s.current.add(h1, h2)
	return true
}

// Seen reports whether key was probably handled.
func (s *SeenFilter) Seen(key string) bool {
	h1, h2 := baseHashes(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.contains(h1, h2) || s.previous.contains(h1, h2)
}

// Count returns the entries in the current generation.
func (s *SeenFilter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.count
}

// baseHashes takes two 32-bit words of SHA-256.
func baseHashes(key string) (uint32, uint32) {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[0:4]), binary.BigEndian.Uint32(sum[4:8])
}
