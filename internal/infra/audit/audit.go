// Package audit catches cartels that farm reputation and then strike.
//
// Every honest node derives the same audit sample from a shared seed, so no
// coordination is needed. Sampling walks a keyed permutation of the sorted
// node list: each round audits the next k entries, so within one epoch of
// ⌈n/k⌉ rounds every node is audited exactly once. Repeated verification
// failures ban a node regardless of its reputation score.
package audit

import (
	"context"
	"encoding/binary"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/observability"
)

// Customization is the cSHAKE256 function name for the sampler.
const Customization = "QRES-CollusionAudit-v21"

// BanReason is recorded on nodes banned by the auditor.
const BanReason = "audit failures"

// Config controls sampling and escalation.
type Config struct {
	Seed               []byte  // shared by every honest node
	SampleRate         float64 // fraction of nodes audited per audit round
	Interval           uint64  // audit every Interval rounds (default: 1)
	DetectionThreshold int     // failures before a permanent ban
}

// DefaultConfig audits 2% of nodes every round and bans on the second
// failure.
func DefaultConfig() Config {
	return Config{
		Seed:               []byte("qres-swarm"),
		SampleRate:         0.02,
		Interval:           1,
		DetectionThreshold: 2,
	}
}

// Ledger keeps the per-node failure counts and bans. The reputation tracker
// implements it.
type Ledger interface {
	RecordAuditFailure(nodeID string) int
	Ban(nodeID, reason string)
	IsBanned(nodeID string) bool
}

// Recorder persists audit history. Optional.
type Recorder interface {
	SaveAudit(rec domain.AuditRecord) error
	RecordBan(nodeID, reason string, round uint64) error
}

// Auditor samples, verifies and escalates.
type Auditor struct {
	mu       sync.Mutex
	cfg      Config
	verifier domain.Verifier
	ledger   Ledger
	recorder Recorder

	permEpoch uint64
	permN     int
	perm      []int
}

// New creates an auditor. recorder may be nil.
func New(cfg Config, verifier domain.Verifier, ledger Ledger, recorder Recorder) *Auditor {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DetectionThreshold < 1 {
		cfg.DetectionThreshold = def.DetectionThreshold
	}
	return &Auditor{cfg: cfg, verifier: verifier, ledger: ledger, recorder: recorder}
}

// ─── Sampling ───────────────────────────────────────────────────────────────

// SampleSize is k = ⌈n × rate⌉, at least 1 when n > 0.
func SampleSize(n int, rate float64) int {
	if n <= 0 {
		return 0
	}
	k := int(math.Ceil(float64(n)*rate - 1e-9))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

// EpochLength is the number of audit rounds needed to audit n nodes once.
func EpochLength(n int, rate float64) uint64 {
	k := SampleSize(n, rate)
	if k == 0 {
		return 0
	}
	return uint64((n + k - 1) / k)
}

// Sample returns the nodes audited in round, sorted. Every caller with the
// same seed and node set gets the same answer.
func (a *Auditor) Sample(round uint64, ids []string) []string {
	if round%a.cfg.Interval != 0 {
		return nil
	}
	canonical := canonicalIDs(ids)
	n := len(canonical)
	if n == 0 {
		return nil
	}
	k := SampleSize(n, a.cfg.SampleRate)
	epochLen := EpochLength(n, a.cfg.SampleRate)
	slot := round / a.cfg.Interval
	epoch, pos := slot/epochLen, int(slot%epochLen)

	perm := a.permutation(epoch, n)
	lo := pos * k
	hi := lo + k
	if hi > n {
		hi = n
	}
	out := make([]string, 0, hi-lo)
	for _, idx := range perm[lo:hi] {
		out = append(out, canonical[idx])
	}
	sort.Strings(out)
	return out
}

func (a *Auditor) permutation(epoch uint64, n int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.perm != nil && a.permEpoch == epoch && a.permN == n {
		return a.perm
	}
	a.perm = Permutation(a.cfg.Seed, epoch, n)
	a.permEpoch, a.permN = epoch, n
	return a.perm
}

// Permutation is a Fisher-Yates shuffle of [0, n) driven by
// cSHAKE256(N=Customization, S=seed) absorbing the epoch number.
func Permutation(seed []byte, epoch uint64, n int) []int {
	h := sha3.NewCShake256([]byte(Customization), seed)
	var eb [8]byte
	binary.LittleEndian.PutUint64(eb[:], epoch)
	h.Write(eb[:])

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	var buf [8]byte
	for i := n - 1; i > 0; i-- {
		bound := uint64(i + 1)
		limit := math.MaxUint64 - math.MaxUint64%bound
		var r uint64
		for {
			h.Read(buf[:])
			r = binary.LittleEndian.Uint64(buf[:])
			if r < limit {
				break
			}
		}
		j := int(r % bound)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

func canonicalIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	w := 0
	for i, id := range out {
		if i == 0 || id != out[i-1] {
			out[w] = id
			w++
		}
	}
	return out[:w]
}

// ─── Audit Round ────────────────────────────────────────────────────────────

// Audit samples round's nodes among ids and verifies the updates they
// claimed. A node with no claim this round (it sat the round out) is not a
// failure, and neither is a verifier error.
func (a *Auditor) Audit(ctx context.Context, round uint64, ids []string, claims map[string]domain.Vector) domain.AuditRecord {
	rec := domain.AuditRecord{
		ID:       uuid.New().String(),
		Round:    round,
		Sampled:  a.Sample(round, ids),
		Failures: make(map[string]int),
	}
	observability.AuditSampled.Add(float64(len(rec.Sampled)))

	for _, id := range rec.Sampled {
		if a.ledger.IsBanned(id) {
			continue
		}
		update, ok := claims[id]
		if !ok {
			continue
		}
		pass, err := a.verifier.Verify(ctx, id, round, update)
		if err != nil {
			log.Printf("[audit] verify %s at round %d: %v", id, round, err)
			continue
		}
		if pass {
			continue
		}

		failures := a.ledger.RecordAuditFailure(id)
		rec.Failed = append(rec.Failed, id)
		rec.Failures[id] = failures
		observability.AuditFailures.Inc()
		log.Printf("[audit] SECURITY node %s failed verification at round %d (%d/%d)",
			id, round, failures, a.cfg.DetectionThreshold)

		if failures >= a.cfg.DetectionThreshold {
			a.ledger.Ban(id, BanReason)
			rec.Banned = append(rec.Banned, id)
			observability.ReputationBans.WithLabelValues("audit").Inc()
			log.Printf("[audit] SECURITY node %s permanently banned after %d failures", id, failures)
		}
	}

	if a.recorder != nil {
		if err := a.recorder.SaveAudit(rec); err != nil {
			log.Printf("[audit] persist round %d: %v", round, err)
		}
		for _, id := range rec.Banned {
			if err := a.recorder.RecordBan(id, BanReason, round); err != nil {
				log.Printf("[audit] record ban of %s at round %d: %v", id, round, err)
			}
		}
	}
	return rec
}

// ─── Detection Bounds ───────────────────────────────────────────────────────

// ExpectedDetectionRounds is the expected number of rounds until at least
// one of cartel misbehaving nodes is sampled, if k of n nodes were drawn
// independently every interval rounds.
func ExpectedDetectionRounds(n, cartel, k int, interval uint64) float64 {
	if cartel <= 0 || n <= 0 || cartel > n {
		return math.Inf(1)
	}
	if k > n {
		k = n
	}
	pMiss := 1.0
	for i := 0; i < k; i++ {
		pMiss *= float64(n-cartel-i) / float64(n-i)
	}
	pDetect := 1 - pMiss
	if pDetect <= 0 {
		return math.Inf(1)
	}
	return float64(interval) / pDetect
}

// WorstCaseBanRounds bounds how long a continuously misbehaving node can
// survive: it is audited once per epoch, so threshold epochs suffice.
func WorstCaseBanRounds(n int, rate float64, interval uint64, threshold int) uint64 {
	return uint64(threshold) * EpochLength(n, rate) * interval
}
