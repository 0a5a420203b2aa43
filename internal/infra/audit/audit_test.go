package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"testing"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/reputation"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/sqlite"
)

func nodeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%03d", i)
	}
	return ids
}

func honestUpdate() domain.Vector {
	return domain.VectorFromFloats([]float64{0.5, -0.25, 1})
}

// recomputeHonest always reproduces honestUpdate.
func recomputeHonest() RecomputeVerifier {
	return RecomputeVerifier{
		Recompute: func(context.Context, string, uint64) (domain.Vector, error) {
			return honestUpdate(), nil
		},
		Tolerance: domain.FromFloat(0.01),
	}
}

func TestSampleSize(t *testing.T) {
	tests := []struct {
		n    int
		rate float64
		want int
	}{
		{0, 0.02, 0},
		{1, 0.02, 1},
		{49, 0.02, 1},
		{50, 0.02, 1},
		{51, 0.02, 2},
		{100, 0.02, 2},
		{10, 1, 10},
	}
	for _, tt := range tests {
		if got := SampleSize(tt.n, tt.rate); got != tt.want {
			t.Errorf("SampleSize(%d, %v) = %d, want %d", tt.n, tt.rate, got, tt.want)
		}
	}
	if got := EpochLength(100, 0.02); got != 50 {
		t.Errorf("EpochLength(100, 0.02) = %d, want 50", got)
	}
}

func TestSample_DeterministicAcrossNodes(t *testing.T) {
	cfg := DefaultConfig()
	a := New(cfg, recomputeHonest(), reputation.NewTracker(reputation.DefaultTrackerConfig()), nil)
	b := New(cfg, recomputeHonest(), reputation.NewTracker(reputation.DefaultTrackerConfig()), nil)

	ids := nodeIDs(100)
	shuffled := make([]string, len(ids))
	for i := range ids {
		shuffled[i] = ids[len(ids)-1-i]
	}
	shuffled = append(shuffled, ids[3]) // duplicates are ignored

	for round := uint64(0); round < 120; round++ {
		sa, sb := a.Sample(round, ids), b.Sample(round, shuffled)
		if fmt.Sprint(sa) != fmt.Sprint(sb) {
			t.Fatalf("round %d: %v vs %v", round, sa, sb)
		}
		if len(sa) != 2 {
			t.Fatalf("round %d: sampled %d nodes, want 2", round, len(sa))
		}
	}
}

func TestSample_EveryNodeOncePerEpoch(t *testing.T) {
	a := New(DefaultConfig(), recomputeHonest(), reputation.NewTracker(reputation.DefaultTrackerConfig()), nil)
	ids := nodeIDs(100)
	epoch := EpochLength(len(ids), 0.02)

	for e := uint64(0); e < 3; e++ {
		seen := make(map[string]int)
		for round := e * epoch; round < (e+1)*epoch; round++ {
			for _, id := range a.Sample(round, ids) {
				seen[id]++
			}
		}
		if len(seen) != len(ids) {
			t.Fatalf("epoch %d audited %d distinct nodes, want %d", e, len(seen), len(ids))
		}
		for id, c := range seen {
			if c != 1 {
				t.Errorf("epoch %d: %s audited %d times", e, id, c)
			}
		}
	}
}

func TestSample_SeedChangesOrder(t *testing.T) {
	ids := nodeIDs(100)
	a := New(Config{Seed: []byte("alpha")}, recomputeHonest(), reputation.NewTracker(reputation.DefaultTrackerConfig()), nil)
	b := New(Config{Seed: []byte("beta")}, recomputeHonest(), reputation.NewTracker(reputation.DefaultTrackerConfig()), nil)

	same := 0
	for round := uint64(0); round < 50; round++ {
		if fmt.Sprint(a.Sample(round, ids)) == fmt.Sprint(b.Sample(round, ids)) {
			same++
		}
	}
	if same > 5 {
		t.Errorf("%d of 50 rounds identical across seeds", same)
	}
}

func TestSample_Interval(t *testing.T) {
	a := New(Config{Seed: []byte("s"), SampleRate: 0.1, Interval: 5}, recomputeHonest(),
		reputation.NewTracker(reputation.DefaultTrackerConfig()), nil)
	ids := nodeIDs(20)
	if got := a.Sample(3, ids); got != nil {
		t.Errorf("off-interval round sampled %v", got)
	}
	if got := a.Sample(5, ids); len(got) != 2 {
		t.Errorf("on-interval round sampled %v, want 2 nodes", got)
	}
	if got := a.Sample(0, nil); got != nil {
		t.Errorf("empty swarm sampled %v", got)
	}
}

func TestPermutation_IsPermutation(t *testing.T) {
	p := Permutation([]byte("seed"), 7, 257)
	seen := make([]bool, len(p))
	for _, v := range p {
		if v < 0 || v >= len(p) || seen[v] {
			t.Fatalf("invalid permutation entry %d", v)
		}
		seen[v] = true
	}
	if fmt.Sprint(p) != fmt.Sprint(Permutation([]byte("seed"), 7, 257)) {
		t.Error("permutation not reproducible")
	}
	if fmt.Sprint(p) == fmt.Sprint(Permutation([]byte("seed"), 8, 257)) {
		t.Error("epochs share a permutation")
	}
}

// ─── Escalation ─────────────────────────────────────────────────────────────

func TestAudit_BanAfterThreshold(t *testing.T) {
	tracker := reputation.NewTracker(reputation.DefaultTrackerConfig())
	a := New(Config{Seed: []byte("s"), SampleRate: 1, DetectionThreshold: 2}, recomputeHonest(), tracker, nil)
	ids := []string{"bad", "good"}
	for _, id := range ids {
		tracker.Register(id)
	}
	claims := map[string]domain.Vector{
		"good": honestUpdate(),
		"bad":  domain.VectorFromFloats([]float64{5, 5, 5}),
	}

	rec := a.Audit(context.Background(), 1, ids, claims)
	if len(rec.Failed) != 1 || rec.Failed[0] != "bad" || len(rec.Banned) != 0 {
		t.Fatalf("first audit = %+v", rec)
	}
	if rec.ID == "" {
		t.Error("audit record has no id")
	}

	rec = a.Audit(context.Background(), 2, ids, claims)
	if len(rec.Banned) != 1 || rec.Banned[0] != "bad" {
		t.Fatalf("second audit banned %v, want [bad]", rec.Banned)
	}
	if rec.Failures["bad"] != 2 {
		t.Errorf("failures = %d, want 2", rec.Failures["bad"])
	}
	if !tracker.IsBanned("bad") || tracker.IsBanned("good") {
		t.Error("wrong ban state")
	}
	if rep := tracker.Get("bad"); rep.BanReason != BanReason {
		t.Errorf("ban reason = %q", rep.BanReason)
	}

	rec = a.Audit(context.Background(), 3, ids, claims)
	if len(rec.Failed) != 0 {
		t.Errorf("banned node re-audited: %v", rec.Failed)
	}
}

func TestAudit_ErrorsAndAbsenceAreNotFailures(t *testing.T) {
	tracker := reputation.NewTracker(reputation.DefaultTrackerConfig())
	flaky := VerifierFunc(func(_ context.Context, id string, _ uint64, _ domain.Vector) (bool, error) {
		if id == "a" {
			return false, errors.New("recomputation timed out")
		}
		return false, nil
	})
	a := New(Config{Seed: []byte("s"), SampleRate: 1}, flaky, tracker, nil)

	for round := uint64(0); round < 5; round++ {
		rec := a.Audit(context.Background(), round, []string{"a", "b"}, map[string]domain.Vector{
			"a": honestUpdate(),
		})
		if len(rec.Failed) != 0 {
			t.Fatalf("round %d: failures %v", round, rec.Failed)
		}
	}
	if tracker.AuditFailures("a") != 0 || tracker.AuditFailures("b") != 0 {
		t.Error("failures recorded for errors or absent claims")
	}
}

func TestAudit_RecorderPersistsHistory(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	tracker := reputation.NewTracker(reputation.DefaultTrackerConfig())
	a := New(Config{Seed: []byte("s"), SampleRate: 1, DetectionThreshold: 1}, recomputeHonest(), tracker, db)
	a.Audit(context.Background(), 9, []string{"x"}, map[string]domain.Vector{
		"x": domain.VectorFromFloats([]float64{9, 9, 9}),
	})

	audits, err := db.ListAudits(10)
	if err != nil || len(audits) != 1 || audits[0].Round != 9 {
		t.Fatalf("audits = %+v, err %v", audits, err)
	}
	bans, err := db.ListBans()
	if err != nil || len(bans) != 1 || bans[0].NodeID != "x" {
		t.Fatalf("bans = %+v, err %v", bans, err)
	}
}

// banStoreDown keeps audit records but cannot write bans.
type banStoreDown struct{ saved int }

func (s *banStoreDown) SaveAudit(domain.AuditRecord) error { s.saved++; return nil }
func (s *banStoreDown) RecordBan(string, string, uint64) error {
	return errors.New("disk I/O error")
}

func TestAudit_BanWriteFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })

	tracker := reputation.NewTracker(reputation.DefaultTrackerConfig())
	store := &banStoreDown{}
	a := New(Config{Seed: []byte("s"), SampleRate: 1, DetectionThreshold: 1}, recomputeHonest(), tracker, store)
	rec := a.Audit(context.Background(), 4, []string{"x"}, map[string]domain.Vector{
		"x": domain.VectorFromFloats([]float64{9, 9, 9}),
	})

	if len(rec.Banned) != 1 || !tracker.IsBanned("x") {
		t.Fatalf("banned = %v, want [x] in memory despite the store", rec.Banned)
	}
	if store.saved != 1 {
		t.Errorf("audit records saved = %d, want 1", store.saved)
	}
	if out := buf.String(); !strings.Contains(out, "[audit] record ban of x") || !strings.Contains(out, "disk I/O error") {
		t.Errorf("log = %q, want the ban write failure", out)
	}
}

// A cartel farms reputation honestly, then starts submitting poisoned
// updates. With 2% sampling every member must be banned within two epochs of
// the switch and no honest node may be touched.
func TestAudit_CartelFarmThenBurst(t *testing.T) {
	const (
		n      = 100
		cartel = 10
		burst  = 60
		rounds = 200
	)
	tracker := reputation.NewTracker(reputation.DefaultTrackerConfig())
	a := New(DefaultConfig(), recomputeHonest(), tracker, nil)
	ids := nodeIDs(n)
	for _, id := range ids {
		tracker.Register(id)
	}
	isCartel := func(id string) bool { return id >= fmt.Sprintf("n%03d", n-cartel) }

	for round := uint64(0); round < rounds; round++ {
		claims := make(map[string]domain.Vector, n)
		for _, id := range ids {
			if isCartel(id) && round >= burst {
				claims[id] = domain.VectorFromFloats([]float64{3, 3, 3})
			} else {
				claims[id] = honestUpdate()
			}
		}
		a.Audit(context.Background(), round, ids, claims)
	}

	for _, id := range ids {
		if isCartel(id) && !tracker.IsBanned(id) {
			t.Errorf("cartel member %s survived", id)
		}
		if !isCartel(id) && (tracker.IsBanned(id) || tracker.AuditFailures(id) > 0) {
			t.Errorf("honest node %s penalized", id)
		}
	}
}

func TestExpectedDetectionRounds(t *testing.T) {
	// 10 of 100 colluding, 2 audited per round: P(miss) = 90/100 × 89/99.
	want := 1 / (1 - (90.0/100)*(89.0/99))
	if got := ExpectedDetectionRounds(100, 10, 2, 1); math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := ExpectedDetectionRounds(100, 0, 2, 1); !math.IsInf(got, 1) {
		t.Errorf("no cartel: got %v, want +Inf", got)
	}
	if got := WorstCaseBanRounds(100, 0.02, 1, 2); got != 100 {
		t.Errorf("WorstCaseBanRounds = %d, want 100", got)
	}
}
