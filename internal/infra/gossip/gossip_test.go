package gossip

import (
	"fmt"
	"testing"
	"time"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Epidemic ───────────────────────────────────────────────────────────────

func TestEpidemic_Lifecycle(t *testing.T) {
	e := NewEpidemic(DefaultEpidemicConfig())
	low := domain.FromFloat(0.01)
	improving := domain.FromFloat(0.01)
	flat := domain.FromFloat(0.001)

	if got := e.Update(low, improving, false); got != domain.Susceptible {
		t.Fatalf("without energy state = %v, want SUSCEPTIBLE", got)
	}
	if got := e.Update(low, improving, true); got != domain.Infectious {
		t.Fatalf("state = %v, want INFECTIOUS", got)
	}
	if !e.CanOriginate() || !e.CanRelay() {
		t.Error("infectious node must originate and relay")
	}

	if got := e.Update(low, flat, true); got != domain.Infectious {
		t.Fatalf("one flat round: state = %v, want INFECTIOUS", got)
	}
	if got := e.Update(low, flat, true); got != domain.Cured {
		t.Fatalf("two flat rounds: state = %v, want CURED", got)
	}
	if e.CanOriginate() || e.CanRelay() {
		t.Error("cured node must neither originate nor relay")
	}

	if got := e.Update(domain.FromFloat(0.2), improving, true); got != domain.Susceptible {
		t.Errorf("rising residual: state = %v, want SUSCEPTIBLE", got)
	}
}

func TestEpidemic_ImprovementResetsCure(t *testing.T) {
	e := NewEpidemic(DefaultEpidemicConfig())
	low := domain.FromFloat(0.01)
	up := domain.FromFloat(0.02)
	flat := domain.FromFloat(0)

	e.Update(low, up, true)
	e.Update(low, flat, true)
	e.Update(low, up, true)
	if got := e.Update(low, flat, true); got != domain.Infectious {
		t.Errorf("state = %v, want INFECTIOUS after interrupted streak", got)
	}
}

func TestEpidemic_HighResidualNeverInfects(t *testing.T) {
	e := NewEpidemic(DefaultEpidemicConfig())
	if got := e.Update(domain.FromFloat(0.03), domain.FromFloat(0.5), true); got != domain.Susceptible {
		t.Errorf("state = %v, want SUSCEPTIBLE at threshold", got)
	}
}

func TestEpidemic_RecordRestore(t *testing.T) {
	a := NewEpidemic(DefaultEpidemicConfig())
	a.Update(domain.FromFloat(0.01), domain.FromFloat(0.01), true)
	a.Update(domain.FromFloat(0.01), 0, true)

	b := NewEpidemic(DefaultEpidemicConfig())
	b.Restore(a.Record())
	if a.Update(domain.FromFloat(0.01), 0, true) != b.Update(domain.FromFloat(0.01), 0, true) {
		t.Error("restored epidemic diverged")
	}
}

// ─── Seen Filter ────────────────────────────────────────────────────────────

func TestSeenFilter_MarkSeen(t *testing.T) {
	s := NewSeenFilter(DefaultSeenConfig())
	key := FrameKey("EPIPHANY", "n1", 7)
	if !s.MarkSeen(key) {
		t.Fatal("first sighting reported as duplicate")
	}
	if s.MarkSeen(key) {
		t.Error("duplicate not suppressed")
	}
	if !s.Seen(key) {
		t.Error("Seen() = false for recorded key")
	}
	if s.Seen(FrameKey("EPIPHANY", "n1", 8)) {
		t.Error("different round reported seen")
	}
}

func TestSeenFilter_RotatesGenerations(t *testing.T) {
	s := NewSeenFilter(SeenConfig{ExpectedItems: 10, FPRate: 1e-9})
	for i := 0; i < 10; i++ {
		s.MarkSeen(fmt.Sprintf("k%d", i))
	}
	s.MarkSeen("k10")
	if s.Count() != 1 {
		t.Errorf("Count() = %d after rotation, want 1", s.Count())
	}
	if !s.Seen("k3") {
		t.Error("previous generation forgotten too early")
	}
}

func TestSeenFilter_NoFalseNegatives(t *testing.T) {
	s := NewSeenFilter(SeenConfig{ExpectedItems: 1000, FPRate: 0.001})
	for i := 0; i < 1000; i++ {
		s.MarkSeen(fmt.Sprintf("frame-%d", i))
	}
	for i := 0; i < 1000; i++ {
		if !s.Seen(fmt.Sprintf("frame-%d", i)) {
			t.Fatalf("frame-%d missing", i)
		}
	}
}

// ─── Fanout ─────────────────────────────────────────────────────────────────

func TestPlan_DeterministicAndOrderFree(t *testing.T) {
	cfg := SpreadConfig{Fanout: 3, Seed: 9}
	peers := []string{"a", "b", "c", "d", "e", "f", "self"}
	reversed := []string{"self", "f", "e", "d", "c", "b", "a"}

	got := Plan(cfg, "self", 5, peers)
	if len(got) != 3 {
		t.Fatalf("Plan returned %v, want 3 peers", got)
	}
	again := Plan(cfg, "self", 5, reversed)
	for i := range got {
		if got[i] != again[i] {
			t.Fatalf("plan depends on peer order: %v vs %v", got, again)
		}
		if got[i] == "self" {
			t.Error("plan includes self")
		}
	}
}

func TestPlan_SmallSwarm(t *testing.T) {
	got := Plan(SpreadConfig{Fanout: 5, Seed: 1}, "a", 1, []string{"a", "b", "b"})
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("Plan = %v, want [b]", got)
	}
	if Plan(SpreadConfig{Fanout: 3}, "a", 1, nil) != nil {
		t.Error("empty peer set should plan nothing")
	}
}

func TestNextHop(t *testing.T) {
	tests := []struct {
		in   uint8
		out  uint8
		more bool
	}{
		{0, 0, false},
		{1, 0, false},
		{2, 1, true},
		{4, 3, true},
	}
	for _, tt := range tests {
		out, ok := NextHop(tt.in)
		if out != tt.out || ok != tt.more {
			t.Errorf("NextHop(%d) = %d,%v want %d,%v", tt.in, out, ok, tt.out, tt.more)
		}
	}
}

// ─── Inbox ──────────────────────────────────────────────────────────────────

func contrib(id string, round uint64, v float64) domain.Contribution {
	return domain.Contribution{NodeID: id, Round: round, Vector: domain.VectorFromFloats([]float64{v})}
}

func TestInbox_StragglersAndDuplicates(t *testing.T) {
	in := NewInbox(InboxConfig{StragglerRounds: 2})

	if !in.Add(contrib("a", 10, 1), 10) {
		t.Fatal("on-time contribution rejected")
	}
	if in.Add(contrib("a", 10, 2), 10) {
		t.Error("duplicate accepted")
	}
	if !in.Add(contrib("b", 8, 1), 10) {
		t.Error("straggler within window rejected")
	}
	if in.Add(contrib("c", 7, 1), 10) {
		t.Error("contribution beyond straggler window accepted")
	}

	st := in.Stats()
	if st.Accepted != 2 || st.Duplicate != 1 || st.Late != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestInbox_DrainKeepsNewestPerNode(t *testing.T) {
	in := NewInbox(InboxConfig{StragglerRounds: 2})
	in.Add(contrib("b", 9, 1), 9)
	in.Add(contrib("b", 10, 2), 10)
	in.Add(contrib("a", 10, 3), 10)
	in.Add(contrib("z", 11, 4), 10)

	got := in.Drain(10)
	if len(got) != 2 || got[0].NodeID != "a" || got[1].NodeID != "b" {
		t.Fatalf("Drain = %+v", got)
	}
	if got[1].Round != 10 {
		t.Errorf("b round = %d, want newest 10", got[1].Round)
	}
	if in.Pending() != 1 {
		t.Errorf("Pending() = %d, want the future contribution kept", in.Pending())
	}
}

// ─── Relay Queue ────────────────────────────────────────────────────────────

func TestRelayQueue_PriorityOrder(t *testing.T) {
	q := NewRelayQueue(DefaultQueueConfig())
	q.Push(Outgoing{Peer: "ws", Priority: PriorityWorldState})
	q.Push(Outgoing{Peer: "ep1", Priority: PriorityEpiphany})
	q.Push(Outgoing{Peer: "vote", Priority: PriorityVote})
	q.Push(Outgoing{Peer: "ep2", Priority: PriorityEpiphany})

	want := []string{"vote", "ep1", "ep2", "ws"}
	for _, w := range want {
		got, ok := q.Pop()
		if !ok || got.Peer != w {
			t.Fatalf("Pop() = %q, want %q", got.Peer, w)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue succeeded")
	}
}

func TestRelayQueue_AgeBoostPreventsStarvation(t *testing.T) {
	q := NewRelayQueue(QueueConfig{MaxLen: 10, BoostRounds: 1, MaxBoost: 2})
	q.Advance(1)
	q.Push(Outgoing{Peer: "old", Priority: PriorityWorldState})
	q.Advance(5)
	q.Push(Outgoing{Peer: "new", Priority: PriorityEpiphany})

	if got, _ := q.Pop(); got.Peer != "old" {
		t.Errorf("Pop() = %q, want the boosted old frame", got.Peer)
	}
}

func TestRelayQueue_BroadcastIDs(t *testing.T) {
	q := NewRelayQueue(DefaultQueueConfig())
	a, b := q.NewBroadcast(), q.NewBroadcast()
	if a == 0 || a == b {
		t.Fatalf("NewBroadcast() = %d, %d, want distinct non-zero ids", a, b)
	}
	frame := []byte("one transmission")
	q.Push(Outgoing{Peer: "p1", Frame: frame, Broadcast: a})
	q.Push(Outgoing{Peer: "p2", Frame: frame, Broadcast: a})
	q.Push(Outgoing{Peer: "p1", Frame: frame, Broadcast: b})

	got := map[uint64]int{}
	for q.Len() > 0 {
		item, _ := q.Pop()
		got[item.Broadcast]++
	}
	if got[a] != 2 || got[b] != 1 {
		t.Errorf("copies per broadcast = %v, want %d:2 %d:1", got, a, b)
	}
}

func TestRelayQueue_DropsWhenFull(t *testing.T) {
	q := NewRelayQueue(QueueConfig{MaxLen: 1})
	q.Push(Outgoing{Peer: "a"})
	if q.Push(Outgoing{Peer: "b"}) {
		t.Error("push into full queue succeeded")
	}
	if q.Dropped() != 1 || q.Len() != 1 {
		t.Errorf("Dropped() = %d, Len() = %d", q.Dropped(), q.Len())
	}
}

// ─── Cadence ────────────────────────────────────────────────────────────────

func TestInterval_WeightedByReputation(t *testing.T) {
	tests := []struct {
		regime domain.Regime
		rep    float64
		want   time.Duration
	}{
		{domain.RegimeCalm, 1.0, 4 * time.Hour},
		{domain.RegimePreStorm, 1.0, 10 * time.Minute},
		{domain.RegimeStorm, 1.0, 30 * time.Second},
		{domain.RegimeStorm, 0.0, 6 * time.Second},
		{domain.RegimeCalm, 0.5, 144 * time.Minute},
	}
	for _, tt := range tests {
		got := Interval(tt.regime, domain.FromFloat(tt.rep))
		diff := got - tt.want
		if diff < 0 {
			diff = -diff
		}
		if diff > tt.want/1000 {
			t.Errorf("Interval(%v, %.1f) = %v, want ~%v", tt.regime, tt.rep, got, tt.want)
		}
	}
}

func TestCadence_Due(t *testing.T) {
	c := NewCadence()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if !c.Due(domain.RegimeStorm, domain.One) {
		t.Fatal("fresh cadence should be due")
	}
	c.MarkSent()
	now = now.Add(29 * time.Second)
	if c.Due(domain.RegimeStorm, domain.One) {
		t.Error("due before interval elapsed")
	}
	now = now.Add(time.Second)
	if !c.Due(domain.RegimeStorm, domain.One) {
		t.Error("not due after interval elapsed")
	}
}
