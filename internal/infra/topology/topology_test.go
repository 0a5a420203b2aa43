package topology

import (
	"errors"
	"fmt"
	"testing"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Ring ───────────────────────────────────────────────────────────────────

func TestRing_LookupIsStable(t *testing.T) {
	r := NewRing(DefaultRingConfig())
	for _, z := range []string{"north", "south", "east"} {
		r.AddZone(z)
	}
	first := r.Lookup("node-42")
	for i := 0; i < 10; i++ {
		if got := r.Lookup("node-42"); got != first {
			t.Fatalf("Lookup changed from %s to %s", first, got)
		}
	}
}

func TestRing_SpreadsNodes(t *testing.T) {
	r := NewRing(DefaultRingConfig())
	zones := []string{"z0", "z1", "z2", "z3"}
	for _, z := range zones {
		r.AddZone(z)
	}
	counts := make(map[string]int)
	for i := 0; i < 400; i++ {
		counts[r.Lookup(fmt.Sprintf("node-%d", i))]++
	}
	for _, z := range zones {
		if counts[z] < 40 {
			t.Errorf("zone %s got %d of 400 nodes, want a fair share", z, counts[z])
		}
	}
}

func TestRing_RemoveZoneMovesOnlyItsNodes(t *testing.T) {
	r := NewRing(DefaultRingConfig())
	for _, z := range []string{"a", "b", "c"} {
		r.AddZone(z)
	}
	before := make(map[string]string)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("n%d", i)
		before[id] = r.Lookup(id)
	}

	r.RemoveZone("b")
	for id, z := range before {
		got := r.Lookup(id)
		if got == "b" {
			t.Fatalf("%s still maps to removed zone", id)
		}
		if z != "b" && got != z {
			t.Errorf("%s moved from %s to %s", id, z, got)
		}
	}
}

func TestRing_Empty(t *testing.T) {
	if got := NewRing(DefaultRingConfig()).Lookup("x"); got != "" {
		t.Errorf("Lookup on empty ring = %q", got)
	}
}

// ─── Topology ───────────────────────────────────────────────────────────────

func TestTopology_PlaceAndAssign(t *testing.T) {
	topo := New(DefaultRingConfig(), "a", "b")

	if err := topo.Place("n1", "a"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := topo.Place("n2", "nowhere"); !errors.Is(err, domain.ErrUnknownZone) {
		t.Errorf("Place unknown zone err = %v", err)
	}
	if z, _ := topo.Assign("n1"); z != "a" {
		t.Errorf("Assign kept explicit placement? got %s", z)
	}

	z, err := topo.Assign("n3")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got, _ := topo.ZoneOf("n3"); got != z {
		t.Errorf("ZoneOf = %s, want %s", got, z)
	}

	if err := topo.Place("n1", "b"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	for _, id := range topo.Members("a") {
		if id == "n1" {
			t.Error("moved node still listed in old zone")
		}
	}
}

func TestTopology_PlacementsRestore(t *testing.T) {
	src := New(DefaultRingConfig(), "north", "south")
	src.Place("n2", "south")
	src.Place("n1", "north")
	if _, err := src.Assign("n3"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	ps := src.Placements()
	if len(ps) != 3 || ps[0].NodeID != "n1" || ps[2].NodeID != "n3" {
		t.Fatalf("placements = %+v", ps)
	}

	dst := New(DefaultRingConfig())
	dst.Restore(ps)
	for _, p := range ps {
		if z, ok := dst.ZoneOf(p.NodeID); !ok || z != p.Zone {
			t.Errorf("%s restored to %q, want %q", p.NodeID, z, p.Zone)
		}
	}
	if got := dst.Nodes(); len(got) != 3 {
		t.Errorf("Nodes() = %v", got)
	}
}

// ─── Bridge Network ─────────────────────────────────────────────────────────

func newTestBridge(t *testing.T, rateCap int) *BridgeNetwork {
	t.Helper()
	topo := New(DefaultRingConfig(), "a", "b")
	for _, p := range [][2]string{{"a1", "a"}, {"a2", "a"}, {"b1", "b"}} {
		if err := topo.Place(p[0], p[1]); err != nil {
			t.Fatalf("Place: %v", err)
		}
	}
	return NewBridgeNetwork(BridgeConfig{ReputationThreshold: 0.8, RateCap: rateCap}, topo)
}

func TestBridge_IntraZoneAlwaysAllowed(t *testing.T) {
	b := newTestBridge(t, 0)
	for i := 0; i < 5; i++ {
		if err := b.Allow("a1", "a2", 0); err != nil {
			t.Fatalf("intra-zone send refused: %v", err)
		}
	}
}

func TestBridge_InterZoneNeedsReputation(t *testing.T) {
	b := newTestBridge(t, 5)
	if err := b.Allow("a1", "b1", domain.FromFloat(0.79)); !errors.Is(err, domain.ErrBridgeIneligible) {
		t.Errorf("err = %v, want ErrBridgeIneligible", err)
	}
	if err := b.Allow("a1", "b1", domain.FromFloat(0.8)); err != nil {
		t.Errorf("eligible bridge refused: %v", err)
	}
	if b.Eligible(domain.FromFloat(0.5)) {
		t.Error("0.5 should not be bridge eligible")
	}
}

func TestBridge_RateCapPerZonePerRound(t *testing.T) {
	b := newTestBridge(t, 2)
	rep := domain.FromFloat(0.9)
	for i := 0; i < 2; i++ {
		if err := b.Allow("a1", "b1", rep); err != nil {
			t.Fatalf("send %d refused: %v", i, err)
		}
	}
	if err := b.Allow("a2", "b1", rep); !errors.Is(err, domain.ErrBridgeRateCapped) {
		t.Errorf("err = %v, want ErrBridgeRateCapped", err)
	}
	if err := b.Allow("b1", "a1", rep); err != nil {
		t.Errorf("other zone's budget affected: %v", err)
	}

	b.NextRound()
	if b.Sent("a") != 0 {
		t.Errorf("Sent(a) = %d after NextRound", b.Sent("a"))
	}
	if err := b.Allow("a1", "b1", rep); err != nil {
		t.Errorf("send after reset refused: %v", err)
	}

	st := b.Stats()
	if st.RateCapped != 1 || st.Allowed != 4 {
		t.Errorf("stats = %+v", st)
	}
}

func TestBridge_UnknownNode(t *testing.T) {
	b := newTestBridge(t, 2)
	if err := b.Allow("ghost", "a1", domain.One); !errors.Is(err, domain.ErrUnknownZone) {
		t.Errorf("err = %v, want ErrUnknownZone", err)
	}
}

func TestBridge_InboundCapsEachSendingZone(t *testing.T) {
	b := newTestBridge(t, 3)
	rep := domain.FromFloat(0.9)
	for i := 0; i < 3; i++ {
		if err := b.Inbound("a1", "b1", rep); err != nil {
			t.Fatalf("frame %d refused: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := b.Inbound("a2", "b1", rep); !errors.Is(err, domain.ErrBridgeRateCapped) {
			t.Fatalf("frame %d err = %v, want ErrBridgeRateCapped", i, err)
		}
	}
	if err := b.Inbound("a1", "a2", 0); err != nil {
		t.Errorf("intra-zone frame refused: %v", err)
	}
	if b.Sent("a") != 0 {
		t.Error("inbound frames should not use the outbound budget")
	}

	b.NextRound()
	if b.Received("a") != 0 {
		t.Errorf("Received(a) = %d after NextRound", b.Received("a"))
	}
	st := b.Stats()
	if st.InboundAllowed != 3 || st.InboundCapped != 5 {
		t.Errorf("stats = %+v", st)
	}
}

func TestBridge_InboundUsesReceiverView(t *testing.T) {
	b := newTestBridge(t, 2)
	if err := b.Inbound("a1", "b1", domain.FromFloat(0.5)); !errors.Is(err, domain.ErrBridgeIneligible) {
		t.Errorf("err = %v, want ErrBridgeIneligible", err)
	}
	if err := b.Inbound("a1", "b1", domain.FromFloat(0.85)); err != nil {
		t.Errorf("eligible frame refused: %v", err)
	}
	// The ineligible frame still used up part of zone a's budget.
	if err := b.Inbound("a2", "b1", domain.One); !errors.Is(err, domain.ErrBridgeRateCapped) {
		t.Errorf("err = %v, want ErrBridgeRateCapped", err)
	}
}
