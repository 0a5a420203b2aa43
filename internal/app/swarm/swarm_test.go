package swarm

import (
	"context"
	"testing"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

func newTestSwarm(t *testing.T, cfg Config) *Swarm {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func run(t *testing.T, s *Swarm, rounds int) Result {
	t.Helper()
	res, err := s.Run(context.Background(), rounds)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	return res
}

// ─── Construction ───────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"no nodes", func(c *Config) { c.Nodes = 0 }},
		{"no dimension", func(c *Config) { c.Dimension = 0 }},
		{"too many attackers", func(c *Config) { c.Byzantine = 15; c.Cartel = 6 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRoles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = 10
	cfg.Byzantine = 2
	cfg.Cartel = 3
	s := newTestSwarm(t, cfg)

	counts := map[Role]int{}
	for _, m := range s.members {
		counts[m.role]++
	}
	if counts[RoleHonest] != 5 || counts[RoleCartel] != 3 || counts[RoleByzantine] != 2 {
		t.Errorf("roles = %v", counts)
	}
	if s.byID[NodeID(9)].role != RoleByzantine || s.byID[NodeID(5)].role != RoleCartel {
		t.Error("attackers should take the highest ids")
	}
}

func TestHonestUpdates_Deterministic(t *testing.T) {
	s := newTestSwarm(t, DefaultConfig())
	a := s.honest("node-001", 7)
	b := s.honest("node-001", 7)
	if !a.Equal(b) {
		t.Error("honest update should be reproducible")
	}
	if a.Equal(s.honest("node-002", 7)) {
		t.Error("nodes should see independent noise")
	}
}

func TestHonestSwarm_Converges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = 8
	s := newTestSwarm(t, cfg)

	res := run(t, s, 30)
	if res.Drift > 0.05 {
		t.Errorf("drift = %.4f, want < 0.05", res.Drift)
	}
	if len(res.FalsePositives) != 0 {
		t.Errorf("false positives: %v", res.FalsePositives)
	}
	if res.Brownouts != 0 {
		t.Errorf("brownouts = %d, want 0", res.Brownouts)
	}
}

func TestSignedLossySwarm_Converges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = 8
	cfg.Sign = true
	cfg.LossRate = 0.2
	s := newTestSwarm(t, cfg)

	res := run(t, s, 40)
	if res.Drift > 0.1 {
		t.Errorf("drift = %.4f, want < 0.1", res.Drift)
	}
	if _, lost := s.Hub().Stats(); lost == 0 {
		t.Error("expected the lossy link to drop frames")
	}
}

// ─── Scenarios ──────────────────────────────────────────────────────────────

// 20 nodes, a quarter of them pushing a constant offset.
func TestScenarioA_ConstantOffsetAttackers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = 20
	cfg.Byzantine = 5
	cfg.Offset = 1.0
	s := newTestSwarm(t, cfg)

	res := run(t, s, 100)
	if res.Drift >= 0.05 {
		t.Errorf("steady-state drift = %.4f, want < 0.05", res.Drift)
	}
	if len(res.Undetected) != 0 {
		t.Fatalf("undetected attackers: %v", res.Undetected)
	}
	for id, round := range res.BanRound {
		if round > 30 {
			t.Errorf("%s banned at round %d, want ≤ 30", id, round)
		}
	}
	if len(res.FalsePositives) != 0 {
		t.Errorf("false positives: %v", res.FalsePositives)
	}
	for _, id := range s.ids(RoleHonest) {
		for _, b := range s.ids(RoleByzantine) {
			if score := s.Node(id).ReputationOf(b); score >= domain.FromFloat(0.2) {
				t.Fatalf("%s sees %s at %s, want below ban threshold", id, b, score)
			}
		}
	}
}

// 100 nodes with a 10-node cartel that behaves until round 60 and then
// shifts its updates by less than the drift threshold. Only auditing can
// catch it.
func TestScenarioB_FarmThenBurstCartel(t *testing.T) {
	if testing.Short() {
		t.Skip("100-node swarm")
	}
	cfg := DefaultConfig()
	cfg.Nodes = 100
	cfg.Cartel = 10
	cfg.BurstRound = 60
	cfg.BurstSize = 0.2
	cfg.Dimension = 2
	cfg.Audit = true
	cfg.SampleRate = 0.02
	s := newTestSwarm(t, cfg)

	res := run(t, s, 200)
	if len(res.Undetected) != 0 {
		t.Errorf("undetected cartel members: %v", res.Undetected)
	}
	if len(res.BanRound) != 10 {
		t.Errorf("majority bans = %d, want 10", len(res.BanRound))
	}
	for id, round := range res.BanRound {
		if round < cfg.BurstRound {
			t.Errorf("%s banned at round %d, before the burst", id, round)
		}
	}
	if len(res.FalsePositives) != 0 {
		t.Errorf("false positives on honest nodes: %v", res.FalsePositives)
	}
}

func TestScenarioC_TotalPowerLoss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = 6
	cfg.DataDir = t.TempDir()
	cfg.Checkpoint = 10
	s := newTestSwarm(t, cfg)
	ctx := context.Background()

	run(t, s, 25)
	before := make(map[string]domain.Vector)
	rounds := make(map[string]uint64)
	for _, id := range s.Nodes() {
		before[id] = s.Node(id).Weights()
		rounds[id] = s.Node(id).CurrentRound()
	}

	for _, id := range s.Nodes() {
		if err := s.Restart(ctx, id); err != nil {
			t.Fatalf("Restart(%s) error: %v", id, err)
		}
	}
	for _, id := range s.Nodes() {
		n := s.Node(id)
		if !n.Weights().Equal(before[id]) {
			t.Errorf("%s weights = %v, want %v", id, n.Weights().Floats(), before[id].Floats())
		}
		if n.CurrentRound() != rounds[id] {
			t.Errorf("%s round = %d, want %d", id, n.CurrentRound(), rounds[id])
		}
	}

	res := run(t, s, 10)
	if res.Drift > 0.05 {
		t.Errorf("drift after restart = %.4f", res.Drift)
	}
}

func TestRestart_NeedsDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = 3
	s := newTestSwarm(t, cfg)
	if err := s.Restart(context.Background(), NodeID(0)); err == nil {
		t.Error("expected error without a data directory")
	}
	if err := s.Restart(context.Background(), "ghost"); err == nil {
		t.Error("expected error for an unknown node")
	}
}

func TestScenarioD_SummaryOnboarding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = 10
	s := newTestSwarm(t, cfg)

	run(t, s, 40)
	joined, err := s.Join(NodeID(0))
	if err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if joined.Round != 40 {
		t.Errorf("onboarded at round %d, want 40", joined.Round)
	}
	if saving := 1 - float64(joined.SummaryBytes)/float64(joined.ReplayBytes); saving <= 0.9 {
		t.Errorf("summary %d B vs replay %d B: saving %.2f, want > 0.9",
			joined.SummaryBytes, joined.ReplayBytes, saving)
	}

	run(t, s, 5)
	newcomer := s.Node(joined.ID)
	veteran := s.Node(NodeID(1))
	if d := newcomer.Weights().RMSDistance(veteran.Weights()); d > domain.FromFloat(0.01) {
		t.Errorf("distance from replayed peer = %s, want ≤ 0.01", d)
	}
	if newcomer.CurrentRound() != veteran.CurrentRound() {
		t.Errorf("newcomer round %d, veteran %d", newcomer.CurrentRound(), veteran.CurrentRound())
	}
}
