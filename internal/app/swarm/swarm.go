// Package swarm simulates a whole swarm in one process. Every participant
// is a real node.Node; frames travel through an in-memory hub, so the
// simulator exercises exactly the code a deployed node runs.
package swarm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sort"

	"github.com/CavinKrenik/QRES-RaaS/internal/app/node"
	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/audit"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/energy"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/persist"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/sqlite"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/transport"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/wire"
	"github.com/CavinKrenik/QRES-RaaS/internal/security"
)

// Role is a simulated participant's behaviour.
type Role int

const (
	RoleHonest    Role = iota
	RoleByzantine      // constant offset from round one
	RoleCartel         // honest until BurstRound, then offset
)

func (r Role) String() string {
	switch r {
	case RoleByzantine:
		return "byzantine"
	case RoleCartel:
		return "cartel"
	default:
		return "honest"
	}
}

// Config describes one simulation.
type Config struct {
	Nodes      int
	Byzantine  int     // constant-offset attackers
	Offset     float64 // attacker offset per dimension
	Cartel     int     // farm-then-burst colluders
	BurstRound uint64
	BurstSize  float64 // cartel offset after the burst; small enough to evade drift scoring
	Dimension  int
	Noise      float64 // honest per-dimension noise amplitude
	Seed       uint64
	Zones      int
	Audit      bool
	SampleRate float64
	Sign       bool    // sign and verify every frame
	LossRate   float64 // independent per-frame drop probability
	DataDir    string  // "" disables persistence
	Checkpoint uint64  // rounds between checkpoints

	// Configure, when set, adjusts each node's configuration last.
	Configure func(cfg *node.Config)
}

// DefaultConfig is a small honest swarm on mains power.
func DefaultConfig() Config {
	return Config{
		Nodes:      20,
		Offset:     1.0,
		BurstRound: 60,
		BurstSize:  0.2,
		Dimension:  4,
		Noise:      0.02,
		Seed:       1,
		Zones:      1,
		SampleRate: 0.02,
		Checkpoint: 10,
	}
}

// MainsEnergy never runs dry; it keeps energy out of scenarios that are not
// about energy.
func MainsEnergy() energy.Config {
	cfg := energy.DefaultConfig()
	cfg.Capacity = 1 << 40
	cfg.HarvestCalm = 1 << 20
	cfg.HarvestPreStorm = 1 << 20
	cfg.HarvestStorm = 1 << 20
	return cfg
}

type member struct {
	id   string
	role Role
	zone string
	node *node.Node
	db   *sqlite.DB
	key  *security.Keypair
}

// Swarm is a running simulation.
type Swarm struct {
	cfg     Config
	hub     *transport.Hub
	keyring *security.Keyring
	target  domain.Vector
	members []*member
	byID    map[string]*member
	round   uint64
	bans    map[string]uint64 // attacker → round a majority of honest nodes banned it
}

// New builds the swarm. Attackers take the highest ids.
func New(cfg Config) (*Swarm, error) {
	if cfg.Nodes <= 0 || cfg.Dimension <= 0 {
		return nil, fmt.Errorf("swarm of %d nodes, dimension %d", cfg.Nodes, cfg.Dimension)
	}
	if cfg.Byzantine+cfg.Cartel > cfg.Nodes {
		return nil, fmt.Errorf("%d attackers in a swarm of %d", cfg.Byzantine+cfg.Cartel, cfg.Nodes)
	}
	if cfg.Zones <= 0 {
		cfg.Zones = 1
	}
	s := &Swarm{
		cfg:     cfg,
		hub:     transport.NewHub(),
		keyring: security.NewKeyring(),
		byID:    make(map[string]*member),
		bans:    make(map[string]uint64),
	}
	s.target = s.makeTarget()
	if cfg.LossRate > 0 {
		s.hub.SetLink(s.lossy)
	}

	for i := 0; i < cfg.Nodes; i++ {
		role := RoleHonest
		switch {
		case i >= cfg.Nodes-cfg.Byzantine:
			role = RoleByzantine
		case i >= cfg.Nodes-cfg.Byzantine-cfg.Cartel:
			role = RoleCartel
		}
		m := &member{id: NodeID(i), role: role, zone: fmt.Sprintf("zone-%d", i%cfg.Zones)}
		m.key = security.KeypairFromSeed([]byte(fmt.Sprintf("%d/%s", cfg.Seed, m.id)))
		s.keyring.Add(m.id, m.key.Public)
		s.members = append(s.members, m)
		s.byID[m.id] = m
	}
	for _, m := range s.members {
		if err := s.start(m); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// NodeID names the i-th simulated node.
func NodeID(i int) string { return fmt.Sprintf("node-%03d", i) }

// start creates m's node, restoring from its data directory if one exists.
func (s *Swarm) start(m *member) error {
	cfg := node.DefaultConfig(m.id, s.cfg.Dimension)
	cfg.Zone = m.zone
	cfg.Zones = s.zones()
	cfg.Energy = MainsEnergy()
	cfg.Seen.ExpectedItems = 1 << 16
	cfg.Seen.FPRate = 1e-9
	cfg.Queue.MaxLen = 4 * (s.cfg.Nodes + 16)
	cfg.Spread.Seed = s.cfg.Seed
	cfg.Audit.Seed = []byte(fmt.Sprintf("swarm-%d", s.cfg.Seed))
	if s.cfg.SampleRate > 0 {
		cfg.Audit.SampleRate = s.cfg.SampleRate
	}

	dep := node.Deps{
		Transport: s.hub.Join(m.id),
		Model:     node.LocalModelFunc(s.model(m)),
	}
	if s.cfg.Sign {
		dep.Signer = m.key
		dep.Keyring = s.keyring
	}
	if s.cfg.Audit {
		dep.Verifier = audit.RecomputeVerifier{
			Recompute: s.recompute,
			Tolerance: domain.FromFloat(0.001),
		}
	}
	if s.cfg.DataDir != "" {
		dir := filepath.Join(s.cfg.DataDir, m.id)
		db, err := sqlite.Open(dir)
		if err != nil {
			return err
		}
		m.db = db
		dep.Store = db
		dep.Recorder = db
		cfg.Persistence = true
		cfg.Persist = persist.DefaultConfig(dir)
		cfg.Persist.CheckpointEvery = s.cfg.Checkpoint
	}
	if s.cfg.Configure != nil {
		s.cfg.Configure(&cfg)
	}

	n, err := node.New(cfg, dep)
	if err != nil {
		return err
	}
	for _, other := range s.members {
		if other.id != m.id {
			if err := n.AddPeer(other.id, other.zone); err != nil {
				return err
			}
		}
	}
	if err := n.Boot(context.Background()); err != nil {
		return err
	}
	m.node = n
	return nil
}

func (s *Swarm) zones() []string {
	out := make([]string, s.cfg.Zones)
	for i := range out {
		out[i] = fmt.Sprintf("zone-%d", i)
	}
	return out
}

// ─── Ground Truth ───────────────────────────────────────────────────────────

func (s *Swarm) makeTarget() domain.Vector {
	vals := make([]float64, s.cfg.Dimension)
	for i := range vals {
		vals[i] = 0.25 + 0.5*unit(s.cfg.Seed, "target", 0, i)
	}
	return domain.VectorFromFloats(vals)
}

// honest is the update an honest node produces: the target plus
// deterministic noise.
func (s *Swarm) honest(id string, round uint64) domain.Vector {
	vals := make([]float64, s.cfg.Dimension)
	t := s.target.Floats()
	for i := range vals {
		vals[i] = t[i] + s.cfg.Noise*(2*unit(s.cfg.Seed, id, round, i)-1)
	}
	return domain.VectorFromFloats(vals)
}

func (s *Swarm) model(m *member) func(context.Context, uint64, domain.Vector) (domain.Vector, error) {
	return func(_ context.Context, round uint64, _ domain.Vector) (domain.Vector, error) {
		v := s.honest(m.id, round)
		var off float64
		switch {
		case m.role == RoleByzantine:
			off = s.cfg.Offset
		case m.role == RoleCartel && round >= s.cfg.BurstRound:
			off = s.cfg.BurstSize
		}
		if off != 0 {
			for i := range v {
				v[i] = v[i].Add(domain.FromFloat(off))
			}
		}
		return v, nil
	}
}

func (s *Swarm) recompute(_ context.Context, id string, round uint64) (domain.Vector, error) {
	if _, ok := s.byID[id]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNodeNotRegistered, id)
	}
	return s.honest(id, round), nil
}

func (s *Swarm) lossy(from, to string) bool {
	return unit(s.cfg.Seed, from+">"+to, s.round, 0) >= s.cfg.LossRate
}

// unit maps (seed, key, round, i) to a uniform value in [0, 1).
func unit(seed uint64, key string, round uint64, i int) float64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[:8], seed)
	binary.LittleEndian.PutUint64(buf[8:16], round)
	binary.LittleEndian.PutUint64(buf[16:], uint64(i))
	sum := sha256.Sum256(append(buf[:], key...))
	return float64(binary.LittleEndian.Uint64(sum[:8])>>11) / float64(1<<53)
}

// ─── Running ────────────────────────────────────────────────────────────────

// Step runs one round on every node in id order.
func (s *Swarm) Step(ctx context.Context) ([]node.RoundReport, error) {
	s.round++
	reports := make([]node.RoundReport, 0, len(s.members))
	for _, m := range s.members {
		rep, err := m.node.Round(ctx)
		if err != nil {
			return reports, fmt.Errorf("%s round %d: %w", m.id, s.round, err)
		}
		reports = append(reports, rep)
	}
	s.recordBans()
	return reports, nil
}

// Run steps the swarm rounds times.
func (s *Swarm) Run(ctx context.Context, rounds int) (Result, error) {
	for i := 0; i < rounds; i++ {
		if _, err := s.Step(ctx); err != nil {
			return s.Result(), err
		}
	}
	return s.Result(), nil
}

func (s *Swarm) recordBans() {
	honest := s.ids(RoleHonest)
	for _, m := range s.members {
		if m.role == RoleHonest {
			continue
		}
		if _, done := s.bans[m.id]; done {
			continue
		}
		banned := 0
		for _, h := range honest {
			if s.byID[h].node.IsBanned(m.id) {
				banned++
			}
		}
		if 2*banned > len(honest) {
			s.bans[m.id] = s.round
			log.Printf("[swarm] round %d: %s %s banned by %d/%d honest nodes", s.round, m.role, m.id, banned, len(honest))
		}
	}
}

// ─── Churn ──────────────────────────────────────────────────────────────────

// Restart simulates total power loss on one node: it checkpoints on the
// brown-out signal, loses every in-memory structure and boots again from its
// data directory.
func (s *Swarm) Restart(ctx context.Context, id string) error {
	m, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNodeNotRegistered, id)
	}
	if s.cfg.DataDir == "" {
		return errors.New("restart needs a data directory")
	}
	if err := m.node.PowerLoss(ctx); err != nil {
		return fmt.Errorf("power loss %s: %w", id, err)
	}
	m.node.Close()
	m.db.Close()
	m.node, m.db = nil, nil
	return s.start(m)
}

// JoinResult describes one onboarding.
type JoinResult struct {
	ID           string
	Round        uint64
	SummaryBytes int // compact onboarding summary
	ReplayBytes  int // every update frame a full history replay would carry
}

// Join adds an honest node that adopts sponsor's compact summary instead of
// replaying history.
func (s *Swarm) Join(sponsor string) (JoinResult, error) {
	sp, ok := s.byID[sponsor]
	if !ok {
		return JoinResult{}, fmt.Errorf("%w: %s", domain.ErrNodeNotRegistered, sponsor)
	}
	sum, err := sp.node.Summary()
	if err != nil {
		return JoinResult{}, err
	}

	i := len(s.members)
	m := &member{id: NodeID(i), role: RoleHonest, zone: fmt.Sprintf("zone-%d", i%s.cfg.Zones)}
	m.key = security.KeypairFromSeed([]byte(fmt.Sprintf("%d/%s", s.cfg.Seed, m.id)))
	s.keyring.Add(m.id, m.key.Public)
	if err := s.start(m); err != nil {
		return JoinResult{}, err
	}
	for _, other := range s.members {
		if err := other.node.AddPeer(m.id, m.zone); err != nil {
			return JoinResult{}, err
		}
	}
	s.members = append(s.members, m)
	s.byID[m.id] = m

	if err := m.node.Onboard(sum); err != nil {
		return JoinResult{}, err
	}
	res := JoinResult{
		ID:           m.id,
		Round:        sum.Round,
		SummaryBytes: len(persist.EncodeSummary(sum)),
	}
	res.ReplayBytes, err = s.replayBytes(sum.Round)
	return res, err
}

// replayBytes sizes the update frames of every round so far from every node.
func (s *Swarm) replayBytes(rounds uint64) (int, error) {
	total := 0
	for _, m := range s.members {
		body := wire.EncodeVector(s.honest(m.id, 1))
		e := wire.Epiphany{Origin: m.id, Round: 1, Body: body}
		b, err := wire.NewFrame(wire.KindEpiphany, m.id, 1, e.Marshal()).Marshal()
		if err != nil {
			return 0, err
		}
		total += len(b)
	}
	return total * int(rounds), nil
}

// ─── Results ────────────────────────────────────────────────────────────────

// Result summarizes a simulation so far.
type Result struct {
	Rounds         uint64
	Drift          float64           // mean relative distance of honest weights from the target
	BanRound       map[string]uint64 // attacker → round a majority of honest nodes banned it
	Undetected     []string          // attackers not banned by every honest node
	FalsePositives []string          // honest nodes banned by any honest node
	Brownouts      uint64
}

// Result evaluates the swarm against the ground truth.
func (s *Swarm) Result() Result {
	r := Result{Rounds: s.round, BanRound: make(map[string]uint64, len(s.bans))}
	for id, round := range s.bans {
		r.BanRound[id] = round
	}
	honest := s.ids(RoleHonest)
	r.Drift = s.Drift()
	for _, m := range s.members {
		r.Brownouts += m.node.Status().Energy.Brownouts
		for _, h := range honest {
			if !s.byID[h].node.IsBanned(m.id) {
				if m.role != RoleHonest {
					r.Undetected = append(r.Undetected, m.id)
					break
				}
				continue
			}
			if m.role == RoleHonest {
				r.FalsePositives = append(r.FalsePositives, m.id)
				break
			}
		}
	}
	sort.Strings(r.Undetected)
	sort.Strings(r.FalsePositives)
	return r
}

// Drift is the mean, over honest nodes, of ‖weights − target‖ / ‖target‖
// (RMS norms).
func (s *Swarm) Drift() float64 {
	honest := s.ids(RoleHonest)
	if len(honest) == 0 {
		return 0
	}
	norm := s.target.RMSDistance(domain.NewVector(len(s.target))).Float()
	var sum float64
	for _, id := range honest {
		sum += s.byID[id].node.Weights().RMSDistance(s.target).Float()
	}
	return sum / float64(len(honest)) / math.Max(norm, 1e-9)
}

func (s *Swarm) ids(role Role) []string {
	var out []string
	for _, m := range s.members {
		if m.role == role {
			out = append(out, m.id)
		}
	}
	return out
}

// Node returns a participant by id.
func (s *Swarm) Node(id string) *node.Node {
	if m, ok := s.byID[id]; ok {
		return m.node
	}
	return nil
}

// Nodes returns every participant id in order.
func (s *Swarm) Nodes() []string {
	out := make([]string, len(s.members))
	for i, m := range s.members {
		out[i] = m.id
	}
	return out
}

// Target returns the ground-truth vector.
func (s *Swarm) Target() domain.Vector { return s.target.Clone() }

// Round returns the number of completed rounds.
func (s *Swarm) Round() uint64 { return s.round }

// Hub returns the in-memory network.
func (s *Swarm) Hub() *transport.Hub { return s.hub }

// Close releases every node and store.
func (s *Swarm) Close() error {
	for _, m := range s.members {
		if m.node != nil {
			m.node.Close()
		}
		if m.db != nil {
			m.db.Close()
		}
	}
	return nil
}
