// Package node runs one swarm participant.
//
// A round moves through fixed phases:
//  1. Harvest energy and drain the transport into the inbox
//  2. Produce the local update if the energy gate admits it
//  3. Gate contributions by reputation and aggregate with the regime's strategy
//  4. Score every admitted contributor by its drift from the consensus
//  5. Feed the drift into the regime detector and step the model
//  6. Gossip the update, epidemically when it qualifies
//  7. Audit a deterministic sample of contributors
//  8. Checkpoint when due
//
// The node owns all of its state. Other nodes only ever reach it through
// frames on its transport.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/aggregate"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/audit"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/codec"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/energy"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/gossip"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/observability"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/persist"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/regime"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/reputation"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/topology"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/wire"
)

// LocalModel produces this node's proposed update for a round from the
// current shared weights.
type LocalModel interface {
	Update(ctx context.Context, round uint64, weights domain.Vector) (domain.Vector, error)
}

// LocalModelFunc adapts a function to LocalModel.
type LocalModelFunc func(ctx context.Context, round uint64, weights domain.Vector) (domain.Vector, error)

// Update implements LocalModel.
func (f LocalModelFunc) Update(ctx context.Context, round uint64, weights domain.Vector) (domain.Vector, error) {
	return f(ctx, round, weights)
}

// Config controls one node.
type Config struct {
	ID        string
	Zone      string   // "" = place through the zone ring
	Zones     []string // zones known at start
	Dimension int

	Aggregate  aggregate.Config
	Reputation reputation.TrackerConfig
	Regime     regime.Config
	Gate       regime.GateConfig
	Energy     energy.Config
	Bridge     topology.BridgeConfig
	Ring       topology.RingConfig
	Epidemic   gossip.EpidemicConfig
	Spread     gossip.SpreadConfig
	Inbox      gossip.InboxConfig
	Queue      gossip.QueueConfig
	Seen       gossip.SeenConfig
	Audit      audit.Config
	Persist    persist.Config
	Tracer     observability.TracerConfig

	UseCadence   bool    // wait for the regime's gossip interval between sends
	Silence      bool    // skip routine sends while the regime is stable
	Bootstrap    bool    // start fresh when no snapshot exists
	Persistence  bool    // write checkpoints (requires Persist.Dir)
	DriftWindow  int     // residual anomaly window
	CodecHint    string  // predictor hint passed to the codec
	Fidelity     float32 // advertised in outgoing frames
	SummaryEvery uint64  // rounds between world-state broadcasts (0 = never)
}

// DefaultConfig returns a single-zone node with the reference parameters.
func DefaultConfig(id string, dimension int) Config {
	return Config{
		ID:           id,
		Zone:         "default",
		Zones:        []string{"default"},
		Dimension:    dimension,
		Aggregate:    aggregate.DefaultConfig(),
		Reputation:   reputation.DefaultTrackerConfig(),
		Regime:       regime.DefaultConfig(),
		Gate:         regime.DefaultGateConfig(),
		Energy:       energy.DefaultConfig(),
		Bridge:       topology.DefaultBridgeConfig(),
		Ring:         topology.DefaultRingConfig(),
		Epidemic:     gossip.DefaultEpidemicConfig(),
		Spread:       gossip.DefaultSpreadConfig(),
		Inbox:        gossip.DefaultInboxConfig(),
		Queue:        gossip.DefaultQueueConfig(),
		Seen:         gossip.DefaultSeenConfig(),
		Audit:        audit.DefaultConfig(),
		Persist:      persist.DefaultConfig(""),
		Tracer:       observability.DefaultTracerConfig(),
		Bootstrap:    true,
		DriftWindow:  32,
		CodecHint:    "vector",
		Fidelity:     1,
		SummaryEvery: 0,
	}
}

// Deps are the node's external collaborators. Only Transport and Model are
// required.
type Deps struct {
	Transport domain.Transport
	Model     LocalModel
	Codec     domain.Codec         // default: identity
	Signer    wire.Signer          // nil sends unsigned frames
	Keyring   wire.Verifier        // nil accepts unsigned frames
	Verifier  domain.Verifier      // nil disables auditing
	Store     domain.SnapshotStore // nil keeps only the snapshot file
	Recorder  audit.Recorder       // nil skips audit history
}

// Node is one swarm participant.
type Node struct {
	mu  sync.RWMutex
	cfg Config
	dep Deps

	tracker  *reputation.Tracker
	detector *regime.Detector
	gate     *regime.ConsensusGate
	drift    *regime.DriftObserver
	pool     *energy.Pool
	topo     *topology.Topology
	bridge   *topology.BridgeNetwork
	epidemic *gossip.Epidemic
	inbox    *gossip.Inbox
	observed *gossip.Inbox // scored only, never aggregated
	queue    *gossip.RelayQueue
	seen     *gossip.SeenFilter
	cadence  *gossip.Cadence
	auditor  *audit.Auditor
	persist  *persist.Manager
	tracer   *observability.Tracer

	round        uint64
	weights      domain.Vector
	lastUpdate   domain.Vector
	residual     domain.Fixed
	accuracy     domain.Fixed
	hasResidual  bool
	variance     domain.Vector
	contributors int
	awaiting     bool // waiting for a world-state summary to onboard
	claims       map[uint64]map[string]domain.Vector
	lastReport   RoundReport
	traffic      Traffic
}

// Traffic counts frame bytes through the transport.
type Traffic struct {
	FramesIn  uint64 `json:"frames_in"`
	FramesOut uint64 `json:"frames_out"`
	BytesIn   uint64 `json:"bytes_in"`
	BytesOut  uint64 `json:"bytes_out"`
	Dropped   uint64 `json:"dropped"`
}

// New wires a node from its configuration. Call Boot before the first round.
func New(cfg Config, dep Deps) (*Node, error) {
	if cfg.ID == "" {
		return nil, errors.New("node id required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("node %s: dimension %d", cfg.ID, cfg.Dimension)
	}
	if dep.Transport == nil || dep.Model == nil {
		return nil, fmt.Errorf("node %s: transport and model required", cfg.ID)
	}
	if dep.Codec == nil {
		dep.Codec = codec.Identity{}
	}
	if _, err := aggregate.ForRegime(domain.RegimeCalm, cfg.Aggregate); err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, dep: dep}
	n.tracker = reputation.NewTracker(cfg.Reputation)
	n.gate = regime.NewConsensusGate(cfg.Gate, n.tracker)
	n.detector = regime.NewDetector(cfg.Regime, n.gate)
	n.drift = regime.NewDriftObserver(cfg.DriftWindow)
	n.pool = energy.NewPool(cfg.Energy)
	n.topo = topology.New(cfg.Ring, cfg.Zones...)
	n.bridge = topology.NewBridgeNetwork(cfg.Bridge, n.topo)
	n.epidemic = gossip.NewEpidemic(cfg.Epidemic)
	n.inbox = gossip.NewInbox(cfg.Inbox)
	n.observed = gossip.NewInbox(cfg.Inbox)
	n.queue = gossip.NewRelayQueue(cfg.Queue)
	n.seen = gossip.NewSeenFilter(cfg.Seen)
	n.cadence = gossip.NewCadence()
	n.tracer = observability.NewTracer(cfg.Tracer)
	if dep.Verifier != nil {
		n.auditor = audit.New(cfg.Audit, dep.Verifier, n.tracker, dep.Recorder)
	}
	if cfg.Persistence {
		n.persist = persist.NewManager(cfg.Persist, dep.Store)
	}

	if err := n.placeSelf(); err != nil {
		return nil, err
	}
	n.tracker.Register(cfg.ID)
	n.weights = domain.NewVector(cfg.Dimension)
	return n, nil
}

func (n *Node) placeSelf() error {
	if n.cfg.Zone == "" {
		_, err := n.topo.Assign(n.cfg.ID)
		return err
	}
	n.topo.AddZone(n.cfg.Zone)
	return n.topo.Place(n.cfg.ID, n.cfg.Zone)
}

// ID returns the node id.
func (n *Node) ID() string { return n.cfg.ID }

// AddPeer makes a node known. An empty zone places it through the ring.
func (n *Node) AddPeer(id, zone string) error {
	if id == n.cfg.ID {
		return nil
	}
	n.tracker.Register(id)
	if zone == "" {
		_, err := n.topo.Assign(id)
		return err
	}
	n.topo.AddZone(zone)
	return n.topo.Place(id, zone)
}

// peers returns every known node except self.
func (n *Node) peers() []string {
	all := n.topo.Nodes()
	out := all[:0]
	for _, id := range all {
		if id != n.cfg.ID {
			out = append(out, id)
		}
	}
	return out
}

// ─── Boot & Recovery ────────────────────────────────────────────────────────

// Boot restores the newest valid snapshot. With no snapshot it starts fresh
// when Bootstrap is set; a corrupt snapshot with no valid fallback is fatal.
func (n *Node) Boot(ctx context.Context) error {
	if n.persist == nil {
		return nil
	}
	snap, err := n.persist.Restore(ctx)
	switch {
	case err == nil:
		n.mu.Lock()
		err = n.restoreLocked(snap)
		n.mu.Unlock()
		if err != nil {
			return fmt.Errorf("boot %s: %w", n.cfg.ID, err)
		}
		log.Printf("[node] %s restored round %d (%s)", n.cfg.ID, snap.Round, snap.Regime.Current)
		return nil
	case errors.Is(err, domain.ErrNoSnapshot) && n.cfg.Bootstrap:
		log.Printf("[node] %s starting fresh", n.cfg.ID)
		return nil
	default:
		return fmt.Errorf("boot %s: %w", n.cfg.ID, err)
	}
}

// AwaitSummary makes the node adopt the next world-state summary it receives
// instead of aggregating from zero.
func (n *Node) AwaitSummary() {
	n.mu.Lock()
	n.awaiting = true
	n.mu.Unlock()
}

// Onboard adopts a summary: round and consensus weights carry over,
// everything else starts fresh.
func (n *Node) Onboard(s domain.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.onboardLocked(s); err != nil {
		return err
	}
	log.Printf("[node] %s onboarded at round %d from %d contributors", n.cfg.ID, s.Round, s.Contributors)
	return nil
}

// Snapshot captures the node's full state.
func (n *Node) Snapshot() *domain.Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.snapshotLocked()
}

func (n *Node) snapshotLocked() *domain.Snapshot {
	return &domain.Snapshot{
		NodeID:         n.cfg.ID,
		Round:          n.round,
		Regime:         n.detector.State(),
		Weights:        n.weights.Clone(),
		Reputation:     n.tracker.Export(),
		Placement:      n.topo.Placements(),
		EnergyLevel:    n.pool.Level(),
		EnergyCapacity: n.pool.Capacity(),
		Epidemic:       n.epidemic.Record(),
	}
}

func (n *Node) restoreLocked(s *domain.Snapshot) error {
	if err := n.detector.Restore(s.Regime); err != nil {
		return err
	}
	n.round = s.Round
	n.weights = s.Weights.Clone()
	if len(n.weights) != n.cfg.Dimension {
		log.Printf("[node] %s snapshot dimension %d, configured %d", n.cfg.ID, len(n.weights), n.cfg.Dimension)
	}
	n.tracker.Import(s.Reputation)
	n.tracker.Register(n.cfg.ID)
	n.topo.Restore(s.Placement)
	n.pool.Restore(s.EnergyLevel)
	n.epidemic.Restore(s.Epidemic)
	n.residual = s.Epidemic.Residual
	n.accuracy = s.Epidemic.AccuracyDelta
	n.hasResidual = s.Round > 0
	return nil
}

// Checkpoint writes a snapshot now.
func (n *Node) Checkpoint(ctx context.Context) (domain.SnapshotRecord, error) {
	if n.persist == nil {
		return domain.SnapshotRecord{}, errors.New("persistence disabled")
	}
	n.mu.RLock()
	snap := n.snapshotLocked()
	n.mu.RUnlock()
	return n.persist.Checkpoint(ctx, snap)
}

// PowerLoss is the brown-out signal: state is checkpointed immediately.
func (n *Node) PowerLoss(ctx context.Context) error {
	log.Printf("[node] %s power loss signalled; checkpointing", n.cfg.ID)
	_, err := n.Checkpoint(ctx)
	return err
}

// Summary builds the onboarding summary of the current state.
func (n *Node) Summary() (domain.Summary, error) {
	n.mu.RLock()
	snap := n.snapshotLocked()
	variance := n.variance
	contributors := n.contributors
	n.mu.RUnlock()

	b, err := persist.Encode(snap)
	if err != nil {
		return domain.Summary{}, err
	}
	if len(variance) != len(snap.Weights) {
		variance = nil
	}
	return persist.BuildSummary(b, variance, contributors)
}

// Close releases the transport.
func (n *Node) Close() error { return n.dep.Transport.Close() }
