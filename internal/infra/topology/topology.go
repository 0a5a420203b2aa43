// Package topology partitions the swarm into disjoint zones and controls
// which messages may cross zone boundaries.
package topology

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/observability"
)

// ─── Zone Topology ──────────────────────────────────────────────────────────

// Topology records each node's zone. Explicit placements win over the ring.
type Topology struct {
	mu      sync.RWMutex
	ring    *Ring
	nodes   map[string]string // node → zone
	members map[string]map[string]bool
}

// New creates a topology whose automatic placement uses the given zones.
func New(cfg RingConfig, zones ...string) *Topology {
	t := &Topology{
		ring:    NewRing(cfg),
		nodes:   make(map[string]string),
		members: make(map[string]map[string]bool),
	}
	for _, z := range zones {
		t.AddZone(z)
	}
	return t
}

// AddZone declares a zone and makes it eligible for ring placement.
func (t *Topology) AddZone(zone string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.members[zone] == nil {
		t.members[zone] = make(map[string]bool)
	}
	t.ring.AddZone(zone)
}

// Place puts a node into a named zone, moving it if already placed.
func (t *Topology) Place(nodeID, zone string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.members[zone] == nil {
		return fmt.Errorf("place %s in %q: %w", nodeID, zone, domain.ErrUnknownZone)
	}
	t.placeLocked(nodeID, zone)
	return nil
}

// Assign places a node through the ring and returns its zone. A node that
// is already placed keeps its zone.
func (t *Topology) Assign(nodeID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if z, ok := t.nodes[nodeID]; ok {
		return z, nil
	}
	zone := t.ring.Lookup(nodeID)
	if zone == "" {
		return "", fmt.Errorf("assign %s: %w", nodeID, domain.ErrUnknownZone)
	}
	t.placeLocked(nodeID, zone)
	return zone, nil
}

func (t *Topology) placeLocked(nodeID, zone string) {
	if old, ok := t.nodes[nodeID]; ok {
		delete(t.members[old], nodeID)
	}
	t.nodes[nodeID] = zone
	t.members[zone][nodeID] = true
}

// ZoneOf returns the zone of a node.
func (t *Topology) ZoneOf(nodeID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	z, ok := t.nodes[nodeID]
	return z, ok
}

// Members returns the nodes in a zone, sorted.
func (t *Topology) Members(zone string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.members[zone]))
	for id := range t.members[zone] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Zones returns every declared zone, sorted.
func (t *Topology) Zones() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.members))
	for z := range t.members {
		out = append(out, z)
	}
	sort.Strings(out)
	return out
}

// Nodes returns every placed node, sorted.
func (t *Topology) Nodes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Placements exports the node → zone map in node order.
func (t *Topology) Placements() []domain.Placement {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Placement, 0, len(t.nodes))
	for id, z := range t.nodes {
		out = append(out, domain.Placement{NodeID: id, Zone: z})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Restore re-applies exported placements, declaring unknown zones.
func (t *Topology) Restore(ps []domain.Placement) {
	for _, p := range ps {
		t.AddZone(p.Zone)
		t.Place(p.NodeID, p.Zone)
	}
}

// ─── Bridge Network ─────────────────────────────────────────────────────────

// BridgeConfig limits inter-zone traffic.
type BridgeConfig struct {
	ReputationThreshold float64 // sender reputation needed to cross zones
	RateCap             int     // inter-zone sends per sending zone per round
}

// DefaultBridgeConfig returns the standard limits.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{ReputationThreshold: 0.8, RateCap: 10}
}

// BridgeStats counts bridge decisions since creation.
type BridgeStats struct {
	Allowed     uint64 `json:"allowed"`
	Ineligible  uint64 `json:"ineligible"`
	RateCapped  uint64 `json:"rate_capped"`
	UnknownZone uint64 `json:"unknown_zone"`

	InboundAllowed    uint64 `json:"inbound_allowed"`
	InboundIneligible uint64 `json:"inbound_ineligible"`
	InboundCapped     uint64 `json:"inbound_capped"`
}

// BridgeNetwork decides whether a message may travel between two nodes.
// Refusals are dropped and counted; the sender is never penalized.
type BridgeNetwork struct {
	mu        sync.Mutex
	topo      *Topology
	threshold domain.Fixed
	rateCap   int
	sent      map[string]int // sending zone → inter-zone sends this round
	recv      map[string]int // sending zone → inter-zone frames received this round
	stats     BridgeStats
}

// NewBridgeNetwork wraps a topology with bridge limits.
func NewBridgeNetwork(cfg BridgeConfig, topo *Topology) *BridgeNetwork {
	return &BridgeNetwork{
		topo:      topo,
		threshold: domain.FromFloat(cfg.ReputationThreshold),
		rateCap:   cfg.RateCap,
		sent:      make(map[string]int),
		recv:      make(map[string]int),
	}
}

// Eligible reports whether a reputation qualifies a node as a bridge.
func (b *BridgeNetwork) Eligible(rep domain.Fixed) bool {
	return rep >= b.threshold
}

// Allow decides and records one send from → to. It returns nil when the
// message may go out.
func (b *BridgeNetwork) Allow(from, to string, senderRep domain.Fixed) error {
	fromZone, ok1 := b.topo.ZoneOf(from)
	toZone, ok2 := b.topo.ZoneOf(to)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !ok1 || !ok2 {
		b.stats.UnknownZone++
		observability.BridgeRefusals.WithLabelValues("unknown_zone").Inc()
		return fmt.Errorf("%s → %s: %w", from, to, domain.ErrUnknownZone)
	}
	if fromZone == toZone {
		b.stats.Allowed++
		return nil
	}
	if senderRep < b.threshold {
		b.stats.Ineligible++
		observability.BridgeRefusals.WithLabelValues("ineligible").Inc()
		return fmt.Errorf("%s (rep %s): %w", from, senderRep, domain.ErrBridgeIneligible)
	}
	if b.sent[fromZone] >= b.rateCap {
		b.stats.RateCapped++
		observability.BridgeRefusals.WithLabelValues("rate_capped").Inc()
		log.Printf("[bridge] zone %s hit rate cap %d; dropping %s → %s", fromZone, b.rateCap, from, to)
		return fmt.Errorf("zone %s: %w", fromZone, domain.ErrBridgeRateCapped)
	}
	b.sent[fromZone]++
	b.stats.Allowed++
	return nil
}

// NextRound resets the per-zone counters.
func (b *BridgeNetwork) NextRound() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for z := range b.sent {
		delete(b.sent, z)
	}
	for z := range b.recv {
		delete(b.recv, z)
	}
}

// Inbound checks a frame that arrived from another node against the same
// limits, using the receiver's own view of the sender. A sender that skips
// its outbound gate still cannot push more than the rate cap per zone per
// round into this node. Every inter-zone frame counts against the cap, even
// one that is then refused as ineligible.
func (b *BridgeNetwork) Inbound(from, to string, senderRep domain.Fixed) error {
	fromZone, ok1 := b.topo.ZoneOf(from)
	toZone, ok2 := b.topo.ZoneOf(to)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !ok1 || !ok2 {
		b.stats.UnknownZone++
		observability.BridgeRefusals.WithLabelValues("unknown_zone").Inc()
		return fmt.Errorf("%s → %s: %w", from, to, domain.ErrUnknownZone)
	}
	if fromZone == toZone {
		return nil
	}
	if b.recv[fromZone] >= b.rateCap {
		b.stats.InboundCapped++
		observability.BridgeRefusals.WithLabelValues("inbound_capped").Inc()
		return fmt.Errorf("inbound from zone %s: %w", fromZone, domain.ErrBridgeRateCapped)
	}
	b.recv[fromZone]++
	if senderRep < b.threshold {
		b.stats.InboundIneligible++
		observability.BridgeRefusals.WithLabelValues("inbound_ineligible").Inc()
		return fmt.Errorf("inbound %s (rep %s): %w", from, senderRep, domain.ErrBridgeIneligible)
	}
	b.stats.InboundAllowed++
	return nil
}

// Received returns the inter-zone frames counted from a zone this round.
func (b *BridgeNetwork) Received(zone string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recv[zone]
}

// Sent returns a zone's inter-zone sends this round.
func (b *BridgeNetwork) Sent(zone string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[zone]
}

// Stats returns cumulative counters.
func (b *BridgeNetwork) Stats() BridgeStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Topology returns the underlying zone map.
func (b *BridgeNetwork) Topology() *Topology { return b.topo }
