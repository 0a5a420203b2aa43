package topology

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// ─── Zone Ring ──────────────────────────────────────────────────────────────
// Maps node ids → zone names with minimal movement when zones are added or
// retired. Each zone gets VirtualNodes positions on the ring.
// Lookup: O(log n) via binary search on the sorted ring.

// RingConfig configures the zone ring.
type RingConfig struct {
	VirtualNodes int // positions per zone (default 64)
}

// DefaultRingConfig returns defaults sized for tens of zones.
func DefaultRingConfig() RingConfig {
	return RingConfig{VirtualNodes: 64}
}

// Ring is a consistent hash ring over zone names.
type Ring struct {
	mu           sync.RWMutex
	points       []ringPoint // sorted by hash, ties by zone
	zones        map[string]bool
	virtualNodes int
}

type ringPoint struct {
	hash uint32
	zone string
}

// NewRing creates an empty ring.
func NewRing(cfg RingConfig) *Ring {
	if cfg.VirtualNodes <= 0 {
		cfg.VirtualNodes = DefaultRingConfig().VirtualNodes
	}
	return &Ring{
		zones:        make(map[string]bool),
		virtualNodes: cfg.VirtualNodes,
	}
}

// AddZone places a zone and its virtual replicas on the ring.
func (r *Ring) AddZone(zone string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.zones[zone] {
		return
	}
	r.zones[zone] = true
	for i := 0; i < r.virtualNodes; i++ {
		r.points = append(r.points, ringPoint{hash: hashKey(fmt.Sprintf("%s#%d", zone, i)), zone: zone})
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		return r.points[i].zone < r.points[j].zone
	})
}

// RemoveZone retires a zone; its nodes fall to the next zone clockwise.
func (r *Ring) RemoveZone(zone string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.zones[zone] {
		return
	}
	delete(r.zones, zone)
	kept := r.points[:0]
	for _, p := range r.points {
		if p.zone != zone {
			kept = append(kept, p)
		}
	}
	r.points = kept
}

// Lookup returns the zone responsible for a node id, or "" on an empty ring.
func (r *Ring) Lookup(nodeID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return ""
	}
	h := hashKey(nodeID)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx >= len(r.points) {
		idx = 0
	}
	return r.points[idx].zone
}

// Zones returns the zones on the ring, sorted.
func (r *Ring) Zones() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.zones))
	for z := range r.zones {
		out = append(out, z)
	}
	sort.Strings(out)
	return out
}

// hashKey takes the first 4 bytes of SHA-256.
func hashKey(key string) uint32 {
	h := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(h[:4])
}
