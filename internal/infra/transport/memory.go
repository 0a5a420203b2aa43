package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// LinkFunc reports whether a frame from one node reaches another. It lets a
// simulation model partitions and loss.
type LinkFunc func(from, to string) bool

// Hub connects in-process Memory endpoints.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Memory
	link      LinkFunc
	delivered uint64
	lost      uint64
}

// NewHub creates an empty hub where every link is up.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Memory)}
}

// SetLink replaces the link model; nil means every link is up.
func (h *Hub) SetLink(fn LinkFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.link = fn
}

// Join attaches a node and returns its endpoint.
func (h *Hub) Join(nodeID string) *Memory {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := &Memory{hub: h, id: nodeID}
	h.endpoints[nodeID] = m
	return m
}

// Peers returns every attached node id.
func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.endpoints))
	for id := range h.endpoints {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats returns delivered and lost frame counts.
func (h *Hub) Stats() (delivered, lost uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.delivered, h.lost
}

func (h *Hub) deliver(from, to string, frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var targets []*Memory
	if to == "" {
		for id, m := range h.endpoints {
			if id != from {
				targets = append(targets, m)
			}
		}
	} else {
		m, ok := h.endpoints[to]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownPeer, to)
		}
		targets = append(targets, m)
	}

	for _, m := range targets {
		if h.link != nil && !h.link(from, m.id) {
			h.lost++
			continue
		}
		cp := make([]byte, len(frame))
		copy(cp, frame)
		m.push(cp)
		h.delivered++
	}
	return nil
}

func (h *Hub) leave(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, nodeID)
}

// Memory is one node's endpoint on a Hub.
type Memory struct {
	hub *Hub
	id  string

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

// Send delivers frame to peer, or to every other node when peer is empty.
func (m *Memory) Send(ctx context.Context, peer string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return domain.ErrTransportClosed
	}
	return m.hub.deliver(m.id, peer, frame)
}

// Poll returns and clears the frames queued for this node.
func (m *Memory) Poll(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrTransportClosed
	}
	out := m.queue
	m.queue = nil
	return out, nil
}

// Close detaches the endpoint from its hub.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	m.hub.leave(m.id)
	return nil
}

func (m *Memory) push(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.queue = append(m.queue, frame)
	}
}
