package gossip

import "sync"

// ─── Relay Queue (Min-Heap) ─────────────────────────────────────────────────
// Outgoing frames wait here until the energy gate lets them go.
//
// Operations:
//   Push:    O(log n), sift up
//   Pop:     O(log n), sift down (extract-min)
//   Advance: O(n), re-heapify after the round changes
//
// Starvation prevention:
//   effective_priority = base_priority - rounds_waited/BoostRounds
//   capped at MaxBoost, so a world-state frame is not starved by votes.

// Priorities (lower = sooner).
const (
	PriorityVote       = 0
	PriorityEpiphany   = 1
	PriorityWorldState = 2
)

// Outgoing is one queued frame.
type Outgoing struct {
	Peer      string // "" broadcasts
	Frame     []byte
	Priority  int
	Round     uint64 // round it was queued in
	Broadcast uint64 // shared by the per-peer copies of one transmission; 0 = none
	seq       uint64
}

// QueueConfig configures capacity and starvation prevention.
type QueueConfig struct {
	MaxLen      int
	BoostRounds uint64
	MaxBoost    int
}

// DefaultQueueConfig returns sensible defaults for a constrained node.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxLen: 256, BoostRounds: 3, MaxBoost: 2}
}

// RelayQueue is a thread-safe min-heap of outgoing frames.
type RelayQueue struct {
	mu      sync.Mutex
	heap    []Outgoing
	cfg     QueueConfig
	round   uint64
	seq     uint64
	bcast   uint64
	dropped uint64
}

// NewRelayQueue creates an empty queue.
func NewRelayQueue(cfg QueueConfig) *RelayQueue {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultQueueConfig().MaxLen
	}
	return &RelayQueue{cfg: cfg}
}

// Push enqueues a frame. A full queue drops it; dropped frames are never
// retried.
func (q *RelayQueue) Push(item Outgoing) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.cfg.MaxLen {
		q.dropped++
		return false
	}
	if item.Round == 0 {
		item.Round = q.round
	}
	q.seq++
	item.seq = q.seq
	q.heap = append(q.heap, item)
	q.siftUp(len(q.heap) - 1)
	return true
}

// NewBroadcast returns a fresh id for grouping the copies of one
// transmission. Ids start at 1.
func (q *RelayQueue) NewBroadcast() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bcast++
	return q.bcast
}

// Pop removes the most urgent frame.
func (q *RelayQueue) Pop() (Outgoing, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return Outgoing{}, false
	}
	top := q.heap[0]
	last := len(q.heap) - 1
	q.heap[0] = q.heap[last]
	q.heap = q.heap[:last]
	if len(q.heap) > 0 {
		q.siftDown(0)
	}
	return top, true
}

// Peek returns the most urgent frame without removing it.
func (q *RelayQueue) Peek() (Outgoing, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Outgoing{}, false
	}
	return q.heap[0], true
}

// Advance moves the queue's clock to round and restores heap order.
func (q *RelayQueue) Advance(round uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.round = round
	for i := len(q.heap)/2 - 1; i >= 0; i-- {
		q.siftDown(i)
	}
}

// Len returns the number of queued frames.
func (q *RelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Dropped returns how many frames were refused because the queue was full.
func (q *RelayQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *RelayQueue) effectivePriority(item *Outgoing) int {
	if q.cfg.BoostRounds == 0 || q.round <= item.Round {
		return item.Priority
	}
	boost := int((q.round - item.Round) / q.cfg.BoostRounds)
	if boost > q.cfg.MaxBoost {
		boost = q.cfg.MaxBoost
	}
	eff := item.Priority - boost
	if eff < 0 {
		eff = 0
	}
	return eff
}

// less returns true if item i should go out before item j.
func (q *RelayQueue) less(i, j int) bool {
	pi := q.effectivePriority(&q.heap[i])
	pj := q.effectivePriority(&q.heap[j])
	if pi != pj {
		return pi < pj
	}
	return q.heap[i].seq < q.heap[j].seq
}

func (q *RelayQueue) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if !q.less(idx, parent) {
			break
		}
		q.heap[idx], q.heap[parent] = q.heap[parent], q.heap[idx]
		idx = parent
	}
}

func (q *RelayQueue) siftDown(idx int) {
	n := len(q.heap)
	for {
		smallest := idx
		left, right := 2*idx+1, 2*idx+2
		if left < n && q.less(left, smallest) {
			smallest = left
		}
		if right < n && q.less(right, smallest) {
			smallest = right
		}
		if smallest == idx {
			break
		}
		q.heap[idx], q.heap[smallest] = q.heap[smallest], q.heap[idx]
		idx = smallest
	}
}
