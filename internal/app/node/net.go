package node

import (
	"context"
	"errors"
	"log"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/energy"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/gossip"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/observability"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/persist"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/regime"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/wire"
)

// ─── Inbound ────────────────────────────────────────────────────────────────

// receive drains the transport. Every bad frame is dropped and counted;
// nothing is ever answered or retried.
func (n *Node) receive(ctx context.Context, round uint64) int {
	frames, err := n.dep.Transport.Poll(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrTransportClosed) && ctx.Err() == nil {
			log.Printf("[node] %s poll: %v", n.cfg.ID, err)
		}
		return 0
	}
	for _, b := range frames {
		n.traffic.FramesIn++
		n.traffic.BytesIn += uint64(len(b))
		outcome := n.handleFrame(ctx, b, round)
		observability.GossipFrames.WithLabelValues("in", outcome).Inc()
		if outcome != "accepted" && outcome != "probation" {
			n.traffic.Dropped++
		}
	}
	return len(frames)
}

func (n *Node) handleFrame(ctx context.Context, b []byte, round uint64) string {
	if !n.pool.TrySpend(energy.OpGossipReceive) {
		return "energy"
	}
	f, err := wire.Unmarshal(b)
	if err != nil {
		return "malformed"
	}
	if f.Sender == n.cfg.ID {
		return "self"
	}
	if n.dep.Keyring != nil {
		if err := f.Verify(n.dep.Keyring); err != nil {
			return "bad_signature"
		}
	}
	if n.tracker.IsBanned(f.Sender) {
		return "banned"
	}
	n.learn(f.Sender)

	// Inter-zone frames are limited here too, whatever the sender's own
	// gate did. An epiphany from a sender this node does not yet trust
	// enough to bridge is scored but kept out of the consensus.
	probation := false
	if err := n.bridge.Inbound(f.Sender, n.cfg.ID, n.tracker.Score(f.Sender)); err != nil {
		if !errors.Is(err, domain.ErrBridgeIneligible) || f.Kind != wire.KindEpiphany {
			return "bridge"
		}
		probation = true
	}

	switch f.Kind {
	case wire.KindEpiphany:
		return n.handleEpiphany(ctx, f, round, probation)
	case wire.KindRegimeVote:
		v, err := wire.UnmarshalRegimeVote(f.Payload)
		if err != nil {
			return "malformed"
		}
		if !n.gate.Submit(regime.Vote{NodeID: f.Sender, Round: v.Round, Derivative: v.Derivative}) {
			return "duplicate"
		}
		return "accepted"
	case wire.KindWorldState:
		if !n.awaiting {
			return "ignored"
		}
		s, err := persist.DecodeSummary(f.Payload)
		if err != nil {
			return "malformed"
		}
		if err := n.onboardLocked(s); err != nil {
			log.Printf("[node] %s onboarding from %s: %v", n.cfg.ID, f.Sender, err)
			return "rejected"
		}
		log.Printf("[node] %s onboarded from %s at round %d", n.cfg.ID, f.Sender, s.Round)
		return "accepted"
	}
	return "malformed"
}

func (n *Node) handleEpiphany(ctx context.Context, f *wire.Frame, round uint64, probation bool) string {
	e, err := wire.UnmarshalEpiphany(f.Payload)
	if err != nil {
		return "malformed"
	}
	origin := e.Origin
	if origin == "" {
		origin = f.Sender
	}
	if origin == n.cfg.ID {
		return "self"
	}
	if n.tracker.IsBanned(origin) {
		return "banned"
	}
	if n.dep.Keyring != nil && origin != f.Sender {
		if err := e.VerifyOrigin(n.dep.Keyring); err != nil {
			return "bad_origin"
		}
	}
	if !probation && !n.seen.MarkSeen(gossip.FrameKey(f.Kind.String(), origin, e.Round)) {
		return "duplicate"
	}

	body, err := n.dep.Codec.Decode(ctx, e.Body, n.cfg.CodecHint)
	if err != nil {
		return "codec"
	}
	v, _, err := wire.DecodeVector(body)
	if err != nil {
		return "malformed"
	}
	n.learn(origin)
	if probation {
		if !n.observed.Add(domain.Contribution{NodeID: origin, Round: e.Round, Vector: v}, round) {
			return "late"
		}
		return "probation"
	}
	if !n.inbox.Add(domain.Contribution{NodeID: origin, Round: e.Round, Vector: v}, round) {
		return "late"
	}

	if next, ok := gossip.NextHop(e.TTL); ok && n.epidemic.CanRelay() {
		n.relay(e, next, f.Sender, round)
	}
	return "accepted"
}

// learn places a node first heard from the wire through the zone ring.
func (n *Node) learn(id string) {
	if _, ok := n.topo.ZoneOf(id); ok {
		return
	}
	if _, err := n.topo.Assign(id); err == nil {
		n.tracker.Register(id)
	}
}

func (n *Node) onboardLocked(s domain.Summary) error {
	snap, err := persist.ApplySummary(s, n.cfg.ID, n.cfg.Dimension)
	if err != nil {
		return err
	}
	n.round = snap.Round
	n.weights = snap.Weights
	n.awaiting = false
	return nil
}

// ─── Outbound ───────────────────────────────────────────────────────────────

// originate sends the local update to every reachable peer. An infectious
// node also gives it a relay budget so it spreads past the direct peers.
func (n *Node) originate(ctx context.Context, round uint64, own domain.Vector) {
	body, err := n.dep.Codec.Encode(ctx, wire.EncodeVector(own), n.cfg.CodecHint)
	if err != nil {
		log.Printf("[node] %s encode update: %v", n.cfg.ID, err)
		return
	}
	var ttl uint8
	if n.epidemic.CanOriginate() {
		ttl = n.cfg.Spread.TTL
	}
	e := wire.Epiphany{Origin: n.cfg.ID, Round: round, TTL: ttl, Body: body}
	if n.dep.Signer != nil {
		if err := e.SignOrigin(n.dep.Signer); err != nil {
			log.Printf("[node] %s sign epiphany: %v", n.cfg.ID, err)
			return
		}
	}
	frame, err := n.frame(wire.KindEpiphany, e.Marshal())
	if err != nil {
		log.Printf("[node] %s build epiphany: %v", n.cfg.ID, err)
		return
	}
	n.seen.MarkSeen(gossip.FrameKey(wire.KindEpiphany.String(), n.cfg.ID, round))
	n.enqueue(n.peers(), frame, gossip.PriorityEpiphany, round)
	n.cadence.MarkSent()
}

// relay forwards someone else's update to a seeded fanout of peers.
func (n *Node) relay(e wire.Epiphany, ttl uint8, from string, round uint64) {
	candidates := make([]string, 0)
	for _, p := range n.peers() {
		if p != e.Origin && p != from {
			candidates = append(candidates, p)
		}
	}
	targets := gossip.Plan(n.cfg.Spread, n.cfg.ID, round, candidates)
	if len(targets) == 0 {
		return
	}
	e.TTL = ttl
	frame, err := n.frame(wire.KindEpiphany, e.Marshal())
	if err != nil {
		return
	}
	n.enqueue(targets, frame, gossip.PriorityEpiphany, round)
}

// vote tells peers that this node sees a storm building.
func (n *Node) vote(round uint64, tr regime.Transition) {
	n.gate.Submit(regime.Vote{NodeID: n.cfg.ID, Round: round, Derivative: tr.Derivative})
	v := wire.RegimeVote{Round: round, Derivative: tr.Derivative, Regime: tr.To}
	frame, err := n.frame(wire.KindRegimeVote, v.Marshal())
	if err != nil {
		return
	}
	n.enqueue(n.peers(), frame, gossip.PriorityVote, round)
}

// publishSummary offers the onboarding summary to every peer.
func (n *Node) publishSummary(round uint64) {
	snap := n.snapshotLocked()
	b, err := persist.Encode(snap)
	if err != nil {
		return
	}
	variance := n.variance
	if len(variance) != len(snap.Weights) {
		variance = nil
	}
	s, err := persist.BuildSummary(b, variance, n.contributors)
	if err != nil {
		log.Printf("[node] %s summary: %v", n.cfg.ID, err)
		return
	}
	frame, err := n.frame(wire.KindWorldState, persist.EncodeSummary(s))
	if err != nil {
		return
	}
	n.enqueue(n.peers(), frame, gossip.PriorityWorldState, round)
}

func (n *Node) frame(kind wire.Kind, payload []byte) ([]byte, error) {
	f := wire.NewFrame(kind, n.cfg.ID, n.cfg.Fidelity, payload)
	if n.dep.Signer != nil {
		if err := f.Sign(n.dep.Signer); err != nil {
			return nil, err
		}
	}
	return f.Marshal()
}

// enqueue queues one frame per target the bridge network lets through,
// all under one broadcast id. Refused targets are simply skipped.
func (n *Node) enqueue(targets []string, frame []byte, priority int, round uint64) {
	score := n.tracker.Score(n.cfg.ID)
	id := n.queue.NewBroadcast()
	for _, to := range targets {
		if err := n.bridge.Allow(n.cfg.ID, to, score); err != nil {
			continue
		}
		if !n.queue.Push(gossip.Outgoing{Peer: to, Frame: frame, Priority: priority, Round: round, Broadcast: id}) {
			observability.GossipFrames.WithLabelValues("out", "queue_full").Inc()
		}
	}
}

// flush sends queued frames while energy lasts. One transmission reaches
// every addressed neighbour, so a broadcast is charged once per flush.
func (n *Node) flush(ctx context.Context) int {
	paid := make(map[uint64]bool)
	sent := 0
	for {
		item, ok := n.queue.Peek()
		if !ok || ctx.Err() != nil {
			break
		}
		if item.Broadcast == 0 || !paid[item.Broadcast] {
			if !n.pool.TrySpend(energy.OpGossipSend) {
				break
			}
			paid[item.Broadcast] = true
		}
		n.queue.Pop()

		if err := n.dep.Transport.Send(ctx, item.Peer, item.Frame); err != nil {
			observability.GossipFrames.WithLabelValues("out", "error").Inc()
			if !errors.Is(err, domain.ErrUnknownPeer) {
				log.Printf("[node] %s send to %s: %v", n.cfg.ID, item.Peer, err)
			}
			continue
		}
		observability.GossipFrames.WithLabelValues("out", "sent").Inc()
		n.traffic.FramesOut++
		n.traffic.BytesOut += uint64(len(item.Frame))
		sent++
	}
	return sent
}
