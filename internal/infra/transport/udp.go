package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/wire"
)

const seedPrefix = "seed:"

// UDPConfig controls the datagram carrier.
type UDPConfig struct {
	BindAddr    string        // UDP listen address (e.g. ":7946")
	ReadTimeout time.Duration // receive loop wake-up (default: 1s)
	QueueLen    int           // received frames held until Poll (default: 1024)
}

// DefaultUDPConfig returns conservative defaults.
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		BindAddr:    ":7946",
		ReadTimeout: time.Second,
		QueueLen:    1024,
	}
}

// UDP sends one frame per datagram. Peers are learned from seeds and from
// the sender field of frames that arrive.
type UDP struct {
	mu      sync.RWMutex
	config  UDPConfig
	conn    *net.UDPConn
	peers   map[string]*net.UDPAddr // nodeID or seed:<addr> → address
	inbox   chan []byte
	dropped uint64
	done    chan struct{}
	closed  bool
}

// NewUDP creates an unbound carrier; call Listen before Send or Poll.
func NewUDP(cfg UDPConfig) *UDP {
	def := DefaultUDPConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = def.QueueLen
	}
	return &UDP{
		config: cfg,
		peers:  make(map[string]*net.UDPAddr),
		inbox:  make(chan []byte, cfg.QueueLen),
		done:   make(chan struct{}),
	}
}

// Listen binds the socket and starts the receive loop, which runs until ctx
// is cancelled or Close is called.
func (u *UDP) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", u.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()

	go u.receiveLoop(ctx)
	return nil
}

// Addr returns the bound local address.
func (u *UDP) Addr() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return ""
	}
	return u.conn.LocalAddr().String()
}

// Join seeds the address book with peers whose ids are not yet known. A seed
// entry is replaced by the real id once a frame arrives from that address.
func (u *UDP) Join(addrs []string) error {
	for _, a := range addrs {
		addr, err := net.ResolveUDPAddr("udp4", a)
		if err != nil {
			return fmt.Errorf("resolve seed %s: %w", a, err)
		}
		u.mu.Lock()
		u.peers[seedPrefix+a] = addr
		u.mu.Unlock()
	}
	return nil
}

// AddPeer records a known peer address.
func (u *UDP) AddPeer(nodeID, address string) error {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return fmt.Errorf("resolve peer %s: %w", nodeID, err)
	}
	u.mu.Lock()
	u.peers[nodeID] = addr
	u.mu.Unlock()
	return nil
}

// Peers returns the resolved peer ids, excluding unresolved seeds.
func (u *UDP) Peers() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]string, 0, len(u.peers))
	for id := range u.peers {
		if strings.HasPrefix(id, seedPrefix) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Send writes frame to peer, or to every known address when peer is empty.
func (u *UDP) Send(ctx context.Context, peer string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.mu.RLock()
	conn, closed := u.conn, u.closed
	var targets []*net.UDPAddr
	if peer == "" {
		for _, a := range u.peers {
			targets = append(targets, a)
		}
	} else if a, ok := u.peers[peer]; ok {
		targets = append(targets, a)
	}
	u.mu.RUnlock()

	if closed || conn == nil {
		return domain.ErrTransportClosed
	}
	if peer != "" && len(targets) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPeer, peer)
	}

	var errs []error
	for _, a := range targets {
		if _, err := conn.WriteToUDP(frame, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Poll returns every frame received since the last call without blocking.
func (u *UDP) Poll(ctx context.Context) ([][]byte, error) {
	var frames [][]byte
	for {
		select {
		case <-ctx.Done():
			return frames, ctx.Err()
		case f := <-u.inbox:
			frames = append(frames, f)
		default:
			return frames, nil
		}
	}
}

// Dropped returns frames lost because the receive queue was full.
func (u *UDP) Dropped() uint64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.dropped
}

// Close shuts the socket; the receive loop exits on its next wake-up.
func (u *UDP) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	close(u.done)
	if u.conn != nil {
		return u.conn.Close()
	}
	return nil
}

// receiveLoop reads datagrams and queues them for Poll.
func (u *UDP) receiveLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			u.Close()
			return
		case <-u.done:
			return
		default:
		}

		u.conn.SetReadDeadline(time.Now().Add(u.config.ReadTimeout))
		n, remote, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		u.learn(frame, remote)

		select {
		case u.inbox <- frame:
		default:
			u.mu.Lock()
			u.dropped++
			u.mu.Unlock()
		}
	}
}

// learn maps the frame's sender to the address it came from, upgrading any
// seed entry for that address to the real id.
func (u *UDP) learn(frame []byte, from *net.UDPAddr) {
	f, err := wire.Unmarshal(frame)
	if err != nil || f.Sender == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, known := u.peers[f.Sender]; !known {
		for id, a := range u.peers {
			if strings.HasPrefix(id, seedPrefix) && a.String() == from.String() {
				delete(u.peers, id)
			}
		}
		log.Printf("[transport] learned peer %s at %s", f.Sender, from)
	}
	u.peers[f.Sender] = from
}
