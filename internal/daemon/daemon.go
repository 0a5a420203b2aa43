package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CavinKrenik/QRES-RaaS/internal/api"
	"github.com/CavinKrenik/QRES-RaaS/internal/app/node"
	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/codec"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/sqlite"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/transport"
	"github.com/CavinKrenik/QRES-RaaS/internal/security"
)

// Options are the collaborators a deployment supplies.
type Options struct {
	Model    node.LocalModel // default: FileModel over node.update_file
	Verifier domain.Verifier // nil disables auditing even when configured
}

// Daemon owns one node and everything around it.
type Daemon struct {
	cfg     Config
	node    *node.Node
	db      *sqlite.DB
	carrier domain.Transport
	udp     *transport.UDP
	codec   *codec.Client
	keys    *security.Keypair
	server  *http.Server
}

// New wires the node, its store, transport, codec and keys.
func New(cfg Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	dir := cfg.Node.DataDir
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := sqlite.Open(dir)
		if err != nil {
			return nil, err
		}
		d.db = db
	}

	if err := d.openTransport(); err != nil {
		return nil, err
	}

	dep := node.Deps{Transport: d.carrier, Model: opts.Model}
	if dep.Model == nil {
		dep.Model = FileModel{Path: d.updatePath()}
	}
	if cfg.Codec.Address != "" {
		c, err := codec.NewClient(codec.ClientConfig{Addr: cfg.Codec.Address, Timeout: cfg.CodecTimeout()})
		if err != nil {
			return nil, err
		}
		d.codec = c
		dep.Codec = c
	}
	if d.db != nil {
		dep.Store = d.db
		dep.Recorder = d.db
	}

	ring, err := d.loadKeys()
	if err != nil {
		return nil, err
	}
	if cfg.Security.Sign {
		dep.Signer = d.keys
	}
	dep.Keyring = keyPolicy{ring: ring, require: cfg.Security.Require}

	if cfg.Audit.Enabled {
		if opts.Verifier == nil {
			log.Printf("[daemon] audit enabled but no verifier supplied; auditing off")
		} else {
			dep.Verifier = opts.Verifier
		}
	}

	n, err := node.New(cfg.NodeConfig(), dep)
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Transport.Peers {
		if err := n.AddPeer(p.ID, p.Zone); err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.ID, err)
		}
	}
	d.node = n
	ok = true
	return d, nil
}

func (d *Daemon) openTransport() error {
	switch strings.ToLower(d.cfg.Transport.Kind) {
	case "fs":
		inbox, outbox := d.cfg.Transport.Inbox, d.cfg.Transport.Outbox
		if inbox == "" {
			inbox = filepath.Join(d.cfg.Node.DataDir, "inbox")
		}
		if outbox == "" {
			outbox = filepath.Join(d.cfg.Node.DataDir, "outbox")
		}
		fs, err := transport.NewFS(transport.FSConfig{Inbox: inbox, Outbox: outbox})
		if err != nil {
			return err
		}
		d.carrier = fs
	default:
		udpCfg := transport.DefaultUDPConfig()
		udpCfg.BindAddr = d.cfg.Transport.Listen
		u := transport.NewUDP(udpCfg)
		for _, p := range d.cfg.Transport.Peers {
			if p.Address == "" {
				continue
			}
			if err := u.AddPeer(p.ID, p.Address); err != nil {
				return err
			}
		}
		if err := u.Join(d.cfg.Transport.Seeds); err != nil {
			return err
		}
		d.udp = u
		d.carrier = u
	}
	return nil
}

// loadKeys loads this node's key and every configured peer key.
func (d *Daemon) loadKeys() (*security.Keyring, error) {
	var err error
	switch {
	case d.cfg.Security.KeySeed != "":
		d.keys = security.KeypairFromSeed([]byte(d.cfg.Security.KeySeed))
	case d.cfg.Node.DataDir != "":
		d.keys, err = security.LoadOrCreateKey(filepath.Join(d.cfg.Node.DataDir, "node.key"))
	default:
		d.keys = security.NewKeypair()
	}
	if err != nil {
		return nil, err
	}

	ring := security.NewKeyring()
	ring.Add(d.cfg.NodeID(), d.keys.Public)
	for _, p := range d.cfg.Transport.Peers {
		if p.PublicKey == "" {
			continue
		}
		pub, err := security.ParsePublicHex(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.ID, err)
		}
		ring.Add(p.ID, pub)
	}
	return ring, nil
}

func (d *Daemon) updatePath() string {
	p := d.cfg.Node.UpdateFile
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.cfg.Node.DataDir, p)
}

// Node returns the managed node.
func (d *Daemon) Node() *node.Node { return d.node }

// PublicKey returns this node's public key in hex.
func (d *Daemon) PublicKey() string { return d.keys.PublicHex() }

// Run boots the node and drives rounds until ctx ends. On shutdown the
// node checkpoints as if power were about to fail.
func (d *Daemon) Run(ctx context.Context) error {
	if d.udp != nil {
		if err := d.udp.Listen(ctx); err != nil {
			return err
		}
		log.Printf("[daemon] listening on %s", d.udp.Addr())
	}
	if err := d.node.Boot(ctx); err != nil {
		return err
	}
	if d.cfg.Node.Onboard {
		d.node.AwaitSummary()
	}
	if d.cfg.API.Enabled {
		d.startAPI()
	}

	interval := d.cfg.RoundInterval()
	log.Printf("[daemon] node %s running: dimension %d, round every %s", d.node.ID(), d.cfg.Node.Dimension, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-ticker.C:
			rep, err := d.node.Round(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return d.shutdown()
				}
				log.Printf("[daemon] round: %v", err)
				continue
			}
			if rep.Awaiting {
				continue
			}
			log.Printf("[daemon] round %d: %d contributions, %s, %s", rep.Round, rep.Contributions, rep.Transition.To, rep.Epidemic)
		}
	}
}

func (d *Daemon) startAPI() {
	var history api.History
	if d.db != nil {
		history = d.db
	}
	srv := api.NewServer(d.node, history)
	if d.cfg.API.Metrics {
		srv.EnableMetrics()
	}
	d.server = &http.Server{
		Addr:              d.cfg.APIAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[daemon] api on http://%s", d.server.Addr)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[daemon] api: %v", err)
		}
	}()
}

func (d *Daemon) shutdown() error {
	log.Printf("[daemon] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if d.server != nil {
		d.server.Shutdown(ctx)
	}
	if d.cfg.Node.DataDir == "" {
		return nil
	}
	return d.node.PowerLoss(ctx)
}

// Close releases every resource. It is safe after a failed New.
func (d *Daemon) Close() error {
	var errs []error
	if d.node != nil {
		errs = append(errs, d.node.Close())
	} else if d.carrier != nil {
		errs = append(errs, d.carrier.Close())
	}
	if d.codec != nil {
		errs = append(errs, d.codec.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	return errors.Join(errs...)
}

// keyPolicy verifies frames from nodes with known keys. Frames from unknown
// nodes pass unless signatures are required.
type keyPolicy struct {
	ring    *security.Keyring
	require bool
}

func (k keyPolicy) Verify(nodeID string, msg, sig []byte) error {
	if !k.ring.Known(nodeID) && !k.require {
		return nil
	}
	return k.ring.Verify(nodeID, msg, sig)
}
