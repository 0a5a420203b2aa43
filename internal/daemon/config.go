// Package daemon runs a single swarm node as a long-lived process.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/CavinKrenik/QRES-RaaS/internal/app/node"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/transport"
)

// Config is the on-disk daemon configuration (qres.toml).
type Config struct {
	Node       NodeConfig       `toml:"node"`
	Transport  TransportConfig  `toml:"transport"`
	API        APIConfig        `toml:"api"`
	Energy     EnergyConfig     `toml:"energy"`
	Reputation ReputationConfig `toml:"reputation"`
	Aggregate  AggregateConfig  `toml:"aggregate"`
	Gossip     GossipConfig     `toml:"gossip"`
	Audit      AuditConfig      `toml:"audit"`
	Persist    PersistConfig    `toml:"persist"`
	Codec      CodecConfig      `toml:"codec"`
	Security   SecurityConfig   `toml:"security"`
}

// NodeConfig identifies the node and paces its rounds.
type NodeConfig struct {
	ID            string   `toml:"id"`
	Zone          string   `toml:"zone"`
	Zones         []string `toml:"zones"`
	Dimension     int      `toml:"dimension"`
	RoundInterval string   `toml:"round_interval"`
	DataDir       string   `toml:"data_dir"`
	UpdateFile    string   `toml:"update_file"` // local model input, relative to data_dir
	Bootstrap     bool     `toml:"bootstrap"`
	Onboard       bool     `toml:"onboard"` // wait for a world-state summary before the first round
}

// PeerConfig is one statically known peer.
type PeerConfig struct {
	ID        string `toml:"id"`
	Address   string `toml:"address"`
	Zone      string `toml:"zone"`
	PublicKey string `toml:"public_key"` // hex
}

// TransportConfig selects and configures the frame carrier.
type TransportConfig struct {
	Kind   string       `toml:"kind"` // "udp" or "fs"
	Listen string       `toml:"listen"`
	Seeds  []string     `toml:"seeds"`
	Outbox string       `toml:"outbox"`
	Inbox  string       `toml:"inbox"`
	Peers  []PeerConfig `toml:"peers"`
}

// APIConfig controls the status server.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

// EnergyConfig sizes the node's battery in energy units.
type EnergyConfig struct {
	Capacity         int64   `toml:"capacity"`
	ReserveThreshold float64 `toml:"reserve_threshold"`
	HarvestCalm      int64   `toml:"harvest_calm"`
	HarvestPreStorm  int64   `toml:"harvest_pre_storm"`
	HarvestStorm     int64   `toml:"harvest_storm"`
}

// ReputationConfig overrides the trust constants.
type ReputationConfig struct {
	BanThreshold       float64 `toml:"ban_threshold"`
	SoftGateThreshold  float64 `toml:"soft_gate_threshold"`
	DeviationThreshold float64 `toml:"deviation_threshold"`
	InfluenceCap       float64 `toml:"influence_cap"`
}

// AggregateConfig picks a strategy per regime.
type AggregateConfig struct {
	F        int    `toml:"f"`
	Calm     string `toml:"calm"`
	PreStorm string `toml:"pre_storm"`
	Storm    string `toml:"storm"`
}

// GossipConfig shapes propagation.
type GossipConfig struct {
	Fanout       int    `toml:"fanout"`
	TTL          uint8  `toml:"ttl"`
	Cadence      bool   `toml:"cadence"`
	Silence      bool   `toml:"silence"`
	SummaryEvery uint64 `toml:"summary_every"`
}

// AuditConfig enables collusion auditing.
type AuditConfig struct {
	Enabled    bool    `toml:"enabled"`
	Seed       string  `toml:"seed"`
	SampleRate float64 `toml:"sample_rate"`
	Threshold  int     `toml:"threshold"`
	Tolerance  float64 `toml:"tolerance"`
}

// PersistConfig controls checkpoints.
type PersistConfig struct {
	CheckpointEvery uint64 `toml:"checkpoint_every"`
	KeepVersions    int    `toml:"keep_versions"`
	Retries         int    `toml:"retries"`
}

// CodecConfig points at a remote codec service. An empty address keeps
// payloads uncompressed.
type CodecConfig struct {
	Address string `toml:"address"`
	Hint    string `toml:"hint"`
	Timeout string `toml:"timeout"`
}

// SecurityConfig controls frame signatures.
type SecurityConfig struct {
	Sign    bool   `toml:"sign"`
	KeySeed string `toml:"key_seed"` // "" = derive from node id
	Require bool   `toml:"require"`  // drop frames without a valid signature
}

// DefaultConfig returns a single-zone UDP node.
func DefaultConfig() Config {
	d := node.DefaultConfig("", 0)
	udp := transport.DefaultUDPConfig()
	return Config{
		Node: NodeConfig{
			Zone:          "default",
			Zones:         []string{"default"},
			Dimension:     8,
			RoundInterval: "5s",
			DataDir:       defaultDataDir(),
			UpdateFile:    "update.txt",
			Bootstrap:     true,
		},
		Transport: TransportConfig{
			Kind:   "udp",
			Listen: udp.BindAddr,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    7070,
			Metrics: true,
		},
		Energy: EnergyConfig{
			Capacity:         d.Energy.Capacity,
			ReserveThreshold: d.Energy.ReserveThreshold,
			HarvestCalm:      d.Energy.HarvestCalm,
			HarvestPreStorm:  d.Energy.HarvestPreStorm,
			HarvestStorm:     d.Energy.HarvestStorm,
		},
		Reputation: ReputationConfig{
			BanThreshold:       d.Reputation.BanThreshold,
			SoftGateThreshold:  d.Reputation.SoftGateThreshold,
			DeviationThreshold: d.Reputation.DeviationThreshold,
			InfluenceCap:       d.Reputation.InfluenceCap,
		},
		Aggregate: AggregateConfig{
			F:        d.Aggregate.F,
			Calm:     d.Aggregate.Calm,
			PreStorm: d.Aggregate.PreStorm,
			Storm:    d.Aggregate.Storm,
		},
		Gossip: GossipConfig{
			Fanout:       d.Spread.Fanout,
			TTL:          d.Spread.TTL,
			Cadence:      true,
			SummaryEvery: 20,
		},
		Audit: AuditConfig{
			Seed:       string(d.Audit.Seed),
			SampleRate: d.Audit.SampleRate,
			Threshold:  d.Audit.DetectionThreshold,
			Tolerance:  0.001,
		},
		Persist: PersistConfig{
			CheckpointEvery: 10,
			KeepVersions:    64,
			Retries:         3,
		},
		Codec: CodecConfig{
			Hint:    d.CodecHint,
			Timeout: "2s",
		},
		Security: SecurityConfig{Sign: true},
	}
}

func defaultDataDir() string {
	if home := os.Getenv("QRES_HOME"); home != "" {
		return home
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".qres")
	}
	return ".qres"
}

// LoadConfig reads a TOML file over the defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations a node cannot start with.
func (c Config) Validate() error {
	if c.Node.Dimension <= 0 {
		return fmt.Errorf("node.dimension must be positive, got %d", c.Node.Dimension)
	}
	switch strings.ToLower(c.Transport.Kind) {
	case "udp", "fs":
	default:
		return fmt.Errorf("transport.kind %q: want udp or fs", c.Transport.Kind)
	}
	for _, p := range c.Transport.Peers {
		if p.ID == "" {
			return errors.New("transport.peers entry without id")
		}
	}
	if c.Audit.Enabled && (c.Audit.SampleRate <= 0 || c.Audit.SampleRate > 1) {
		return fmt.Errorf("audit.sample_rate %.3f out of (0, 1]", c.Audit.SampleRate)
	}
	return nil
}

// NodeID returns the configured id, falling back to the host name.
func (c Config) NodeID() string {
	if c.Node.ID != "" {
		return c.Node.ID
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "qres-node"
}

// NodeConfig maps the file sections onto the node's configuration.
func (c Config) NodeConfig() node.Config {
	n := node.DefaultConfig(c.NodeID(), c.Node.Dimension)
	n.Zone = c.Node.Zone
	if len(c.Node.Zones) > 0 {
		n.Zones = c.Node.Zones
	}
	n.Bootstrap = c.Node.Bootstrap

	n.Energy.Capacity = c.Energy.Capacity
	n.Energy.ReserveThreshold = c.Energy.ReserveThreshold
	n.Energy.HarvestCalm = c.Energy.HarvestCalm
	n.Energy.HarvestPreStorm = c.Energy.HarvestPreStorm
	n.Energy.HarvestStorm = c.Energy.HarvestStorm

	n.Reputation.BanThreshold = c.Reputation.BanThreshold
	n.Reputation.SoftGateThreshold = c.Reputation.SoftGateThreshold
	n.Reputation.DeviationThreshold = c.Reputation.DeviationThreshold
	n.Reputation.InfluenceCap = c.Reputation.InfluenceCap
	if c.Reputation.InfluenceCap > 0 {
		n.Aggregate.ShareCap = c.Reputation.InfluenceCap
	}

	n.Aggregate.F = c.Aggregate.F
	n.Aggregate.Calm = c.Aggregate.Calm
	n.Aggregate.PreStorm = c.Aggregate.PreStorm
	n.Aggregate.Storm = c.Aggregate.Storm

	n.Spread.Fanout = c.Gossip.Fanout
	n.Spread.TTL = c.Gossip.TTL
	n.UseCadence = c.Gossip.Cadence
	n.Silence = c.Gossip.Silence
	n.SummaryEvery = c.Gossip.SummaryEvery

	if c.Audit.Seed != "" {
		n.Audit.Seed = []byte(c.Audit.Seed)
	}
	n.Audit.SampleRate = c.Audit.SampleRate
	n.Audit.DetectionThreshold = c.Audit.Threshold

	n.Persistence = c.Node.DataDir != ""
	n.Persist.Dir = c.Node.DataDir
	n.Persist.CheckpointEvery = c.Persist.CheckpointEvery
	n.Persist.KeepVersions = c.Persist.KeepVersions
	n.Persist.Retries = c.Persist.Retries

	if c.Codec.Hint != "" {
		n.CodecHint = c.Codec.Hint
	}
	return n
}

// RoundInterval parses node.round_interval (default 5s).
func (c Config) RoundInterval() time.Duration {
	return parseDuration(c.Node.RoundInterval, 5*time.Second)
}

// CodecTimeout parses codec.timeout (default 2s).
func (c Config) CodecTimeout() time.Duration {
	return parseDuration(c.Codec.Timeout, 2*time.Second)
}

// APIAddr is the status server's listen address.
func (c Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// parseDuration reads strings like "5s" or "250ms"; empty or invalid input
// yields def.
func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
