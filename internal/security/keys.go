// Package security signs and verifies gossip frames with Schnorr signatures
// over Ed25519.
package security

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/sign/schnorr"
	"go.dedis.ch/kyber/v4/suites"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

var suite = suites.MustFind("Ed25519")

// ─── Keypair ────────────────────────────────────────────────────────────────

// Keypair is a node's signing identity.
type Keypair struct {
	Private kyber.Scalar
	Public  kyber.Point
}

// NewKeypair draws a fresh random keypair.
func NewKeypair() *Keypair {
	priv := suite.Scalar().Pick(suite.RandomStream())
	return &Keypair{Private: priv, Public: suite.Point().Mul(priv, nil)}
}

// KeypairFromSeed derives a deterministic keypair, for simulations and tests.
func KeypairFromSeed(seed []byte) *Keypair {
	priv := suite.Scalar().Pick(suite.XOF(seed))
	return &Keypair{Private: priv, Public: suite.Point().Mul(priv, nil)}
}

// Sign produces a Schnorr signature over msg.
func (k *Keypair) Sign(msg []byte) ([]byte, error) {
	sig, err := schnorr.Sign(suite, k.Private, msg)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig, nil
}

// PublicBytes returns the marshalled public key.
func (k *Keypair) PublicBytes() ([]byte, error) {
	return k.Public.MarshalBinary()
}

// ParsePublic decodes a marshalled public key.
func ParsePublic(b []byte) (kyber.Point, error) {
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return p, nil
}

// Verify checks a signature against a public key.
func Verify(pub kyber.Point, msg, sig []byte) error {
	if err := schnorr.Verify(suite, pub, msg, sig); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrBadSignature)
	}
	return nil
}

// LoadOrCreateKey reads a hex-encoded private scalar from path, creating a
// fresh key there on first use.
func LoadOrCreateKey(path string) (*Keypair, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("key file %s: %w", path, err)
		}
		priv := suite.Scalar()
		if err := priv.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("key file %s: %w", path, err)
		}
		return &Keypair{Private: priv, Public: suite.Point().Mul(priv, nil)}, nil
	case errors.Is(err, fs.ErrNotExist):
		k := NewKeypair()
		raw, err := k.Private.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("write key %s: %w", path, err)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
}

// PublicHex is the public key as configured in peer entries.
func (k *Keypair) PublicHex() string {
	b, err := k.PublicBytes()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// ParsePublicHex decodes a hex public key from configuration.
func ParsePublicHex(s string) (kyber.Point, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return ParsePublic(b)
}

// ─── Keyring ────────────────────────────────────────────────────────────────

// Keyring maps node ids to their known public keys.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]kyber.Point
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]kyber.Point)}
}

// Add registers or replaces a node's public key.
func (r *Keyring) Add(nodeID string, pub kyber.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[nodeID] = pub
}

// Known reports whether a key is registered for nodeID.
func (r *Keyring) Known(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[nodeID]
	return ok
}

// Verify checks msg/sig against nodeID's registered key.
func (r *Keyring) Verify(nodeID string, msg, sig []byte) error {
	r.mu.RLock()
	pub, ok := r.keys[nodeID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no key for %s: %w", nodeID, domain.ErrBadSignature)
	}
	return Verify(pub, msg, sig)
}

// Nodes returns the ids with registered keys, sorted.
func (r *Keyring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.keys))
	for id := range r.keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
