package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

func TestKeypair_SignVerify(t *testing.T) {
	kp := NewKeypair()
	msg := []byte("round 7 consensus")

	sig, err := kp.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(kp.Public, msg, sig); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := Verify(kp.Public, []byte("tampered"), sig); !errors.Is(err, domain.ErrBadSignature) {
		t.Errorf("tampered message err = %v, want ErrBadSignature", err)
	}
}

func TestKeypairFromSeed_Deterministic(t *testing.T) {
	a, _ := KeypairFromSeed([]byte("node-1")).PublicBytes()
	b, _ := KeypairFromSeed([]byte("node-1")).PublicBytes()
	c, _ := KeypairFromSeed([]byte("node-2")).PublicBytes()
	if !bytes.Equal(a, b) {
		t.Error("same seed produced different keys")
	}
	if bytes.Equal(a, c) {
		t.Error("different seeds produced the same key")
	}
}

func TestParsePublic_RoundTrip(t *testing.T) {
	kp := KeypairFromSeed([]byte("seed"))
	raw, err := kp.PublicBytes()
	if err != nil {
		t.Fatalf("PublicBytes: %v", err)
	}
	pub, err := ParsePublic(raw)
	if err != nil {
		t.Fatalf("ParsePublic: %v", err)
	}
	if !pub.Equal(kp.Public) {
		t.Error("parsed key differs")
	}
	if _, err := ParsePublic([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short key")
	}
}

func TestKeyring_Verify(t *testing.T) {
	ring := NewKeyring()
	alice := KeypairFromSeed([]byte("alice"))
	mallory := KeypairFromSeed([]byte("mallory"))
	ring.Add("alice", alice.Public)

	msg := []byte("hello")
	sig, _ := alice.Sign(msg)
	if err := ring.Verify("alice", msg, sig); err != nil {
		t.Errorf("Verify alice: %v", err)
	}

	forged, _ := mallory.Sign(msg)
	if err := ring.Verify("alice", msg, forged); !errors.Is(err, domain.ErrBadSignature) {
		t.Errorf("forged err = %v, want ErrBadSignature", err)
	}
	if err := ring.Verify("bob", msg, sig); !errors.Is(err, domain.ErrBadSignature) {
		t.Errorf("unknown sender err = %v, want ErrBadSignature", err)
	}
	if !ring.Known("alice") || ring.Known("bob") {
		t.Error("Known() wrong")
	}
	if got := ring.Nodes(); len(got) != 1 || got[0] != "alice" {
		t.Errorf("Nodes() = %v", got)
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	first, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	second, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if first.PublicHex() != second.PublicHex() {
		t.Error("reloaded key differs from the created one")
	}

	pub, err := ParsePublicHex(first.PublicHex())
	if err != nil {
		t.Fatalf("ParsePublicHex: %v", err)
	}
	sig, _ := second.Sign([]byte("m"))
	if err := Verify(pub, []byte("m"), sig); err != nil {
		t.Errorf("Verify with parsed key: %v", err)
	}
}

func TestLoadOrCreateKey_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	os.WriteFile(path, []byte("zz-not-hex"), 0o600)
	if _, err := LoadOrCreateKey(path); err == nil {
		t.Error("expected error for a corrupt key file")
	}
}
