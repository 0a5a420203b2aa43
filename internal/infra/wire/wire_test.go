package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/security"
)

func testFrame() *Frame {
	return &Frame{
		Kind:        KindEpiphany,
		TimestampMs: 1700000000123,
		Fidelity:    0.99,
		Sender:      "node-7",
		Payload:     []byte{1, 2, 3, 4},
	}
}

func TestFrame_Layout(t *testing.T) {
	b, err := testFrame().Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b[:16]) != "QRES_EPIPHANY_V1" {
		t.Errorf("magic = %q", b[:16])
	}
	if ts := binary.LittleEndian.Uint64(b[16:]); ts != 1700000000123 {
		t.Errorf("timestamp = %d", ts)
	}
	if n := binary.LittleEndian.Uint16(b[28:]); n != 6 {
		t.Errorf("sender length = %d, want 6", n)
	}
	if string(b[30:36]) != "node-7" {
		t.Errorf("sender = %q", b[30:36])
	}
	if len(b) != 16+8+4+2+6+4+4 {
		t.Errorf("len = %d", len(b))
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindEpiphany, KindWorldState, KindRegimeVote} {
		f := testFrame()
		f.Kind = kind
		f.Signature = []byte("sig")
		b, err := f.Marshal()
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		got, err := Unmarshal(b)
		if err != nil {
			t.Fatalf("Unmarshal(%v): %v", kind, err)
		}
		if got.Kind != kind || got.Sender != f.Sender || got.Fidelity != f.Fidelity ||
			got.TimestampMs != f.TimestampMs || !bytes.Equal(got.Payload, f.Payload) ||
			!bytes.Equal(got.Signature, f.Signature) {
			t.Errorf("round trip mismatch: %+v vs %+v", got, f)
		}
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	good, _ := testFrame().Marshal()
	badMagic := append([]byte("QRES_UNKNOWN_V99"), good[16:]...)
	longPayload := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(longPayload[36:], 1000)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"short header", good[:20]},
		{"bad magic", badMagic},
		{"truncated sender", good[:32]},
		{"payload overruns", longPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal(tt.in); !errors.Is(err, domain.ErrMalformedFrame) {
				t.Errorf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestFrame_SignVerify(t *testing.T) {
	kp := security.KeypairFromSeed([]byte("node-7"))
	ring := security.NewKeyring()
	ring.Add("node-7", kp.Public)

	f := testFrame()
	if err := f.Sign(kp); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b, _ := f.Marshal()
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := got.Verify(ring); err != nil {
		t.Errorf("Verify: %v", err)
	}

	got.Payload[0] ^= 0xff
	if err := got.Verify(ring); !errors.Is(err, domain.ErrBadSignature) {
		t.Errorf("tampered frame err = %v, want ErrBadSignature", err)
	}
}

func TestVector_RoundTrip(t *testing.T) {
	v := domain.VectorFromFloats([]float64{1.5, -2.25, 0})
	got, n, err := DecodeVector(EncodeVector(v))
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if n != 16 || !got.Equal(v) {
		t.Errorf("got %v (%d bytes), want %v", got.Floats(), n, v.Floats())
	}
	if _, _, err := DecodeVector([]byte{9, 0, 0, 0, 1}); !errors.Is(err, domain.ErrMalformedFrame) {
		t.Errorf("short vector err = %v", err)
	}
}

func TestEpiphanyAndVote_RoundTrip(t *testing.T) {
	e := Epiphany{Origin: "node-4", Round: 42, TTL: 3, Signature: []byte("sig"), Body: []byte{7, 7}}
	got, err := UnmarshalEpiphany(e.Marshal())
	if err != nil || got.Origin != "node-4" || got.Round != 42 || got.TTL != 3 ||
		!bytes.Equal(got.Signature, e.Signature) || !bytes.Equal(got.Body, e.Body) {
		t.Errorf("epiphany = %+v, %v", got, err)
	}
	if _, err := UnmarshalEpiphany([]byte{1, 0, 0, 0, 0, 0, 0, 0, 2, 9, 0}); !errors.Is(err, domain.ErrMalformedFrame) {
		t.Errorf("truncated origin err = %v", err)
	}
	if _, err := UnmarshalEpiphany([]byte{1, 0, 0, 0, 0, 0, 0, 0, 2, 1, 0, 'a', 5, 0, 1}); !errors.Is(err, domain.ErrMalformedFrame) {
		t.Errorf("truncated signature err = %v", err)
	}

	v := RegimeVote{Round: 9, Derivative: domain.FromFloat(-0.125), Regime: domain.RegimePreStorm}
	gotV, err := UnmarshalRegimeVote(v.Marshal())
	if err != nil || gotV != v {
		t.Errorf("vote = %+v, %v", gotV, err)
	}
	if _, err := UnmarshalRegimeVote([]byte{1}); !errors.Is(err, domain.ErrMalformedFrame) {
		t.Errorf("short vote err = %v", err)
	}
}

func TestEpiphany_OriginSignature(t *testing.T) {
	origin := security.KeypairFromSeed([]byte("node-4"))
	relayer := security.KeypairFromSeed([]byte("node-9"))
	ring := security.NewKeyring()
	ring.Add("node-4", origin.Public)
	ring.Add("node-9", relayer.Public)

	e := Epiphany{Origin: "node-4", Round: 42, TTL: 3, Body: []byte{7, 7}}
	if err := e.SignOrigin(origin); err != nil {
		t.Fatalf("SignOrigin: %v", err)
	}
	relayed, err := UnmarshalEpiphany(e.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	relayed.TTL = 1
	if err := relayed.VerifyOrigin(ring); err != nil {
		t.Errorf("TTL rewrite broke the origin signature: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(e *Epiphany)
	}{
		{"body", func(e *Epiphany) { e.Body = []byte{8, 8} }},
		{"round", func(e *Epiphany) { e.Round++ }},
		{"unsigned", func(e *Epiphany) { e.Signature = nil }},
		{"relayer signs as origin", func(e *Epiphany) { e.SignOrigin(relayer) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forged := relayed
			forged.Body = append([]byte(nil), relayed.Body...)
			tt.mutate(&forged)
			if err := forged.VerifyOrigin(ring); !errors.Is(err, domain.ErrBadSignature) {
				t.Errorf("err = %v, want ErrBadSignature", err)
			}
		})
	}
}
