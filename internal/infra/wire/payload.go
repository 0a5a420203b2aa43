package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Vectors ────────────────────────────────────────────────────────────────

// EncodeVector writes u32 dimension followed by raw Q16.16 values.
func EncodeVector(v domain.Vector) []byte {
	buf := make([]byte, 0, 4+4*len(v))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
	for _, x := range v {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(x.Raw()))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector and returns the bytes consumed.
func DecodeVector(b []byte) (domain.Vector, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("vector header: %w", domain.ErrMalformedFrame)
	}
	dim := int(binary.LittleEndian.Uint32(b))
	if dim < 0 || (len(b)-4)/4 < dim {
		return nil, 0, fmt.Errorf("vector of %d values in %d bytes: %w", dim, len(b), domain.ErrMalformedFrame)
	}
	v := domain.NewVector(dim)
	for i := range v {
		v[i] = domain.FromRaw(int32(binary.LittleEndian.Uint32(b[4+4*i:])))
	}
	return v, 4 + 4*dim, nil
}

// ─── Epiphany ───────────────────────────────────────────────────────────────

// Epiphany carries one node's improved update. Origin is the node whose
// update it is; the frame sender is the last hop. Signature is the origin's
// own signature over OriginBytes, so relays cannot put words in another
// node's mouth. Body is the codec output of EncodeVector; the core never
// inspects it before decoding.
type Epiphany struct {
	Origin    string
	Round     uint64
	TTL       uint8
	Signature []byte
	Body      []byte
}

// Marshal encodes u64 round, u8 ttl, u16 origin length, origin, u16
// signature length, signature, then the body.
func (e Epiphany) Marshal() []byte {
	buf := make([]byte, 0, 13+len(e.Origin)+len(e.Signature)+len(e.Body))
	buf = binary.LittleEndian.AppendUint64(buf, e.Round)
	buf = append(buf, e.TTL)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Origin)))
	buf = append(buf, e.Origin...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Signature)))
	buf = append(buf, e.Signature...)
	return append(buf, e.Body...)
}

// UnmarshalEpiphany decodes an epiphany payload.
func UnmarshalEpiphany(b []byte) (Epiphany, error) {
	if len(b) < 11 {
		return Epiphany{}, fmt.Errorf("epiphany header: %w", domain.ErrMalformedFrame)
	}
	n := int(binary.LittleEndian.Uint16(b[9:]))
	off := 11 + n
	if len(b) < off+2 {
		return Epiphany{}, fmt.Errorf("epiphany origin: %w", domain.ErrMalformedFrame)
	}
	e := Epiphany{
		Origin: string(b[11:off]),
		Round:  binary.LittleEndian.Uint64(b),
		TTL:    b[8],
	}
	sl := int(binary.LittleEndian.Uint16(b[off:]))
	off += 2
	if len(b) < off+sl {
		return Epiphany{}, fmt.Errorf("epiphany signature: %w", domain.ErrMalformedFrame)
	}
	if sl > 0 {
		e.Signature = append([]byte(nil), b[off:off+sl]...)
	}
	e.Body = append([]byte(nil), b[off+sl:]...)
	return e, nil
}

// OriginBytes is what the origin signs: round, origin and body. The TTL is
// left out because every relay rewrites it.
func (e Epiphany) OriginBytes() []byte {
	buf := make([]byte, 0, 10+len(e.Origin)+len(e.Body))
	buf = binary.LittleEndian.AppendUint64(buf, e.Round)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Origin)))
	buf = append(buf, e.Origin...)
	return append(buf, e.Body...)
}

// SignOrigin sets the origin signature.
func (e *Epiphany) SignOrigin(s Signer) error {
	sig, err := s.Sign(e.OriginBytes())
	if err != nil {
		return fmt.Errorf("sign epiphany of %s: %w", e.Origin, err)
	}
	e.Signature = sig
	return nil
}

// VerifyOrigin checks the origin signature against the claimed origin.
func (e Epiphany) VerifyOrigin(v Verifier) error {
	return v.Verify(e.Origin, e.OriginBytes(), e.Signature)
}

// ─── Regime Vote ────────────────────────────────────────────────────────────

// RegimeVote is a node's claim that a storm is building. It deliberately
// carries no reputation; receivers look that up locally.
type RegimeVote struct {
	Round      uint64
	Derivative domain.Fixed
	Regime     domain.Regime
}

// Marshal encodes u64 round, i32 derivative, u8 regime.
func (v RegimeVote) Marshal() []byte {
	buf := make([]byte, 0, 13)
	buf = binary.LittleEndian.AppendUint64(buf, v.Round)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(v.Derivative.Raw()))
	return append(buf, byte(v.Regime))
}

// UnmarshalRegimeVote decodes a vote payload.
func UnmarshalRegimeVote(b []byte) (RegimeVote, error) {
	if len(b) != 13 {
		return RegimeVote{}, fmt.Errorf("regime vote of %d bytes: %w", len(b), domain.ErrMalformedFrame)
	}
	r := domain.Regime(b[12])
	if r > domain.RegimeStorm {
		return RegimeVote{}, fmt.Errorf("regime %d: %w", r, domain.ErrMalformedFrame)
	}
	return RegimeVote{
		Round:      binary.LittleEndian.Uint64(b),
		Derivative: domain.FromRaw(int32(binary.LittleEndian.Uint32(b[8:]))),
		Regime:     r,
	}, nil
}
