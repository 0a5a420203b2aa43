// Package wire encodes gossip frames.
//
// Frame layout (little endian):
//
//	magic      [16]byte  QRES_EPIPHANY_V1 | QRES_WORLD_STATE | QRES_REGIME_VOTE
//	timestamp  u64       unix milliseconds
//	fidelity   f32
//	senderLen  u16
//	sender     [senderLen]byte
//	payloadLen u32
//	payload    [payloadLen]byte
//	signature  remaining bytes (optional)
//
// Anything that does not parse is ErrMalformedFrame; callers drop it.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Kinds ──────────────────────────────────────────────────────────────────

// Kind identifies the frame's payload.
type Kind uint8

const (
	KindEpiphany Kind = iota + 1
	KindWorldState
	KindRegimeVote
)

// MagicLen is the fixed header tag length.
const MagicLen = 16

var magics = map[Kind][MagicLen]byte{
	KindEpiphany:   tag("QRES_EPIPHANY_V1"),
	KindWorldState: tag("QRES_WORLD_STATE"),
	KindRegimeVote: tag("QRES_REGIME_VOTE"),
}

func tag(s string) [MagicLen]byte {
	var out [MagicLen]byte
	copy(out[:], s)
	return out
}

func (k Kind) String() string {
	switch k {
	case KindEpiphany:
		return "EPIPHANY"
	case KindWorldState:
		return "WORLD_STATE"
	case KindRegimeVote:
		return "REGIME_VOTE"
	default:
		return fmt.Sprintf("KIND(%d)", k)
	}
}

// FilePrefix is the outbox file-name prefix for a kind.
func (k Kind) FilePrefix() string {
	switch k {
	case KindWorldState:
		return "world_state"
	case KindRegimeVote:
		return "regime_vote"
	default:
		return "epiphany"
	}
}

// ─── Frame ──────────────────────────────────────────────────────────────────

// Frame is one decoded gossip message.
type Frame struct {
	Kind        Kind
	TimestampMs uint64
	Fidelity    float32
	Sender      string
	Payload     []byte
	Signature   []byte
}

// NewFrame stamps a frame with the current time.
func NewFrame(kind Kind, sender string, fidelity float32, payload []byte) *Frame {
	return &Frame{
		Kind:        kind,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Fidelity:    fidelity,
		Sender:      sender,
		Payload:     payload,
	}
}

const fixedHeader = MagicLen + 8 + 4 + 2

// SigningBytes is the encoding without the signature.
func (f *Frame) SigningBytes() ([]byte, error) {
	magic, ok := magics[f.Kind]
	if !ok {
		return nil, fmt.Errorf("kind %v: %w", f.Kind, domain.ErrMalformedFrame)
	}
	if len(f.Sender) > math.MaxUint16 {
		return nil, fmt.Errorf("sender id %d bytes: %w", len(f.Sender), domain.ErrMalformedFrame)
	}
	if uint64(len(f.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("payload %d bytes: %w", len(f.Payload), domain.ErrMalformedFrame)
	}

	buf := make([]byte, 0, fixedHeader+len(f.Sender)+4+len(f.Payload)+len(f.Signature))
	buf = append(buf, magic[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, f.TimestampMs)
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f.Fidelity))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.Sender)))
	buf = append(buf, f.Sender...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.Payload...)
	return buf, nil
}

// Marshal encodes the frame including any signature.
func (f *Frame) Marshal() ([]byte, error) {
	buf, err := f.SigningBytes()
	if err != nil {
		return nil, err
	}
	return append(buf, f.Signature...), nil
}

// Unmarshal decodes a frame. The returned slices do not alias b.
func Unmarshal(b []byte) (*Frame, error) {
	if len(b) < fixedHeader {
		return nil, fmt.Errorf("%d bytes: %w", len(b), domain.ErrMalformedFrame)
	}
	f := &Frame{}
	for k, m := range magics {
		if bytes.Equal(b[:MagicLen], m[:]) {
			f.Kind = k
			break
		}
	}
	if f.Kind == 0 {
		return nil, fmt.Errorf("unknown magic %q: %w", b[:MagicLen], domain.ErrMalformedFrame)
	}

	off := MagicLen
	f.TimestampMs = binary.LittleEndian.Uint64(b[off:])
	off += 8
	f.Fidelity = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	senderLen := int(binary.LittleEndian.Uint16(b[off:]))
	off += 2

	if len(b) < off+senderLen+4 {
		return nil, fmt.Errorf("truncated sender: %w", domain.ErrMalformedFrame)
	}
	f.Sender = string(b[off : off+senderLen])
	off += senderLen

	payloadLen := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	if payloadLen < 0 || len(b)-off < payloadLen {
		return nil, fmt.Errorf("truncated payload: %w", domain.ErrMalformedFrame)
	}
	f.Payload = append([]byte(nil), b[off:off+payloadLen]...)
	off += payloadLen

	if off < len(b) {
		f.Signature = append([]byte(nil), b[off:]...)
	}
	return f, nil
}
