// Package persist makes node state survive power loss.
//
// Snapshot file layout (little endian, CRC32-IEEE over everything before it):
//
//	magic     "QRSN"
//	version   u16
//	nodeID    u16 len + bytes
//	round     u64
//	createdAt i64 unix ms
//	regime    u8 current, u8 pending, u32 streak, u32 dwell,
//	          3×i32 window, u8 len, u8 next, 3×i32 smoothed, u8 len, u32 calm
//	weights   u32 dim + dim×i32
//	rep table u32 n + n×(u16 len + id, i32 score, u8 banned, u16 failures)
//	placement u32 n + n×(u16 len + id, u16 len + zone)
//	energy    i64 level, i64 capacity
//	epidemic  u8 state, i32 residual, i32 accuracy delta, u8 cure counter
//	crc       u32
//
// Every numeric field is the raw fixed-point integer, so a decoded snapshot
// is bit-identical to the one that was encoded.
package persist

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// SchemaVersion is the snapshot layout version written by Encode.
const SchemaVersion uint16 = 1

var snapshotMagic = [4]byte{'Q', 'R', 'S', 'N'}

// ─── Writer ─────────────────────────────────────────────────────────────────

type writer struct{ b []byte }

func (w *writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *writer) u16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }
func (w *writer) fixed(f domain.Fixed) {
	w.u32(uint32(f.Raw()))
}

func (w *writer) str(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string of %d bytes too long", len(s))
	}
	w.u16(uint16(len(s)))
	w.b = append(w.b, s...)
	return nil
}

func (w *writer) vector(v domain.Vector) {
	w.u32(uint32(len(v)))
	for _, x := range v {
		w.fixed(x)
	}
}

func (w *writer) seal() []byte {
	return binary.LittleEndian.AppendUint32(w.b, crc32.ChecksumIEEE(w.b))
}

// ─── Reader ─────────────────────────────────────────────────────────────────

// reader keeps the first error; later reads return zero values.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("truncated at offset %d", r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) fixed() domain.Fixed { return domain.FromRaw(int32(r.u32())) }

func (r *reader) str() string { return string(r.take(int(r.u16()))) }

// count reads a table length and rejects lengths the remaining bytes cannot
// hold, so a corrupt length cannot trigger a huge allocation.
func (r *reader) count(minEntry int) int {
	n := int(r.u32())
	if r.err == nil && n*minEntry > len(r.b)-r.off {
		r.err = fmt.Errorf("table of %d entries exceeds remaining %d bytes", n, len(r.b)-r.off)
		return 0
	}
	return n
}

func (r *reader) vector() domain.Vector {
	n := r.count(4)
	if r.err != nil || n == 0 {
		return nil
	}
	v := domain.NewVector(n)
	for i := range v {
		v[i] = r.fixed()
	}
	return v
}

// open checks magic, version and CRC and returns a reader over the body.
func open(b []byte, magic [4]byte, version uint16) (*reader, error) {
	if len(b) < len(magic)+2+4 {
		return nil, fmt.Errorf("%d bytes: %w", len(b), domain.ErrSnapshotCorrupt)
	}
	if [4]byte(b[:4]) != magic {
		return nil, fmt.Errorf("bad magic %q: %w", b[:4], domain.ErrSnapshotCorrupt)
	}
	body, trailer := b[:len(b)-4], b[len(b)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, fmt.Errorf("crc mismatch: %w", domain.ErrSnapshotCorrupt)
	}
	r := &reader{b: body, off: 4}
	if v := r.u16(); v != version {
		return nil, fmt.Errorf("schema version %d, want %d: %w", v, version, domain.ErrSnapshotCorrupt)
	}
	return r, nil
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

// Encode serializes snap. Tables are written in canonical id order.
func Encode(snap *domain.Snapshot) ([]byte, error) {
	snap.Canonicalize()

	w := &writer{b: make([]byte, 0, 128+4*len(snap.Weights)+16*len(snap.Reputation))}
	w.b = append(w.b, snapshotMagic[:]...)
	w.u16(SchemaVersion)
	if err := w.str(snap.NodeID); err != nil {
		return nil, err
	}
	w.u64(snap.Round)
	w.u64(uint64(snap.CreatedAtMs))

	rs := snap.Regime
	w.u8(uint8(rs.Current))
	w.u8(uint8(rs.Pending))
	w.u32(rs.Streak)
	w.u32(rs.Dwell)
	for _, f := range rs.Window {
		w.fixed(f)
	}
	w.u8(rs.WindowLen)
	w.u8(rs.WindowNext)
	for _, f := range rs.Smoothed {
		w.fixed(f)
	}
	w.u8(rs.SmoothedLen)
	w.u32(rs.CalmRounds)

	w.vector(snap.Weights)

	w.u32(uint32(len(snap.Reputation)))
	for _, e := range snap.Reputation {
		if err := w.str(e.NodeID); err != nil {
			return nil, err
		}
		w.fixed(e.Score)
		if e.Banned {
			w.u8(1)
		} else {
			w.u8(0)
		}
		w.u16(e.AuditFailures)
	}

	w.u32(uint32(len(snap.Placement)))
	for _, p := range snap.Placement {
		if err := w.str(p.NodeID); err != nil {
			return nil, err
		}
		if err := w.str(p.Zone); err != nil {
			return nil, err
		}
	}

	w.u64(uint64(snap.EnergyLevel))
	w.u64(uint64(snap.EnergyCapacity))

	ep := snap.Epidemic
	w.u8(uint8(ep.State))
	w.fixed(ep.Residual)
	w.fixed(ep.AccuracyDelta)
	w.u8(ep.CureCounter)

	return w.seal(), nil
}

// Decode parses a snapshot produced by Encode. Any damage is
// ErrSnapshotCorrupt.
func Decode(b []byte) (*domain.Snapshot, error) {
	r, err := open(b, snapshotMagic, SchemaVersion)
	if err != nil {
		return nil, err
	}

	snap := &domain.Snapshot{}
	snap.NodeID = r.str()
	snap.Round = r.u64()
	snap.CreatedAtMs = int64(r.u64())

	rs := &snap.Regime
	rs.Current = domain.Regime(r.u8())
	rs.Pending = domain.Regime(r.u8())
	rs.Streak = r.u32()
	rs.Dwell = r.u32()
	for i := range rs.Window {
		rs.Window[i] = r.fixed()
	}
	rs.WindowLen = r.u8()
	rs.WindowNext = r.u8()
	for i := range rs.Smoothed {
		rs.Smoothed[i] = r.fixed()
	}
	rs.SmoothedLen = r.u8()
	rs.CalmRounds = r.u32()

	snap.Weights = r.vector()

	if n := r.count(9); n > 0 {
		snap.Reputation = make([]domain.ReputationEntry, n)
		for i := range snap.Reputation {
			e := &snap.Reputation[i]
			e.NodeID = r.str()
			e.Score = r.fixed()
			e.Banned = r.u8() == 1
			e.AuditFailures = r.u16()
		}
	}

	if n := r.count(4); n > 0 {
		snap.Placement = make([]domain.Placement, n)
		for i := range snap.Placement {
			snap.Placement[i].NodeID = r.str()
			snap.Placement[i].Zone = r.str()
		}
	}

	snap.EnergyLevel = int64(r.u64())
	snap.EnergyCapacity = int64(r.u64())

	ep := &snap.Epidemic
	ep.State = domain.EpidemicState(r.u8())
	ep.Residual = r.fixed()
	ep.AccuracyDelta = r.fixed()
	ep.CureCounter = r.u8()

	if r.err != nil {
		return nil, fmt.Errorf("%v: %w", r.err, domain.ErrSnapshotCorrupt)
	}
	if r.off != len(r.b) {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(r.b)-r.off, domain.ErrSnapshotCorrupt)
	}
	if err := snap.Regime.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}
