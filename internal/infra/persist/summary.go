package persist

import (
	"crypto/sha256"
	"fmt"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Onboarding Summary ─────────────────────────────────────────────────────
// A joining node fetches this instead of the full round history:
//
//	magic        "QRSM"
//	version      u16
//	round        u64
//	contributors u32
//	consensus    u32 dim + dim×i32
//	variance     u32 dim + dim×i32
//	digest       [32]byte SHA-256 of the source snapshot encoding
//	crc          u32

var summaryMagic = [4]byte{'Q', 'R', 'S', 'M'}

// BuildSummary condenses an encoded snapshot plus the per-dimension variance
// of the last round's admitted updates.
func BuildSummary(encoded []byte, variance domain.Vector, contributors int) (domain.Summary, error) {
	snap, err := Decode(encoded)
	if err != nil {
		return domain.Summary{}, err
	}
	if variance != nil && len(variance) != len(snap.Weights) {
		return domain.Summary{}, fmt.Errorf("variance dim %d vs weights %d: %w",
			len(variance), len(snap.Weights), domain.ErrSummaryMismatch)
	}
	if variance == nil {
		variance = domain.NewVector(len(snap.Weights))
	}
	return domain.Summary{
		Round:        snap.Round,
		Consensus:    snap.Weights.Clone(),
		Variance:     variance.Clone(),
		Contributors: uint32(contributors),
		Digest:       sha256.Sum256(encoded),
	}, nil
}

// EncodeSummary serializes s.
func EncodeSummary(s domain.Summary) []byte {
	w := &writer{b: make([]byte, 0, 64+8*len(s.Consensus))}
	w.b = append(w.b, summaryMagic[:]...)
	w.u16(SchemaVersion)
	w.u64(s.Round)
	w.u32(s.Contributors)
	w.vector(s.Consensus)
	w.vector(s.Variance)
	w.b = append(w.b, s.Digest[:]...)
	return w.seal()
}

// DecodeSummary parses a summary produced by EncodeSummary.
func DecodeSummary(b []byte) (domain.Summary, error) {
	r, err := open(b, summaryMagic, SchemaVersion)
	if err != nil {
		return domain.Summary{}, err
	}
	var s domain.Summary
	s.Round = r.u64()
	s.Contributors = r.u32()
	s.Consensus = r.vector()
	s.Variance = r.vector()
	copy(s.Digest[:], r.take(len(s.Digest)))
	if r.err != nil {
		return domain.Summary{}, fmt.Errorf("%v: %w", r.err, domain.ErrSnapshotCorrupt)
	}
	if r.off != len(r.b) {
		return domain.Summary{}, fmt.Errorf("%d trailing bytes: %w", len(r.b)-r.off, domain.ErrSnapshotCorrupt)
	}
	return s, nil
}

// ApplySummary creates the starting snapshot for a node that onboards from s.
// Reputation, energy and regime start fresh; only the model and the round
// carry over.
func ApplySummary(s domain.Summary, nodeID string, dimension int) (*domain.Snapshot, error) {
	if len(s.Consensus) != dimension {
		return nil, fmt.Errorf("summary dim %d, configured %d: %w",
			len(s.Consensus), dimension, domain.ErrSummaryMismatch)
	}
	return &domain.Snapshot{
		NodeID:  nodeID,
		Round:   s.Round,
		Weights: s.Consensus.Clone(),
	}, nil
}

// Variance returns the per-dimension population variance of vs around mean.
// Entries whose dimension differs from mean are skipped.
func Variance(vs []domain.Vector, mean domain.Vector) domain.Vector {
	out := domain.NewVector(len(mean))
	n := int64(0)
	sums := make([]int64, len(mean))
	for _, v := range vs {
		if len(v) != len(mean) {
			continue
		}
		n++
		for i := range v {
			d := int64(v[i]) - int64(mean[i])
			sums[i] += (d * d) >> domain.FracBits
		}
	}
	if n == 0 {
		return out
	}
	for i := range out {
		out[i] = domain.WideToFixed(sums[i] / n)
	}
	return out
}
