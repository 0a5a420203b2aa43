package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the node engine depends on them.

// Verifier independently re-checks a node's claimed update (recomputation,
// proof channel, ...). The concrete mechanism lives outside the core.
type Verifier interface {
	Verify(ctx context.Context, nodeID string, round uint64, update Vector) (bool, error)
}

// Codec is the opaque payload compressor. The core never inspects its output.
type Codec interface {
	Encode(ctx context.Context, payload []byte, predictorHint string) ([]byte, error)
	Decode(ctx context.Context, payload []byte, predictorHint string) ([]byte, error)
}

// Transport moves raw wire frames between nodes. An empty peer broadcasts.
// Lost frames are never retried.
type Transport interface {
	Send(ctx context.Context, peer string, frame []byte) error
	Poll(ctx context.Context) ([][]byte, error)
	Close() error
}

// SnapshotRecord is the metadata row kept next to a persisted snapshot.
type SnapshotRecord struct {
	Seq       int64 // monotonically increasing key
	ID        string
	NodeID    string
	Round     uint64
	NodeCount int
	Dimension int
	SizeBytes int
	Payload   []byte
	CreatedAt string
}

// SnapshotStore keeps versioned snapshots keyed by a monotonic sequence.
type SnapshotStore interface {
	SaveSnapshot(rec SnapshotRecord) (int64, error)
	LatestSnapshot() (*SnapshotRecord, error)
	GetSnapshot(seq int64) (*SnapshotRecord, error)
	ListSnapshots(limit int) ([]SnapshotRecord, error)
}
