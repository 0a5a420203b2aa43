package persist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/observability"
)

// Config controls where and how often state is written.
type Config struct {
	Dir             string        // snapshot file directory
	FileName        string        // default: "snapshot.qrsn"
	CheckpointEvery uint64        // rounds between checkpoints (0 = only on demand)
	Retries         int           // extra attempts on I/O error (default: 3)
	Backoff         time.Duration // first retry delay, doubled each attempt (default: 50ms)
	KeepVersions    int           // store versions retained (0 = keep all)
	FallbackDepth   int           // store versions tried on restore (default: 8)
}

// DefaultConfig returns defaults for a node data directory.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		FileName:        "snapshot.qrsn",
		CheckpointEvery: 10,
		Retries:         3,
		Backoff:         50 * time.Millisecond,
		KeepVersions:    64,
		FallbackDepth:   8,
	}
}

// Pruner is implemented by stores that can drop old versions.
type Pruner interface {
	PruneSnapshots(keep int) (int64, error)
}

// Manager checkpoints snapshots to an atomically replaced file and, when a
// store is configured, to a versioned index.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	store domain.SnapshotStore // optional
	sleep func(ctx context.Context, d time.Duration) error

	lastRound uint64
	lastSize  int
	written   uint64
}

// NewManager creates a manager. store may be nil.
func NewManager(cfg Config, store domain.SnapshotStore) *Manager {
	def := DefaultConfig(cfg.Dir)
	if cfg.FileName == "" {
		cfg.FileName = def.FileName
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.FallbackDepth <= 0 {
		cfg.FallbackDepth = def.FallbackDepth
	}
	return &Manager{cfg: cfg, store: store, sleep: sleepCtx}
}

// Path is the snapshot file path.
func (m *Manager) Path() string { return filepath.Join(m.cfg.Dir, m.cfg.FileName) }

// Due reports whether round is a scheduled checkpoint round.
func (m *Manager) Due(round uint64) bool {
	return m.cfg.CheckpointEvery > 0 && round > 0 && round%m.cfg.CheckpointEvery == 0
}

// Checkpoint encodes snap, replaces the snapshot file atomically and records
// a new store version. nodeCount and dimension go into the version metadata.
func (m *Manager) Checkpoint(ctx context.Context, snap *domain.Snapshot) (domain.SnapshotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.CreatedAtMs == 0 {
		snap.CreatedAtMs = time.Now().UnixMilli()
	}
	b, err := Encode(snap)
	if err != nil {
		return domain.SnapshotRecord{}, fmt.Errorf("encode snapshot: %w", err)
	}

	if err := m.retry(ctx, "write file", func() error { return writeAtomic(m.Path(), b) }); err != nil {
		return domain.SnapshotRecord{}, err
	}

	rec := domain.SnapshotRecord{
		NodeID:    snap.NodeID,
		Round:     snap.Round,
		NodeCount: len(snap.Reputation),
		Dimension: len(snap.Weights),
		SizeBytes: len(b),
		Payload:   b,
	}
	if m.store != nil {
		err := m.retry(ctx, "store version", func() error {
			seq, err := m.store.SaveSnapshot(rec)
			rec.Seq = seq
			return err
		})
		if err != nil {
			// the file is already durable; a missing index row is not fatal
			log.Printf("[persist] version index write failed for round %d: %v", snap.Round, err)
		} else if p, ok := m.store.(Pruner); ok && m.cfg.KeepVersions > 0 {
			if _, err := p.PruneSnapshots(m.cfg.KeepVersions); err != nil {
				log.Printf("[persist] prune to %d versions failed: %v", m.cfg.KeepVersions, err)
			}
		}
	}

	m.lastRound = snap.Round
	m.lastSize = len(b)
	m.written++
	observability.CheckpointsWritten.Inc()
	observability.CheckpointBytes.Set(float64(len(b)))
	return rec, nil
}

// Restore returns the newest valid snapshot: the file first, then store
// versions newest first. It returns ErrNoSnapshot when nothing was ever
// written and ErrSnapshotCorrupt when everything found is damaged.
func (m *Manager) Restore(ctx context.Context) (*domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	corrupt := false

	var b []byte
	err := m.retry(ctx, "read file", func() error {
		var err error
		b, err = os.ReadFile(m.Path())
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if b != nil {
		snap, err := Decode(b)
		if err == nil {
			return snap, nil
		}
		corrupt = true
		log.Printf("[persist] snapshot file rejected: %v", err)
	}

	if m.store != nil {
		snap, found, err := m.restoreFromStore(ctx)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			log.Printf("[persist] restored round %d from version index", snap.Round)
			return snap, nil
		}
		corrupt = corrupt || found
	}

	if corrupt {
		return nil, domain.ErrSnapshotCorrupt
	}
	return nil, domain.ErrNoSnapshot
}

// restoreFromStore walks versions newest first. found reports whether any
// version existed at all.
func (m *Manager) restoreFromStore(ctx context.Context) (snap *domain.Snapshot, found bool, err error) {
	var list []domain.SnapshotRecord
	err = m.retry(ctx, "list versions", func() error {
		var err error
		list, err = m.store.ListSnapshots(m.cfg.FallbackDepth)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	for _, meta := range list {
		if err := ctx.Err(); err != nil {
			return nil, true, err
		}
		rec, err := m.store.GetSnapshot(meta.Seq)
		if err != nil {
			continue
		}
		s, err := Decode(rec.Payload)
		if err != nil {
			log.Printf("[persist] version %d rejected: %v", meta.Seq, err)
			continue
		}
		return s, true, nil
	}
	return nil, len(list) > 0, nil
}

// Stats reports the last checkpoint.
func (m *Manager) Stats() (lastRound uint64, lastSize int, written uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRound, m.lastSize, m.written
}

// retry runs fn up to 1+Retries times with exponential backoff.
func (m *Manager) retry(ctx context.Context, op string, fn func() error) error {
	delay := m.cfg.Backoff
	var err error
	for attempt := 0; attempt <= m.cfg.Retries; attempt++ {
		if attempt > 0 {
			observability.PersistRetries.Inc()
			log.Printf("[persist] %s failed (attempt %d): %v", op, attempt, err)
			if serr := m.sleep(ctx, delay); serr != nil {
				return serr
			}
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// writeAtomic writes b to path through a synced temp file and a rename, so
// a crash leaves either the old or the new snapshot, never a torn one.
func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
