package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Snapshot Schema ────────────────────────────────────────────────────────

// SnapshotMigrations returns the snapshot index schema.
// Each string is a single SQL statement (SQLite executes one at a time).
func SnapshotMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			node_id    TEXT NOT NULL,
			round      INTEGER NOT NULL,
			node_count INTEGER NOT NULL DEFAULT 0,
			dimension  INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL,
			payload    BLOB NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_node ON snapshots(node_id, round)`,
	}
}

// ─── Snapshot Operations ────────────────────────────────────────────────────

var _ domain.SnapshotStore = (*DB)(nil)

// SaveSnapshot inserts a snapshot and returns its sequence number. An empty
// ID is filled with a fresh UUID; an empty CreatedAt with the current time.
func (d *DB) SaveSnapshot(rec domain.SnapshotRecord) (int64, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if rec.SizeBytes == 0 {
		rec.SizeBytes = len(rec.Payload)
	}
	res, err := d.db.Exec(`
		INSERT INTO snapshots (id, node_id, round, node_count, dimension, size_bytes, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.NodeID, int64(rec.Round), rec.NodeCount, rec.Dimension, rec.SizeBytes, rec.Payload, rec.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return res.LastInsertId()
}

// LatestSnapshot returns the highest-sequence snapshot with its payload.
func (d *DB) LatestSnapshot() (*domain.SnapshotRecord, error) {
	row := d.db.QueryRow(`
		SELECT seq, id, node_id, round, node_count, dimension, size_bytes, payload, created_at
		FROM snapshots ORDER BY seq DESC LIMIT 1
	`)
	return scanSnapshot(row)
}

// GetSnapshot returns one snapshot by sequence number.
func (d *DB) GetSnapshot(seq int64) (*domain.SnapshotRecord, error) {
	row := d.db.QueryRow(`
		SELECT seq, id, node_id, round, node_count, dimension, size_bytes, payload, created_at
		FROM snapshots WHERE seq = ?
	`, seq)
	return scanSnapshot(row)
}

// ListSnapshots returns metadata for the newest snapshots, newest first.
// Payloads are not loaded.
func (d *DB) ListSnapshots(limit int) ([]domain.SnapshotRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.Query(`
		SELECT seq, id, node_id, round, node_count, dimension, size_bytes, created_at
		FROM snapshots ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SnapshotRecord
	for rows.Next() {
		var r domain.SnapshotRecord
		var round int64
		if err := rows.Scan(&r.Seq, &r.ID, &r.NodeID, &round, &r.NodeCount, &r.Dimension, &r.SizeBytes, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Round = uint64(round)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes all but the newest keep snapshots and returns how
// many rows were removed.
func (d *DB) PruneSnapshots(keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := d.db.Exec(`
		DELETE FROM snapshots WHERE seq NOT IN (
			SELECT seq FROM snapshots ORDER BY seq DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSnapshot(row *sql.Row) (*domain.SnapshotRecord, error) {
	var r domain.SnapshotRecord
	var round int64
	err := row.Scan(&r.Seq, &r.ID, &r.NodeID, &round, &r.NodeCount, &r.Dimension, &r.SizeBytes, &r.Payload, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	r.Round = uint64(round)
	return &r, nil
}
