package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Audit Schema ───────────────────────────────────────────────────────────

// AuditMigrations returns the audit history schema.
func AuditMigrations() []string {
	return []string{
		// One row per audited round
		`CREATE TABLE IF NOT EXISTS audit_rounds (
			id          TEXT PRIMARY KEY,
			round       INTEGER NOT NULL,
			sampled     TEXT NOT NULL DEFAULT '[]',
			failed      TEXT NOT NULL DEFAULT '[]',
			banned      TEXT NOT NULL DEFAULT '[]',
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_round ON audit_rounds(round)`,

		// Permanent exclusions, kept for diagnostics
		`CREATE TABLE IF NOT EXISTS bans (
			node_id    TEXT PRIMARY KEY,
			reason     TEXT NOT NULL,
			round      INTEGER NOT NULL,
			banned_at  TEXT NOT NULL
		)`,
	}
}

// ─── Audit Operations ───────────────────────────────────────────────────────

// SaveAudit stores one round of audit outcomes.
func (d *DB) SaveAudit(rec domain.AuditRecord) error {
	sampled, err := json.Marshal(nonNil(rec.Sampled))
	if err != nil {
		return err
	}
	failed, _ := json.Marshal(nonNil(rec.Failed))
	banned, _ := json.Marshal(nonNil(rec.Banned))
	_, err = d.db.Exec(`
		INSERT INTO audit_rounds (id, round, sampled, failed, banned, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, int64(rec.Round), string(sampled), string(failed), string(banned), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudits returns the newest audit rounds first.
func (d *DB) ListAudits(limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(`
		SELECT id, round, sampled, failed, banned FROM audit_rounds
		ORDER BY round DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var r domain.AuditRecord
		var round int64
		var sampled, failed, banned string
		if err := rows.Scan(&r.ID, &round, &sampled, &failed, &banned); err != nil {
			return nil, err
		}
		r.Round = uint64(round)
		json.Unmarshal([]byte(sampled), &r.Sampled)
		json.Unmarshal([]byte(failed), &r.Failed)
		json.Unmarshal([]byte(banned), &r.Banned)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ban is a persisted exclusion.
type Ban struct {
	NodeID   string
	Reason   string
	Round    uint64
	BannedAt time.Time
}

// RecordBan stores a permanent exclusion. The first reason wins.
func (d *DB) RecordBan(nodeID, reason string, round uint64) error {
	_, err := d.db.Exec(`
		INSERT INTO bans (node_id, reason, round, banned_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(node_id) DO NOTHING
	`, nodeID, reason, int64(round), time.Now().UTC().Format(time.RFC3339))
	return err
}

// ListBans returns every exclusion ordered by node id.
func (d *DB) ListBans() ([]Ban, error) {
	rows, err := d.db.Query(`SELECT node_id, reason, round, banned_at FROM bans ORDER BY node_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ban
	for rows.Next() {
		var b Ban
		var round int64
		var at string
		if err := rows.Scan(&b.NodeID, &b.Reason, &round, &at); err != nil {
			return nil, err
		}
		b.Round = uint64(round)
		b.BannedAt, _ = time.Parse(time.RFC3339, at)
		out = append(out, b)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
