package storage

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/call"
)

// RecordCall stores a finished call. It satisfies call.Recorder.
func (d *DB) RecordCall(rec call.CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	role, _ := rec.Role.MarshalText()

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO calls (id, peer_id, direction, role, started_at, ended_at, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PeerID, string(rec.Direction), string(role),
		formatTime(rec.StartedAt), formatTime(rec.EndedAt), rec.Outcome, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// ListCalls returns the most recent calls first. peerID filters to one peer
// when not empty; limit <= 0 means no limit.
func (d *DB) ListCalls(peerID string, limit int) ([]call.CallRecord, error) {
	query := `SELECT id, peer_id, direction, role, started_at, ended_at, outcome, COALESCE(error, '') FROM calls`
	var args []any
	if peerID != "" {
		query += ` WHERE peer_id = ?`
		args = append(args, peerID)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []call.CallRecord
	for rows.Next() {
		var rec call.CallRecord
		var dir, role, started, ended string
		if err := rows.Scan(&rec.ID, &rec.PeerID, &dir, &role, &started, &ended, &rec.Outcome, &rec.Error); err != nil {
			return nil, err
		}
		rec.Direction = call.Direction(dir)
		if err := rec.Role.UnmarshalText([]byte(role)); err != nil {
			return nil, fmt.Errorf("call %s: %w", rec.ID, err)
		}
		rec.StartedAt = parseTime(started)
		rec.EndedAt = parseTime(ended)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteCalls clears the call history.
func (d *DB) DeleteCalls() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`DELETE FROM calls`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
