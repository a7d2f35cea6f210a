// Package archive copies recorded attendance entries into Postgres so they
// outlive the kiosk's local log.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepface/attendance-kiosk/internal/logstore"
	"github.com/deepface/attendance-kiosk/internal/queue"
)

// ErrUnsupportedMessage is returned by Decode for message types the archive ignores.
var ErrUnsupportedMessage = errors.New("unsupported message type")

const schema = `
CREATE TABLE IF NOT EXISTS attendance_logs (
	id          TEXT PRIMARY KEY,
	nim         TEXT NOT NULL,
	name        TEXT NOT NULL,
	model       TEXT NOT NULL,
	confidence  TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS attendance_logs_recorded_at ON attendance_logs (recorded_at DESC);
`

// Repository persists archived entries in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the archive table if needed.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	return nil
}

// Insert writes e. Redelivered entries are ignored; inserted reports whether
// a row was written.
func (r *Repository) Insert(ctx context.Context, e logstore.Entry) (inserted bool, err error) {
	if e.ID == "" {
		return false, errors.New("entry id required")
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_logs (id, nim, name, model, confidence, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.NIM, e.Name, e.Model, e.Confidence, e.Timestamp.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Recent returns up to limit entries, newest first, optionally for one nim.
func (r *Repository) Recent(ctx context.Context, nim string, limit int) ([]logstore.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, nim, name, model, confidence, recorded_at FROM attendance_logs`
	args := []any{}
	if nim != "" {
		query += ` WHERE nim = $1`
		args = append(args, nim)
	}
	query += fmt.Sprintf(` ORDER BY recorded_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []logstore.Entry
	for rows.Next() {
		var e logstore.Entry
		var at time.Time
		if err := rows.Scan(&e.ID, &e.NIM, &e.Name, &e.Model, &e.Confidence, &at); err != nil {
			return nil, err
		}
		e.Timestamp = at
		res = append(res, e)
	}
	return res, rows.Err()
}

// Decode extracts the entry carried by an attendance.recorded message.
func Decode(msg queue.Message) (logstore.Entry, error) {
	if msg.Type != queue.TypeAttendanceRecorded {
		return logstore.Entry{}, fmt.Errorf("%w: %q", ErrUnsupportedMessage, msg.Type)
	}
	var e logstore.Entry
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		return logstore.Entry{}, fmt.Errorf("decode message %s: %w", msg.ID, err)
	}
	if e.ID == "" {
		// Entries recorded before ids were assigned fall back to the message id.
		e.ID = msg.ID
	}
	return e, nil
}
