package logstore

import (
	"context"
	"database/sql"
	"errors"
)

// SQLitePersister stores the record in the records table of a sqlite
// database opened with store.NewSQLite.
type SQLitePersister struct {
	DB   *sql.DB
	Name string
}

func (p SQLitePersister) Load(ctx context.Context) ([]byte, error) {
	var value []byte
	err := p.DB.QueryRowContext(ctx, `SELECT value FROM records WHERE name = ?`, p.Name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

func (p SQLitePersister) Save(ctx context.Context, data []byte) error {
	_, err := p.DB.ExecContext(ctx, `
		INSERT INTO records (name, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, p.Name, data)
	return err
}
