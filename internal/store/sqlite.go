package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the embedded-deployment counterpart to PostgresStore,
// used by single-node/offline-demo runs of cmd/enrollmentserver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) path and ensures the
// activations table exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // go-sqlite3 serializes writers anyway
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS activations (
			activation_id   TEXT PRIMARY KEY,
			application_key BLOB,
			state_blob      BLOB,
			created_at      DATETIME,
			updated_at      DATETIME,
			deadlocked      INTEGER DEFAULT 0,
			fail_count      INTEGER DEFAULT 0
		)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveActivation(ctx context.Context, a *Activation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activations (activation_id, application_key, state_blob, created_at, updated_at, deadlocked, fail_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(activation_id) DO UPDATE SET
			state_blob = excluded.state_blob,
			updated_at = excluded.updated_at,
			deadlocked = excluded.deadlocked,
			fail_count = excluded.fail_count`,
		a.ActivationID, a.ApplicationKey, a.StateBlob, a.CreatedAt, a.UpdatedAt, a.Deadlocked, a.FailCount)
	return err
}

func (s *SQLiteStore) GetActivation(ctx context.Context, activationID string) (*Activation, error) {
	a := &Activation{}
	var deadlocked int
	err := s.db.QueryRowContext(ctx, `
		SELECT activation_id, application_key, state_blob, created_at, updated_at, deadlocked, fail_count
		FROM activations WHERE activation_id = ?`, activationID).Scan(
		&a.ActivationID, &a.ApplicationKey, &a.StateBlob, &a.CreatedAt, &a.UpdatedAt, &deadlocked, &a.FailCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Deadlocked = deadlocked != 0
	return a, nil
}

func (s *SQLiteStore) UpdateStateBlob(ctx context.Context, activationID string, blob []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE activations SET state_blob = ?, updated_at = ? WHERE activation_id = ?`,
		blob, time.Now(), activationID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkDeadlocked(ctx context.Context, activationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE activations SET deadlocked = 1, updated_at = ? WHERE activation_id = ?`,
		time.Now(), activationID)
	return err
}

func (s *SQLiteStore) ListDeadlocked(ctx context.Context) ([]*Activation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT activation_id, application_key, state_blob, created_at, updated_at, deadlocked, fail_count
		FROM activations WHERE deadlocked = 1 ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Activation
	for rows.Next() {
		a := &Activation{}
		var deadlocked int
		if err := rows.Scan(&a.ActivationID, &a.ApplicationKey, &a.StateBlob,
			&a.CreatedAt, &a.UpdatedAt, &deadlocked, &a.FailCount); err != nil {
			return nil, err
		}
		a.Deadlocked = deadlocked != 0
		out = append(out, a)
	}
	return out, rows.Err()
}
