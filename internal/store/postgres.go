package store

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore wraps a *sql.DB holding the activations table.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore opens and pings connStr, configuring the same pool
// sizing the teacher uses for its message store.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[STORE-PG] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveActivation(ctx context.Context, a *Activation) error {
	query := `
		INSERT INTO activations (activation_id, application_key, state_blob, created_at, updated_at, deadlocked, fail_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (activation_id) DO UPDATE
		SET state_blob = EXCLUDED.state_blob, updated_at = EXCLUDED.updated_at,
		    deadlocked = EXCLUDED.deadlocked, fail_count = EXCLUDED.fail_count`
	_, err := p.db.ExecContext(ctx, query,
		a.ActivationID, a.ApplicationKey, a.StateBlob, a.CreatedAt, a.UpdatedAt, a.Deadlocked, a.FailCount)
	return err
}

func (p *PostgresStore) GetActivation(ctx context.Context, activationID string) (*Activation, error) {
	query := `
		SELECT activation_id, application_key, state_blob, created_at, updated_at, deadlocked, fail_count
		FROM activations WHERE activation_id = $1`
	a := &Activation{}
	err := p.db.QueryRowContext(ctx, query, activationID).Scan(
		&a.ActivationID, &a.ApplicationKey, &a.StateBlob, &a.CreatedAt, &a.UpdatedAt, &a.Deadlocked, &a.FailCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) UpdateStateBlob(ctx context.Context, activationID string, blob []byte) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE activations SET state_blob = $1, updated_at = $2 WHERE activation_id = $3`,
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

func (p *PostgresStore) MarkDeadlocked(ctx context.Context, activationID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE activations SET deadlocked = true, updated_at = $1 WHERE activation_id = $2`,
		time.Now(), activationID)
	if err != nil {
		p.logger.Printf("failed to mark %s deadlocked: %v", activationID, err)
	}
	return err
}

func (p *PostgresStore) ListDeadlocked(ctx context.Context) ([]*Activation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT activation_id, application_key, state_blob, created_at, updated_at, deadlocked, fail_count
		 FROM activations WHERE deadlocked = true ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Activation
	for rows.Next() {
		a := &Activation{}
		if err := rows.Scan(&a.ActivationID, &a.ApplicationKey, &a.StateBlob,
			&a.CreatedAt, &a.UpdatedAt, &a.Deadlocked, &a.FailCount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
