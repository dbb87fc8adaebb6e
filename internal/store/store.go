// Package store persists PowerAuth activation records: the opaque,
// already-serialized PersistentData blob produced by
// internal/powerauth, keyed by activation id.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an activation id has no stored record.
var ErrNotFound = errors.New("store: activation not found")

// Activation is the row persisted alongside a powerauth.Session's
// opaque serialized state. The store never parses StateBlob; only
// internal/powerauth does.
type Activation struct {
	ActivationID   string
	ApplicationKey []byte
	StateBlob      []byte // powerauth.Session.SaveSessionState output
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Deadlocked     bool
	FailCount      int
}

// Store is the persistence interface shared by the Postgres and SQLite
// backends.
type Store interface {
	SaveActivation(ctx context.Context, a *Activation) error
	GetActivation(ctx context.Context, activationID string) (*Activation, error)
	UpdateStateBlob(ctx context.Context, activationID string, blob []byte) error
	MarkDeadlocked(ctx context.Context, activationID string) error
	ListDeadlocked(ctx context.Context) ([]*Activation, error)
	Close() error
}

// NewActivationID mints a fresh activation identifier. PowerAuth treats
// activation ids as opaque server-assigned strings (spec §3.1); a uuid
// is a convenient concrete choice for the demo service.
func NewActivationID() string {
	return uuid.NewString()
}
