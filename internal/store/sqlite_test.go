package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "activations.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreSaveAndGetActivation(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	a := &Activation{
		ActivationID:   NewActivationID(),
		ApplicationKey: []byte{0x01, 0x02},
		StateBlob:      []byte("opaque-blob"),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.SaveActivation(ctx, a); err != nil {
		t.Fatalf("SaveActivation failed: %v", err)
	}

	got, err := s.GetActivation(ctx, a.ActivationID)
	if err != nil {
		t.Fatalf("GetActivation failed: %v", err)
	}
	if got.ActivationID != a.ActivationID || string(got.StateBlob) != "opaque-blob" {
		t.Fatalf("unexpected activation: %+v", got)
	}
	if got.Deadlocked {
		t.Fatal("expected a freshly saved activation to not be deadlocked")
	}
}

func TestSQLiteStoreGetActivationNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, err := s.GetActivation(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreUpdateStateBlob(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := &Activation{ActivationID: NewActivationID(), StateBlob: []byte("v1"), CreatedAt: now, UpdatedAt: now}
	if err := s.SaveActivation(ctx, a); err != nil {
		t.Fatalf("SaveActivation failed: %v", err)
	}
	if err := s.UpdateStateBlob(ctx, a.ActivationID, []byte("v2")); err != nil {
		t.Fatalf("UpdateStateBlob failed: %v", err)
	}
	got, err := s.GetActivation(ctx, a.ActivationID)
	if err != nil {
		t.Fatalf("GetActivation failed: %v", err)
	}
	if string(got.StateBlob) != "v2" {
		t.Fatalf("expected the state blob to be updated to v2, got %q", got.StateBlob)
	}

	if err := s.UpdateStateBlob(ctx, "unknown-id", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating an unknown activation, got %v", err)
	}
}

func TestSQLiteStoreMarkAndListDeadlocked(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a1 := &Activation{ActivationID: NewActivationID(), StateBlob: []byte("a1"), CreatedAt: now, UpdatedAt: now}
	a2 := &Activation{ActivationID: NewActivationID(), StateBlob: []byte("a2"), CreatedAt: now, UpdatedAt: now}
	for _, a := range []*Activation{a1, a2} {
		if err := s.SaveActivation(ctx, a); err != nil {
			t.Fatalf("SaveActivation failed: %v", err)
		}
	}

	if err := s.MarkDeadlocked(ctx, a1.ActivationID); err != nil {
		t.Fatalf("MarkDeadlocked failed: %v", err)
	}

	list, err := s.ListDeadlocked(ctx)
	if err != nil {
		t.Fatalf("ListDeadlocked failed: %v", err)
	}
	if len(list) != 1 || list[0].ActivationID != a1.ActivationID {
		t.Fatalf("expected exactly activation %s to be listed, got %+v", a1.ActivationID, list)
	}
	if !list[0].Deadlocked {
		t.Fatal("expected the listed activation to have Deadlocked set")
	}
}
