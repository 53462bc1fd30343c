// Package store persists run records. Runs back two contracts: run
// retrieval by id and idempotency replay by key. The in-memory
// implementation serves tests and zero-config local use; the
// PostgreSQL implementation serves production.
package store

import (
	"context"

	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// Store is the run persistence interface.
type Store interface {
	// CreateRun persists a new run record. A non-empty idempotency key
	// already held by another run is rejected with *ErrConflict; the
	// insert is the atomic claim on the key.
	CreateRun(ctx context.Context, run *models.Run) error

	// GetRun returns a run by id, or *ErrNotFound.
	GetRun(ctx context.Context, id string) (*models.Run, error)

	// GetRunByIdempotencyKey returns the run holding the key, or
	// *ErrNotFound. Keys are globally scoped.
	GetRunByIdempotencyKey(ctx context.Context, key string) (*models.Run, error)

	// UpdateRun replaces a run record by id.
	UpdateRun(ctx context.Context, run *models.Run) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)

	// Ping checks the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// ErrNotFound is returned when a requested record does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when an insert collides with a run already
// holding the idempotency key.
type ErrConflict struct {
	Key string
}

func (e *ErrConflict) Error() string {
	return "idempotency key already claimed: " + e.Key
}
