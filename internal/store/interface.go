package store

import (
	"context"
	"time"
)

// Store persists conflicts and sync bookkeeping. Getters return nil, nil when the record
// does not exist.
type Store interface {
	// Sync State
	GetSyncState(ctx context.Context, name string) (*SyncState, error)
	UpdateSyncState(ctx context.Context, state *SyncState) error

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	// ListConflicts filters by status; an empty status lists all. Oldest first.
	ListConflicts(ctx context.Context, status ConflictStatus, limit, offset int) ([]*Conflict, error)
	// ResolveConflict moves a pending conflict to its final state. It reports false when
	// the conflict was not pending, so concurrent resolutions succeed exactly once.
	ResolveConflict(ctx context.Context, id string, res ConflictResolution) (bool, error)
	// ReopenConflict returns a conflict resolved at resolvedAt to pending. It reports false
	// when the conflict is pending or carries a different resolution.
	ReopenConflict(ctx context.Context, id string, resolvedAt time.Time) (bool, error)

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// General
	Close() error
}
