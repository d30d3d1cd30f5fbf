package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync runs one pass over every entity type. The returned error is a
	// pass-level *errors.SyncError; per-record failures are reported in the result.
	Sync(ctx context.Context) (*SyncResult, error)

	// LastSync returns the end time of the last successful pass.
	LastSync() *time.Time

	// PendingChanges returns the number of queue records not parked.
	PendingChanges(ctx context.Context) (int, error)

	// LastError returns the error of the last pass, or nil.
	LastError() error
}
