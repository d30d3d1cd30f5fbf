// Package db provides repository interfaces for the sync data models.
package db

import (
	"context"

	"github.com/kimhsiao/mealsync/internal/models"
	"github.com/kimhsiao/mealsync/internal/sync/conflict"
	"github.com/kimhsiao/mealsync/internal/sync/metadata"
	"github.com/kimhsiao/mealsync/internal/sync/queue"
)

// LocalEntityRepository defines operations on the device copy of domain records.
type LocalEntityRepository interface {
	conflict.LocalStore

	// SaveLocalEntity inserts or replaces the local copy of an entity.
	SaveLocalEntity(ctx context.Context, e *models.LocalEntity) error

	// GetLocalEntity retrieves the local copy of an entity.
	GetLocalEntity(ctx context.Context, entityType models.EntityType, entityID string) (*models.LocalEntity, error)

	// DeleteLocalEntity removes the local copy of an entity.
	DeleteLocalEntity(ctx context.Context, entityType models.EntityType, entityID string) error
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	conflict.ConflictLogger

	// ListConflictLogs returns the most recent entries first.
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// SyncRepository combines everything the sync engine persists.
type SyncRepository interface {
	queue.Backend
	metadata.Store
	LocalEntityRepository
	ConflictLogRepository

	// WipeLocalData removes all synced and pending data.
	WipeLocalData(ctx context.Context) error
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ queue.Backend         = (*Repository)(nil)
	_ metadata.Store        = (*Repository)(nil)
	_ LocalEntityRepository = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ SyncRepository        = (*Repository)(nil)
)
