// Package metadata tracks the last known server state of each synced entity.
package metadata

import (
	"context"
	"errors"
	"sync"

	"github.com/kimhsiao/mealsync/internal/models"
)

// ErrNotFound is returned when an entity has never been synced.
var ErrNotFound = errors.New("sync metadata not found")

// Store persists SyncMetadata keyed by (entity type, entity id).
type Store interface {
	GetSyncMetadata(ctx context.Context, entityType models.EntityType, entityID string) (*models.SyncMetadata, error)
	UpsertSyncMetadata(ctx context.Context, meta *models.SyncMetadata) error
}

// Exists reports whether the entity has been synced at least once.
func Exists(ctx context.Context, s Store, entityType models.EntityType, entityID string) (bool, error) {
	_, err := s.GetSyncMetadata(ctx, entityType, entityID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Lookup returns the metadata or nil when the entity was never synced.
func Lookup(ctx context.Context, s Store, entityType models.EntityType, entityID string) (*models.SyncMetadata, error) {
	meta, err := s.GetSyncMetadata(ctx, entityType, entityID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return meta, err
}

type key struct {
	entityType models.EntityType
	entityID   string
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[key]models.SyncMetadata
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[key]models.SyncMetadata)}
}

// GetSyncMetadata returns a copy of the stored metadata.
func (s *MemoryStore) GetSyncMetadata(_ context.Context, entityType models.EntityType, entityID string) (*models.SyncMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.entries[key{entityType, entityID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

// UpsertSyncMetadata inserts or replaces the metadata for its key.
func (s *MemoryStore) UpsertSyncMetadata(_ context.Context, meta *models.SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key{meta.EntityType, meta.EntityID}] = *meta
	return nil
}

// Len returns the number of tracked entities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
