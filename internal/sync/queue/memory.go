package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/kimhsiao/mealsync/internal/models"
)

// MemoryBackend is a Backend held in process memory. It is used by tests and
// by hosts that do not need the queue to survive restarts.
type MemoryBackend struct {
	mu     sync.RWMutex
	items  map[int64]*models.SyncQueueRecord
	nextID int64
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[int64]*models.SyncQueueRecord)}
}

func (b *MemoryBackend) InsertQueueRecord(_ context.Context, rec *models.SyncQueueRecord) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	stored := rec.Clone()
	stored.ID = b.nextID
	b.items[stored.ID] = stored
	return stored.ID, nil
}

func (b *MemoryBackend) UpdateQueueRecord(_ context.Context, rec *models.SyncQueueRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.items[rec.ID]; !ok {
		return ErrRecordNotFound
	}
	b.items[rec.ID] = rec.Clone()
	return nil
}

func (b *MemoryBackend) DeleteQueueRecord(_ context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.items, id)
	return nil
}

func (b *MemoryBackend) GetQueueRecord(_ context.Context, id int64) (*models.SyncQueueRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.items[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (b *MemoryBackend) ListQueueRecordsForEntity(_ context.Context, entityType models.EntityType, entityID string) ([]*models.SyncQueueRecord, error) {
	return b.collect(func(rec *models.SyncQueueRecord) bool {
		return rec.EntityType == entityType && rec.EntityID == entityID
	}, 0), nil
}

func (b *MemoryBackend) ListReadyQueueRecords(_ context.Context, entityType models.EntityType, now int64, limit int) ([]*models.SyncQueueRecord, error) {
	return b.collect(func(rec *models.SyncQueueRecord) bool {
		return rec.EntityType == entityType &&
			rec.Status == models.QueueStatusPending &&
			rec.NextRetryAt <= now
	}, limit), nil
}

func (b *MemoryBackend) ListQueueRecords(_ context.Context) ([]*models.SyncQueueRecord, error) {
	return b.collect(func(*models.SyncQueueRecord) bool { return true }, 0), nil
}

func (b *MemoryBackend) DeleteAllQueueRecords(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = make(map[int64]*models.SyncQueueRecord)
	return nil
}

// collect returns copies of matching records ordered by created_at then id.
func (b *MemoryBackend) collect(match func(*models.SyncQueueRecord) bool, limit int) []*models.SyncQueueRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*models.SyncQueueRecord, 0)
	for _, rec := range b.items {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
