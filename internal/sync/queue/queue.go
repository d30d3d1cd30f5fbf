// Package queue provides the durable outbox of local mutations awaiting upload.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	syncerrors "github.com/kimhsiao/mealsync/internal/errors"
	"github.com/kimhsiao/mealsync/internal/logging"
	"github.com/kimhsiao/mealsync/internal/models"
	"github.com/kimhsiao/mealsync/internal/sync/metadata"
)

// ErrRecordNotFound is returned by a Backend for an unknown record id.
var ErrRecordNotFound = errors.New("sync queue record not found")

const (
	DefaultBatchSize         = 50
	DefaultMaxRecordAttempts = 10
)

// Backend persists queue records. Each call must be atomic for the record it touches.
type Backend interface {
	InsertQueueRecord(ctx context.Context, rec *models.SyncQueueRecord) (int64, error)
	UpdateQueueRecord(ctx context.Context, rec *models.SyncQueueRecord) error
	// DeleteQueueRecord is a no-op for unknown ids.
	DeleteQueueRecord(ctx context.Context, id int64) error
	GetQueueRecord(ctx context.Context, id int64) (*models.SyncQueueRecord, error)
	// ListQueueRecordsForEntity returns records of one entity, oldest first.
	ListQueueRecordsForEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.SyncQueueRecord, error)
	// ListReadyQueueRecords returns pending records with next_retry_at <= now,
	// ordered by created_at then id, at most limit.
	ListReadyQueueRecords(ctx context.Context, entityType models.EntityType, now int64, limit int) ([]*models.SyncQueueRecord, error)
	ListQueueRecords(ctx context.Context) ([]*models.SyncQueueRecord, error)
	DeleteAllQueueRecords(ctx context.Context) error
}

// Config controls queue limits.
type Config struct {
	// MaxSize bounds the number of stored records. Zero means unbounded.
	MaxSize int
	// MaxRecordAttempts parks a record after this many per-record failures.
	MaxRecordAttempts int
	// Now overrides the clock.
	Now func() time.Time
}

// Queue coalesces local edits and hands them to the engine in batches.
type Queue struct {
	backend     Backend
	meta        metadata.Store
	maxSize     int
	maxAttempts int
	now         func() time.Time

	// serializes read-decide-write sequences such as coalescing
	mu sync.Mutex
	// ids handed out by DequeueBatch and not yet released
	inFlight map[int64]struct{}
}

// NewQueue creates a Queue over backend. meta is consulted to decide whether a
// deleted entity was ever known to the server.
func NewQueue(backend Backend, meta metadata.Store, cfg Config) *Queue {
	if cfg.MaxRecordAttempts <= 0 {
		cfg.MaxRecordAttempts = DefaultMaxRecordAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		backend:     backend,
		meta:        meta,
		maxSize:     cfg.MaxSize,
		maxAttempts: cfg.MaxRecordAttempts,
		now:         cfg.Now,
		inFlight:    make(map[int64]struct{}),
	}
}

// Enqueue records a local mutation. It returns the id of the record now
// carrying the mutation, or 0 when the mutation cancelled a pending create.
func (q *Queue) Enqueue(ctx context.Context, entityType models.EntityType, entityID string, op models.Operation, payload json.RawMessage) (int64, error) {
	if !entityType.Valid() {
		return 0, fmt.Errorf("enqueue: %w: %d", models.ErrUnknownEntityType, int(entityType))
	}
	if !op.Valid() {
		return 0, fmt.Errorf("enqueue: invalid operation %q", op)
	}
	if entityID == "" {
		return 0, fmt.Errorf("enqueue: entity id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	incoming := &models.SyncQueueRecord{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
		CreatedAt:  q.now().UnixMilli(),
		Status:     models.QueueStatusPending,
	}

	existing, err := q.backend.ListQueueRecordsForEntity(ctx, entityType, entityID)
	if err != nil {
		return 0, syncerrors.NewDatabaseError("list queue records", err)
	}

	prev := replaceable(existing, q.inFlight)
	known := false
	if op == models.OperationDelete && prev != nil {
		known, err = q.knownToServer(ctx, existing, prev)
		if err != nil {
			return 0, err
		}
	}

	ctxFields := map[string]interface{}{
		"entity_type": entityType.String(),
		"entity_id":   entityID,
		"operation":   string(op),
	}

	switch action, merged := coalesce(prev, incoming, known); action {
	case actionDrop:
		if err := q.backend.DeleteQueueRecord(ctx, prev.ID); err != nil {
			return 0, syncerrors.NewDatabaseError("drop queue record", err)
		}
		logging.Debug("Dropped pending create for never-synced entity", ctxFields)
		return 0, nil

	case actionReplace:
		if err := q.backend.UpdateQueueRecord(ctx, merged); err != nil {
			return 0, syncerrors.NewDatabaseError("coalesce queue record", err)
		}
		ctxFields["record_id"] = merged.ID
		logging.Debug("Coalesced sync record", ctxFields)
		return merged.ID, nil

	default:
		if q.maxSize > 0 {
			all, err := q.backend.ListQueueRecords(ctx)
			if err != nil {
				return 0, syncerrors.NewDatabaseError("count queue records", err)
			}
			if len(all) >= q.maxSize {
				return 0, syncerrors.NewDatabaseError(fmt.Sprintf("queue is full (max size: %d)", q.maxSize), nil)
			}
		}
		id, err := q.backend.InsertQueueRecord(ctx, incoming)
		if err != nil {
			return 0, syncerrors.NewDatabaseError("insert queue record", err)
		}
		ctxFields["record_id"] = id
		logging.Debug("Enqueued sync record", ctxFields)
		return id, nil
	}
}

// knownToServer reports whether the server may hold the entity: it was synced
// before, or another record for it has already been sent.
func (q *Queue) knownToServer(ctx context.Context, existing []*models.SyncQueueRecord, prev *models.SyncQueueRecord) (bool, error) {
	for _, rec := range existing {
		if rec.ID == prev.ID {
			continue
		}
		if _, sending := q.inFlight[rec.ID]; sending || rec.Attempted() {
			return true, nil
		}
	}
	if prev.Attempted() {
		return true, nil
	}
	ok, err := metadata.Exists(ctx, q.meta, prev.EntityType, prev.EntityID)
	if err != nil {
		return false, syncerrors.NewDatabaseError("read sync metadata", err)
	}
	return ok, nil
}

// DequeueBatch returns up to max eligible records of one entity type, oldest
// first. Records stay queued until marked, and are in flight until Release:
// an edit enqueued meanwhile for the same entity gets a record of its own.
func (q *Queue) DequeueBatch(ctx context.Context, entityType models.EntityType, max int) ([]*models.SyncQueueRecord, error) {
	if max <= 0 {
		max = DefaultBatchSize
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.backend.ListReadyQueueRecords(ctx, entityType, q.now().UnixMilli(), max)
	if err != nil {
		return nil, syncerrors.NewDatabaseError("list ready queue records", err)
	}
	for _, rec := range recs {
		q.inFlight[rec.ID] = struct{}{}
	}
	return recs, nil
}

// Release ends the in-flight period of records returned by DequeueBatch.
func (q *Queue) Release(recs []*models.SyncQueueRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range recs {
		delete(q.inFlight, rec.ID)
	}
}

// InFlight reports whether the record is out for sending.
func (q *Queue) InFlight(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inFlight[id]
	return ok
}

// Superseded reports whether a later record for the same entity is queued
// behind rec.
func (q *Queue) Superseded(ctx context.Context, rec *models.SyncQueueRecord) (bool, error) {
	existing, err := q.backend.ListQueueRecordsForEntity(ctx, rec.EntityType, rec.EntityID)
	if err != nil {
		return false, syncerrors.NewDatabaseError("list queue records", err)
	}
	for _, other := range existing {
		if other.ID != rec.ID && (other.CreatedAt > rec.CreatedAt || (other.CreatedAt == rec.CreatedAt && other.ID > rec.ID)) {
			return true, nil
		}
	}
	return false, nil
}

// MarkSucceeded removes the record. Unknown ids are ignored.
func (q *Queue) MarkSucceeded(ctx context.Context, id int64) error {
	if err := q.backend.DeleteQueueRecord(ctx, id); err != nil {
		return syncerrors.NewDatabaseError("delete queue record", err)
	}
	return nil
}

// Discard removes a record that must not be retried.
func (q *Queue) Discard(ctx context.Context, id int64, reason error) error {
	if err := q.MarkSucceeded(ctx, id); err != nil {
		return err
	}
	logging.Warn("Discarded sync record", map[string]interface{}{
		"record_id": id,
		"reason":    fmt.Sprint(reason),
	})
	return nil
}

// MarkFailed records a failed attempt. Retryable failures schedule the next
// attempt with backoff; others park the record without dropping it.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.backend.GetQueueRecord(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return syncerrors.NewDatabaseError("get queue record", err)
	}

	se := syncerrors.Classify(cause)
	if se == nil {
		se = syncerrors.NewUnknownError(nil)
	}

	now := q.now().UnixMilli()
	rec.RetryCount++
	rec.LastAttemptAt = &now
	rec.LastError = se.Error()

	fields := map[string]interface{}{
		"record_id":   rec.ID,
		"entity_type": rec.EntityType.String(),
		"entity_id":   rec.EntityID,
		"retry_count": rec.RetryCount,
	}

	if !se.Retryable() || rec.RetryCount >= q.maxAttempts {
		rec.Status = models.QueueStatusFailed
		rec.NextRetryAt = 0
		logging.ErrorWithCode("Sync record parked", string(se.Code), se, fields)
	} else {
		delay := se.RetryDelay(rec.RetryCount)
		rec.Status = models.QueueStatusPending
		rec.NextRetryAt = now + delay.Milliseconds()
		fields["retry_in"] = delay.String()
		logging.Warn("Sync record failed, will retry", fields)
	}

	if err := q.backend.UpdateQueueRecord(ctx, rec); err != nil {
		return syncerrors.NewDatabaseError("update queue record", err)
	}
	return nil
}

// MarkResubmitted keeps a record whose local state won a conflict queued for
// one forced resubmission as an update.
func (q *Queue) MarkResubmitted(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.backend.GetQueueRecord(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return syncerrors.NewDatabaseError(fmt.Sprintf("queue record %d not found", id), err)
		}
		return syncerrors.NewDatabaseError("get queue record", err)
	}

	now := q.now().UnixMilli()
	rec.Resubmitted = true
	if rec.Operation == models.OperationCreate {
		rec.Operation = models.OperationUpdate
	}
	rec.LastAttemptAt = &now
	rec.NextRetryAt = 0
	rec.Status = models.QueueStatusPending

	if err := q.backend.UpdateQueueRecord(ctx, rec); err != nil {
		return syncerrors.NewDatabaseError("update queue record", err)
	}
	return nil
}

// Get returns a single record.
func (q *Queue) Get(ctx context.Context, id int64) (*models.SyncQueueRecord, error) {
	rec, err := q.backend.GetQueueRecord(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, syncerrors.NewDatabaseError("get queue record", err)
	}
	return rec, nil
}

// List returns every stored record.
func (q *Queue) List(ctx context.Context) ([]*models.SyncQueueRecord, error) {
	recs, err := q.backend.ListQueueRecords(ctx)
	if err != nil {
		return nil, syncerrors.NewDatabaseError("list queue records", err)
	}
	return recs, nil
}

// Pending returns the number of records not parked.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	recs, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.Status == models.QueueStatusPending {
			n++
		}
	}
	return n, nil
}

// RetryFailed re-arms every parked record and returns how many were reset.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.backend.ListQueueRecords(ctx)
	if err != nil {
		return 0, syncerrors.NewDatabaseError("list queue records", err)
	}

	count := 0
	for _, rec := range recs {
		if rec.Status != models.QueueStatusFailed {
			continue
		}
		rec.Status = models.QueueStatusPending
		rec.RetryCount = 0
		rec.NextRetryAt = 0
		rec.Resubmitted = false
		rec.LastError = ""
		if err := q.backend.UpdateQueueRecord(ctx, rec); err != nil {
			return count, syncerrors.NewDatabaseError("update queue record", err)
		}
		count++
	}

	if count > 0 {
		logging.Info("Reset failed sync records for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

// Stats returns record counts: total, pending, ready, failed, and total per entity type token.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	recs, err := q.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{
		"total":   0,
		"pending": 0,
		"ready":   0,
		"failed":  0,
	}
	for _, et := range models.AllEntityTypes() {
		stats[models.ToToken(et)] = 0
	}

	now := q.now().UnixMilli()
	for _, rec := range recs {
		stats["total"]++
		stats[models.ToToken(rec.EntityType)]++
		switch rec.Status {
		case models.QueueStatusPending:
			stats["pending"]++
			if rec.NextRetryAt <= now {
				stats["ready"]++
			}
		case models.QueueStatusFailed:
			stats["failed"]++
		}
	}
	return stats, nil
}

// Clear removes all records.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.backend.DeleteAllQueueRecords(ctx); err != nil {
		return syncerrors.NewDatabaseError("clear queue", err)
	}
	logging.Info("Sync queue cleared")
	return nil
}
