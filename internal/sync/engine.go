// Package sync drains the local change queue to the remote service.
package sync

import (
	"context"
	stderrors "errors"
	gosync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	syncerrors "github.com/kimhsiao/mealsync/internal/errors"
	"github.com/kimhsiao/mealsync/internal/logging"
	"github.com/kimhsiao/mealsync/internal/models"
	"github.com/kimhsiao/mealsync/internal/sync/conflict"
	"github.com/kimhsiao/mealsync/internal/sync/metadata"
	"github.com/kimhsiao/mealsync/internal/sync/queue"
	"github.com/kimhsiao/mealsync/internal/telemetry"
)

// ErrSyncInProgress is returned when Sync is called while a pass is running.
var ErrSyncInProgress = stderrors.New("sync already in progress")

// Config tunes a pass.
type Config struct {
	// EntityTypes lists the types drained per pass, in order. Defaults to all.
	EntityTypes []models.EntityType
	// BatchSize bounds the records sent in one request.
	BatchSize int
	// MaxBatchesPerPass bounds the requests per entity type in one pass.
	MaxBatchesPerPass int
	// Concurrency is the number of entity types processed at once.
	Concurrency int
	Now         func() time.Time
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		EntityTypes:       models.AllEntityTypes(),
		BatchSize:         queue.DefaultBatchSize,
		MaxBatchesPerPass: 20,
		Concurrency:       1,
		Now:               time.Now,
	}
}

// TypeResult counts the outcome of one entity type within a pass.
type TypeResult struct {
	Batches    int `json:"batches"`
	Synced     int `json:"synced"`
	Failed     int `json:"failed"`
	Conflicted int `json:"conflicted"`
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	StartTime    time.Time                         `json:"start_time"`
	EndTime      time.Time                         `json:"end_time"`
	Duration     time.Duration                     `json:"duration"`
	Success      bool                              `json:"success"`
	Synced       int                               `json:"synced"`
	Failed       int                               `json:"failed"`
	Conflicted   int                               `json:"conflicted"`
	ByEntityType map[models.EntityType]*TypeResult `json:"by_entity_type,omitempty"`
	Error        string                            `json:"error,omitempty"`
}

// SyncEngine provides synchronization capabilities.
type SyncEngine struct {
	queue     *queue.Queue
	meta      metadata.Store
	transport Transport
	resolver  *conflict.Resolver
	cfg       Config

	running atomic.Bool

	mu       gosync.RWMutex
	lastSync *time.Time
	lastErr  error
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(q *queue.Queue, meta metadata.Store, transport Transport, resolver *conflict.Resolver, cfg Config) *SyncEngine {
	def := DefaultConfig()
	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = def.EntityTypes
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBatchesPerPass <= 0 {
		cfg.MaxBatchesPerPass = def.MaxBatchesPerPass
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &SyncEngine{
		queue:     q,
		meta:      meta,
		transport: transport,
		resolver:  resolver,
		cfg:       cfg,
	}
}

// LastSync returns the timestamp of the last successful sync.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// PendingChanges returns the number of pending changes to sync.
func (e *SyncEngine) PendingChanges(ctx context.Context) (int, error) {
	return e.queue.Pending(ctx)
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// Sync performs one pass over every configured entity type.
//
// A transport failure stops the pass and leaves the failing batch queued as it
// was. Per-record outcomes are applied to the queue and metadata as soon as a
// response arrives and are not rolled back on cancellation.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.running.Store(false)

	result := &SyncResult{
		StartTime:    e.cfg.Now(),
		ByEntityType: make(map[models.EntityType]*TypeResult, len(e.cfg.EntityTypes)),
	}
	for _, et := range e.cfg.EntityTypes {
		result.ByEntityType[et] = &TypeResult{}
	}

	logging.Info("Sync pass started", map[string]interface{}{
		"entity_types": len(e.cfg.EntityTypes),
	})

	var aborted atomic.Bool
	errs := make([]error, len(e.cfg.EntityTypes))

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, et := range e.cfg.EntityTypes {
		g.Go(func() error {
			if aborted.Load() {
				return nil
			}
			if err := e.syncEntityType(ctx, et, result.ByEntityType[et], &aborted); err != nil {
				errs[i] = err
				aborted.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	var passErr *syncerrors.SyncError
	for _, err := range errs {
		if err != nil {
			passErr = syncerrors.Classify(err)
			break
		}
	}

	for _, et := range e.cfg.EntityTypes {
		tr := result.ByEntityType[et]
		result.Synced += tr.Synced
		result.Failed += tr.Failed
		result.Conflicted += tr.Conflicted
		telemetry.RecordRecords(et, telemetry.OutcomeSynced, tr.Synced)
		telemetry.RecordRecords(et, telemetry.OutcomeFailed, tr.Failed)
		telemetry.RecordRecords(et, telemetry.OutcomeConflicted, tr.Conflicted)
	}

	result.EndTime = e.cfg.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if pending, err := e.queue.Pending(context.WithoutCancel(ctx)); err == nil {
		telemetry.SetQueueDepth(pending)
	}

	fields := map[string]interface{}{
		"synced":      result.Synced,
		"failed":      result.Failed,
		"conflicted":  result.Conflicted,
		"duration_ms": result.Duration.Milliseconds(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if passErr != nil {
		e.lastErr = passErr
		result.Error = passErr.Error()
		telemetry.RecordPass(telemetry.PassError, result.Duration)
		logging.ErrorWithCode("Sync pass failed", string(passErr.Code), passErr, fields)
		return result, passErr
	}

	e.lastErr = nil
	end := result.EndTime
	e.lastSync = &end
	result.Success = true
	telemetry.RecordPass(telemetry.PassSuccess, result.Duration)
	logging.Info("Sync pass completed", fields)
	return result, nil
}

// syncEntityType drains ready records of one type in batches.
func (e *SyncEngine) syncEntityType(ctx context.Context, et models.EntityType, tr *TypeResult, aborted *atomic.Bool) error {
	// record id -> whether it was already a forced resubmission when sent
	sent := make(map[int64]bool)

	for tr.Batches < e.cfg.MaxBatchesPerPass {
		if aborted.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return syncerrors.Classify(err)
		}

		ready, err := e.queue.DequeueBatch(ctx, et, e.cfg.BatchSize+len(sent))
		if err != nil {
			return err
		}
		more, err := e.submit(ctx, et, ready, sent, tr)
		e.queue.Release(ready)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// submit sends the next batch out of ready and applies the response. It
// reports false when nothing was left to send.
func (e *SyncEngine) submit(ctx context.Context, et models.EntityType, ready []*models.SyncQueueRecord, sent map[int64]bool, tr *TypeResult) (bool, error) {
	batch := make([]*models.SyncQueueRecord, 0, e.cfg.BatchSize)
	for _, rec := range ready {
		if wasResubmitted, ok := sent[rec.ID]; ok && (wasResubmitted || !rec.Resubmitted) {
			continue
		}
		batch = append(batch, rec)
		if len(batch) == e.cfg.BatchSize {
			break
		}
	}
	if len(batch) == 0 {
		return false, nil
	}

	changes := make([]PendingChange, 0, len(batch))
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return false, syncerrors.Classify(err)
		}
		base, err := metadata.Lookup(ctx, e.meta, rec.EntityType, rec.EntityID)
		if err != nil {
			return false, syncerrors.NewDatabaseError("get sync metadata", err)
		}
		changes = append(changes, PendingChange{Record: rec, Base: base})
	}

	tr.Batches++
	resp, err := e.transport.SyncBatch(ctx, et, changes)
	if err != nil {
		se := syncerrors.Classify(err)
		logging.ErrorWithCode("Batch submission failed", string(se.Code), se, map[string]interface{}{
			"entity_type": et.String(),
			"records":     len(batch),
		})
		return false, se
	}
	if resp == nil {
		resp = &BatchResponse{}
	}

	for _, rec := range batch {
		sent[rec.ID] = rec.Resubmitted
	}
	if err := e.apply(ctx, et, batch, resp, tr); err != nil {
		return false, err
	}

	logging.Debug("Batch applied", map[string]interface{}{
		"entity_type": et.String(),
		"records":     len(batch),
		"synced":      len(resp.Synced),
		"conflicts":   len(resp.Conflicts),
		"rejected":    len(resp.Rejected),
	})
	return true, nil
}

// apply interprets a batch response record by record.
func (e *SyncEngine) apply(ctx context.Context, et models.EntityType, batch []*models.SyncQueueRecord, resp *BatchResponse, tr *TypeResult) error {
	byID := make(map[int64]*models.SyncQueueRecord, len(batch))
	for _, rec := range batch {
		byID[rec.ID] = rec
	}
	handled := make(map[int64]bool, len(batch))

	take := func(id int64) *models.SyncQueueRecord {
		rec, ok := byID[id]
		if !ok || handled[id] {
			logging.Warn("Response referenced an unknown or repeated record", map[string]interface{}{
				"entity_type": et.String(),
				"record_id":   id,
			})
			return nil
		}
		handled[id] = true
		return rec
	}

	for _, id := range resp.Synced {
		if err := ctx.Err(); err != nil {
			return syncerrors.Classify(err)
		}
		rec := take(id)
		if rec == nil {
			continue
		}
		if err := e.queue.MarkSucceeded(ctx, rec.ID); err != nil {
			return err
		}
		err := e.meta.UpsertSyncMetadata(ctx, &models.SyncMetadata{
			EntityType:      rec.EntityType,
			EntityID:        rec.EntityID,
			LastSyncedAt:    e.cfg.Now().UnixMilli(),
			ServerTimestamp: resp.ServerTimestamp,
		})
		if err != nil {
			return syncerrors.NewDatabaseError("upsert sync metadata", err)
		}
		tr.Synced++
	}

	for _, c := range resp.Conflicts {
		if err := ctx.Err(); err != nil {
			return syncerrors.Classify(err)
		}
		rec := take(c.ID)
		if rec == nil {
			continue
		}
		res, err := e.resolver.Resolve(ctx, &conflict.Conflict{
			Record:          rec,
			ServerPayload:   c.ServerPayload,
			ServerTimestamp: c.ServerTimestamp,
		})
		if err != nil {
			return err
		}
		if res.Err != nil {
			tr.Failed++
		} else {
			tr.Conflicted++
		}
	}

	for _, rj := range resp.Rejected {
		if err := ctx.Err(); err != nil {
			return syncerrors.Classify(err)
		}
		rec := take(rj.ID)
		if rec == nil {
			continue
		}
		se := syncerrors.FromStatus(rj.Status, rj.Message, 0)
		if se == nil {
			se = syncerrors.New(syncerrors.ErrUnknown, "rejected with success status")
		}
		if se.Code == syncerrors.ErrClient {
			err := e.queue.Discard(ctx, rec.ID, se)
			if err != nil {
				return err
			}
		} else if err := e.queue.MarkFailed(ctx, rec.ID, se); err != nil {
			return err
		}
		tr.Failed++
	}

	for _, rec := range batch {
		if handled[rec.ID] {
			continue
		}
		logging.Warn("Response omitted a submitted record", map[string]interface{}{
			"entity_type": et.String(),
			"record_id":   rec.ID,
		})
		tr.Failed++
	}
	return nil
}
