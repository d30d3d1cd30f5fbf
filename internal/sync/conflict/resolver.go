// Package conflict settles records the server reports as concurrently edited.
package conflict

import (
	"context"
	"encoding/json"
	"time"

	syncerrors "github.com/kimhsiao/mealsync/internal/errors"
	"github.com/kimhsiao/mealsync/internal/logging"
	"github.com/kimhsiao/mealsync/internal/models"
	"github.com/kimhsiao/mealsync/internal/sync/metadata"
	"github.com/kimhsiao/mealsync/internal/uuid"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyServerWins    ResolutionStrategy = "server_wins"
)

// Side names the winner of a conflict.
type Side string

const (
	SideLocal  Side = "local"
	SideServer Side = "server"
)

// LocalStore is the device's key-indexed copy of domain records.
type LocalStore interface {
	ApplyServerState(ctx context.Context, entityType models.EntityType, entityID string, payload json.RawMessage, serverTimestamp int64) error
}

// ConflictLogger persists resolution history.
type ConflictLogger interface {
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
}

// QueueMarker is the subset of the sync queue the resolver drives.
type QueueMarker interface {
	Discard(ctx context.Context, id int64, reason error) error
	MarkResubmitted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error) error
	Superseded(ctx context.Context, rec *models.SyncQueueRecord) (bool, error)
}

// Conflict is a queued record the server rejected as concurrently edited.
// The local timestamp is the record's CreatedAt.
type Conflict struct {
	Record          *models.SyncQueueRecord
	ServerPayload   json.RawMessage
	ServerTimestamp int64
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Winner      Side
	Strategy    ResolutionStrategy
	ConflictLog *models.ConflictLog
	// Err is set when the record had already been resubmitted once and
	// conflicted again. The record is parked, not dropped.
	Err *syncerrors.SyncError
}

// Dependencies are the stores a Resolver writes to.
type Dependencies struct {
	Local    LocalStore
	Metadata metadata.Store
	Queue    QueueMarker
	// Logs is optional.
	Logs ConflictLogger
	Now  func() time.Time
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy ResolutionStrategy
	deps     Dependencies
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy, deps Dependencies) *Resolver {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Resolver{
		strategy: strategy,
		deps:     deps,
	}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Winner decides a conflict without side effects. Under last-write-wins the
// server wins ties.
func (r *Resolver) Winner(c *Conflict) Side {
	if r.strategy == ResolutionStrategyServerWins {
		return SideServer
	}
	if c.ServerTimestamp >= c.Record.CreatedAt {
		return SideServer
	}
	return SideLocal
}

// Resolve applies the winner to the local store, the queue and the metadata.
func (r *Resolver) Resolve(ctx context.Context, c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Record == nil {
		return nil, syncerrors.New(syncerrors.ErrUnknown, "invalid conflict: missing queue record")
	}
	rec := c.Record
	now := r.deps.Now().UnixMilli()

	fields := map[string]interface{}{
		"record_id":        rec.ID,
		"entity_type":      rec.EntityType.String(),
		"entity_id":        rec.EntityID,
		"local_timestamp":  rec.CreatedAt,
		"remote_timestamp": c.ServerTimestamp,
		"strategy":         string(r.strategy),
	}

	entry := &models.ConflictLog{
		ID:              uuid.New(),
		EntityType:      rec.EntityType,
		EntityID:        rec.EntityID,
		QueueRecordID:   rec.ID,
		LocalTimestamp:  rec.CreatedAt,
		RemoteTimestamp: c.ServerTimestamp,
		DetectedAt:      now,
	}
	result := &ResolveResult{Strategy: r.strategy, ConflictLog: entry}

	if rec.Resubmitted {
		cerr := syncerrors.NewConflictError(rec.EntityType, rec.EntityID)
		if err := r.deps.Queue.MarkFailed(ctx, rec.ID, cerr); err != nil {
			return nil, err
		}
		entry.Resolution = models.ResolutionUnresolved
		result.Err = cerr
		r.record(ctx, entry)
		logging.ErrorWithCode("Conflict persisted after resubmission", string(cerr.Code), cerr, fields)
		return result, nil
	}

	result.Winner = r.Winner(c)
	switch result.Winner {
	case SideServer:
		// a newer local edit queued behind this record still owns the local copy
		superseded, err := r.deps.Queue.Superseded(ctx, rec)
		if err != nil {
			return nil, err
		}
		if superseded {
			fields["superseded"] = true
		} else if err := r.deps.Local.ApplyServerState(ctx, rec.EntityType, rec.EntityID, c.ServerPayload, c.ServerTimestamp); err != nil {
			return nil, syncerrors.NewDatabaseError("apply server state", err)
		}
		if err := r.deps.Queue.Discard(ctx, rec.ID, syncerrors.NewConflictError(rec.EntityType, rec.EntityID)); err != nil {
			return nil, err
		}
		if err := r.upsertMetadata(ctx, rec, c.ServerTimestamp, now); err != nil {
			return nil, err
		}
		entry.Resolution = models.ResolutionServerWins

	case SideLocal:
		if err := r.deps.Queue.MarkResubmitted(ctx, rec.ID); err != nil {
			return nil, err
		}
		if err := r.upsertMetadata(ctx, rec, rec.CreatedAt, now); err != nil {
			return nil, err
		}
		entry.Resolution = models.ResolutionLocalWins
	}

	r.record(ctx, entry)
	fields["winner_side"] = string(result.Winner)
	logging.Info("Conflict resolved", fields)
	return result, nil
}

func (r *Resolver) upsertMetadata(ctx context.Context, rec *models.SyncQueueRecord, winningTimestamp, now int64) error {
	err := r.deps.Metadata.UpsertSyncMetadata(ctx, &models.SyncMetadata{
		EntityType:      rec.EntityType,
		EntityID:        rec.EntityID,
		LastSyncedAt:    now,
		ServerTimestamp: winningTimestamp,
	})
	if err != nil {
		return syncerrors.NewDatabaseError("upsert sync metadata", err)
	}
	return nil
}

// record writes the conflict log. A failure here never fails the resolution.
func (r *Resolver) record(ctx context.Context, entry *models.ConflictLog) {
	if r.deps.Logs == nil {
		return
	}
	if err := r.deps.Logs.CreateConflictLog(ctx, entry); err != nil {
		logging.Error("Failed to write conflict log", err, map[string]interface{}{
			"entity_id": entry.EntityID,
		})
	}
}
