// Package db provides repository operations for the sync data models.
package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/mealsync/internal/models"
	"github.com/kimhsiao/mealsync/internal/sync/metadata"
	"github.com/kimhsiao/mealsync/internal/sync/queue"
)

// ErrLocalEntityNotFound is returned when no local copy of an entity exists.
var ErrLocalEntityNotFound = errors.New("local entity not found")

// Repository implements the queue backend, the metadata store, the local
// entity store and the conflict log on one SQLite database.
type Repository struct {
	db *sql.DB

	// Prepared statements are created on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt

	now func() time.Time
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// another goroutine may have won the race
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// =====================================================
// Sync Queue Operations
// =====================================================

const queueColumns = `id, entity_type, entity_id, operation, payload, created_at,
	retry_count, last_attempt_at, next_retry_at, status, resubmitted, last_error`

func scanQueueRecord(row rowScanner) (*models.SyncQueueRecord, error) {
	var rec models.SyncQueueRecord
	var payload []byte
	var lastAttemptAt sql.NullInt64
	err := row.Scan(
		&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Operation, &payload, &rec.CreatedAt,
		&rec.RetryCount, &lastAttemptAt, &rec.NextRetryAt, &rec.Status, &rec.Resubmitted, &rec.LastError,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		rec.Payload = json.RawMessage(payload)
	}
	if lastAttemptAt.Valid {
		at := lastAttemptAt.Int64
		rec.LastAttemptAt = &at
	}
	return &rec, nil
}

func (r *Repository) queryQueueRecords(ctx context.Context, query string, args ...interface{}) ([]*models.SyncQueueRecord, error) {
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.SyncQueueRecord, 0)
	for rows.Next() {
		rec, err := scanQueueRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullablePayload(p json.RawMessage) interface{} {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}

// InsertQueueRecord stores a new queue record and returns its id.
func (r *Repository) InsertQueueRecord(ctx context.Context, rec *models.SyncQueueRecord) (int64, error) {
	query := `
	INSERT INTO sync_queue (entity_type, entity_id, operation, payload, created_at,
		retry_count, last_attempt_at, next_retry_at, status, resubmitted, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, rec.EntityType, rec.EntityID, string(rec.Operation),
		nullablePayload(rec.Payload), rec.CreatedAt, rec.RetryCount, nullableInt(rec.LastAttemptAt),
		rec.NextRetryAt, string(rec.Status), rec.Resubmitted, rec.LastError)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateQueueRecord overwrites every column of an existing record.
func (r *Repository) UpdateQueueRecord(ctx context.Context, rec *models.SyncQueueRecord) error {
	query := `
	UPDATE sync_queue SET entity_type = ?, entity_id = ?, operation = ?, payload = ?, created_at = ?,
		retry_count = ?, last_attempt_at = ?, next_retry_at = ?, status = ?, resubmitted = ?, last_error = ?
	WHERE id = ?
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, rec.EntityType, rec.EntityID, string(rec.Operation),
		nullablePayload(rec.Payload), rec.CreatedAt, rec.RetryCount, nullableInt(rec.LastAttemptAt),
		rec.NextRetryAt, string(rec.Status), rec.Resubmitted, rec.LastError, rec.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrRecordNotFound
	}
	return nil
}

// DeleteQueueRecord removes a record. Unknown ids are ignored.
func (r *Repository) DeleteQueueRecord(ctx context.Context, id int64) error {
	stmt, err := r.PrepareStmt(ctx, "DELETE FROM sync_queue WHERE id = ?")
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, id)
	return err
}

// GetQueueRecord retrieves a queue record by id.
func (r *Repository) GetQueueRecord(ctx context.Context, id int64) (*models.SyncQueueRecord, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+queueColumns+" FROM sync_queue WHERE id = ?")
	if err != nil {
		return nil, err
	}
	rec, err := scanQueueRecord(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrRecordNotFound
	}
	return rec, err
}

// ListQueueRecordsForEntity returns the records of one entity, oldest first.
func (r *Repository) ListQueueRecordsForEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.SyncQueueRecord, error) {
	return r.queryQueueRecords(ctx,
		"SELECT "+queueColumns+" FROM sync_queue WHERE entity_type = ? AND entity_id = ? ORDER BY created_at, id",
		entityType, entityID)
}

// ListReadyQueueRecords returns pending records of one entity type that are
// due at now, oldest first. A limit of zero or less returns all of them.
func (r *Repository) ListReadyQueueRecords(ctx context.Context, entityType models.EntityType, now int64, limit int) ([]*models.SyncQueueRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return r.queryQueueRecords(ctx, "SELECT "+queueColumns+` FROM sync_queue
		WHERE entity_type = ? AND status = ? AND next_retry_at <= ?
		ORDER BY created_at, id LIMIT ?`,
		entityType, string(models.QueueStatusPending), now, limit)
}

// ListQueueRecords returns every record, oldest first.
func (r *Repository) ListQueueRecords(ctx context.Context) ([]*models.SyncQueueRecord, error) {
	return r.queryQueueRecords(ctx, "SELECT "+queueColumns+" FROM sync_queue ORDER BY created_at, id")
}

// DeleteAllQueueRecords empties the queue.
func (r *Repository) DeleteAllQueueRecords(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sync_queue")
	return err
}

// =====================================================
// Sync Metadata Operations
// =====================================================

// GetSyncMetadata returns metadata.ErrNotFound for never-synced entities.
func (r *Repository) GetSyncMetadata(ctx context.Context, entityType models.EntityType, entityID string) (*models.SyncMetadata, error) {
	query := `
	SELECT entity_type, entity_id, last_synced_at, server_timestamp
	FROM sync_metadata WHERE entity_type = ? AND entity_id = ?
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	var m models.SyncMetadata
	err = stmt.QueryRowContext(ctx, entityType, entityID).Scan(&m.EntityType, &m.EntityID, &m.LastSyncedAt, &m.ServerTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertSyncMetadata inserts or replaces the metadata of one entity.
func (r *Repository) UpsertSyncMetadata(ctx context.Context, m *models.SyncMetadata) error {
	query := `
	INSERT INTO sync_metadata (entity_type, entity_id, last_synced_at, server_timestamp)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		last_synced_at = excluded.last_synced_at,
		server_timestamp = excluded.server_timestamp
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, m.EntityType, m.EntityID, m.LastSyncedAt, m.ServerTimestamp)
	return err
}

// =====================================================
// Local Entity Operations
// =====================================================

// SaveLocalEntity inserts or replaces the local copy of an entity.
func (r *Repository) SaveLocalEntity(ctx context.Context, e *models.LocalEntity) error {
	query := `
	INSERT INTO local_entities (entity_type, entity_id, payload, updated_at, server_timestamp)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		server_timestamp = excluded.server_timestamp
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, e.EntityType, e.EntityID, nullablePayload(e.Payload), e.UpdatedAt, e.ServerTimestamp)
	return err
}

// GetLocalEntity retrieves the local copy of an entity.
func (r *Repository) GetLocalEntity(ctx context.Context, entityType models.EntityType, entityID string) (*models.LocalEntity, error) {
	query := `
	SELECT entity_type, entity_id, payload, updated_at, server_timestamp
	FROM local_entities WHERE entity_type = ? AND entity_id = ?
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	var e models.LocalEntity
	var payload []byte
	err = stmt.QueryRowContext(ctx, entityType, entityID).Scan(&e.EntityType, &e.EntityID, &payload, &e.UpdatedAt, &e.ServerTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLocalEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

// DeleteLocalEntity removes the local copy of an entity.
func (r *Repository) DeleteLocalEntity(ctx context.Context, entityType models.EntityType, entityID string) error {
	stmt, err := r.PrepareStmt(ctx, "DELETE FROM local_entities WHERE entity_type = ? AND entity_id = ?")
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, entityType, entityID)
	return err
}

// ApplyServerState overwrites the local copy with the server's version. A
// null or empty payload means the server deleted the entity.
func (r *Repository) ApplyServerState(ctx context.Context, entityType models.EntityType, entityID string, payload json.RawMessage, serverTimestamp int64) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return r.DeleteLocalEntity(ctx, entityType, entityID)
	}
	return r.SaveLocalEntity(ctx, &models.LocalEntity{
		EntityType:      entityType,
		EntityID:        entityID,
		Payload:         payload,
		UpdatedAt:       r.now().UnixMilli(),
		ServerTimestamp: serverTimestamp,
	})
}

// =====================================================
// Conflict Log Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	query := `
	INSERT INTO conflict_log (id, entity_type, entity_id, queue_record_id, local_timestamp,
		remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, log.ID, log.EntityType, log.EntityID, log.QueueRecordID,
		log.LocalTimestamp, log.RemoteTimestamp, log.Resolution, log.DetectedAt)
	return err
}

// ListConflictLogs returns the most recent conflict log entries first.
func (r *Repository) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
	SELECT id, entity_type, entity_id, queue_record_id, local_timestamp,
		remote_timestamp, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC, id LIMIT ?
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]*models.ConflictLog, 0)
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.EntityType, &l.EntityID, &l.QueueRecordID,
			&l.LocalTimestamp, &l.RemoteTimestamp, &l.Resolution, &l.DetectedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// =====================================================
// Maintenance
// =====================================================

// WipeLocalData deletes every queued change, all sync metadata, local
// entities and the conflict log in one transaction. Used on sign-out.
func (r *Repository) WipeLocalData(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"sync_queue", "sync_metadata", "local_entities", "conflict_log"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
