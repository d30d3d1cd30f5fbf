package sync

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/mealsync/internal/models"
)

// Transport uploads one batch of records of a single entity type.
//
// A returned error means the batch as a whole was not processed; the engine
// leaves every record of the batch untouched. Implementations should return
// *errors.SyncError values; anything else is classified.
type Transport interface {
	SyncBatch(ctx context.Context, entityType models.EntityType, changes []PendingChange) (*BatchResponse, error)
}

// PendingChange is a queued record together with the server state it was based on.
type PendingChange struct {
	Record *models.SyncQueueRecord
	// Base is nil for entities never synced.
	Base *models.SyncMetadata
}

// BatchResponse reports the per-record outcome of a batch.
type BatchResponse struct {
	Synced    []int64         `json:"synced"`
	Conflicts []ConflictEntry `json:"conflicts"`
	Rejected  []Rejection     `json:"rejected"`
	// ServerTimestamp is the server clock at which synced records were applied.
	ServerTimestamp int64 `json:"server_timestamp"`
}

// ConflictEntry carries the server's current state for a conflicting record.
type ConflictEntry struct {
	ID              int64           `json:"id"`
	ServerPayload   json.RawMessage `json:"server_payload"`
	ServerTimestamp int64           `json:"server_timestamp"`
}

// Rejection is a per-record failure with an HTTP-style status.
type Rejection struct {
	ID      int64  `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}
