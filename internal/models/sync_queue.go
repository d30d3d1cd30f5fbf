package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of local mutation carried by a queue record.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// QueueStatus is the lifecycle status of a queue record.
type QueueStatus string

const (
	// QueueStatusPending records are eligible for upload once NextRetryAt has passed.
	QueueStatusPending QueueStatus = "pending"
	// QueueStatusFailed records are parked: kept, but excluded from batches
	// until replaced by a newer edit or re-armed.
	QueueStatusFailed QueueStatus = "failed"
)

// SyncQueueRecord represents one pending local mutation awaiting upload.
type SyncQueueRecord struct {
	ID            int64           `db:"id" json:"id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	Operation     Operation       `db:"operation" json:"operation"`
	Payload       json.RawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt     int64           `db:"created_at" json:"created_at"` // unix millis
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastAttemptAt *int64          `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextRetryAt   int64           `db:"next_retry_at" json:"next_retry_at"`
	Status        QueueStatus     `db:"status" json:"status"`
	Resubmitted   bool            `db:"resubmitted" json:"resubmitted"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for SyncQueueRecord.
func (SyncQueueRecord) TableName() string {
	return "sync_queue"
}

// Attempted reports whether the record has been sent at least once.
func (r *SyncQueueRecord) Attempted() bool {
	return r.RetryCount > 0 || r.LastAttemptAt != nil
}

// Parked reports whether the record is excluded from batches.
func (r *SyncQueueRecord) Parked() bool {
	return r.Status == QueueStatusFailed
}

// CreatedAtTime returns CreatedAt as time.Time.
func (r *SyncQueueRecord) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// Clone returns a deep copy of the record.
func (r *SyncQueueRecord) Clone() *SyncQueueRecord {
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.LastAttemptAt != nil {
		at := *r.LastAttemptAt
		c.LastAttemptAt = &at
	}
	return &c
}
