package models

import "time"

// Conflict resolutions recorded in the conflict log.
const (
	ResolutionServerWins = "server_wins"
	ResolutionLocalWins  = "local_wins"
	ResolutionUnresolved = "conflict_unresolved"
)

// ConflictLog records a concurrent edit and how it was resolved.
type ConflictLog struct {
	ID              string     `db:"id" json:"id"`
	EntityType      EntityType `db:"entity_type" json:"entity_type"`
	EntityID        string     `db:"entity_id" json:"entity_id"`
	QueueRecordID   int64      `db:"queue_record_id" json:"queue_record_id"`
	LocalTimestamp  int64      `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64      `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string     `db:"resolution" json:"resolution"`
	DetectedAt      int64      `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
