package models

// SyncMetadata is the last known server-side state of one entity.
// Its presence means the entity has been synced at least once.
type SyncMetadata struct {
	EntityType      EntityType `db:"entity_type" json:"entity_type"`
	EntityID        string     `db:"entity_id" json:"entity_id"`
	LastSyncedAt    int64      `db:"last_synced_at" json:"last_synced_at"`     // unix millis, local clock
	ServerTimestamp int64      `db:"server_timestamp" json:"server_timestamp"` // unix millis, server clock
}

// TableName returns the table name for SyncMetadata.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}
