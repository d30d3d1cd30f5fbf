package models

import "encoding/json"

// LocalEntity is the device's current copy of a domain record, keyed by
// entity type and id. Payload is opaque to the sync core.
type LocalEntity struct {
	EntityType      EntityType      `db:"entity_type" json:"entity_type"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	Payload         json.RawMessage `db:"payload" json:"payload,omitempty"`
	UpdatedAt       int64           `db:"updated_at" json:"updated_at"`
	ServerTimestamp int64           `db:"server_timestamp" json:"server_timestamp,omitempty"`
}

// TableName returns the table name for LocalEntity.
func (LocalEntity) TableName() string {
	return "local_entities"
}
