// Package models provides data model definitions for the meal sync core.
package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// ErrUnknownEntityType is returned when a token does not name a registered entity type.
var ErrUnknownEntityType = errors.New("unknown entity type")

// EntityType identifies a syncable domain record kind.
type EntityType int

const (
	EntityTypeMeal EntityType = iota + 1
	EntityTypeMealPlan
	EntityTypeShoppingListItem
)

// Tokens are persisted as storage discriminators and must never change.
var entityTypeTokens = map[EntityType]string{
	EntityTypeMeal:             "MEAL",
	EntityTypeMealPlan:         "MEAL_PLAN",
	EntityTypeShoppingListItem: "SHOPPING_LIST_ITEM",
}

var entityTypesByToken = func() map[string]EntityType {
	m := make(map[string]EntityType, len(entityTypeTokens))
	for t, token := range entityTypeTokens {
		m[token] = t
	}
	return m
}()

// AllEntityTypes returns every registered entity type in sync order.
func AllEntityTypes() []EntityType {
	return []EntityType{EntityTypeMeal, EntityTypeMealPlan, EntityTypeShoppingListItem}
}

// ToToken returns the stable storage token for an entity type.
func ToToken(t EntityType) string {
	return entityTypeTokens[t]
}

// FromToken resolves a storage token back to its entity type.
func FromToken(token string) (EntityType, error) {
	t, ok := entityTypesByToken[token]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEntityType, token)
	}
	return t, nil
}

// Valid reports whether t is a registered entity type.
func (t EntityType) Valid() bool {
	_, ok := entityTypeTokens[t]
	return ok
}

// String returns the token, or a placeholder for unregistered values.
func (t EntityType) String() string {
	if token, ok := entityTypeTokens[t]; ok {
		return token
	}
	return fmt.Sprintf("EntityType(%d)", int(t))
}

// MarshalText encodes the entity type as its token.
func (t EntityType) MarshalText() ([]byte, error) {
	token, ok := entityTypeTokens[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntityType, int(t))
	}
	return []byte(token), nil
}

// UnmarshalText decodes a token.
func (t *EntityType) UnmarshalText(text []byte) error {
	v, err := FromToken(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Value implements driver.Valuer for EntityType.
func (t EntityType) Value() (driver.Value, error) {
	token, ok := entityTypeTokens[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntityType, int(t))
	}
	return token, nil
}

// Scan implements sql.Scanner for EntityType.
func (t *EntityType) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		return t.UnmarshalText([]byte(v))
	case []byte:
		return t.UnmarshalText(v)
	default:
		return fmt.Errorf("%w: unsupported column value %T", ErrUnknownEntityType, value)
	}
}
