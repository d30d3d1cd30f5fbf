// Package uuid generates the identifiers the sync core hands to storage and the server.
package uuid

import (
	"strings"

	"github.com/google/uuid"
)

// batchNamespace scopes deterministic batch keys to mealsync.
var batchNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://mealsync/sync-batch"))

// New generates a random UUID v4.
func New() string {
	return uuid.New().String()
}

// FromParts derives a stable UUID v5 from ordered parts. The same parts
// always produce the same id, so a retried batch keeps its idempotency key.
func FromParts(parts ...string) string {
	return uuid.NewSHA1(batchNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}

// IsValid checks if s is a canonical, dashed UUID string.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
