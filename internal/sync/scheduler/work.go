package scheduler

import (
	"fmt"
	"time"

	syncerrors "github.com/kimhsiao/mealsync/internal/errors"
	syncpkg "github.com/kimhsiao/mealsync/internal/sync"
)

// Outcome is the signal reported to a job-scheduling host.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetry   Outcome = "retry"
	OutcomeFailure Outcome = "failure"
)

// WorkResult is the outcome of one attempt, or of a whole run once retries
// are exhausted.
type WorkResult struct {
	Outcome Outcome `json:"outcome"`
	// RetryAfter is set for OutcomeRetry.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Attempt    int           `json:"attempt"`
	// Skipped is true when no session was authenticated and the pass never ran.
	Skipped bool                  `json:"skipped,omitempty"`
	Result  *syncpkg.SyncResult   `json:"result,omitempty"`
	Err     *syncerrors.SyncError `json:"-"`
}

// ExistingWorkPolicy decides what happens when a run is requested while
// another is queued or running.
type ExistingWorkPolicy string

const (
	// KeepExisting drops the new request.
	KeepExisting ExistingWorkPolicy = "keep"
	// ReplaceExisting cancels the active run and starts the new one.
	ReplaceExisting ExistingWorkPolicy = "replace"
)

// ParsePolicy parses "keep" or "replace".
func ParsePolicy(s string) (ExistingWorkPolicy, error) {
	switch ExistingWorkPolicy(s) {
	case KeepExisting, ReplaceExisting:
		return ExistingWorkPolicy(s), nil
	}
	return "", fmt.Errorf("unknown existing work policy %q", s)
}
