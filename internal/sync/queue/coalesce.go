package queue

import "github.com/kimhsiao/mealsync/internal/models"

type coalesceAction int

const (
	actionAppend coalesceAction = iota
	actionReplace
	actionDrop
)

// replaceable returns the newest record of an entity that a new edit may
// overwrite: one never sent, or one parked. Records out for sending never are.
func replaceable(existing []*models.SyncQueueRecord, inFlight map[int64]struct{}) *models.SyncQueueRecord {
	for i := len(existing) - 1; i >= 0; i-- {
		rec := existing[i]
		if _, sending := inFlight[rec.ID]; sending {
			return nil
		}
		if rec.Parked() || !rec.Attempted() {
			return rec
		}
	}
	return nil
}

// coalesce decides how incoming combines with prev. The latest operation and
// payload win, except that deleting an entity the server never knew about
// cancels the pending record entirely.
func coalesce(prev, incoming *models.SyncQueueRecord, knownToServer bool) (coalesceAction, *models.SyncQueueRecord) {
	if prev == nil {
		return actionAppend, nil
	}
	if incoming.Operation == models.OperationDelete && !knownToServer {
		return actionDrop, nil
	}

	merged := prev.Clone()
	merged.Operation = incoming.Operation
	merged.Payload = incoming.Payload
	merged.CreatedAt = incoming.CreatedAt
	merged.RetryCount = 0
	merged.LastAttemptAt = nil
	merged.NextRetryAt = 0
	merged.Status = models.QueueStatusPending
	merged.Resubmitted = false
	merged.LastError = ""
	return actionReplace, merged
}
