package sync

// SyncStatus is the process-wide sync state observed by the UI.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "IDLE"
	SyncStatusSyncing SyncStatus = "SYNCING"
	SyncStatusSuccess SyncStatus = "SUCCESS"
	SyncStatusError   SyncStatus = "ERROR"
	SyncStatusOffline SyncStatus = "OFFLINE"
)

// AllStatuses returns every status value.
func AllStatuses() []SyncStatus {
	return []SyncStatus{SyncStatusIdle, SyncStatusSyncing, SyncStatusSuccess, SyncStatusError, SyncStatusOffline}
}

// Terminal reports whether s ends a run.
func (s SyncStatus) Terminal() bool {
	return s == SyncStatusSuccess || s == SyncStatusError || s == SyncStatusOffline
}
