package domain

import "time"

// SyncStatus tracks the local clone state of a registered repository.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

// IsValid returns true if this is a recognized sync status.
func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncPending, SyncSyncing, SyncSynced, SyncError:
		return true
	}
	return false
}

// Repository is a code repository that work items target. Workers gain
// familiarity with repositories through completed executions, which feeds
// the assignment scorer.
type Repository struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	LocalPath     string     `json:"localPath,omitempty"`
	DefaultBranch string     `json:"defaultBranch"`
	SyncStatus    SyncStatus `json:"syncStatus"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}
