package models

import "time"

// SyncLog describes one batch run or reconciliation run.
// It is immutable once CompletedAt is set.
type SyncLog struct {
	ID               string                 `json:"id"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	SyncDirection    Direction              `json:"sync_direction"`
	RecordsSynced    int                    `json:"records_synced"`
	RecordsFailed    int                    `json:"records_failed"`
	ProcessingTimeMS int64                  `json:"processing_time_ms"`
	Errors           []string               `json:"errors"`
	Metadata         map[string]interface{} `json:"metadata"`
}

// SyncStatus is the per-integration summary row operators look at first.
// LastSyncSuccess is nil until the first run finishes.
type SyncStatus struct {
	ID              string     `json:"id"`
	ProjectName     string     `json:"project_name"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	LastSyncSuccess *bool      `json:"last_sync_success"`
	TotalRecords    int64      `json:"total_records"`
	LastError       *string    `json:"last_error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// BatchResult is returned by one ProcessQueue run.
// Requeued items failed transiently and went back to pending.
type BatchResult struct {
	LogID     string `json:"log_id,omitempty"`
	Claimed   int    `json:"claimed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Requeued  int    `json:"requeued"`
}

// ReconcileResult is returned by one reconciliation pass.
type ReconcileResult struct {
	LogID     string `json:"log_id,omitempty"`
	Mode      string `json:"mode"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Failed    int    `json:"failed"`
	Conflicts int    `json:"conflicts"`
}
