package models

import "time"

// SourceLocal tags rows last written by this system's own business logic.
const SourceLocal = "local"

// RecordStatus is the mirror row's own view of its replication state.
type RecordStatus string

const (
	RecordPending RecordStatus = "pending"
	RecordSynced  RecordStatus = "synced"
	RecordError   RecordStatus = "error"
)

// Record is one row of the mirror table (the shared lead/ficha entity).
// Payload is opaque to the sync engine.
type Record struct {
	ID         string                 `json:"id"`
	Payload    map[string]interface{} `json:"payload"`
	UpdatedAt  time.Time              `json:"updated_at"`
	SyncSource string                 `json:"sync_source"`
	SyncStatus RecordStatus           `json:"sync_status"`
	Deleted    bool                   `json:"deleted,omitempty"`
}

// Normalize truncates UpdatedAt to the precision Postgres stores (microseconds)
// so timestamps compare equal after a round trip.
func (r Record) Normalize() Record {
	r.UpdatedAt = r.UpdatedAt.UTC().Truncate(time.Microsecond)
	if r.Payload == nil {
		r.Payload = map[string]interface{}{}
	}
	return r
}

// NewerThan reports whether r wins over other under last-write-wins.
// Equal timestamps have no winner.
func (r Record) NewerThan(other Record) bool {
	return r.UpdatedAt.After(other.UpdatedAt)
}

// RecordFilter narrows ListRecords. Zero values mean "no constraint".
type RecordFilter struct {
	Since time.Time
	IDs   []string

	// Keyset paging over id: rows with id > AfterID, at most Limit of them.
	AfterID string
	Limit   int
}
