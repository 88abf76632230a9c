package models

// IngestRequest is the POST /sync-ingest payload pushed by the partner.
// Source is the sender's system tag.
type IngestRequest struct {
	Record    Record    `json:"record"`
	Source    string    `json:"source"`
	Operation Operation `json:"operation"`
}

// IngestResponse is returned by POST /sync-ingest.
// Applied=false means the change was older than (or equal to) the stored row
// and was acknowledged as a no-op.
type IngestResponse struct {
	EntityID string `json:"entity_id"`
	Applied  bool   `json:"applied"`
}

// ExportResponse is returned by GET /sync-export for the partner's reconciler.
type ExportResponse struct {
	Records []Record `json:"records"`
	// NextAfterID is set when the page is full; pass it as after_id.
	NextAfterID string `json:"next_after_id,omitempty"`
}
