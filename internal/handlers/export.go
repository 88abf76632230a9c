package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/lead-sync-service/internal/auth"
	"github.com/PratikDhanave/lead-sync-service/internal/models"
)

// RecordLister reads mirror rows.
type RecordLister interface {
	ListRecords(ctx context.Context, f models.RecordFilter) ([]models.Record, error)
}

func splitCSV(raw string) []string {
	out := []string{}
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// project keeps only the named payload fields.
func project(recs []models.Record, fields []string) {
	for i, r := range recs {
		p := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			if v, ok := r.Payload[f]; ok {
				p[f] = v
			}
		}
		recs[i].Payload = p
	}
}

// Export page sizes.
const (
	DefaultExportLimit = 1000
	MaxExportLimit     = 5000
)

// RegisterExportRoutes registers the endpoint the partner's reconciler pulls from.
//
// GET /sync-export?since=...&ids=a,b&fields=stage,status&after_id=...&limit=...
// - Requires a partner bearer token
// - since: RFC3339 lower bound on updated_at (inclusive)
// - ids: restrict to these ids; present but empty selects nothing
// - fields: payload projection for cheap freshness checks
// - after_id, limit: keyset page ordered by id; a full page carries
//   next_after_id for the following request
func RegisterExportRoutes(r gin.IRoutes, st RecordLister) {
	r.GET("/sync-export", func(c *gin.Context) {
		if auth.Partner(c) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var f models.RecordFilter
		if s := c.Query("since"); s != "" {
			since, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
				return
			}
			f.Since = since.UTC()
		}
		if raw, ok := c.GetQuery("ids"); ok {
			f.IDs = splitCSV(raw)
		}
		limit, ok := queryInt(c, "limit", DefaultExportLimit, MaxExportLimit)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = limit
		f.AfterID = c.Query("after_id")

		recs := []models.Record{}
		if f.IDs == nil || len(f.IDs) > 0 {
			var err error
			recs, err = st.ListRecords(c.Request.Context(), f)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
				return
			}
			if recs == nil {
				recs = []models.Record{}
			}
		}

		if fields := splitCSV(c.Query("fields")); len(fields) > 0 {
			project(recs, fields)
		}

		out := models.ExportResponse{Records: recs}
		if len(recs) == limit {
			out.NextAfterID = recs[len(recs)-1].ID
		}
		c.JSON(http.StatusOK, out)
	})
}
