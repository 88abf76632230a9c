package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PratikDhanave/lead-sync-service/internal/auth"
	"github.com/PratikDhanave/lead-sync-service/internal/capture"
	"github.com/PratikDhanave/lead-sync-service/internal/models"
)

// RegisterIngestRoutes registers the endpoint the partner's dispatcher pushes to.
//
// POST /sync-ingest
// - Requires a partner bearer token
// - Last-write-wins: an older or equal-timestamp change is acknowledged as a no-op
// - The row is stamped with the partner's tag, so it is never pushed back
func RegisterIngestRoutes(r gin.IRoutes, cp *capture.Capturer, log *zap.Logger) {
	r.POST("/sync-ingest", func(c *gin.Context) {
		partner := auth.Partner(c)
		if partner == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req models.IngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		// Required fields per contract.
		if req.Record.ID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "record.id required"})
			return
		}
		if req.Record.UpdatedAt.IsZero() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "record.updated_at required"})
			return
		}
		if !req.Operation.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "operation must be insert, update or delete"})
			return
		}

		// The token is scoped to one partner; it may only speak for itself.
		if req.Source != partner || req.Source != cp.PartnerTag() {
			c.JSON(http.StatusForbidden, gin.H{"error": "source does not match credential"})
			return
		}

		applied, err := cp.Apply(c.Request.Context(), req.Record, req.Operation)
		if err != nil {
			log.Error("ingest apply failed", zap.String("entity_id", req.Record.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db write failed"})
			return
		}

		c.JSON(http.StatusOK, models.IngestResponse{
			EntityID: req.Record.ID,
			Applied:  applied,
		})
	})
}
