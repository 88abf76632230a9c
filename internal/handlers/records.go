package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/lead-sync-service/internal/capture"
	"github.com/PratikDhanave/lead-sync-service/internal/models"
	"github.com/PratikDhanave/lead-sync-service/internal/store"
)

// RecordReader reads one mirror row.
type RecordReader interface {
	GetRecord(ctx context.Context, id string) (models.Record, error)
}

type saveRecordRequest struct {
	ID      string                 `json:"id"`
	Payload map[string]interface{} `json:"payload"`
}

type saveRecordResponse struct {
	Record      models.Record `json:"record"`
	QueueItemID string        `json:"queue_item_id,omitempty"`
}

// RegisterRecordRoutes registers the local write path used by business code.
// Every write is captured: the row and its outbound queue item commit together.
//
// POST   /records      upsert {id, payload}
// GET    /records/:id
// DELETE /records/:id  tombstone
func RegisterRecordRoutes(r gin.IRoutes, cp *capture.Capturer, st RecordReader) {
	r.POST("/records", func(c *gin.Context) {
		var req saveRecordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
		if req.ID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id required"})
			return
		}

		rec, item, err := cp.Save(c.Request.Context(), req.ID, req.Payload)
		if err != nil {
			// Enqueue failure is fatal to the write.
			c.JSON(http.StatusInternalServerError, gin.H{"error": "write failed"})
			return
		}
		resp := saveRecordResponse{Record: rec}
		if item != nil {
			resp.QueueItemID = item.ID
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/records/:id", func(c *gin.Context) {
		rec, err := st.GetRecord(c.Request.Context(), c.Param("id"))
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	r.DELETE("/records/:id", func(c *gin.Context) {
		rec, item, err := cp.Delete(c.Request.Context(), c.Param("id"))
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "write failed"})
			return
		}
		resp := saveRecordResponse{Record: rec}
		if item != nil {
			resp.QueueItemID = item.ID
		}
		c.JSON(http.StatusOK, resp)
	})
}
