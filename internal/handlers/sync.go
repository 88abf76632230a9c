package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PratikDhanave/lead-sync-service/internal/auth"
	"github.com/PratikDhanave/lead-sync-service/internal/dispatch"
	"github.com/PratikDhanave/lead-sync-service/internal/models"
	"github.com/PratikDhanave/lead-sync-service/internal/reconcile"
	"github.com/PratikDhanave/lead-sync-service/internal/store"
)

// SyncReader is the observability read side.
type SyncReader interface {
	QueueStats(ctx context.Context) (models.QueueStats, error)
	ListQueue(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error)
	ListLogs(ctx context.Context, limit int) ([]models.SyncLog, error)
	GetStatus(ctx context.Context, project string) (models.SyncStatus, error)
}

// SyncDeps bundles the engine pieces behind the operator surface.
type SyncDeps struct {
	Store      SyncReader
	Processor  *dispatch.Processor
	Reconciler *reconcile.Reconciler
	Auto       *dispatch.AutoProcessor
	Feed       http.Handler
	Project    string
}

type triggerRequest struct {
	Mode string `json:"mode"`
}

type autoProcessRequest struct {
	Enabled *bool `json:"enabled"`
}

// queryInt reads a positive integer query param, falling back to def.
func queryInt(c *gin.Context, key string, def, max int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

// RegisterSyncRoutes registers the operator trigger and monitoring surface.
//
// POST /sync/trigger {mode}            one reconciliation pass
// POST /sync/queue/process             one queue batch (?batch_size=)
// POST /sync/queue/reset-stuck         reclaim stale processing items (?older_than=)
// POST /sync/queue/retry-failed        return failed items to pending
// GET  /sync/queue?status=&limit=      queue items, newest first
// GET  /sync/queue/stats               counts per status
// GET  /sync/logs?limit=               recent runs
// GET  /sync/status                    per-project summary
// GET  /sync/auto-process              persisted auto-process toggle
// PUT  /sync/auto-process {enabled}
//
// State-changing calls are logged with the operator that made them.
func RegisterSyncRoutes(r gin.IRoutes, d SyncDeps, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	audit := func(c *gin.Context, action string, fields ...zap.Field) {
		log.Info("operator action", append([]zap.Field{
			zap.String("operator", auth.Operator(c)),
			zap.String("action", action),
		}, fields...)...)
	}

	r.POST("/sync/trigger", func(c *gin.Context) {
		var req triggerRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
				return
			}
		}
		mode, err := reconcile.ParseMode(req.Mode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		audit(c, "reconcile", zap.String("mode", string(mode)))
		res, err := d.Reconciler.Reconcile(c.Request.Context(), mode)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": res})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	r.POST("/sync/queue/process", func(c *gin.Context) {
		n, ok := queryInt(c, "batch_size", 0, 1000)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "batch_size must be a positive integer"})
			return
		}
		audit(c, "process_queue", zap.Int("batch_size", n))
		res, err := d.Processor.ProcessQueue(c.Request.Context(), n)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	r.POST("/sync/queue/reset-stuck", func(c *gin.Context) {
		var olderThan time.Duration
		if raw := c.Query("older_than"); raw != "" {
			v, err := time.ParseDuration(raw)
			if err != nil || v <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "older_than must be a positive duration"})
				return
			}
			olderThan = v
		}
		audit(c, "reset_stuck", zap.Duration("older_than", olderThan))
		n, err := d.Processor.ResetStuckJobs(c.Request.Context(), olderThan)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db update failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reset": n})
	})

	r.POST("/sync/queue/retry-failed", func(c *gin.Context) {
		audit(c, "retry_failed")
		n, err := d.Processor.RetryFailed(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db update failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"requeued": n})
	})

	r.GET("/sync/queue", func(c *gin.Context) {
		status := models.QueueStatus(c.Query("status"))
		if status != "" && !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be pending, processing, completed or failed"})
			return
		}
		limit, ok := queryInt(c, "limit", 100, 1000)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		items, err := d.Store.ListQueue(c.Request.Context(), status, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		if items == nil {
			items = []models.QueueItem{}
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	})

	r.GET("/sync/queue/stats", func(c *gin.Context) {
		st, err := d.Store.QueueStats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		c.JSON(http.StatusOK, st)
	})

	r.GET("/sync/logs", func(c *gin.Context) {
		limit, ok := queryInt(c, "limit", 50, 500)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		logs, err := d.Store.ListLogs(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		if logs == nil {
			logs = []models.SyncLog{}
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs})
	})

	r.GET("/sync/status", func(c *gin.Context) {
		st, err := d.Store.GetStatus(c.Request.Context(), d.Project)
		if errors.Is(err, store.ErrNotFound) {
			// No run finished yet: success is unknown.
			c.JSON(http.StatusOK, models.SyncStatus{ProjectName: d.Project})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		c.JSON(http.StatusOK, st)
	})

	r.GET("/sync/auto-process", func(c *gin.Context) {
		on, err := d.Auto.Enabled(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "settings read failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": on, "interval": d.Auto.Interval().String()})
	})

	r.PUT("/sync/auto-process", func(c *gin.Context) {
		var req autoProcessRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "enabled (bool) required"})
			return
		}
		audit(c, "auto_process", zap.Bool("enabled", *req.Enabled))
		if err := d.Auto.SetEnabled(c.Request.Context(), *req.Enabled); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "settings write failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
	})
}

// RegisterFeedRoute serves GET /sync/feed, the websocket stream of finished
// runs. The caller authenticates the route; browsers pass ?api_key=.
func RegisterFeedRoute(r gin.IRoutes, feed http.Handler) {
	if feed == nil {
		return
	}
	r.GET("/sync/feed", gin.WrapH(feed))
}
