package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PratikDhanave/lead-sync-service/internal/auth"
	"github.com/PratikDhanave/lead-sync-service/internal/capture"
	"github.com/PratikDhanave/lead-sync-service/internal/config"
	"github.com/PratikDhanave/lead-sync-service/internal/handlers"
)

// Store is everything the HTTP surface reads directly.
type Store interface {
	handlers.RecordLister
	handlers.RecordReader
	handlers.SyncReader
	Ping(ctx context.Context) error
}

// Deps are the engine components the routes drive.
type Deps struct {
	Store    Store
	Capturer *capture.Capturer
	Sync     handlers.SyncDeps
	Log      *zap.Logger
}

// NewRouter wires public endpoints, the partner endpoints and the operator APIs.
// Public: /health, /ready
// Partner (bearer): /sync-ingest, /sync-export
// Operator (X-API-Key): /records, /sync/...
func NewRouter(cfg config.Config, d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "system": cfg.SystemTag, "partner": cfg.PartnerTag})
	})

	// Partner group: bearer token scoped to the partner project.
	partnerGroup := r.Group("/")
	partnerGroup.Use(auth.BearerMiddleware(cfg.PartnerKeys))

	handlers.RegisterIngestRoutes(partnerGroup, d.Capturer, log)
	handlers.RegisterExportRoutes(partnerGroup, d.Store)

	// Operator group enforces X-API-Key.
	opGroup := r.Group("/")
	opGroup.Use(auth.APIKeyMiddleware(cfg.APIKeys))

	handlers.RegisterRecordRoutes(opGroup, d.Capturer, d.Store)
	handlers.RegisterSyncRoutes(opGroup, d.Sync, log)

	// Feed group also takes the key as ?api_key= for browser websockets.
	feedGroup := r.Group("/")
	feedGroup.Use(auth.QueryKeyFallback("api_key"), auth.APIKeyMiddleware(cfg.APIKeys))
	handlers.RegisterFeedRoute(feedGroup, d.Sync.Feed)

	return r
}
