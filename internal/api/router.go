package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/aurum-score/internal/api/handlers"
	"github.com/your-org/aurum-score/internal/api/ws"
	"github.com/your-org/aurum-score/internal/auth"
	"github.com/your-org/aurum-score/internal/batch"
	"github.com/your-org/aurum-score/internal/health"
	"github.com/your-org/aurum-score/internal/jobs"
)

type RouterConfig struct {
	APIKey        string
	MaxImageBytes int64
	Manager       *jobs.Manager
	Batch         *batch.Orchestrator
	Health        *health.Reporter
	Hub           *ws.Hub
	// Checks are readiness probes for hard dependencies (store, blob store).
	Checks []handlers.Check
}

// multipartSlack covers form boundaries and headers around the image bytes.
const multipartSlack = 1 << 20

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Health, cfg.Checks...)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/status", systemH.Status)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	scoreH := handlers.NewScoreHandler(cfg.Manager, cfg.MaxImageBytes)
	v1.POST("/score", BodyLimit(cfg.MaxImageBytes+multipartSlack), scoreH.Submit)

	batchH := handlers.NewBatchHandler(cfg.Batch, cfg.MaxImageBytes)
	batchLimit := int64(cfg.Batch.MaxItems())*cfg.MaxImageBytes + multipartSlack
	v1.POST("/score/batch", BodyLimit(batchLimit), batchH.Score)

	legacyH := handlers.NewLegacyHandler(cfg.Manager)
	v1.POST("/legacy/score", BodyLimit(handlers.MaxLegacyBody), legacyH.Score)

	jobH := handlers.NewJobHandler(cfg.Manager)
	v1.GET("/jobs/:id", jobH.Status)
	v1.GET("/jobs/:id/result", jobH.Result)

	return r
}
