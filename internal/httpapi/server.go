// Package httpapi serves the provenance HTTP surface: the transaction webhook,
// entity registration and enrichment, ad-hoc traces, health and metrics.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/provenance/internal/config"
	"github.com/nexus-trading/provenance/internal/entity"
	"github.com/nexus-trading/provenance/internal/graph"
	"github.com/nexus-trading/provenance/internal/ingest"
	"github.com/nexus-trading/provenance/internal/observability"
	"github.com/nexus-trading/provenance/internal/storage"
)

// Deps are the components the handlers call. Health, Gatherer and Stats are
// optional.
type Deps struct {
	Store    storage.Store
	Pipeline *ingest.Pipeline
	Engine   *entity.Engine
	Runner   *entity.Runner
	Tracer   *graph.Tracer
	Health   *observability.HealthMonitor
	Gatherer prometheus.Gatherer
	Stats    func() map[string]any
}

// NewServer builds the router and an http.Server listening on cfg.Addr.
func NewServer(cfg config.HTTPConfig, deps Deps) (*gin.Engine, *http.Server) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	NewController(deps, cfg).RegisterRoutes(&r.RouterGroup)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return r, srv
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("took", time.Since(start)).
			Msg("httpapi: request")
	}
}
