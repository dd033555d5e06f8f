package http

import (
	"context"
	"net/http"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionLister is the read side of the orchestrator.
type SessionLister interface {
	ListStreams(ctx context.Context) ([]*domain.StreamSession, error)
}

// Summarizer folds the live session table into orchestrator metrics.
type Summarizer interface {
	Summary(sessions []*domain.StreamSession) *domain.OrchestratorMetrics
}

type HealthHandler struct {
	checker   *monitoring.HealthChecker
	sessions  SessionLister
	summary   Summarizer
	startedAt time.Time
	timeout   time.Duration
}

func NewHealthHandler(checker *monitoring.HealthChecker, sessions SessionLister, summary Summarizer) *HealthHandler {
	return &HealthHandler{
		checker:   checker,
		sessions:  sessions,
		summary:   summary,
		startedAt: time.Now(),
		timeout:   2 * time.Second,
	}
}

// SetupRoutes registers the probes at the root and the stats summary under api.
func (h *HealthHandler) SetupRoutes(router gin.IRoutes, api *gin.RouterGroup) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	api.GET("/stats", h.Stats)
}

// MetricsRoute exposes the Prometheus registry at /metrics.
func MetricsRoute(router gin.IRoutes, gatherer prometheus.Gatherer) {
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startedAt).String(),
	})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *HealthHandler) Stats(c *gin.Context) {
	sessions, err := h.sessions.ListStreams(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.summary.Summary(sessions))
}
