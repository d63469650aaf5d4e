// Package health exposes liveness/readiness probes for the proxy.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apxproxy/apx/internal/v1/logging"
	"go.uber.org/zap"
)

// CachePinger is satisfied by the Redis-backed cache in front of Postgres.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// StorePinger is satisfied by the Postgres persistence client.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	cache        CachePinger
	store        StorePinger
	upstreamAddr string
}

// NewHandler creates a new health check handler. cache may be nil when Redis
// is disabled; the proxy then relies solely on Postgres as source of truth.
func NewHandler(cache CachePinger, store StorePinger, upstreamAddr string) *Handler {
	return &Handler{cache: cache, store: store, upstreamAddr: upstreamAddr}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 503 if any dependency is
// unhealthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkCache(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	dbStatus := h.checkStore(ctx)
	checks["postgres"] = dbStatus
	if dbStatus != "healthy" {
		allHealthy = false
	}

	upstreamStatus := h.checkUpstream(ctx)
	checks["upstream"] = upstreamStatus
	if upstreamStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkCache(ctx context.Context) string {
	if h.cache == nil {
		return "healthy"
	}
	if err := h.cache.Ping(ctx); err != nil {
		logging.Error(ctx, "cache health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "persistence health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkUpstream dials the Archipelago server's TCP port without completing a
// WebSocket handshake; a listening socket is good enough for readiness.
func (h *Handler) checkUpstream(ctx context.Context) string {
	if h.upstreamAddr == "" {
		return "healthy"
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", h.upstreamAddr)
	if err != nil {
		logging.Error(ctx, "upstream health check failed", zap.Error(err))
		return "unhealthy"
	}
	_ = conn.Close()
	return "healthy"
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
