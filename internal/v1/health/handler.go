// Package health exposes the liveness and readiness probes plus the public
// uptime endpoint.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bonfire-party/bonfire/internal/v1/logging"
)

// StoragePinger verifies the persistence backend is reachable. The in-memory
// store satisfies it trivially; the redis store pings.
type StoragePinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints
type Handler struct {
	uptime  func() time.Duration
	storage StoragePinger
}

// NewHandler creates a new health check handler. A nil storage pinger means
// there is no external dependency to check.
func NewHandler(uptime func() time.Duration, storage StoragePinger) *Handler {
	return &Handler{uptime: uptime, storage: storage}
}

// StatusResponse is the public health payload.
type StatusResponse struct {
	Status       string `json:"status"`
	UptimeMillis int64  `json:"uptime"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Status handles the public health endpoint.
// GET /health
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:       "ok",
		UptimeMillis: h.uptime().Milliseconds(),
	})
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if the storage backend is healthy, 503 otherwise
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	storageStatus := h.checkStorage(ctx)
	checks["storage"] = storageStatus
	if storageStatus != "healthy" {
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

func (h *Handler) checkStorage(ctx context.Context) string {
	if h.storage == nil {
		return "healthy"
	}
	if err := h.storage.Ping(ctx); err != nil {
		logging.Error(ctx, "Storage health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
