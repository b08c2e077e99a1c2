package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/agjmills/hoard/internal/middleware"
	"github.com/agjmills/hoard/internal/storage"
)

// Pinger reports whether the database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	db             Pinger
	storageService storage.StorageBackend
	degraded       func() bool
	version        string
}

// NewHealthHandler creates a new health handler. degraded may be nil when
// the in-memory fallback is disabled.
func NewHealthHandler(db Pinger, storageService storage.StorageBackend, degraded func() bool, version string) *HealthHandler {
	return &HealthHandler{
		db:             db,
		storageService: storageService,
		degraded:       degraded,
		version:        version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Checks  map[string]Check `json:"checks"`
	Uptime  string           `json:"uptime,omitempty"`
}

// Check represents an individual health check
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

var startTime = time.Now()

// Health reports "degraded" with 200 while records are only held in memory,
// and "unhealthy" with 503 when requests cannot be served.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]Check)
	overallStatus := statusHealthy

	dbCheck := h.checkDatabase(r.Context())
	if dbCheck.Status != statusHealthy {
		if h.degraded != nil {
			dbCheck.Status = statusDegraded
			dbCheck.Message += "; serving from memory, recent changes will not survive a restart"
			overallStatus = statusDegraded
		} else {
			overallStatus = statusUnhealthy
		}
	} else if h.degraded != nil && h.degraded() {
		dbCheck.Status = statusDegraded
		dbCheck.Message = "database reachable again; requests are served from memory until the next probe"
		overallStatus = statusDegraded
	}
	checks["database"] = dbCheck

	storageCheck := h.checkStorage(r.Context())
	checks["storage"] = storageCheck
	if storageCheck.Status != statusHealthy {
		overallStatus = statusUnhealthy
	}

	status := http.StatusOK
	if overallStatus == statusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, status, HealthResponse{
		Status:  overallStatus,
		Version: h.version,
		Checks:  checks,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
	})
}

// checkDatabase verifies database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return Check{
			Status:  statusUnhealthy,
			Message: "database ping failed",
			Latency: time.Since(start).String(),
		}
	}
	return Check{
		Status:  statusHealthy,
		Latency: time.Since(start).String(),
	}
}

// checkStorage verifies storage backend is accessible
func (h *HealthHandler) checkStorage(ctx context.Context) Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.storageService.HealthCheck(ctx); err != nil {
		return Check{
			Status:  statusUnhealthy,
			Message: "storage health check failed",
			Latency: time.Since(start).String(),
		}
	}
	return Check{
		Status:  statusHealthy,
		Latency: time.Since(start).String(),
	}
}
