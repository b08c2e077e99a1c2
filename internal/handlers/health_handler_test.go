package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agjmills/hoard/internal/storage"
	"github.com/agjmills/hoard/internal/store"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var errDown = errors.New("connection refused")

// unhealthyBackend fails its health check.
type unhealthyBackend struct {
	*storage.MemoryBackend
}

func (unhealthyBackend) HealthCheck(ctx context.Context) error { return errDown }

func TestHealthHandler(t *testing.T) {
	up := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errDown })
	yes := func() bool { return true }
	no := func() bool { return false }

	tests := []struct {
		name        string
		db          Pinger
		backend     storage.StorageBackend
		degraded    func() bool
		wantStatus  int
		wantOverall string
		wantDB      string
	}{
		{name: "all healthy", db: store.NewMemoryStore(), backend: storage.NewMemoryBackend(), degraded: no,
			wantStatus: http.StatusOK, wantOverall: "healthy", wantDB: "healthy"},
		{name: "database down with fallback", db: down, backend: storage.NewMemoryBackend(), degraded: yes,
			wantStatus: http.StatusOK, wantOverall: "degraded", wantDB: "degraded"},
		{name: "database back but still degraded", db: up, backend: storage.NewMemoryBackend(), degraded: yes,
			wantStatus: http.StatusOK, wantOverall: "degraded", wantDB: "degraded"},
		{name: "database down without fallback", db: down, backend: storage.NewMemoryBackend(),
			wantStatus: http.StatusServiceUnavailable, wantOverall: "unhealthy", wantDB: "unhealthy"},
		{name: "storage down", db: up, backend: unhealthyBackend{storage.NewMemoryBackend()}, degraded: no,
			wantStatus: http.StatusServiceUnavailable, wantOverall: "unhealthy", wantDB: "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(tt.db, tt.backend, tt.degraded, "test-version")
			rec := httptest.NewRecorder()
			handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			resp := decode[HealthResponse](t, rec)
			if resp.Status != tt.wantOverall {
				t.Errorf("overall = %q, want %q", resp.Status, tt.wantOverall)
			}
			if resp.Checks["database"].Status != tt.wantDB {
				t.Errorf("database = %q, want %q", resp.Checks["database"].Status, tt.wantDB)
			}
			if resp.Version != "test-version" || resp.Uptime == "" {
				t.Errorf("version/uptime missing: %+v", resp)
			}
			if _, ok := resp.Checks["storage"]; !ok {
				t.Error("storage check missing")
			}
		})
	}
}
