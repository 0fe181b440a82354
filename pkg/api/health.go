package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/database"
	"github.com/dalston-ai/dalston/pkg/engine"
	"github.com/dalston-ai/dalston/pkg/realtime"
	"github.com/dalston-ai/dalston/pkg/store"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	report := s.health.Health(ctx)
	status := http.StatusOK
	if report["status"] != "healthy" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

// Reporter aggregates component health: durable store, bus, engine pool,
// realtime pool, webhook backlog.
type Reporter struct {
	db       *database.Client
	bus      *bus.Bus
	engines  *engine.Registry
	workers  *realtime.WorkerRegistry
	webhooks *store.WebhookStore
}

// NewReporter wires the health reporter.
func NewReporter(db *database.Client, b *bus.Bus, engines *engine.Registry, workers *realtime.WorkerRegistry, webhooks *store.WebhookStore) *Reporter {
	return &Reporter{db: db, bus: b, engines: engines, workers: workers, webhooks: webhooks}
}

// Health builds the health report. Any failing dependency flips the overall
// status to unhealthy.
func (r *Reporter) Health(ctx context.Context) map[string]any {
	healthy := true
	report := make(map[string]any)

	dbHealth := r.db.Health(ctx)
	report["database"] = dbHealth
	if !dbHealth.Reachable {
		healthy = false
	}

	if err := r.bus.Health(ctx); err != nil {
		report["bus"] = map[string]any{"reachable": false, "error": err.Error()}
		healthy = false
	} else {
		report["bus"] = map[string]any{"reachable": true}
	}

	if engines, err := r.engines.All(ctx); err == nil {
		report["engines"] = len(engines)
	}
	if workers, err := r.workers.List(ctx); err == nil {
		capacity, used := 0, 0
		for _, w := range workers {
			if w.Healthy {
				capacity += w.Capacity
				used += w.SessionCount
			}
		}
		report["realtime"] = map[string]any{
			"workers":  len(workers),
			"capacity": capacity,
			"sessions": used,
		}
	}
	if pending, err := r.webhooks.PendingCount(ctx); err == nil {
		report["webhook_backlog"] = pending
	}

	if healthy {
		report["status"] = "healthy"
	} else {
		report["status"] = "unhealthy"
	}
	return report
}
