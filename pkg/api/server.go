// Package api is the HTTP/WebSocket gateway: job submission and inspection,
// streaming session admission, webhook endpoint administration, and health.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/dalston-ai/dalston/pkg/auth"
	"github.com/dalston-ai/dalston/pkg/blob"
	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/config"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/realtime"
	"github.com/dalston-ai/dalston/pkg/store"
)

// JobStore is the job surface the gateway needs.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	GetForTenant(ctx context.Context, tenantID, jobID string) (*models.Job, error)
	ListTasksForJob(ctx context.Context, jobID string) ([]*models.Task, error)
}

// WebhookAdmin is the webhook administration surface.
type WebhookAdmin interface {
	CreateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error
	GetEndpoint(ctx context.Context, tenantID, endpointID string) (*models.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, tenantID string) ([]*models.WebhookEndpoint, error)
	UpdateEndpoint(ctx context.Context, tenantID, endpointID, url string, events []string, active bool) (*models.WebhookEndpoint, error)
	DeleteEndpoint(ctx context.Context, tenantID, endpointID string) error
	RotateSecret(ctx context.Context, tenantID, endpointID, newSecret string) error
	ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*models.WebhookDelivery, error)
	GetDelivery(ctx context.Context, deliveryID string) (*models.WebhookDelivery, error)
	ResetForRetry(ctx context.Context, deliveryID string) error
}

// SessionRouter admits and releases streaming sessions.
type SessionRouter interface {
	Allocate(ctx context.Context, req realtime.AllocateRequest) (*realtime.Allocation, error)
	Release(ctx context.Context, sessionID string, status models.SessionStatus, errMsg string, stats models.SessionStats, audioRef, transcriptRef string) error
}

// Publisher emits lifecycle events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, event bus.Event) error
}

// HealthReporter aggregates component health for the health endpoint.
type HealthReporter interface {
	Health(ctx context.Context) map[string]any
}

// Server is the gateway HTTP server.
type Server struct {
	cfg      config.Config
	verifier auth.Verifier
	jobs     JobStore
	webhooks WebhookAdmin
	router   SessionRouter
	blobs    blob.Store
	bus      Publisher
	health   HealthReporter

	echo       *echo.Echo
	httpServer *http.Server
}

// jobStoreAdapter pairs the concrete job and task stores behind JobStore.
type jobStoreAdapter struct {
	*store.JobStore
	tasks *store.TaskStore
}

func (a *jobStoreAdapter) ListTasksForJob(ctx context.Context, jobID string) ([]*models.Task, error) {
	return a.tasks.ListByJob(ctx, jobID)
}

// NewJobStoreAdapter exposes the concrete stores as the gateway's JobStore.
func NewJobStoreAdapter(jobs *store.JobStore, tasks *store.TaskStore) JobStore {
	return &jobStoreAdapter{JobStore: jobs, tasks: tasks}
}

// NewServer wires the gateway routes.
func NewServer(cfg config.Config, verifier auth.Verifier, jobs JobStore, webhooks WebhookAdmin, router SessionRouter, blobs blob.Store, busPublisher Publisher, health HealthReporter) *Server {
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		jobs:     jobs,
		webhooks: webhooks,
		router:   router,
		blobs:    blobs,
		bus:      busPublisher,
		health:   health,
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestLogger())

	e.GET("/health", s.healthHandler)

	// The stream route authenticates inside the WebSocket handshake so auth
	// failures surface as WS close codes, not HTTP statuses.
	e.GET("/v1/audio/transcriptions/stream", s.streamHandler)

	v1 := e.Group("/v1", s.apiKeyAuth())

	jobsGroup := v1.Group("/audio/transcriptions")
	jobsGroup.POST("", s.submitJobHandler)
	jobsGroup.GET("/:id", s.getJobHandler)
	jobsGroup.POST("/:id/cancel", s.cancelJobHandler)
	jobsGroup.GET("/:id/export/:format", s.exportHandler)

	hooks := v1.Group("/webhooks", s.requireScope(auth.ScopeAdmin))
	hooks.POST("", s.createWebhookHandler)
	hooks.GET("", s.listWebhooksHandler)
	hooks.GET("/:id", s.getWebhookHandler)
	hooks.PUT("/:id", s.updateWebhookHandler)
	hooks.DELETE("/:id", s.deleteWebhookHandler)
	hooks.POST("/:id/rotate", s.rotateWebhookHandler)
	hooks.GET("/:id/deliveries", s.listDeliveriesHandler)
	hooks.POST("/deliveries/:delivery_id/retry", s.retryDeliveryHandler)

	s.echo = e
	s.httpServer = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves HTTP on addr, blocking until shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
