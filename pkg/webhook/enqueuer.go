package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dalston-ai/dalston/pkg/models"
)

// EnqueueStore is the store surface enqueueing needs.
type EnqueueStore interface {
	ListActiveSubscribed(ctx context.Context, tenantID, event string) ([]*models.WebhookEndpoint, error)
	InsertDelivery(ctx context.Context, d *models.WebhookDelivery) error
}

// JobEventPayload is the body POSTed to webhook receivers.
type JobEventPayload struct {
	Event         string         `json:"event"`
	JobID         string         `json:"job_id"`
	Status        string         `json:"status"`
	Error         string         `json:"error,omitempty"`
	TranscriptRef string         `json:"transcript_ref,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

// BuildPayload serializes the notification body for a terminal job event.
func BuildPayload(job *models.Job, eventType string) ([]byte, error) {
	payload := JobEventPayload{
		Event:         eventType,
		JobID:         job.ID,
		Status:        string(job.Status),
		Error:         job.Error,
		TranscriptRef: job.TranscriptRef,
		Metadata:      job.WebhookMetadata,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return data, nil
}

// Enqueuer inserts pending delivery rows for terminal job events: one per
// subscribed endpoint, plus one for a legacy per-job URL when the job
// carries one.
type Enqueuer struct {
	store EnqueueStore
}

// NewEnqueuer creates an enqueuer over the webhook store.
func NewEnqueuer(store EnqueueStore) *Enqueuer {
	return &Enqueuer{store: store}
}

// EnqueueJobEvent queues deliveries for one terminal job event. Replays are
// absorbed by the store's dedupe constraint.
func (e *Enqueuer) EnqueueJobEvent(ctx context.Context, job *models.Job, eventType string) error {
	payload, err := BuildPayload(job, eventType)
	if err != nil {
		return err
	}

	endpoints, err := e.store.ListActiveSubscribed(ctx, job.TenantID, eventType)
	if err != nil {
		return err
	}

	now := time.Now()
	queued := 0
	for _, ep := range endpoints {
		d := &models.WebhookDelivery{
			ID:          uuid.New().String(),
			EndpointID:  ep.ID,
			JobID:       job.ID,
			EventType:   eventType,
			Payload:     payload,
			Status:      models.DeliveryStatusPending,
			NextRetryAt: now,
			CreatedAt:   now,
		}
		if err := e.store.InsertDelivery(ctx, d); err != nil {
			return err
		}
		queued++
	}

	if job.WebhookURL != "" {
		d := &models.WebhookDelivery{
			ID:          uuid.New().String(),
			JobID:       job.ID,
			EventType:   eventType,
			Payload:     payload,
			URLOverride: job.WebhookURL,
			Status:      models.DeliveryStatusPending,
			NextRetryAt: now,
			CreatedAt:   now,
		}
		if err := e.store.InsertDelivery(ctx, d); err != nil {
			return err
		}
		queued++
	}

	slog.Info("Webhook deliveries queued",
		"job_id", job.ID,
		"event", eventType,
		"deliveries", queued)
	return nil
}
