package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/models"
)

// JobCreator persists a new batch job.
type JobCreator interface {
	Create(ctx context.Context, job *models.Job) error
}

// CleanupEnhancer turns a finished enhance_on_end session into a batch
// cleanup job over the session's stored audio.
type CleanupEnhancer struct {
	jobs      JobCreator
	publisher Publisher
}

// NewCleanupEnhancer wires the enhancer.
func NewCleanupEnhancer(jobs JobCreator, publisher Publisher) *CleanupEnhancer {
	return &CleanupEnhancer{jobs: jobs, publisher: publisher}
}

// SubmitEnhancement creates the job and announces it to the orchestrator.
func (e *CleanupEnhancer) SubmitEnhancement(ctx context.Context, session *models.RealtimeSession) (string, error) {
	now := time.Now()
	job := &models.Job{
		ID:       uuid.New().String(),
		TenantID: session.TenantID,
		Status:   models.JobStatusPending,
		AudioRef: session.AudioRef,
		Params: models.JobParams{
			Model:      session.Model,
			Language:   session.Language,
			LLMCleanup: true,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return "", err
	}

	event := bus.NewEvent(bus.EventJobCreated)
	event.JobID = job.ID
	if err := e.publisher.Publish(ctx, event); err != nil {
		// The row exists; the orphan sweep settles it if the event is lost.
		slog.Error("Failed to publish enhancement job.created", "job_id", job.ID, "error", err)
	}

	slog.Info("Enhancement job submitted", "session_id", session.ID, "job_id", job.ID)
	return job.ID, nil
}
