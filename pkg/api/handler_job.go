package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/dalston-ai/dalston/pkg/auth"
	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/models"
)

// submitJobHandler handles POST /v1/audio/transcriptions.
// Stores the upload, persists the job in "pending", and publishes
// job.created for the orchestrator to pick up.
func (s *Server) submitJobHandler(c *echo.Context) error {
	principal := principalFrom(c)
	if !principal.HasScope(auth.ScopeTranscribe) {
		return echo.NewHTTPError(http.StatusForbidden, "insufficient scope")
	}

	r := c.Request()
	r.Body = http.MaxBytesReader(c.Response(), r.Body, s.cfg.MaxUploadBytes)

	file, _, err := r.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file field is required")
	}
	defer func() { _ = file.Close() }()

	params := models.JobParams{
		Model:          r.FormValue("model"),
		Language:       r.FormValue("language"),
		WordTimestamps: parseBoolField(r.FormValue("word_timestamps")),
		Diarize:        parseBoolField(r.FormValue("speaker_detection")),
		LLMCleanup:     parseBoolField(r.FormValue("llm_cleanup")),
	}

	webhookURL := r.FormValue("webhook_url")
	if webhookURL != "" {
		u, err := url.Parse(webhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "webhook_url must be an http(s) URL")
		}
	}

	var metadata map[string]any
	if raw := r.FormValue("webhook_metadata"); raw != "" {
		if len(raw) > s.cfg.WebhookMetadataMaxBytes {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("webhook_metadata exceeds maximum size of %d bytes", s.cfg.WebhookMetadataMaxBytes))
		}
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "webhook_metadata must be a JSON object")
		}
	}

	ctx := r.Context()
	audioRef, err := s.blobs.Put(ctx, file)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store upload")
	}

	now := time.Now()
	job := &models.Job{
		ID:              uuid.New().String(),
		TenantID:        principal.TenantID,
		Status:          models.JobStatusPending,
		AudioRef:        audioRef,
		Params:          params,
		WebhookURL:      webhookURL,
		WebhookMetadata: metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return mapStoreError(err)
	}

	event := bus.NewEvent(bus.EventJobCreated)
	event.JobID = job.ID
	if err := s.bus.Publish(ctx, event); err != nil {
		// The row exists; the orphan sweep will settle it if the event is
		// truly lost. Surface the degradation to the client anyway.
		return echo.NewHTTPError(http.StatusServiceUnavailable, "job accepted but not yet scheduled")
	}

	return c.JSON(http.StatusCreated, toJobResponse(job, nil, nil))
}

// getJobHandler handles GET /v1/audio/transcriptions/:id. Completed jobs
// carry the transcript text and segments inline.
func (s *Server) getJobHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	principal := principalFrom(c)
	ctx := c.Request().Context()
	job, err := s.jobs.GetForTenant(ctx, principal.TenantID, jobID)
	if err != nil {
		return mapStoreError(err)
	}
	tasks, err := s.jobs.ListTasksForJob(ctx, jobID)
	if err != nil {
		return mapStoreError(err)
	}

	var transcript *models.Transcript
	if job.Status == models.JobStatusCompleted && job.TranscriptRef != "" {
		transcript, err = s.loadTranscript(ctx, job.TranscriptRef)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to read transcript")
		}
	}
	return c.JSON(http.StatusOK, toJobResponse(job, tasks, transcript))
}

// loadTranscript reads and decodes the stored transcript behind a ref.
func (s *Server) loadTranscript(ctx context.Context, ref string) (*models.Transcript, error) {
	rc, err := s.blobs.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	var transcript models.Transcript
	if err := json.NewDecoder(rc).Decode(&transcript); err != nil {
		return nil, err
	}
	return &transcript, nil
}

// cancelJobHandler handles POST /v1/audio/transcriptions/:id/cancel.
// Cancellation is soft: the gateway validates and publishes
// job.cancel_requested; the orchestrator drives the drain.
func (s *Server) cancelJobHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	principal := principalFrom(c)
	ctx := c.Request().Context()
	job, err := s.jobs.GetForTenant(ctx, principal.TenantID, jobID)
	if err != nil {
		return mapStoreError(err)
	}
	if job.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "job is not in a cancellable state")
	}

	event := bus.NewEvent(bus.EventJobCancelRequested)
	event.JobID = job.ID
	if err := s.bus.Publish(ctx, event); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to request cancellation")
	}

	return c.JSON(http.StatusOK, &CancelResponse{
		ID:     job.ID,
		Status: string(models.JobStatusCancelling),
	})
}

// parseBoolField treats an absent or malformed form value as false.
func parseBoolField(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
