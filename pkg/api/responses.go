package api

import (
	"time"

	"github.com/dalston-ai/dalston/pkg/models"
)

// JobResponse is the client view of a job. Text and Segments are populated
// from the stored transcript once the job completes.
type JobResponse struct {
	ID               string           `json:"id"`
	Status           string           `json:"status"`
	Model            string           `json:"model"`
	Language         string           `json:"language,omitempty"`
	WordTimestamps   bool             `json:"word_timestamps"`
	SpeakerDetection bool             `json:"speaker_detection"`
	LLMCleanup       bool             `json:"llm_cleanup"`
	Text             string           `json:"text,omitempty"`
	Segments         []models.Segment `json:"segments,omitempty"`
	Error            string           `json:"error,omitempty"`
	Tasks            []TaskStatusView `json:"tasks,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// TaskStatusView is a compact per-stage progress row.
type TaskStatusView struct {
	Stage    string `json:"stage"`
	Status   string `json:"status"`
	EngineID string `json:"engine_id"`
	Error    string `json:"error,omitempty"`
}

func toJobResponse(job *models.Job, tasks []*models.Task, transcript *models.Transcript) *JobResponse {
	resp := &JobResponse{
		ID:               job.ID,
		Status:           string(job.Status),
		Model:            job.Params.Model,
		Language:         job.Params.Language,
		WordTimestamps:   job.Params.WordTimestamps,
		SpeakerDetection: job.Params.Diarize,
		LLMCleanup:       job.Params.LLMCleanup,
		Error:            job.Error,
		CreatedAt:        job.CreatedAt,
		CompletedAt:      job.CompletedAt,
	}
	if transcript != nil {
		resp.Text = transcript.Text
		resp.Segments = transcript.Segments
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, TaskStatusView{
			Stage:    string(t.Stage),
			Status:   string(t.Status),
			EngineID: t.EngineID,
			Error:    t.Error,
		})
	}
	return resp
}

// CancelResponse acknowledges an accepted cancel request.
type CancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// WebhookEndpointResponse is the client view of an endpoint. Secret is only
// populated on create and rotate.
type WebhookEndpointResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toEndpointResponse(ep *models.WebhookEndpoint, secret string) *WebhookEndpointResponse {
	return &WebhookEndpointResponse{
		ID:        ep.ID,
		URL:       ep.URL,
		Events:    ep.Events,
		Active:    ep.Active,
		Secret:    secret,
		CreatedAt: ep.CreatedAt,
	}
}

// DeliveryResponse is the client view of one delivery attempt record.
type DeliveryResponse struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	EventType      string     `json:"event_type"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastStatusCode int        `json:"last_status_code,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toDeliveryResponse(d *models.WebhookDelivery) *DeliveryResponse {
	resp := &DeliveryResponse{
		ID:             d.ID,
		JobID:          d.JobID,
		EventType:      d.EventType,
		Status:         string(d.Status),
		Attempts:       d.Attempts,
		LastStatusCode: d.LastStatusCode,
		LastError:      d.LastError,
		CreatedAt:      d.CreatedAt,
	}
	if d.Status == models.DeliveryStatusPending {
		t := d.NextRetryAt
		resp.NextRetryAt = &t
	}
	return resp
}
