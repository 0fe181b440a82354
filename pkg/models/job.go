// Package models defines the shared data model for jobs, tasks, engines,
// realtime sessions, and webhook records. Entities reference each other by
// id only, never by pointer, so they can cross process boundaries as JSON.
package models

import "time"

// JobStatus is the lifecycle state of a transcription job.
type JobStatus string

// Job lifecycle states.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request is accepted in this state.
func (s JobStatus) Cancellable() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// JobParams are the client-supplied transcription parameters.
type JobParams struct {
	Model          string `json:"model"`
	Language       string `json:"language,omitempty"`
	WordTimestamps bool   `json:"word_timestamps,omitempty"`
	Diarize        bool   `json:"speaker_detection,omitempty"`
	LLMCleanup     bool   `json:"llm_cleanup,omitempty"`
}

// Job is the unit of work submitted by a client. Created by the gateway,
// mutated exclusively by the orchestrator.
type Job struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	Status          JobStatus      `json:"status"`
	AudioRef        string         `json:"audio_ref"`
	Params          JobParams      `json:"params"`
	WebhookURL      string         `json:"webhook_url,omitempty"`
	WebhookMetadata map[string]any `json:"webhook_metadata,omitempty"`
	Error           string         `json:"error,omitempty"`
	TranscriptRef   string         `json:"transcript_ref,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}
