package models

import "time"

// Stage is a logical step in the transcription pipeline.
type Stage string

// Pipeline stages in canonical order.
const (
	StagePrepare    Stage = "prepare"
	StageTranscribe Stage = "transcribe"
	StageAlign      Stage = "align"
	StageDiarize    Stage = "diarize"
	StageCleanup    Stage = "cleanup"
	StageMerge      Stage = "merge"
)

// TaskStatus is the lifecycle state of a single pipeline task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusSkipped:
		return true
	}
	return false
}

// ConfigKeyRuntimeModel selects the engine-native model variant at load time.
const ConfigKeyRuntimeModel = "runtime_model_id"

// Task is a single pipeline step belonging to a job. A task transitions to
// ready only when all dependencies are completed, to running only when
// claimed by a worker, and to completed/failed by exactly one worker.
type Task struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	Stage        Stage             `json:"stage"`
	EngineID     string            `json:"engine_id"`
	DependsOn    []string          `json:"depends_on"`
	Status       TaskStatus        `json:"status"`
	Config       map[string]string `json:"config,omitempty"`
	OutputRef    string            `json:"output_ref,omitempty"`
	Error        string            `json:"error,omitempty"`
	Attempts     int               `json:"attempts"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
