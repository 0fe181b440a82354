// Package bus provides the Redis-backed coordination layer: the pub/sub
// event channel, per-engine FIFO task queues, and registration hashes.
// The bus is authoritative for transient coordination only; audit-grade
// history lives in the durable store.
package bus

import "time"

// EventsChannel is the single pub/sub channel all lifecycle events flow on.
const EventsChannel = "events"

// Event types published on the bus.
const (
	EventJobCreated         = "job.created"
	EventJobCompleted       = "job.completed"
	EventJobFailed          = "job.failed"
	EventJobCancelRequested = "job.cancel_requested"
	EventJobCancelled       = "job.cancelled"

	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"

	EventSessionStarted = "session.started"
	EventSessionEnded   = "session.ended"
)

// Event is the JSON envelope published on EventsChannel. Events are
// delivered at least once in best-effort FIFO per publisher; consumers must
// be idempotent on (job id, event type).
type Event struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	OutputRef string `json:"output_ref,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// NewEvent builds an event envelope stamped with the current time.
func NewEvent(eventType string) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
}
