package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/propagation"

	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/models"
)

// Availability gates dispatch on engine liveness.
type Availability interface {
	IsAvailable(ctx context.Context, engineID string) (bool, error)
}

// TaskQueue is the per-engine FIFO the scheduler feeds.
type TaskQueue interface {
	Push(ctx context.Context, engineID string, payload *bus.TaskPayload) error
	Remove(ctx context.Context, engineID, taskID string) (bool, error)
}

// TaskMarker records dispatch state on the task row.
type TaskMarker interface {
	MarkQueued(ctx context.Context, taskID string, traceContext map[string]string) error
}

// Scheduler moves ready tasks onto engine queues. It never queues a task
// whose engine has no fresh heartbeat.
type Scheduler struct {
	registry Availability
	queue    TaskQueue
	tasks    TaskMarker
}

// NewScheduler creates a scheduler over the registry and queue.
func NewScheduler(registry Availability, queue TaskQueue, tasks TaskMarker) *Scheduler {
	return &Scheduler{registry: registry, queue: queue, tasks: tasks}
}

// VerifyEngines confirms every engine the pipeline resolved to has a fresh
// heartbeat. Called at job admission, before any task row is written, so a
// missing engine fails the job immediately and by name even when its stage
// sits behind dependencies.
func (s *Scheduler) VerifyEngines(ctx context.Context, tasks []*models.Task) error {
	checked := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if checked[task.EngineID] {
			continue
		}
		available, err := s.registry.IsAvailable(ctx, task.EngineID)
		if err != nil {
			return fmt.Errorf("failed to check engine %s: %w", task.EngineID, err)
		}
		if !available {
			return &EngineUnavailableError{EngineID: task.EngineID, Stage: task.Stage}
		}
		checked[task.EngineID] = true
	}
	return nil
}

// QueueTask dispatches one task: verifies the engine is available, injects
// the current trace context, marks the task ready, and appends the payload
// to the engine's queue.
func (s *Scheduler) QueueTask(ctx context.Context, task *models.Task, upstreamOutputs map[string]string, audioMetadata map[string]any) error {
	available, err := s.registry.IsAvailable(ctx, task.EngineID)
	if err != nil {
		return fmt.Errorf("failed to check engine %s: %w", task.EngineID, err)
	}
	if !available {
		return &EngineUnavailableError{EngineID: task.EngineID, Stage: task.Stage}
	}

	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	if len(carrier) > 0 {
		task.TraceContext = map[string]string(carrier)
	}

	// The row flips to ready before the push so a fast worker never observes
	// a claimed task still marked pending.
	if err := s.tasks.MarkQueued(ctx, task.ID, task.TraceContext); err != nil {
		return err
	}
	task.Status = models.TaskStatusReady
	task.Attempts++

	payload := &bus.TaskPayload{
		Task:            task,
		UpstreamOutputs: upstreamOutputs,
		AudioMetadata:   audioMetadata,
	}
	if err := s.queue.Push(ctx, task.EngineID, payload); err != nil {
		return err
	}

	slog.Info("Task queued",
		"task_id", task.ID,
		"job_id", task.JobID,
		"stage", task.Stage,
		"engine_id", task.EngineID)
	return nil
}

// RemoveFromQueue scrubs a not-yet-claimed task from its engine queue.
// Returns true if a queued payload was removed.
func (s *Scheduler) RemoveFromQueue(ctx context.Context, task *models.Task) (bool, error) {
	return s.queue.Remove(ctx, task.EngineID, task.ID)
}
