package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/models"
)

// JobStore is the durable job table surface the orchestrator mutates.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*models.Job, error)
	Transition(ctx context.Context, jobID string, to models.JobStatus, from ...models.JobStatus) (bool, error)
	Fail(ctx context.Context, jobID, errMsg string) (bool, error)
	Complete(ctx context.Context, jobID, transcriptRef string) (bool, error)
	MarkCancelled(ctx context.Context, jobID string) (bool, error)
	ListStuckRunning(ctx context.Context, olderThan time.Duration) ([]*models.Job, error)
}

// TaskStore is the durable task table surface the orchestrator mutates.
type TaskStore interface {
	CreateBatch(ctx context.Context, tasks []*models.Task) error
	Get(ctx context.Context, taskID string) (*models.Task, error)
	ListByJob(ctx context.Context, jobID string) ([]*models.Task, error)
	Transition(ctx context.Context, taskID string, to models.TaskStatus, from ...models.TaskStatus) (bool, error)
	Complete(ctx context.Context, taskID, outputRef string) (bool, error)
	MarkFailed(ctx context.Context, taskID, errMsg string) (bool, error)
	SkipNonTerminal(ctx context.Context, jobID string) (int, error)
	CountNonTerminal(ctx context.Context, jobID string) (int, error)
}

// Publisher emits lifecycle events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, event bus.Event) error
}

// WebhookEnqueuer inserts pending delivery rows for a terminal job event.
type WebhookEnqueuer interface {
	EnqueueJobEvent(ctx context.Context, job *models.Job, eventType string) error
}

// maxJobRuntime bounds how long a job may sit in running/cancelling before
// the orphan sweep fails it. Engines that die without publishing task.failed
// leave jobs stuck otherwise.
const maxJobRuntime = 2 * time.Hour

// orphanSweepInterval is how often the orphan sweep runs.
const orphanSweepInterval = time.Minute

// Orchestrator reacts to bus events and drives the job state machine.
type Orchestrator struct {
	jobs      JobStore
	tasks     TaskStore
	builder   *Builder
	scheduler *Scheduler
	publisher Publisher
	webhooks  WebhookEnqueuer

	subscriber *bus.Subscriber

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New wires an orchestrator. The webhook enqueuer may be nil in tests.
func New(jobs JobStore, tasks TaskStore, builder *Builder, scheduler *Scheduler, publisher Publisher, webhooks WebhookEnqueuer, subscriber *bus.Subscriber) *Orchestrator {
	return &Orchestrator{
		jobs:       jobs,
		tasks:      tasks,
		builder:    builder,
		scheduler:  scheduler,
		publisher:  publisher,
		webhooks:   webhooks,
		subscriber: subscriber,
	}
}

// Start registers event handlers, starts the bus subscription, and launches
// the orphan sweep.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.subscriber.Handle(bus.EventJobCreated, o.handleJobCreated)
	o.subscriber.Handle(bus.EventTaskCompleted, o.handleTaskCompleted)
	o.subscriber.Handle(bus.EventTaskFailed, o.handleTaskFailed)
	o.subscriber.Handle(bus.EventJobCancelRequested, o.handleCancelRequested)
	o.subscriber.Handle(bus.EventJobCompleted, o.handleJobTerminal)
	o.subscriber.Handle(bus.EventJobFailed, o.handleJobTerminal)
	o.subscriber.Handle(bus.EventJobCancelled, o.handleJobTerminal)

	if err := o.subscriber.Start(ctx); err != nil {
		return err
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.runOrphanSweep(sweepCtx)

	slog.Info("Orchestrator started")
	return nil
}

// Stop halts the subscription and the orphan sweep.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.subscriber.Stop()
		if o.cancel != nil {
			o.cancel()
		}
		if o.done != nil {
			<-o.done
		}
		slog.Info("Orchestrator stopped")
	})
}

// runOrphanSweep periodically reconciles jobs stuck in running/cancelling:
// jobs whose tasks all reached a terminal state get settled, jobs past the
// runtime bound get failed.
func (o *Orchestrator) runOrphanSweep(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepOrphans(ctx)
		}
	}
}

func (o *Orchestrator) sweepOrphans(ctx context.Context) {
	stuck, err := o.jobs.ListStuckRunning(ctx, maxJobRuntime)
	if err != nil {
		slog.Error("Orphan sweep failed to list jobs", "error", err)
		return
	}
	for _, job := range stuck {
		if applied, err := o.jobs.Fail(ctx, job.ID, "job exceeded maximum runtime"); err != nil {
			slog.Error("Orphan sweep failed to fail job", "job_id", job.ID, "error", err)
		} else if applied {
			if _, err := o.tasks.SkipNonTerminal(ctx, job.ID); err != nil {
				slog.Error("Orphan sweep failed to skip tasks", "job_id", job.ID, "error", err)
			}
			o.publishJobEvent(ctx, bus.EventJobFailed, job.ID, "job exceeded maximum runtime")
			slog.Warn("Orphaned job failed by sweep", "job_id", job.ID)
		}
	}
}

// publishJobEvent emits a job lifecycle event, logging publish failures
// rather than propagating them: the durable store is already updated and a
// lost event is recovered by the orphan sweep.
func (o *Orchestrator) publishJobEvent(ctx context.Context, eventType, jobID, errMsg string) {
	event := bus.NewEvent(eventType)
	event.JobID = jobID
	event.Error = errMsg
	if err := o.publisher.Publish(ctx, event); err != nil {
		slog.Error("Failed to publish job event", "type", eventType, "job_id", jobID, "error", err)
	}
}
