package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/models"
)

// handleJobCreated expands the job into its task pipeline and queues every
// task with no dependencies. Replays are no-ops: the job has left pending by
// the time a duplicate arrives.
func (o *Orchestrator) handleJobCreated(ctx context.Context, event bus.Event) error {
	job, err := o.jobs.Get(ctx, event.JobID)
	if err != nil {
		return err
	}

	// A cancel can land between submit and this handler. Settle the job as
	// cancelled instead of starting work.
	if job.Status == models.JobStatusCancelling || job.Status == models.JobStatusCancelled {
		if applied, err := o.jobs.MarkCancelled(ctx, job.ID); err != nil {
			return err
		} else if applied || job.Status == models.JobStatusCancelled {
			o.publishJobEvent(ctx, bus.EventJobCancelled, job.ID, "")
		}
		return nil
	}
	if job.Status != models.JobStatusPending {
		return nil
	}

	tasks, err := o.builder.BuildTasks(ctx, job)
	if err != nil {
		if IsPipelineError(err) {
			return o.failJob(ctx, job.ID, err.Error())
		}
		return err
	}
	// Fail fast on any absent engine, including ones whose stage only runs
	// after dependencies finish. No task rows exist yet at this point.
	if err := o.scheduler.VerifyEngines(ctx, tasks); err != nil {
		if IsPipelineError(err) {
			return o.failJob(ctx, job.ID, err.Error())
		}
		return err
	}
	if err := o.tasks.CreateBatch(ctx, tasks); err != nil {
		return err
	}
	if _, err := o.jobs.Transition(ctx, job.ID, models.JobStatusRunning, models.JobStatusPending); err != nil {
		return err
	}

	meta := audioMetadata(job)
	for _, task := range tasks {
		if len(task.DependsOn) > 0 {
			continue
		}
		if err := o.scheduler.QueueTask(ctx, task, nil, meta); err != nil {
			if IsPipelineError(err) {
				return o.failJob(ctx, job.ID, err.Error())
			}
			return err
		}
	}

	slog.Info("Job pipeline started", "job_id", job.ID, "tasks", len(tasks))
	return nil
}

// handleTaskCompleted records a task's output and queues every downstream
// task whose dependencies are now satisfied. Under a cancelling job it only
// drains: the task is settled and the job moves to cancelled (or completed,
// if the finishing task was the final stage) once nothing remains running.
func (o *Orchestrator) handleTaskCompleted(ctx context.Context, event bus.Event) error {
	task, err := o.tasks.Get(ctx, event.TaskID)
	if err != nil {
		return err
	}
	job, err := o.jobs.Get(ctx, task.JobID)
	if err != nil {
		return err
	}

	applied, err := o.tasks.Complete(ctx, task.ID, event.OutputRef)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if job.Status == models.JobStatusCancelling {
		if task.Stage == models.StageMerge {
			if applied, err := o.jobs.Complete(ctx, job.ID, event.OutputRef); err != nil {
				return err
			} else if applied {
				o.publishJobEvent(ctx, bus.EventJobCompleted, job.ID, "")
			}
			return nil
		}
		remaining, err := o.tasks.CountNonTerminal(ctx, job.ID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			if applied, err := o.jobs.MarkCancelled(ctx, job.ID); err != nil {
				return err
			} else if applied {
				o.publishJobEvent(ctx, bus.EventJobCancelled, job.ID, "")
			}
		}
		return nil
	}
	if job.Status.Terminal() {
		// Late completion after the job already settled; the row is updated
		// for audit but nothing further runs.
		return nil
	}

	if task.Stage == models.StageMerge {
		if applied, err := o.jobs.Complete(ctx, job.ID, event.OutputRef); err != nil {
			return err
		} else if applied {
			o.publishJobEvent(ctx, bus.EventJobCompleted, job.ID, "")
		}
		return nil
	}

	return o.queueUnblocked(ctx, job)
}

// queueUnblocked queues every pending task whose dependencies have all
// completed, feeding each the outputs of its dependencies.
func (o *Orchestrator) queueUnblocked(ctx context.Context, job *models.Job) error {
	all, err := o.tasks.ListByJob(ctx, job.ID)
	if err != nil {
		return err
	}

	outputs := make(map[string]string)
	for _, t := range all {
		if t.Status == models.TaskStatusCompleted {
			outputs[t.ID] = t.OutputRef
		}
	}

	meta := audioMetadata(job)
	for _, t := range all {
		if t.Status != models.TaskStatusPending || !depsSatisfied(t, outputs) {
			continue
		}
		upstream := make(map[string]string, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			upstream[dep] = outputs[dep]
		}
		if err := o.scheduler.QueueTask(ctx, t, upstream, meta); err != nil {
			if IsPipelineError(err) {
				return o.failJob(ctx, job.ID, err.Error())
			}
			return err
		}
	}
	return nil
}

// depsSatisfied reports whether every dependency has a completed output.
func depsSatisfied(task *models.Task, outputs map[string]string) bool {
	for _, dep := range task.DependsOn {
		if _, ok := outputs[dep]; !ok {
			return false
		}
	}
	return true
}

// handleTaskFailed fails the job and skips every non-terminal sibling.
// There is no per-task retry here; engines retry internally by idempotent
// re-consumption before publishing task.failed.
func (o *Orchestrator) handleTaskFailed(ctx context.Context, event bus.Event) error {
	task, err := o.tasks.Get(ctx, event.TaskID)
	if err != nil {
		return err
	}

	errMsg := event.Error
	if errMsg == "" {
		errMsg = fmt.Sprintf("stage %s failed", task.Stage)
	}
	if _, err := o.tasks.MarkFailed(ctx, task.ID, errMsg); err != nil {
		return err
	}
	return o.failJob(ctx, task.JobID, errMsg)
}

// failJob settles a job as failed, skips its remaining tasks, and publishes
// job.failed. Idempotent: a job already terminal is left untouched.
func (o *Orchestrator) failJob(ctx context.Context, jobID, errMsg string) error {
	applied, err := o.jobs.Fail(ctx, jobID, errMsg)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if _, err := o.tasks.SkipNonTerminal(ctx, jobID); err != nil {
		return err
	}
	o.publishJobEvent(ctx, bus.EventJobFailed, jobID, errMsg)
	slog.Warn("Job failed", "job_id", jobID, "error", errMsg)
	return nil
}

// handleCancelRequested moves the job into cancelling, scrubs queued tasks,
// and settles the job immediately when nothing is left running. Tasks a
// worker already claimed are left to finish; the drain in
// handleTaskCompleted settles the job afterwards.
func (o *Orchestrator) handleCancelRequested(ctx context.Context, event bus.Event) error {
	job, err := o.jobs.Get(ctx, event.JobID)
	if err != nil {
		return err
	}

	applied, err := o.jobs.Transition(ctx, job.ID, models.JobStatusCancelling,
		models.JobStatusPending, models.JobStatusRunning)
	if err != nil {
		return err
	}
	if !applied && job.Status != models.JobStatusCancelling {
		return nil
	}

	all, err := o.tasks.ListByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	for _, t := range all {
		switch t.Status {
		case models.TaskStatusPending:
			if _, err := o.tasks.Transition(ctx, t.ID, models.TaskStatusCancelled, models.TaskStatusPending); err != nil {
				return err
			}
		case models.TaskStatusReady:
			removed, err := o.scheduler.RemoveFromQueue(ctx, t)
			if err != nil {
				return err
			}
			if !removed {
				// Claimed between listing and scrub; it finishes naturally.
				continue
			}
			if _, err := o.tasks.Transition(ctx, t.ID, models.TaskStatusCancelled, models.TaskStatusReady); err != nil {
				return err
			}
		}
	}

	remaining, err := o.tasks.CountNonTerminal(ctx, job.ID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if applied, err := o.jobs.MarkCancelled(ctx, job.ID); err != nil {
			return err
		} else if applied {
			o.publishJobEvent(ctx, bus.EventJobCancelled, job.ID, "")
		}
	}

	slog.Info("Job cancellation processed", "job_id", job.ID, "remaining_tasks", remaining)
	return nil
}

// handleJobTerminal enqueues webhook deliveries for a settled job.
func (o *Orchestrator) handleJobTerminal(ctx context.Context, event bus.Event) error {
	if o.webhooks == nil {
		return nil
	}
	job, err := o.jobs.Get(ctx, event.JobID)
	if err != nil {
		return err
	}

	var webhookEvent string
	switch event.Type {
	case bus.EventJobCompleted:
		webhookEvent = models.WebhookEventCompleted
	case bus.EventJobFailed:
		webhookEvent = models.WebhookEventFailed
	case bus.EventJobCancelled:
		webhookEvent = models.WebhookEventCancelled
	default:
		return nil
	}
	return o.webhooks.EnqueueJobEvent(ctx, job, webhookEvent)
}

// audioMetadata is the job context engines receive alongside each task, so
// they never need a durable-store connection.
func audioMetadata(job *models.Job) map[string]any {
	meta := map[string]any{
		"audio_ref": job.AudioRef,
		"model":     job.Params.Model,
	}
	if job.Params.Language != "" {
		meta["language"] = job.Params.Language
	}
	return meta
}
