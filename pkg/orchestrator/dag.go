// Package orchestrator drives the job state machine: it expands submitted
// jobs into task pipelines, dispatches ready tasks to engine queues, and
// reacts to lifecycle events from the bus.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dalston-ai/dalston/pkg/engine"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/store"
)

// Catalog answers the two questions pipeline construction asks: which engine
// serves a model, and which engine serves a stage.
type Catalog interface {
	ResolveModel(ctx context.Context, model string) (engine.ModelBinding, error)
	EngineForStage(ctx context.Context, stage models.Stage) (string, error)
}

// Builder expands a job into a linear task pipeline.
type Builder struct {
	catalog Catalog
}

// NewBuilder creates a pipeline builder over the catalog.
func NewBuilder(catalog Catalog) *Builder {
	return &Builder{catalog: catalog}
}

// BuildTasks produces the task list for a job: a linear chain in stage order,
// each task depending on its predecessor. The align stage is elided when the
// transcribe engine natively emits word timestamps.
func (b *Builder) BuildTasks(ctx context.Context, job *models.Job) ([]*models.Task, error) {
	binding, err := b.catalog.ResolveModel(ctx, job.Params.Model)
	if err != nil {
		var ve *store.ValidationError
		if errors.As(err, &ve) {
			return nil, &InvalidPipelineConfigError{Reason: ve.Message}
		}
		return nil, err
	}

	stages := pipelineStages(job.Params, binding.NativeWordTimestamps)

	now := time.Now()
	tasks := make([]*models.Task, 0, len(stages))
	var prevID string
	for _, stage := range stages {
		engineID := binding.Runtime
		if stage != models.StageTranscribe {
			engineID, err = b.catalog.EngineForStage(ctx, stage)
			if err != nil {
				return nil, err
			}
			if engineID == "" {
				return nil, &EngineUnavailableError{Stage: stage}
			}
		}

		task := &models.Task{
			ID:        uuid.New().String(),
			JobID:     job.ID,
			Stage:     stage,
			EngineID:  engineID,
			Status:    models.TaskStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if prevID != "" {
			task.DependsOn = []string{prevID}
		}
		if stage == models.StageTranscribe {
			task.Config = map[string]string{
				models.ConfigKeyRuntimeModel: binding.RuntimeModelID,
			}
			if job.Params.Language != "" {
				task.Config["language"] = job.Params.Language
			}
		}
		tasks = append(tasks, task)
		prevID = task.ID
	}
	return tasks, nil
}

// pipelineStages selects the stage template for the requested features.
// Word timestamps and diarization both need alignment unless the transcribe
// engine emits word timings natively.
func pipelineStages(params models.JobParams, nativeWordTimestamps bool) []models.Stage {
	stages := []models.Stage{models.StagePrepare, models.StageTranscribe}
	needsAlign := params.WordTimestamps || params.Diarize
	if needsAlign && !nativeWordTimestamps {
		stages = append(stages, models.StageAlign)
	}
	if params.Diarize {
		stages = append(stages, models.StageDiarize)
	}
	if params.LLMCleanup {
		stages = append(stages, models.StageCleanup)
	}
	return append(stages, models.StageMerge)
}
