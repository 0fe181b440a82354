package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/models"
)

func TestTaskStoreBatchAndList(t *testing.T) {
	pool := testPool(t)
	jobs := NewJobStore(pool)
	tasks := NewTaskStore(pool)
	ctx := context.Background()

	job := insertJob(t, jobs, "tenant-a", models.JobStatusPending)

	base := time.Now()
	prepare := &models.Task{
		ID: newID(), JobID: job.ID,
		Stage: models.StagePrepare, EngineID: "audio-prep",
		Status: models.TaskStatusPending, CreatedAt: base,
	}
	transcribe := &models.Task{
		ID: newID(), JobID: job.ID,
		Stage: models.StageTranscribe, EngineID: "faster-whisper",
		DependsOn: []string{prepare.ID},
		Status:    models.TaskStatusPending,
		Config:    map[string]string{models.ConfigKeyRuntimeModel: "base", "language": "en"},
		CreatedAt: base.Add(time.Millisecond),
	}
	require.NoError(t, tasks.CreateBatch(ctx, []*models.Task{prepare, transcribe}))

	listed, err := tasks.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, models.StagePrepare, listed[0].Stage)
	assert.Equal(t, models.StageTranscribe, listed[1].Stage)
	assert.Equal(t, []string{prepare.ID}, listed[1].DependsOn)
	assert.Equal(t, "base", listed[1].Config[models.ConfigKeyRuntimeModel])
}

func TestTaskStoreMarkQueued(t *testing.T) {
	pool := testPool(t)
	jobs := NewJobStore(pool)
	tasks := NewTaskStore(pool)
	ctx := context.Background()

	job := insertJob(t, jobs, "tenant-a", models.JobStatusPending)
	task := &models.Task{
		ID: newID(), JobID: job.ID,
		Stage: models.StagePrepare, EngineID: "audio-prep",
		Status: models.TaskStatusPending, CreatedAt: time.Now(),
	}
	require.NoError(t, tasks.CreateBatch(ctx, []*models.Task{task}))

	trace := map[string]string{"traceparent": "00-abc-def-01"}
	require.NoError(t, tasks.MarkQueued(ctx, task.ID, trace))
	require.NoError(t, tasks.MarkQueued(ctx, task.ID, nil))

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, got.Status)
	assert.Equal(t, 2, got.Attempts)
	// A nil trace context never clears a previously stored one.
	assert.Equal(t, trace, got.TraceContext)
}

func TestTaskStoreGuardedCompletion(t *testing.T) {
	pool := testPool(t)
	jobs := NewJobStore(pool)
	tasks := NewTaskStore(pool)
	ctx := context.Background()

	job := insertJob(t, jobs, "tenant-a", models.JobStatusRunning)
	task := &models.Task{
		ID: newID(), JobID: job.ID,
		Stage: models.StageMerge, EngineID: "merge",
		Status: models.TaskStatusRunning, CreatedAt: time.Now(),
	}
	require.NoError(t, tasks.CreateBatch(ctx, []*models.Task{task}))

	applied, err := tasks.Complete(ctx, task.ID, "blob://sha256/out")
	require.NoError(t, err)
	assert.True(t, applied)

	// A replayed completion event is absorbed.
	applied, err = tasks.Complete(ctx, task.ID, "blob://sha256/other")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = tasks.MarkFailed(ctx, task.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, "blob://sha256/out", got.OutputRef)
}

func TestTaskStoreSkipNonTerminal(t *testing.T) {
	pool := testPool(t)
	jobs := NewJobStore(pool)
	tasks := NewTaskStore(pool)
	ctx := context.Background()

	job := insertJob(t, jobs, "tenant-a", models.JobStatusRunning)
	batch := []*models.Task{
		{ID: newID(), JobID: job.ID, Stage: models.StagePrepare, EngineID: "audio-prep",
			Status: models.TaskStatusCompleted, CreatedAt: time.Now()},
		{ID: newID(), JobID: job.ID, Stage: models.StageTranscribe, EngineID: "faster-whisper",
			Status: models.TaskStatusRunning, CreatedAt: time.Now()},
		{ID: newID(), JobID: job.ID, Stage: models.StageMerge, EngineID: "merge",
			Status: models.TaskStatusPending, CreatedAt: time.Now()},
	}
	require.NoError(t, tasks.CreateBatch(ctx, batch))

	count, err := tasks.CountNonTerminal(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	skipped, err := tasks.SkipNonTerminal(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)

	count, err = tasks.CountNonTerminal(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// The completed task keeps its state.
	got, err := tasks.Get(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
}
