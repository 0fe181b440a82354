package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/models"
)

func insertJob(t *testing.T, jobs *JobStore, tenantID string, status models.JobStatus) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:        newID(),
		TenantID:  tenantID,
		Status:    models.JobStatusPending,
		AudioRef:  "blob://sha256/abc",
		Params:    models.JobParams{Model: "fast", Language: "en", WordTimestamps: true},
		CreatedAt: time.Now(),
	}
	require.NoError(t, jobs.Create(context.Background(), job))
	if status != models.JobStatusPending {
		_, err := jobs.Transition(context.Background(), job.ID, status, models.JobStatusPending)
		require.NoError(t, err)
		job.Status = status
	}
	return job
}

func TestJobStoreRoundTrip(t *testing.T) {
	pool := testPool(t)
	jobs := NewJobStore(pool)
	ctx := context.Background()

	job := &models.Job{
		ID:              newID(),
		TenantID:        "tenant-a",
		Status:          models.JobStatusPending,
		AudioRef:        "blob://sha256/abc",
		Params:          models.JobParams{Model: "accurate", Diarize: true},
		WebhookURL:      "https://example.com/hook",
		WebhookMetadata: map[string]any{"order": "42"},
		CreatedAt:       time.Now(),
	}
	require.NoError(t, jobs.Create(ctx, job))

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, "accurate", got.Params.Model)
	assert.True(t, got.Params.Diarize)
	assert.Equal(t, "https://example.com/hook", got.WebhookURL)
	assert.Equal(t, map[string]any{"order": "42"}, got.WebhookMetadata)
	assert.Nil(t, got.CompletedAt)

	_, err = jobs.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobStoreTenantScoping(t *testing.T) {
	pool := testPool(t)
	jobs := NewJobStore(pool)
	ctx := context.Background()

	job := insertJob(t, jobs, "tenant-a", models.JobStatusPending)

	got, err := jobs.GetForTenant(ctx, "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = jobs.GetForTenant(ctx, "tenant-b", job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobStoreGuardedTransitions(t *testing.T) {
	pool := testPool(t)
	jobs := NewJobStore(pool)
	ctx := context.Background()

	job := insertJob(t, jobs, "tenant-a", models.JobStatusPending)

	applied, err := jobs.Transition(ctx, job.ID, models.JobStatusRunning, models.JobStatusPending)
	require.NoError(t, err)
	assert.True(t, applied)

	// Replaying the same transition is a no-op.
	applied, err = jobs.Transition(ctx, job.ID, models.JobStatusRunning, models.JobStatusPending)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = jobs.Complete(ctx, job.ID, "blob://sha256/transcript")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = jobs.Complete(ctx, job.ID, "blob://sha256/other")
	require.NoError(t, err)
	assert.False(t, applied)

	// Terminal jobs are immutable.
	applied, err = jobs.Fail(ctx, job.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = jobs.MarkCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "blob://sha256/transcript", got.TranscriptRef)
	assert.NotNil(t, got.CompletedAt)
}

func TestJobStoreFail(t *testing.T) {
	pool := testPool(t)
	jobs := NewJobStore(pool)
	ctx := context.Background()

	job := insertJob(t, jobs, "tenant-a", models.JobStatusPending)

	applied, err := jobs.Fail(ctx, job.ID, "Engine 'faster-whisper' is not available.")
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "Engine 'faster-whisper' is not available.", got.Error)
}

func TestJobStoreListStuckRunning(t *testing.T) {
	pool := testPool(t)
	jobs := NewJobStore(pool)
	ctx := context.Background()

	running := insertJob(t, jobs, "tenant-a", models.JobStatusRunning)
	insertJob(t, jobs, "tenant-a", models.JobStatusPending)

	time.Sleep(50 * time.Millisecond)
	stuck, err := jobs.ListStuckRunning(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, running.ID, stuck[0].ID)

	stuck, err = jobs.ListStuckRunning(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}
