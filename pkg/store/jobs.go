// Package store implements the durable-store access layer over PostgreSQL.
// It is the single owner of SQL; callers work with pkg/models types and the
// sentinel errors in errors.go.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dalston-ai/dalston/pkg/models"
)

// JobStore persists transcription jobs.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a JobStore.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const jobColumns = `job_id, tenant_id, status, audio_ref, params, webhook_url,
	webhook_metadata, error_message, transcript_ref, created_at, updated_at, completed_at`

// Create inserts a new job in pending state.
func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal job params: %w", err)
	}
	var metadata []byte
	if job.WebhookMetadata != nil {
		if metadata, err = json.Marshal(job.WebhookMetadata); err != nil {
			return fmt.Errorf("failed to marshal webhook metadata: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (job_id, tenant_id, status, audio_ref, params, webhook_url, webhook_metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $8)`,
		job.ID, job.TenantID, job.Status, job.AudioRef, params, job.WebhookURL, metadata, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

// GetForTenant loads a job scoped to a tenant. Jobs owned by other tenants
// are indistinguishable from missing ones.
func (s *JobStore) GetForTenant(ctx context.Context, tenantID, jobID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 AND tenant_id = $2`, jobID, tenantID)
	return scanJob(row)
}

// Transition atomically moves a job from one of the allowed states to the
// target state. Returns false without error when the job is in none of the
// allowed states; callers use this for idempotent event replay.
func (s *JobStore) Transition(ctx context.Context, jobID string, to models.JobStatus, from ...models.JobStatus) (bool, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, updated_at = now() WHERE job_id = $1 AND status = ANY($3)`,
		jobID, to, allowed)
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s to %s: %w", jobID, to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Fail marks a job failed with an error message. No-op on terminal jobs.
func (s *JobStore) Fail(ctx context.Context, jobID, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, error_message = $3, updated_at = now(), completed_at = now()
		 WHERE job_id = $1 AND status NOT IN ($4, $5, $6)`,
		jobID, models.JobStatusFailed, errMsg,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled)
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s failed: %w", jobID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete marks a job completed with its final transcript reference.
func (s *JobStore) Complete(ctx context.Context, jobID, transcriptRef string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, transcript_ref = $3, updated_at = now(), completed_at = now()
		 WHERE job_id = $1 AND status IN ($4, $5)`,
		jobID, models.JobStatusCompleted, transcriptRef,
		models.JobStatusRunning, models.JobStatusCancelling)
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s completed: %w", jobID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCancelled finalizes a cancelling (or never-started) job.
func (s *JobStore) MarkCancelled(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, updated_at = now(), completed_at = now()
		 WHERE job_id = $1 AND status IN ($3, $4, $5)`,
		jobID, models.JobStatusCancelled,
		models.JobStatusPending, models.JobStatusRunning, models.JobStatusCancelling)
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s cancelled: %w", jobID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// scanJob reads one job row.
func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job        models.Job
		params     []byte
		metadata   []byte
		webhookURL *string
		errMsg     *string
		transcript *string
	)
	err := row.Scan(&job.ID, &job.TenantID, &job.Status, &job.AudioRef, &params,
		&webhookURL, &metadata, &errMsg, &transcript,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if err := json.Unmarshal(params, &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job params: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.WebhookMetadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal webhook metadata: %w", err)
		}
	}
	if webhookURL != nil {
		job.WebhookURL = *webhookURL
	}
	if errMsg != nil {
		job.Error = *errMsg
	}
	if transcript != nil {
		job.TranscriptRef = *transcript
	}
	return &job, nil
}

// ListStuckRunning returns running jobs whose last update is older than the
// threshold. Used by orphan detection; all replicas run it independently.
func (s *JobStore) ListStuckRunning(ctx context.Context, olderThan time.Duration) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND updated_at < $2`,
		models.JobStatusRunning, time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
