package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dalston-ai/dalston/pkg/models"
)

// TaskStore persists pipeline tasks.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates a TaskStore.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

const taskColumns = `task_id, job_id, stage, engine_id, depends_on, status, config,
	output_ref, error_message, attempts, trace_context, created_at, updated_at`

// CreateBatch inserts a job's task list in one transaction so a partially
// persisted DAG can never be observed.
func (s *TaskStore) CreateBatch(ctx context.Context, tasks []*models.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, task := range tasks {
		deps, err := json.Marshal(task.DependsOn)
		if err != nil {
			return fmt.Errorf("failed to marshal task dependencies: %w", err)
		}
		cfg, err := json.Marshal(task.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal task config: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO tasks (task_id, job_id, stage, engine_id, depends_on, status, config, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			task.ID, task.JobID, task.Stage, task.EngineID, deps, task.Status, cfg, task.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit task batch: %w", err)
	}
	return nil
}

// Get loads a task by id.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	return scanTask(row)
}

// ListByJob returns all tasks of a job in creation order.
func (s *TaskStore) ListByJob(ctx context.Context, jobID string) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY created_at, task_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Transition atomically moves a task from one of the allowed states to the
// target. Returns false when the task was in none of the allowed states;
// that is how replayed events become no-ops.
func (s *TaskStore) Transition(ctx context.Context, taskID string, to models.TaskStatus, from ...models.TaskStatus) (bool, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = now() WHERE task_id = $1 AND status = ANY($3)`,
		taskID, to, allowed)
	if err != nil {
		return false, fmt.Errorf("failed to transition task %s to %s: %w", taskID, to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkQueued records the ready transition and the trace context injected at
// queue time, bumping the attempt counter.
func (s *TaskStore) MarkQueued(ctx context.Context, taskID string, traceContext map[string]string) error {
	var trace []byte
	if traceContext != nil {
		var err error
		if trace, err = json.Marshal(traceContext); err != nil {
			return fmt.Errorf("failed to marshal trace context: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, trace_context = COALESCE($3, trace_context),
		 attempts = attempts + 1, updated_at = now() WHERE task_id = $1`,
		taskID, models.TaskStatusReady, trace)
	if err != nil {
		return fmt.Errorf("failed to mark task %s queued: %w", taskID, err)
	}
	return nil
}

// Complete marks a task completed and stores its output reference. Returns
// false if the task had already reached a terminal state.
func (s *TaskStore) Complete(ctx context.Context, taskID, outputRef string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, output_ref = $3, updated_at = now()
		 WHERE task_id = $1 AND status NOT IN ($4, $5, $6, $7)`,
		taskID, models.TaskStatusCompleted, outputRef,
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled, models.TaskStatusSkipped)
	if err != nil {
		return false, fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed records a task failure. Returns false on terminal tasks.
func (s *TaskStore) MarkFailed(ctx context.Context, taskID, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, error_message = $3, updated_at = now()
		 WHERE task_id = $1 AND status NOT IN ($4, $5, $6, $7)`,
		taskID, models.TaskStatusFailed, errMsg,
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled, models.TaskStatusSkipped)
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s failed: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SkipNonTerminal marks every not-yet-terminal sibling of a failed task as
// skipped. Running tasks are included: their eventual completion events are
// ignored by the transition guards.
func (s *TaskStore) SkipNonTerminal(ctx context.Context, jobID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = now()
		 WHERE job_id = $1 AND status IN ($3, $4, $5)`,
		jobID, models.TaskStatusSkipped,
		models.TaskStatusPending, models.TaskStatusReady, models.TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to skip tasks for job %s: %w", jobID, err)
	}
	return int(tag.RowsAffected()), nil
}

// CountNonTerminal returns how many of a job's tasks are still in flight.
func (s *TaskStore) CountNonTerminal(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE job_id = $1 AND status IN ($2, $3, $4)`,
		jobID, models.TaskStatusPending, models.TaskStatusReady, models.TaskStatusRunning).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count non-terminal tasks for job %s: %w", jobID, err)
	}
	return count, nil
}

// scanTask reads one task row.
func scanTask(row pgx.Row) (*models.Task, error) {
	var (
		task   models.Task
		deps   []byte
		cfg    []byte
		output *string
		errMsg *string
		trace  []byte
	)
	err := row.Scan(&task.ID, &task.JobID, &task.Stage, &task.EngineID, &deps, &task.Status,
		&cfg, &output, &errMsg, &task.Attempts, &trace, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if err := json.Unmarshal(deps, &task.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task dependencies: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &task.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task config: %w", err)
		}
	}
	if len(trace) > 0 {
		if err := json.Unmarshal(trace, &task.TraceContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trace context: %w", err)
		}
	}
	if output != nil {
		task.OutputRef = *output
	}
	if errMsg != nil {
		task.Error = *errMsg
	}
	return &task, nil
}
