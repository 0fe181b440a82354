// Package realtime admits WebSocket audio sessions into a bounded pool of
// streaming workers. Worker records live on the bus; session history lives
// in the durable store.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/models"
)

// WorkerStaleAfter is how long a worker may go without a heartbeat before
// the health probe marks it unhealthy.
const WorkerStaleAfter = 30 * time.Second

const workersSetKey = "realtime:workers"

func workerKey(workerID string) string {
	return "realtime:worker:" + workerID
}

func sessionKey(sessionID string) string {
	return "realtime:session:" + sessionID
}

// WorkerRegistry tracks streaming workers on the bus.
type WorkerRegistry struct {
	rdb *redis.Client
}

// NewWorkerRegistry creates a registry on the bus connection.
func NewWorkerRegistry(b *bus.Bus) *WorkerRegistry {
	return &WorkerRegistry{rdb: b.Client()}
}

// Register announces a streaming worker. Re-registering refreshes the record
// but preserves the original registration time and live session count.
func (r *WorkerRegistry) Register(ctx context.Context, worker *models.RealtimeWorker) error {
	existing, err := r.Get(ctx, worker.ID)
	if err != nil {
		return err
	}
	now := time.Now()
	worker.LastHeartbeat = now
	worker.Healthy = true
	if existing != nil {
		worker.RegisteredAt = existing.RegisteredAt
		worker.SessionCount = existing.SessionCount
	} else if worker.RegisteredAt.IsZero() {
		worker.RegisteredAt = now
	}

	modelsJSON, err := json.Marshal(worker.Models)
	if err != nil {
		return fmt.Errorf("failed to marshal worker models: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, workersSetKey, worker.ID)
	pipe.HSet(ctx, workerKey(worker.ID), map[string]any{
		"id":             worker.ID,
		"endpoint":       worker.Endpoint,
		"capacity":       worker.Capacity,
		"session_count":  worker.SessionCount,
		"healthy":        "true",
		"models":         string(modelsJSON),
		"last_heartbeat": worker.LastHeartbeat.Format(time.RFC3339Nano),
		"registered_at":  worker.RegisteredAt.Format(time.RFC3339Nano),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", worker.ID, err)
	}

	slog.Info("Realtime worker registered",
		"worker_id", worker.ID,
		"endpoint", worker.Endpoint,
		"capacity", worker.Capacity)
	return nil
}

// Heartbeat refreshes a worker's liveness and re-marks it healthy.
func (r *WorkerRegistry) Heartbeat(ctx context.Context, workerID string) error {
	err := r.rdb.HSet(ctx, workerKey(workerID), map[string]any{
		"healthy":        "true",
		"last_heartbeat": time.Now().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to heartbeat worker %s: %w", workerID, err)
	}
	return nil
}

// Unregister removes a worker record.
func (r *WorkerRegistry) Unregister(ctx context.Context, workerID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, workersSetKey, workerID)
	pipe.Del(ctx, workerKey(workerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister worker %s: %w", workerID, err)
	}
	return nil
}

// Get loads one worker record, or nil when absent.
func (r *WorkerRegistry) Get(ctx context.Context, workerID string) (*models.RealtimeWorker, error) {
	fields, err := r.rdb.HGetAll(ctx, workerKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load worker %s: %w", workerID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseWorker(fields)
}

// List returns every registered worker.
func (r *WorkerRegistry) List(ctx context.Context) ([]*models.RealtimeWorker, error) {
	ids, err := r.rdb.SMembers(ctx, workersSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	var workers []*models.RealtimeWorker
	for _, id := range ids {
		worker, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if worker != nil {
			workers = append(workers, worker)
		}
	}
	return workers, nil
}

// AdjustSessions atomically moves a worker's session count by delta and
// returns the new count.
func (r *WorkerRegistry) AdjustSessions(ctx context.Context, workerID string, delta int) (int, error) {
	n, err := r.rdb.HIncrBy(ctx, workerKey(workerID), "session_count", int64(delta)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to adjust sessions for worker %s: %w", workerID, err)
	}
	return int(n), nil
}

// RecordSession mirrors an active session on the bus so streaming workers
// can resolve routing without a durable-store connection.
func (r *WorkerRegistry) RecordSession(ctx context.Context, session *models.RealtimeSession) error {
	err := r.rdb.HSet(ctx, sessionKey(session.ID), map[string]any{
		"id":         session.ID,
		"worker_id":  session.WorkerID,
		"tenant_id":  session.TenantID,
		"model":      session.Model,
		"started_at": session.StartedAt.Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", session.ID, err)
	}
	return nil
}

// ClearSession drops the bus mirror once a session settles.
func (r *WorkerRegistry) ClearSession(ctx context.Context, sessionID string) error {
	if err := r.rdb.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear session %s: %w", sessionID, err)
	}
	return nil
}

// MarkUnhealthy flags a worker so the router stops routing to it.
func (r *WorkerRegistry) MarkUnhealthy(ctx context.Context, workerID string) error {
	err := r.rdb.HSet(ctx, workerKey(workerID), "healthy", "false").Err()
	if err != nil {
		return fmt.Errorf("failed to mark worker %s unhealthy: %w", workerID, err)
	}
	return nil
}

func parseWorker(fields map[string]string) (*models.RealtimeWorker, error) {
	worker := &models.RealtimeWorker{
		ID:       fields["id"],
		Endpoint: fields["endpoint"],
		Healthy:  fields["healthy"] == "true",
	}
	var err error
	if worker.Capacity, err = strconv.Atoi(fields["capacity"]); err != nil {
		return nil, fmt.Errorf("failed to parse worker capacity: %w", err)
	}
	if raw := fields["session_count"]; raw != "" {
		if worker.SessionCount, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("failed to parse worker session count: %w", err)
		}
	}
	if raw := fields["models"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &worker.Models); err != nil {
			return nil, fmt.Errorf("failed to unmarshal worker models: %w", err)
		}
	}
	if raw := fields["last_heartbeat"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse worker last_heartbeat: %w", err)
		}
		worker.LastHeartbeat = t
	}
	if raw := fields["registered_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse worker registered_at: %w", err)
		}
		worker.RegisteredAt = t
	}
	return worker, nil
}
