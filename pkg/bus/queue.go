package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/pkg/models"
)

// ErrQueueEmpty is returned by a claim that timed out with no work.
var ErrQueueEmpty = errors.New("queue empty")

// QueueKey returns the Redis list key for an engine's task queue.
func QueueKey(engineID string) string {
	return "queue:" + engineID
}

// TaskPayload is the message appended to an engine queue. It carries the
// full task record, the outputs of its dependencies keyed by task id, and
// audio metadata so engines never need a durable-store connection.
type TaskPayload struct {
	Task            *models.Task      `json:"task"`
	UpstreamOutputs map[string]string `json:"upstream_outputs,omitempty"`
	AudioMetadata   map[string]any    `json:"audio_metadata,omitempty"`
}

// TaskQueue moves task payloads on and off the per-engine FIFO lists.
type TaskQueue struct {
	rdb *redis.Client
}

// NewTaskQueue creates a TaskQueue on the bus connection.
func NewTaskQueue(b *Bus) *TaskQueue {
	return &TaskQueue{rdb: b.rdb}
}

// Push appends a payload to the engine's queue. LPUSH + BRPOP keeps FIFO
// order.
func (q *TaskQueue) Push(ctx context.Context, engineID string, payload *TaskPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}
	if err := q.rdb.LPush(ctx, QueueKey(engineID), data).Err(); err != nil {
		return fmt.Errorf("failed to push task %s to %s: %w", payload.Task.ID, QueueKey(engineID), err)
	}
	return nil
}

// Claim blocks up to timeout for the next payload on the engine's queue.
// Claiming is atomic: exactly one consumer receives each payload.
func (q *TaskQueue) Claim(ctx context.Context, engineID string, timeout time.Duration) (*TaskPayload, error) {
	res, err := q.rdb.BRPop(ctx, timeout, QueueKey(engineID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("failed to claim from %s: %w", QueueKey(engineID), err)
	}
	// BRPOP returns [key, value].
	var payload TaskPayload
	if err := json.Unmarshal([]byte(res[1]), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	return &payload, nil
}

// Remove scrubs a not-yet-claimed task from the engine's queue. The list
// scan is O(n); queues are short-lived so this is acceptable. Returns true
// if an entry was removed.
func (q *TaskQueue) Remove(ctx context.Context, engineID, taskID string) (bool, error) {
	key := QueueKey(engineID)
	entries, err := q.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to scan %s: %w", key, err)
	}
	for _, entry := range entries {
		var payload TaskPayload
		if err := json.Unmarshal([]byte(entry), &payload); err != nil {
			continue
		}
		if payload.Task != nil && payload.Task.ID == taskID {
			removed, err := q.rdb.LRem(ctx, key, 1, entry).Result()
			if err != nil {
				return false, fmt.Errorf("failed to remove task %s from %s: %w", taskID, key, err)
			}
			return removed > 0, nil
		}
	}
	return false, nil
}

// Depth returns the number of queued payloads for an engine.
func (q *TaskQueue) Depth(ctx context.Context, engineID string) (int, error) {
	n, err := q.rdb.LLen(ctx, QueueKey(engineID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", QueueKey(engineID), err)
	}
	return int(n), nil
}
