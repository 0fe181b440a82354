// Package engine tracks live engine workers and resolves model ids to
// concrete runtimes. Registrations live in the bus as hashes with a 60s
// TTL; liveness is purely heartbeat-driven.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/models"
)

// enginesSetKey enumerates every engine id that has ever registered and not
// yet unregistered. Hash expiry, not set membership, decides availability.
const enginesSetKey = "engines"

// engineKey returns the Redis hash key for an engine registration.
func engineKey(engineID string) string {
	return "engine:" + engineID
}

// Registry tracks engine registrations on the bus.
type Registry struct {
	rdb *redis.Client
}

// NewRegistry creates a Registry on the bus connection.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{rdb: b.Client()}
}

// Register announces an engine worker. Idempotent: re-registering refreshes
// the record and TTL.
func (r *Registry) Register(ctx context.Context, reg *models.EngineRegistration) error {
	now := time.Now()
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = now
	}
	reg.LastHeartbeat = now

	fields, err := registrationFields(reg)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, enginesSetKey, reg.EngineID)
	pipe.HSet(ctx, engineKey(reg.EngineID), fields)
	pipe.Expire(ctx, engineKey(reg.EngineID), models.HeartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register engine %s: %w", reg.EngineID, err)
	}

	slog.Info("Engine registered",
		"engine_id", reg.EngineID,
		"stage", reg.Stage,
		"models", reg.Models)
	return nil
}

// Heartbeat refreshes an engine's TTL and status. If the record has already
// expired the heartbeat is dropped silently and the worker must re-register.
func (r *Registry) Heartbeat(ctx context.Context, engineID string, status models.EngineStatus, currentTaskID string) error {
	key := engineKey(engineID)
	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check engine %s: %w", engineID, err)
	}
	if exists == 0 {
		slog.Warn("Heartbeat for expired engine dropped, worker must re-register",
			"engine_id", engineID)
		return nil
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status":         string(status),
		"current_task":   currentTaskID,
		"last_heartbeat": time.Now().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, models.HeartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to heartbeat engine %s: %w", engineID, err)
	}
	return nil
}

// Unregister removes an engine. Best-effort: errors are returned but the
// TTL guarantees eventual cleanup regardless.
func (r *Registry) Unregister(ctx context.Context, engineID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, enginesSetKey, engineID)
	pipe.Del(ctx, engineKey(engineID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister engine %s: %w", engineID, err)
	}
	return nil
}

// Get loads one engine registration, or store.ErrNotFound-like nil when the
// record has expired.
func (r *Registry) Get(ctx context.Context, engineID string) (*models.EngineRegistration, error) {
	fields, err := r.rdb.HGetAll(ctx, engineKey(engineID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load engine %s: %w", engineID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseRegistration(fields)
}

// IsAvailable reports whether the engine may receive work: record present,
// heartbeat fresh, not offline.
func (r *Registry) IsAvailable(ctx context.Context, engineID string) (bool, error) {
	reg, err := r.Get(ctx, engineID)
	if err != nil {
		return false, err
	}
	if reg == nil {
		return false, nil
	}
	return reg.Available(time.Now()), nil
}

// EnginesForStage returns every available engine declaring the stage.
func (r *Registry) EnginesForStage(ctx context.Context, stage models.Stage) ([]*models.EngineRegistration, error) {
	ids, err := r.rdb.SMembers(ctx, enginesSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list engines: %w", err)
	}

	now := time.Now()
	var engines []*models.EngineRegistration
	for _, id := range ids {
		reg, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if reg == nil || reg.Stage != stage || !reg.Available(now) {
			continue
		}
		engines = append(engines, reg)
	}
	return engines, nil
}

// All returns every live registration, for the health endpoint.
func (r *Registry) All(ctx context.Context) ([]*models.EngineRegistration, error) {
	ids, err := r.rdb.SMembers(ctx, enginesSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list engines: %w", err)
	}
	var engines []*models.EngineRegistration
	for _, id := range ids {
		reg, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if reg != nil {
			engines = append(engines, reg)
		}
	}
	return engines, nil
}

// registrationFields flattens a registration into Redis hash fields.
func registrationFields(reg *models.EngineRegistration) (map[string]any, error) {
	modelsJSON, err := json.Marshal(reg.Models)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal engine models: %w", err)
	}
	return map[string]any{
		"engine_id":              reg.EngineID,
		"stage":                  string(reg.Stage),
		"queue_name":             reg.QueueName,
		"models":                 string(modelsJSON),
		"native_word_timestamps": fmt.Sprintf("%t", reg.NativeWordTimestamps),
		"status":                 string(reg.Status),
		"current_task":           reg.CurrentTaskID,
		"last_heartbeat":         reg.LastHeartbeat.Format(time.RFC3339Nano),
		"registered_at":          reg.RegisteredAt.Format(time.RFC3339Nano),
	}, nil
}

// parseRegistration rebuilds a registration from Redis hash fields.
func parseRegistration(fields map[string]string) (*models.EngineRegistration, error) {
	reg := &models.EngineRegistration{
		EngineID:             fields["engine_id"],
		Stage:                models.Stage(fields["stage"]),
		QueueName:            fields["queue_name"],
		NativeWordTimestamps: fields["native_word_timestamps"] == "true",
		Status:               models.EngineStatus(fields["status"]),
		CurrentTaskID:        fields["current_task"],
	}
	if raw := fields["models"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &reg.Models); err != nil {
			return nil, fmt.Errorf("failed to unmarshal engine models: %w", err)
		}
	}
	if raw := fields["last_heartbeat"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_heartbeat: %w", err)
		}
		reg.LastHeartbeat = t
	}
	if raw := fields["registered_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse registered_at: %w", err)
		}
		reg.RegisteredAt = t
	}
	return reg, nil
}
