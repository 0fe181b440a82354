package models

import "time"

// EngineStatus is the self-reported state of an engine worker.
type EngineStatus string

// Engine worker states.
const (
	EngineStatusIdle       EngineStatus = "idle"
	EngineStatusProcessing EngineStatus = "processing"
	EngineStatusOffline    EngineStatus = "offline"
)

// HeartbeatTTL is how long an engine registration stays valid without a
// heartbeat. Workers send heartbeats every 10s and tolerate up to five
// missed sends.
const HeartbeatTTL = 60 * time.Second

// EngineRegistration is announced by each engine worker. The engine id is
// a runtime identity (e.g. "faster-whisper"), not a model variant.
type EngineRegistration struct {
	EngineID             string       `json:"engine_id"`
	Stage                Stage        `json:"stage"`
	QueueName            string       `json:"queue_name"`
	Models               []string     `json:"models"`
	NativeWordTimestamps bool         `json:"native_word_timestamps"`
	Status               EngineStatus `json:"status"`
	CurrentTaskID        string       `json:"current_task_id,omitempty"`
	LastHeartbeat        time.Time    `json:"last_heartbeat"`
	RegisteredAt         time.Time    `json:"registered_at"`
}

// Available reports whether the engine may receive work as of now: the
// heartbeat must be fresher than HeartbeatTTL and the engine not offline.
func (r *EngineRegistration) Available(now time.Time) bool {
	if r.Status == EngineStatusOffline {
		return false
	}
	return now.Sub(r.LastHeartbeat) < HeartbeatTTL
}
