package models

import "time"

// SessionStatus is the lifecycle state of a realtime session.
type SessionStatus string

// Realtime session states.
const (
	SessionStatusActive      SessionStatus = "active"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusError       SessionStatus = "error"
	SessionStatusInterrupted SessionStatus = "interrupted"
)

// Terminal reports whether the session status is final.
func (s SessionStatus) Terminal() bool {
	return s != SessionStatusActive
}

// SessionFeatures are the per-session feature flags.
type SessionFeatures struct {
	StoreAudio      bool `json:"store_audio"`
	StoreTranscript bool `json:"store_transcript"`
	EnhanceOnEnd    bool `json:"enhance_on_end"`
}

// SessionStats are accumulated over the life of a session.
type SessionStats struct {
	DurationSeconds float64 `json:"duration_seconds"`
	UtteranceCount  int     `json:"utterance_count"`
	WordCount       int     `json:"word_count"`
}

// RealtimeSession is the durable record of one WebSocket audio stream.
// A session is assigned to exactly one realtime worker for its lifetime.
type RealtimeSession struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	Status           SessionStatus   `json:"status"`
	WorkerID         string          `json:"worker_id"`
	Language         string          `json:"language,omitempty"`
	Model            string          `json:"model"`
	Encoding         string          `json:"encoding,omitempty"`
	SampleRate       int             `json:"sample_rate,omitempty"`
	Features         SessionFeatures `json:"features"`
	AudioRef         string          `json:"audio_ref,omitempty"`
	TranscriptRef    string          `json:"transcript_ref,omitempty"`
	EnhancementJobID string          `json:"enhancement_job_id,omitempty"`
	ResumedFrom      string          `json:"resumed_from,omitempty"`
	Stats            SessionStats    `json:"stats"`
	ClientIP         string          `json:"client_ip,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
}

// RealtimeWorker is the router's view of one streaming ASR worker.
type RealtimeWorker struct {
	ID            string    `json:"id"`
	Endpoint      string    `json:"endpoint"`
	Capacity      int       `json:"capacity"`
	SessionCount  int       `json:"session_count"`
	Healthy       bool      `json:"healthy"`
	Models        []string  `json:"models"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}
