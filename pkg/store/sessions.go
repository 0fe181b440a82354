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

// SessionStore persists realtime session records.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionColumns = `session_id, tenant_id, status, worker_id, language, model, encoding,
	sample_rate, features, audio_ref, transcript_ref, enhancement_job_id, resumed_from,
	stats, client_ip, error_message, started_at, ended_at`

// Create inserts a new active session row.
func (s *SessionStore) Create(ctx context.Context, session *models.RealtimeSession) error {
	features, err := json.Marshal(session.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal session features: %w", err)
	}
	stats, err := json.Marshal(session.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal session stats: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO realtime_sessions (session_id, tenant_id, status, worker_id, language, model,
		 encoding, sample_rate, features, resumed_from, stats, client_ip, started_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, 0), $9,
		         NULLIF($10, ''), $11, NULLIF($12, ''), $13)`,
		session.ID, session.TenantID, session.Status, session.WorkerID, session.Language,
		session.Model, session.Encoding, session.SampleRate, features,
		session.ResumedFrom, stats, session.ClientIP, session.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Get loads a session by id.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.RealtimeSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM realtime_sessions WHERE session_id = $1`, sessionID)
	return scanSession(row)
}

// Finish marks a session terminal with its final stats and blob references.
// No-op when the session already reached a terminal state.
func (s *SessionStore) Finish(ctx context.Context, sessionID string, status models.SessionStatus, errMsg string, stats models.SessionStats, audioRef, transcriptRef string) (bool, error) {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return false, fmt.Errorf("failed to marshal session stats: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE realtime_sessions SET status = $2, error_message = NULLIF($3, ''), stats = $4,
		 audio_ref = COALESCE(NULLIF($5, ''), audio_ref),
		 transcript_ref = COALESCE(NULLIF($6, ''), transcript_ref),
		 ended_at = now()
		 WHERE session_id = $1 AND status = $7`,
		sessionID, status, errMsg, statsJSON, audioRef, transcriptRef, models.SessionStatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to finish session %s: %w", sessionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetEnhancementJob links the batch job created from a stored session.
func (s *SessionStore) SetEnhancementJob(ctx context.Context, sessionID, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE realtime_sessions SET enhancement_job_id = $2 WHERE session_id = $1`,
		sessionID, jobID)
	if err != nil {
		return fmt.Errorf("failed to link enhancement job for session %s: %w", sessionID, err)
	}
	return nil
}

// InterruptByWorker marks every active session assigned to a crashed worker
// as interrupted. Returns the affected session ids.
func (s *SessionStore) InterruptByWorker(ctx context.Context, workerID, reason string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE realtime_sessions SET status = $2, error_message = $3, ended_at = now()
		 WHERE worker_id = $1 AND status = $4 RETURNING session_id`,
		workerID, models.SessionStatusInterrupted, reason, models.SessionStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to interrupt sessions for worker %s: %w", workerID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanSession reads one session row.
func scanSession(row pgx.Row) (*models.RealtimeSession, error) {
	var (
		session    models.RealtimeSession
		language   *string
		encoding   *string
		sampleRate *int
		features   []byte
		audioRef   *string
		transcript *string
		enhanceJob *string
		resumed    *string
		stats      []byte
		clientIP   *string
		errMsg     *string
	)
	err := row.Scan(&session.ID, &session.TenantID, &session.Status, &session.WorkerID,
		&language, &session.Model, &encoding, &sampleRate, &features, &audioRef, &transcript,
		&enhanceJob, &resumed, &stats, &clientIP, &errMsg, &session.StartedAt, &session.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if err := json.Unmarshal(features, &session.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session features: %w", err)
	}
	if err := json.Unmarshal(stats, &session.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session stats: %w", err)
	}
	if language != nil {
		session.Language = *language
	}
	if encoding != nil {
		session.Encoding = *encoding
	}
	if sampleRate != nil {
		session.SampleRate = *sampleRate
	}
	if audioRef != nil {
		session.AudioRef = *audioRef
	}
	if transcript != nil {
		session.TranscriptRef = *transcript
	}
	if enhanceJob != nil {
		session.EnhancementJobID = *enhanceJob
	}
	if resumed != nil {
		session.ResumedFrom = *resumed
	}
	if clientIP != nil {
		session.ClientIP = *clientIP
	}
	if errMsg != nil {
		session.Error = *errMsg
	}
	return &session, nil
}
