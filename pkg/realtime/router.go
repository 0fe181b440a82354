package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/models"
)

// ErrCapacityExhausted means no healthy worker with free capacity declares
// the requested model.
var ErrCapacityExhausted = errors.New("no realtime capacity available")

// probeInterval is how often the health probe sweeps the worker pool.
const probeInterval = 10 * time.Second

// Allocation is the outcome of admitting a session.
type Allocation struct {
	SessionID      string
	WorkerID       string
	WorkerEndpoint string
}

// AllocateRequest carries the client's session parameters.
type AllocateRequest struct {
	TenantID    string
	Language    string
	Model       string
	Encoding    string
	SampleRate  int
	Features    models.SessionFeatures
	ClientIP    string
	ResumedFrom string
}

// SessionStore is the durable session surface the router needs.
type SessionStore interface {
	Create(ctx context.Context, session *models.RealtimeSession) error
	Get(ctx context.Context, sessionID string) (*models.RealtimeSession, error)
	Finish(ctx context.Context, sessionID string, status models.SessionStatus, errMsg string, stats models.SessionStats, audioRef, transcriptRef string) (bool, error)
	SetEnhancementJob(ctx context.Context, sessionID, jobID string) error
	InterruptByWorker(ctx context.Context, workerID, reason string) ([]string, error)
}

// WorkerPool is the registry surface the router needs.
type WorkerPool interface {
	List(ctx context.Context) ([]*models.RealtimeWorker, error)
	AdjustSessions(ctx context.Context, workerID string, delta int) (int, error)
	MarkUnhealthy(ctx context.Context, workerID string) error
	RecordSession(ctx context.Context, session *models.RealtimeSession) error
	ClearSession(ctx context.Context, sessionID string) error
}

// Publisher emits session lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event bus.Event) error
}

// Enhancer submits a post-session cleanup job over the session's stored audio.
type Enhancer interface {
	SubmitEnhancement(ctx context.Context, session *models.RealtimeSession) (string, error)
}

// Router admits sessions onto streaming workers. Allocation is serialized
// per router instance; the session count increment itself is atomic, so
// concurrent routers over-admit at most transiently and the capacity check
// after the increment corrects it.
type Router struct {
	workers   WorkerPool
	sessions  SessionStore
	publisher Publisher
	enhancer  Enhancer

	allocMu sync.Mutex

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRouter wires a session router. The enhancer may be nil when post-session
// enhancement is not offered.
func NewRouter(workers WorkerPool, sessions SessionStore, publisher Publisher, enhancer Enhancer) *Router {
	return &Router{
		workers:   workers,
		sessions:  sessions,
		publisher: publisher,
		enhancer:  enhancer,
	}
}

// Allocate admits a session: picks the least-loaded healthy worker declaring
// the model, increments its slot count, and persists the session row.
func (r *Router) Allocate(ctx context.Context, req AllocateRequest) (*Allocation, error) {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()

	workers, err := r.workers.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, worker := range rankWorkers(workers, req.Model, now) {
		count, err := r.workers.AdjustSessions(ctx, worker.ID, 1)
		if err != nil {
			return nil, err
		}
		if count > worker.Capacity {
			// Another router won the last slot; give it back and move on.
			if _, err := r.workers.AdjustSessions(ctx, worker.ID, -1); err != nil {
				return nil, err
			}
			continue
		}

		session := &models.RealtimeSession{
			ID:          uuid.New().String(),
			TenantID:    req.TenantID,
			Status:      models.SessionStatusActive,
			WorkerID:    worker.ID,
			Language:    req.Language,
			Model:       req.Model,
			Encoding:    req.Encoding,
			SampleRate:  req.SampleRate,
			Features:    req.Features,
			ResumedFrom: req.ResumedFrom,
			ClientIP:    req.ClientIP,
			StartedAt:   now,
		}
		if err := r.sessions.Create(ctx, session); err != nil {
			if _, adjErr := r.workers.AdjustSessions(ctx, worker.ID, -1); adjErr != nil {
				slog.Error("Failed to return worker slot", "worker_id", worker.ID, "error", adjErr)
			}
			return nil, err
		}

		if err := r.workers.RecordSession(ctx, session); err != nil {
			slog.Error("Failed to mirror session on bus", "session_id", session.ID, "error", err)
		}

		event := bus.NewEvent(bus.EventSessionStarted)
		event.SessionID = session.ID
		if err := r.publisher.Publish(ctx, event); err != nil {
			slog.Error("Failed to publish session.started", "session_id", session.ID, "error", err)
		}

		slog.Info("Session allocated",
			"session_id", session.ID,
			"worker_id", worker.ID,
			"model", req.Model,
			"sessions", count)
		return &Allocation{
			SessionID:      session.ID,
			WorkerID:       worker.ID,
			WorkerEndpoint: worker.Endpoint,
		}, nil
	}

	return nil, ErrCapacityExhausted
}

// Release settles a session and returns the worker slot. Idempotent: a
// session already terminal keeps its first outcome and the slot is not
// decremented twice.
func (r *Router) Release(ctx context.Context, sessionID string, status models.SessionStatus, errMsg string, stats models.SessionStats, audioRef, transcriptRef string) error {
	applied, err := r.sessions.Finish(ctx, sessionID, status, errMsg, stats, audioRef, transcriptRef)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	session, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := r.workers.AdjustSessions(ctx, session.WorkerID, -1); err != nil {
		slog.Error("Failed to return worker slot", "worker_id", session.WorkerID, "error", err)
	}
	if err := r.workers.ClearSession(ctx, sessionID); err != nil {
		slog.Error("Failed to clear session mirror", "session_id", sessionID, "error", err)
	}

	event := bus.NewEvent(bus.EventSessionEnded)
	event.SessionID = sessionID
	event.Error = errMsg
	if err := r.publisher.Publish(ctx, event); err != nil {
		slog.Error("Failed to publish session.ended", "session_id", sessionID, "error", err)
	}

	if r.enhancer != nil && status == models.SessionStatusCompleted &&
		session.Features.EnhanceOnEnd && session.AudioRef != "" {
		jobID, err := r.enhancer.SubmitEnhancement(ctx, session)
		if err != nil {
			slog.Error("Failed to submit enhancement job", "session_id", sessionID, "error", err)
		} else if err := r.sessions.SetEnhancementJob(ctx, sessionID, jobID); err != nil {
			slog.Error("Failed to record enhancement job", "session_id", sessionID, "error", err)
		}
	}

	slog.Info("Session released", "session_id", sessionID, "status", status)
	return nil
}

// StartHealthProbe launches the background sweep that retires silent workers
// and interrupts their sessions.
func (r *Router) StartHealthProbe(ctx context.Context) {
	probeCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				r.sweep(probeCtx)
			}
		}
	}()
}

// StopHealthProbe halts the sweep.
func (r *Router) StopHealthProbe() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		if r.done != nil {
			<-r.done
		}
	})
}

// sweep marks workers silent for over WorkerStaleAfter unhealthy and settles
// their active sessions as interrupted.
func (r *Router) sweep(ctx context.Context) {
	workers, err := r.workers.List(ctx)
	if err != nil {
		slog.Error("Health probe failed to list workers", "error", err)
		return
	}

	now := time.Now()
	for _, worker := range workers {
		if !worker.Healthy || now.Sub(worker.LastHeartbeat) < WorkerStaleAfter {
			continue
		}
		if err := r.workers.MarkUnhealthy(ctx, worker.ID); err != nil {
			slog.Error("Failed to mark worker unhealthy", "worker_id", worker.ID, "error", err)
			continue
		}
		interrupted, err := r.sessions.InterruptByWorker(ctx, worker.ID,
			fmt.Sprintf("worker %s stopped responding", worker.ID))
		if err != nil {
			slog.Error("Failed to interrupt sessions", "worker_id", worker.ID, "error", err)
			continue
		}
		for _, sessionID := range interrupted {
			if _, err := r.workers.AdjustSessions(ctx, worker.ID, -1); err != nil {
				slog.Error("Failed to return worker slot", "worker_id", worker.ID, "error", err)
			}
			if err := r.workers.ClearSession(ctx, sessionID); err != nil {
				slog.Error("Failed to clear session mirror", "session_id", sessionID, "error", err)
			}
			event := bus.NewEvent(bus.EventSessionEnded)
			event.SessionID = sessionID
			event.Error = "worker unavailable"
			if err := r.publisher.Publish(ctx, event); err != nil {
				slog.Error("Failed to publish session.ended", "session_id", sessionID, "error", err)
			}
		}
		slog.Warn("Worker retired by health probe",
			"worker_id", worker.ID,
			"interrupted_sessions", len(interrupted))
	}
}

// rankWorkers filters to healthy, fresh workers declaring the model with
// free capacity, ordered by load then registration age.
func rankWorkers(workers []*models.RealtimeWorker, model string, now time.Time) []*models.RealtimeWorker {
	var eligible []*models.RealtimeWorker
	for _, w := range workers {
		if !w.Healthy || now.Sub(w.LastHeartbeat) >= WorkerStaleAfter {
			continue
		}
		if w.SessionCount >= w.Capacity {
			continue
		}
		if !slices.Contains(w.Models, model) {
			continue
		}
		eligible = append(eligible, w)
	}
	slices.SortStableFunc(eligible, func(a, b *models.RealtimeWorker) int {
		if a.SessionCount != b.SessionCount {
			return a.SessionCount - b.SessionCount
		}
		return a.RegisteredAt.Compare(b.RegisteredAt)
	})
	return eligible
}
