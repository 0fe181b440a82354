package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	echo "github.com/labstack/echo/v5"

	"github.com/dalston-ai/dalston/pkg/auth"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/realtime"
)

// WebSocket close codes for handshake-time failures. Authentication happens
// after the upgrade so clients get a close code instead of an HTTP status.
const (
	closeInvalidKey   websocket.StatusCode = 4001
	closeMissingScope websocket.StatusCode = 4003
	closeNoCapacity   websocket.StatusCode = 4029
)

// streamMaxFrame bounds individual WebSocket frames (audio chunks included).
const streamMaxFrame = 1 << 20

// streamHandler handles GET /v1/audio/transcriptions/stream: upgrades the
// connection, admits the session onto a realtime worker, and relays frames
// between client and worker until either side closes.
func (s *Server) streamHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	conn.SetReadLimit(streamMaxFrame)

	key := extractAPIKey(c.Request())
	principal, ok := s.verifier.Verify(key)
	if key == "" || !ok {
		_ = conn.Close(closeInvalidKey, "invalid API key")
		return nil
	}
	if !principal.HasScope(auth.ScopeTranscribe) {
		_ = conn.Close(closeMissingScope, "missing transcribe scope")
		return nil
	}

	q := c.Request().URL.Query()
	model := q.Get("model")
	if model == "" {
		model = "default"
	}
	sampleRate, _ := strconv.Atoi(q.Get("sample_rate"))
	req := realtime.AllocateRequest{
		TenantID:   principal.TenantID,
		Language:   q.Get("language"),
		Model:      model,
		Encoding:   q.Get("encoding"),
		SampleRate: sampleRate,
		Features: models.SessionFeatures{
			StoreAudio:      q.Get("store_audio") == "true",
			StoreTranscript: q.Get("store_transcript") == "true",
			EnhanceOnEnd:    q.Get("enhance_on_end") == "true",
		},
		ClientIP:    clientIP(c.Request()),
		ResumedFrom: q.Get("resume_from"),
	}

	ctx := c.Request().Context()
	alloc, err := s.router.Allocate(ctx, req)
	if errors.Is(err, realtime.ErrCapacityExhausted) {
		_ = conn.Close(closeNoCapacity, "no realtime capacity available")
		return nil
	}
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session allocation failed")
		return nil
	}

	worker, err := s.dialWorker(ctx, alloc, q)
	if err != nil {
		_ = s.router.Release(ctx, alloc.SessionID, models.SessionStatusError,
			"worker connection failed", models.SessionStats{}, "", "")
		_ = conn.Close(websocket.StatusInternalError, "worker unavailable")
		return nil
	}
	worker.SetReadLimit(streamMaxFrame)

	started := wsjson.Write(ctx, conn, map[string]string{
		"type":       "session.started",
		"session_id": alloc.SessionID,
	})
	if started != nil {
		_ = worker.Close(websocket.StatusGoingAway, "client gone")
		_ = s.router.Release(ctx, alloc.SessionID, models.SessionStatusInterrupted,
			"client connection lost", models.SessionStats{}, "", "")
		return nil
	}

	startedAt := time.Now()
	status, errMsg := relay(ctx, conn, worker)
	stats := models.SessionStats{DurationSeconds: time.Since(startedAt).Seconds()}

	// The request context dies with the connection; release on a fresh one.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.router.Release(releaseCtx, alloc.SessionID, status, errMsg, stats, "", ""); err != nil {
		slog.Error("Failed to release session", "session_id", alloc.SessionID, "error", err)
	}
	return nil
}

// dialWorker connects to the allocated worker, forwarding the session id and
// the client's stream parameters.
func (s *Server) dialWorker(ctx context.Context, alloc *realtime.Allocation, clientParams url.Values) (*websocket.Conn, error) {
	u, err := url.Parse(alloc.WorkerEndpoint)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	for k, vs := range clientParams {
		if k == "api_key" {
			continue
		}
		params[k] = vs
	}
	params.Set("session_id", alloc.SessionID)
	u.RawQuery = params.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	worker, resp, err := websocket.Dial(dialCtx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return worker, err
}

// relay pumps frames both ways until one side closes, then mirrors the close
// to the other. The returned status classifies how the session ended: a clean
// close from either side completes it, a dropped client interrupts it, and a
// worker fault errors it.
func relay(ctx context.Context, client, worker *websocket.Conn) (models.SessionStatus, string) {
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type side struct {
		name string
		err  error
	}
	done := make(chan side, 2)
	go func() { done <- side{"client", pump(relayCtx, client, worker)} }()
	go func() { done <- side{"worker", pump(relayCtx, worker, client)} }()

	first := <-done
	cancel()
	<-done

	code := websocket.CloseStatus(first.err)
	clean := code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway

	switch {
	case clean && first.name == "client":
		_ = worker.Close(websocket.StatusNormalClosure, "client finished")
		_ = client.Close(websocket.StatusNormalClosure, "")
		return models.SessionStatusCompleted, ""
	case clean:
		_ = client.Close(websocket.StatusNormalClosure, "session complete")
		_ = worker.Close(websocket.StatusNormalClosure, "")
		return models.SessionStatusCompleted, ""
	case first.name == "client":
		_ = worker.Close(websocket.StatusGoingAway, "client gone")
		return models.SessionStatusInterrupted, "client connection lost"
	default:
		_ = client.Close(websocket.StatusInternalError, "worker unavailable")
		return models.SessionStatusError, "worker connection lost"
	}
}

// clientIP prefers the X-Forwarded-For chain set by the ingress proxy and
// falls back to the socket peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// pump copies frames from src to dst until a read or write fails.
func pump(ctx context.Context, src, dst *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}
