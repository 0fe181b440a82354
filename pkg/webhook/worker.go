package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/store"
)

const (
	// pollInterval is the cadence of the claim-and-deliver loop.
	pollInterval = 2 * time.Second

	// claimBatch bounds how many due rows one sweep claims.
	claimBatch = 10

	// requestTimeout bounds one delivery POST.
	requestTimeout = 10 * time.Second

	userAgent = "dalston-webhooks/1.0"
)

// DeliverStore is the store surface the delivery loop needs.
type DeliverStore interface {
	ClaimAndProcess(ctx context.Context, limit int, process func(ctx context.Context, d *models.WebhookDelivery) store.DeliveryOutcome) (int, error)
	GetEndpointByID(ctx context.Context, endpointID string) (*models.WebhookEndpoint, error)
}

// DeliveryWorker claims due delivery rows and POSTs them. Row locks held
// during the POST keep concurrent replicas off the same delivery.
type DeliveryWorker struct {
	store  DeliverStore
	client *http.Client

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDeliveryWorker creates a delivery worker over the webhook store.
func NewDeliveryWorker(deliverStore DeliverStore) *DeliveryWorker {
	return &DeliveryWorker{
		store:  deliverStore,
		client: &http.Client{Timeout: requestTimeout},
		stopCh: make(chan struct{}),
	}
}

// Start launches the claim-and-deliver loop.
func (w *DeliveryWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		slog.Info("Webhook delivery worker started")
		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.store.ClaimAndProcess(ctx, claimBatch, w.deliver); err != nil {
					slog.Error("Webhook delivery sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (w *DeliveryWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Info("Webhook delivery worker stopped")
}

// deliver attempts one POST and classifies the outcome. Called with the
// delivery row lock held.
func (w *DeliveryWorker) deliver(ctx context.Context, d *models.WebhookDelivery) store.DeliveryOutcome {
	target := d.URLOverride
	secret := ""
	if d.EndpointID != "" {
		ep, err := w.store.GetEndpointByID(ctx, d.EndpointID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.DeliveryOutcome{
					Status:      models.DeliveryStatusFailed,
					Error:       "endpoint no longer exists",
					NextRetryAt: time.Now(),
				}
			}
			return w.retryOutcome(d, 0, err.Error())
		}
		if !ep.Active {
			return store.DeliveryOutcome{
				Status:      models.DeliveryStatusFailed,
				Error:       "endpoint disabled",
				NextRetryAt: time.Now(),
			}
		}
		target = ep.URL
		secret = ep.Secret
	}

	statusCode, err := w.post(ctx, d, target, secret)
	if err != nil {
		return w.retryOutcome(d, statusCode, err.Error())
	}

	slog.Info("Webhook delivered",
		"delivery_id", d.ID,
		"job_id", d.JobID,
		"event", d.EventType,
		"status_code", statusCode)
	return store.DeliveryOutcome{
		Status:      models.DeliveryStatusDelivered,
		StatusCode:  statusCode,
		NextRetryAt: time.Now(),
	}
}

// post sends one signed delivery. Any status >= 400 is a failure. The body
// is the canonical form of the stored payload, so receivers can HMAC the
// exact bytes they read.
func (w *DeliveryWorker) post(ctx context.Context, d *models.WebhookDelivery, target, secret string) (int, error) {
	body, err := CanonicalJSON(d.Payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	ts := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderDeliveryID, d.ID)
	if secret != "" {
		signature, err := Sign(secret, ts, body)
		if err != nil {
			return 0, err
		}
		req.Header.Set(HeaderSignature, signature)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// retryOutcome schedules the next attempt, or marks the row failed once the
// schedule is exhausted.
func (w *DeliveryWorker) retryOutcome(d *models.WebhookDelivery, statusCode int, errMsg string) store.DeliveryOutcome {
	failedAttempts := d.Attempts + 1
	delay, ok := NextRetry(failedAttempts)
	if !ok {
		slog.Warn("Webhook delivery exhausted",
			"delivery_id", d.ID,
			"job_id", d.JobID,
			"attempts", failedAttempts)
		return store.DeliveryOutcome{
			Status:      models.DeliveryStatusFailed,
			StatusCode:  statusCode,
			Error:       errMsg,
			NextRetryAt: time.Now(),
		}
	}
	return store.DeliveryOutcome{
		Status:      models.DeliveryStatusPending,
		StatusCode:  statusCode,
		Error:       errMsg,
		NextRetryAt: time.Now().Add(delay),
	}
}
