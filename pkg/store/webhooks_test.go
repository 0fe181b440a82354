package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/models"
)

func insertEndpoint(t *testing.T, hooks *WebhookStore, tenantID string, events []string, active bool) *models.WebhookEndpoint {
	t.Helper()
	ep := &models.WebhookEndpoint{
		ID:        newID(),
		TenantID:  tenantID,
		URL:       "https://example.com/hook",
		Events:    events,
		Secret:    "whsec_test",
		Active:    active,
		CreatedAt: time.Now(),
	}
	require.NoError(t, hooks.CreateEndpoint(context.Background(), ep))
	return ep
}

func pendingDelivery(endpointID, jobID, eventType string) *models.WebhookDelivery {
	return &models.WebhookDelivery{
		ID:          newID(),
		EndpointID:  endpointID,
		JobID:       jobID,
		EventType:   eventType,
		Payload:     []byte(`{"event":"` + eventType + `"}`),
		Status:      models.DeliveryStatusPending,
		NextRetryAt: time.Now().Add(-time.Second),
		CreatedAt:   time.Now(),
	}
}

func TestWebhookStoreEndpoints(t *testing.T) {
	pool := testPool(t)
	hooks := NewWebhookStore(pool)
	ctx := context.Background()

	ep := insertEndpoint(t, hooks, "tenant-a", []string{models.WebhookEventCompleted}, true)

	got, err := hooks.GetEndpoint(ctx, "tenant-a", ep.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.WebhookEventCompleted}, got.Events)
	assert.Equal(t, "whsec_test", got.Secret)

	_, err = hooks.GetEndpoint(ctx, "tenant-b", ep.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := hooks.UpdateEndpoint(ctx, "tenant-a", ep.ID,
		"https://example.com/v2", []string{models.WebhookEventWildcard}, false)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v2", updated.URL)
	assert.False(t, updated.Active)

	require.NoError(t, hooks.RotateSecret(ctx, "tenant-a", ep.ID, "whsec_rotated"))
	got, err = hooks.GetEndpoint(ctx, "tenant-a", ep.ID)
	require.NoError(t, err)
	assert.Equal(t, "whsec_rotated", got.Secret)

	require.NoError(t, hooks.DeleteEndpoint(ctx, "tenant-a", ep.ID))
	assert.ErrorIs(t, hooks.DeleteEndpoint(ctx, "tenant-a", ep.ID), ErrNotFound)
}

func TestWebhookStoreListActiveSubscribed(t *testing.T) {
	pool := testPool(t)
	hooks := NewWebhookStore(pool)
	ctx := context.Background()

	subscribed := insertEndpoint(t, hooks, "tenant-a", []string{models.WebhookEventFailed}, true)
	wildcard := insertEndpoint(t, hooks, "tenant-a", []string{models.WebhookEventWildcard}, true)
	insertEndpoint(t, hooks, "tenant-a", []string{models.WebhookEventCompleted}, true)
	insertEndpoint(t, hooks, "tenant-a", []string{models.WebhookEventFailed}, false)
	insertEndpoint(t, hooks, "tenant-b", []string{models.WebhookEventFailed}, true)

	matched, err := hooks.ListActiveSubscribed(ctx, "tenant-a", models.WebhookEventFailed)
	require.NoError(t, err)
	require.Len(t, matched, 2)
	ids := []string{matched[0].ID, matched[1].ID}
	assert.Contains(t, ids, subscribed.ID)
	assert.Contains(t, ids, wildcard.ID)
}

func TestWebhookStoreDeliveryDedupe(t *testing.T) {
	pool := testPool(t)
	hooks := NewWebhookStore(pool)
	ctx := context.Background()

	ep := insertEndpoint(t, hooks, "tenant-a", []string{models.WebhookEventWildcard}, true)

	first := pendingDelivery(ep.ID, "job-1", models.WebhookEventCompleted)
	require.NoError(t, hooks.InsertDelivery(ctx, first))
	// A replayed terminal event enqueues the same (job, event, endpoint).
	require.NoError(t, hooks.InsertDelivery(ctx, pendingDelivery(ep.ID, "job-1", models.WebhookEventCompleted)))

	deliveries, err := hooks.ListDeliveries(ctx, ep.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, first.ID, deliveries[0].ID)

	// A different event type for the same job is a distinct delivery.
	require.NoError(t, hooks.InsertDelivery(ctx, pendingDelivery(ep.ID, "job-1", models.WebhookEventCancelled)))
	deliveries, err = hooks.ListDeliveries(ctx, ep.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, deliveries, 2)
}

func TestWebhookStoreClaimAndProcess(t *testing.T) {
	pool := testPool(t)
	hooks := NewWebhookStore(pool)
	ctx := context.Background()

	ep := insertEndpoint(t, hooks, "tenant-a", []string{models.WebhookEventWildcard}, true)

	due := pendingDelivery(ep.ID, "job-due", models.WebhookEventCompleted)
	require.NoError(t, hooks.InsertDelivery(ctx, due))

	future := pendingDelivery(ep.ID, "job-future", models.WebhookEventCompleted)
	future.NextRetryAt = time.Now().Add(time.Hour)
	require.NoError(t, hooks.InsertDelivery(ctx, future))

	var processed []string
	claimed, err := hooks.ClaimAndProcess(ctx, 10, func(_ context.Context, d *models.WebhookDelivery) DeliveryOutcome {
		processed = append(processed, d.ID)
		return DeliveryOutcome{Status: models.DeliveryStatusDelivered, StatusCode: 200}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	assert.Equal(t, []string{due.ID}, processed)

	got, err := hooks.GetDelivery(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 200, got.LastStatusCode)

	// The not-yet-due row is untouched.
	got, err = hooks.GetDelivery(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	pending, err := hooks.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestWebhookStoreResetForRetry(t *testing.T) {
	pool := testPool(t)
	hooks := NewWebhookStore(pool)
	ctx := context.Background()

	ep := insertEndpoint(t, hooks, "tenant-a", []string{models.WebhookEventWildcard}, true)
	d := pendingDelivery(ep.ID, "job-1", models.WebhookEventFailed)
	require.NoError(t, hooks.InsertDelivery(ctx, d))

	// Only failed deliveries can be reset.
	assert.ErrorIs(t, hooks.ResetForRetry(ctx, d.ID), ErrNotFound)

	_, err := hooks.ClaimAndProcess(ctx, 10, func(_ context.Context, _ *models.WebhookDelivery) DeliveryOutcome {
		return DeliveryOutcome{Status: models.DeliveryStatusFailed, StatusCode: 500, Error: "boom"}
	})
	require.NoError(t, err)

	require.NoError(t, hooks.ResetForRetry(ctx, d.ID))
	got, err := hooks.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusPending, got.Status)
	assert.WithinDuration(t, time.Now(), got.NextRetryAt, 5*time.Second)
}
