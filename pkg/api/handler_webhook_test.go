package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/store"
	"github.com/dalston-ai/dalston/pkg/webhook"
)

type fakeWebhookAdmin struct {
	endpoints  map[string]*models.WebhookEndpoint
	deliveries map[string]*models.WebhookDelivery
}

func newFakeWebhookAdmin() *fakeWebhookAdmin {
	return &fakeWebhookAdmin{
		endpoints:  make(map[string]*models.WebhookEndpoint),
		deliveries: make(map[string]*models.WebhookDelivery),
	}
}

func (f *fakeWebhookAdmin) CreateEndpoint(_ context.Context, ep *models.WebhookEndpoint) error {
	f.endpoints[ep.ID] = ep
	return nil
}

func (f *fakeWebhookAdmin) GetEndpoint(_ context.Context, tenantID, endpointID string) (*models.WebhookEndpoint, error) {
	ep, ok := f.endpoints[endpointID]
	if !ok || ep.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return ep, nil
}

func (f *fakeWebhookAdmin) ListEndpoints(_ context.Context, tenantID string) ([]*models.WebhookEndpoint, error) {
	var out []*models.WebhookEndpoint
	for _, ep := range f.endpoints {
		if ep.TenantID == tenantID {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (f *fakeWebhookAdmin) UpdateEndpoint(_ context.Context, tenantID, endpointID, url string, events []string, active bool) (*models.WebhookEndpoint, error) {
	ep, ok := f.endpoints[endpointID]
	if !ok || ep.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	ep.URL = url
	ep.Events = events
	ep.Active = active
	ep.UpdatedAt = time.Now()
	return ep, nil
}

func (f *fakeWebhookAdmin) DeleteEndpoint(_ context.Context, tenantID, endpointID string) error {
	ep, ok := f.endpoints[endpointID]
	if !ok || ep.TenantID != tenantID {
		return store.ErrNotFound
	}
	delete(f.endpoints, endpointID)
	return nil
}

func (f *fakeWebhookAdmin) RotateSecret(_ context.Context, tenantID, endpointID, newSecret string) error {
	ep, ok := f.endpoints[endpointID]
	if !ok || ep.TenantID != tenantID {
		return store.ErrNotFound
	}
	ep.Secret = newSecret
	return nil
}

func (f *fakeWebhookAdmin) ListDeliveries(_ context.Context, endpointID string, limit, offset int) ([]*models.WebhookDelivery, error) {
	var out []*models.WebhookDelivery
	for _, d := range f.deliveries {
		if d.EndpointID == endpointID {
			out = append(out, d)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeWebhookAdmin) GetDelivery(_ context.Context, deliveryID string) (*models.WebhookDelivery, error) {
	d, ok := f.deliveries[deliveryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeWebhookAdmin) ResetForRetry(_ context.Context, deliveryID string) error {
	d, ok := f.deliveries[deliveryID]
	if !ok || d.Status != models.DeliveryStatusFailed {
		return store.ErrNotFound
	}
	d.Status = models.DeliveryStatusPending
	d.NextRetryAt = time.Now()
	return nil
}

func postJSON(t *testing.T, path, key string, body any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := authed(httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(raw))), key)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateWebhookHandler(t *testing.T) {
	t.Run("returns the secret exactly once", func(t *testing.T) {
		env := newGatewayEnv(t)
		req := postJSON(t, "/v1/webhooks", "admin-key", map[string]any{
			"url":    "https://example.com/hook",
			"events": []string{"transcription.completed"},
		})
		rec := env.do(req)
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp WebhookEndpointResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, strings.HasPrefix(resp.Secret, webhook.SecretPrefix))
		assert.True(t, resp.Active)

		// Subsequent reads never expose it.
		getRec := env.do(authed(httptest.NewRequest(http.MethodGet, "/v1/webhooks/"+resp.ID, nil), "admin-key"))
		require.Equal(t, http.StatusOK, getRec.Code)
		var fetched WebhookEndpointResponse
		require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &fetched))
		assert.Empty(t, fetched.Secret)
	})

	t.Run("rejects non-http url", func(t *testing.T) {
		env := newGatewayEnv(t)
		req := postJSON(t, "/v1/webhooks", "admin-key", map[string]any{"url": "ftp://example.com"})
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})

	t.Run("rejects unknown event", func(t *testing.T) {
		env := newGatewayEnv(t)
		req := postJSON(t, "/v1/webhooks", "admin-key", map[string]any{
			"url":    "https://example.com/hook",
			"events": []string{"transcription.exploded"},
		})
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})

	t.Run("empty events subscribes to everything", func(t *testing.T) {
		env := newGatewayEnv(t)
		req := postJSON(t, "/v1/webhooks", "admin-key", map[string]any{"url": "https://example.com/hook"})
		rec := env.do(req)
		require.Equal(t, http.StatusCreated, rec.Code)
		var resp WebhookEndpointResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, []string{models.WebhookEventWildcard}, resp.Events)
	})
}

func TestRotateWebhookHandler(t *testing.T) {
	env := newGatewayEnv(t)
	env.webhooks.endpoints["ep1"] = &models.WebhookEndpoint{
		ID: "ep1", TenantID: "tenant-a",
		URL: "https://example.com/hook", Events: []string{"*"},
		Secret: "whsec_old", Active: true,
	}

	rec := env.do(authed(httptest.NewRequest(http.MethodPost, "/v1/webhooks/ep1/rotate", nil), "admin-key"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp WebhookEndpointResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Secret, webhook.SecretPrefix))
	assert.NotEqual(t, "whsec_old", resp.Secret)
	assert.Equal(t, resp.Secret, env.webhooks.endpoints["ep1"].Secret)
}

func TestWebhookTenantScoping(t *testing.T) {
	env := newGatewayEnv(t)
	env.webhooks.endpoints["ep1"] = &models.WebhookEndpoint{
		ID: "ep1", TenantID: "tenant-a",
		URL: "https://example.com/hook", Events: []string{"*"}, Active: true,
	}

	t.Run("other tenant cannot read", func(t *testing.T) {
		rec := env.do(authed(httptest.NewRequest(http.MethodGet, "/v1/webhooks/ep1", nil), "other-key"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("other tenant cannot delete", func(t *testing.T) {
		rec := env.do(authed(httptest.NewRequest(http.MethodDelete, "/v1/webhooks/ep1", nil), "other-key"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, env.webhooks.endpoints, "ep1")
	})

	t.Run("owner deletes", func(t *testing.T) {
		rec := env.do(authed(httptest.NewRequest(http.MethodDelete, "/v1/webhooks/ep1", nil), "admin-key"))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.NotContains(t, env.webhooks.endpoints, "ep1")
	})
}

func TestRetryDeliveryHandler(t *testing.T) {
	setup := func(t *testing.T, status models.DeliveryStatus) *gatewayEnv {
		env := newGatewayEnv(t)
		env.webhooks.endpoints["ep1"] = &models.WebhookEndpoint{
			ID: "ep1", TenantID: "tenant-a",
			URL: "https://example.com/hook", Events: []string{"*"}, Active: true,
		}
		env.webhooks.deliveries["d1"] = &models.WebhookDelivery{
			ID: "d1", EndpointID: "ep1", JobID: "j1",
			EventType: models.WebhookEventCompleted,
			Status:    status, Attempts: 3,
		}
		return env
	}

	t.Run("failed delivery is re-queued", func(t *testing.T) {
		env := setup(t, models.DeliveryStatusFailed)
		rec := env.do(authed(httptest.NewRequest(http.MethodPost, "/v1/webhooks/deliveries/d1/retry", nil), "admin-key"))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp DeliveryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "pending", resp.Status)
	})

	t.Run("delivered delivery conflicts", func(t *testing.T) {
		env := setup(t, models.DeliveryStatusDelivered)
		rec := env.do(authed(httptest.NewRequest(http.MethodPost, "/v1/webhooks/deliveries/d1/retry", nil), "admin-key"))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("other tenant gets 404", func(t *testing.T) {
		env := setup(t, models.DeliveryStatusFailed)
		rec := env.do(authed(httptest.NewRequest(http.MethodPost, "/v1/webhooks/deliveries/d1/retry", nil), "other-key"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListDeliveriesHandler(t *testing.T) {
	env := newGatewayEnv(t)
	env.webhooks.endpoints["ep1"] = &models.WebhookEndpoint{
		ID: "ep1", TenantID: "tenant-a",
		URL: "https://example.com/hook", Events: []string{"*"}, Active: true,
	}
	env.webhooks.deliveries["d1"] = &models.WebhookDelivery{
		ID: "d1", EndpointID: "ep1", JobID: "j1",
		EventType: models.WebhookEventCompleted,
		Status:    models.DeliveryStatusDelivered, Attempts: 1,
	}

	rec := env.do(authed(httptest.NewRequest(http.MethodGet, "/v1/webhooks/ep1/deliveries", nil), "admin-key"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []*DeliveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "d1", resp[0].ID)
	assert.Nil(t, resp[0].NextRetryAt)
}
