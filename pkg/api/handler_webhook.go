package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/webhook"
)

// createWebhookHandler handles POST /v1/webhooks. The signing secret is
// returned exactly once, in this response.
func (s *Server) createWebhookHandler(c *echo.Context) error {
	var req WebhookEndpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if msg, ok := req.validate(); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, msg)
	}

	secret, err := webhook.NewSecret()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate signing secret")
	}

	now := time.Now()
	ep := &models.WebhookEndpoint{
		ID:        uuid.New().String(),
		TenantID:  principalFrom(c).TenantID,
		URL:       req.URL,
		Events:    req.Events,
		Secret:    secret,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.webhooks.CreateEndpoint(c.Request().Context(), ep); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, toEndpointResponse(ep, secret))
}

// listWebhooksHandler handles GET /v1/webhooks.
func (s *Server) listWebhooksHandler(c *echo.Context) error {
	endpoints, err := s.webhooks.ListEndpoints(c.Request().Context(), principalFrom(c).TenantID)
	if err != nil {
		return mapStoreError(err)
	}
	out := make([]*WebhookEndpointResponse, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, toEndpointResponse(ep, ""))
	}
	return c.JSON(http.StatusOK, out)
}

// getWebhookHandler handles GET /v1/webhooks/:id.
func (s *Server) getWebhookHandler(c *echo.Context) error {
	ep, err := s.webhooks.GetEndpoint(c.Request().Context(), principalFrom(c).TenantID, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, toEndpointResponse(ep, ""))
}

// updateWebhookHandler handles PUT /v1/webhooks/:id.
func (s *Server) updateWebhookHandler(c *echo.Context) error {
	var req WebhookEndpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if msg, ok := req.validate(); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, msg)
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	ep, err := s.webhooks.UpdateEndpoint(c.Request().Context(),
		principalFrom(c).TenantID, c.Param("id"), req.URL, req.Events, active)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, toEndpointResponse(ep, ""))
}

// deleteWebhookHandler handles DELETE /v1/webhooks/:id.
func (s *Server) deleteWebhookHandler(c *echo.Context) error {
	err := s.webhooks.DeleteEndpoint(c.Request().Context(), principalFrom(c).TenantID, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// rotateWebhookHandler handles POST /v1/webhooks/:id/rotate. The old secret
// stops validating immediately; the new one is returned exactly once.
func (s *Server) rotateWebhookHandler(c *echo.Context) error {
	secret, err := webhook.NewSecret()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate signing secret")
	}

	tenantID := principalFrom(c).TenantID
	ctx := c.Request().Context()
	if err := s.webhooks.RotateSecret(ctx, tenantID, c.Param("id"), secret); err != nil {
		return mapStoreError(err)
	}
	ep, err := s.webhooks.GetEndpoint(ctx, tenantID, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, toEndpointResponse(ep, secret))
}

// listDeliveriesHandler handles GET /v1/webhooks/:id/deliveries.
func (s *Server) listDeliveriesHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	// Tenant scoping happens here; the delivery table itself is global.
	ep, err := s.webhooks.GetEndpoint(ctx, principalFrom(c).TenantID, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}

	limit := parseIntParam(c.QueryParam("limit"), 50, 1, 200)
	offset := parseIntParam(c.QueryParam("offset"), 0, 0, 1<<30)
	deliveries, err := s.webhooks.ListDeliveries(ctx, ep.ID, limit, offset)
	if err != nil {
		return mapStoreError(err)
	}
	out := make([]*DeliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, toDeliveryResponse(d))
	}
	return c.JSON(http.StatusOK, out)
}

// retryDeliveryHandler handles POST /v1/webhooks/deliveries/:delivery_id/retry.
// Only failed deliveries can be re-queued.
func (s *Server) retryDeliveryHandler(c *echo.Context) error {
	deliveryID := c.Param("delivery_id")
	ctx := c.Request().Context()

	d, err := s.webhooks.GetDelivery(ctx, deliveryID)
	if err != nil {
		return mapStoreError(err)
	}
	if d.EndpointID != "" {
		// Verify the delivery belongs to the caller's tenant.
		if _, err := s.webhooks.GetEndpoint(ctx, principalFrom(c).TenantID, d.EndpointID); err != nil {
			return mapStoreError(err)
		}
	}
	if d.Status != models.DeliveryStatusFailed {
		return echo.NewHTTPError(http.StatusConflict, "only failed deliveries can be retried")
	}
	if err := s.webhooks.ResetForRetry(ctx, deliveryID); err != nil {
		return mapStoreError(err)
	}

	d, err = s.webhooks.GetDelivery(ctx, deliveryID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, toDeliveryResponse(d))
}

// parseIntParam parses a query integer with a default and clamping bounds.
func parseIntParam(v string, def, min, max int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return def
	}
	if n > max {
		return max
	}
	return n
}
