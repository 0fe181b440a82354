package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dalston-ai/dalston/pkg/models"
)

// WebhookStore persists webhook endpoints and delivery rows.
type WebhookStore struct {
	pool *pgxpool.Pool
}

// NewWebhookStore creates a WebhookStore.
func NewWebhookStore(pool *pgxpool.Pool) *WebhookStore {
	return &WebhookStore{pool: pool}
}

// --- Endpoints ---

const endpointColumns = `endpoint_id, tenant_id, url, events, secret, active, created_at, updated_at`

// CreateEndpoint inserts a new endpoint.
func (s *WebhookStore) CreateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error {
	events, err := json.Marshal(ep.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoint events: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO webhook_endpoints (endpoint_id, tenant_id, url, events, secret, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		ep.ID, ep.TenantID, ep.URL, events, ep.Secret, ep.Active, ep.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert endpoint: %w", err)
	}
	return nil
}

// GetEndpoint loads an endpoint scoped to a tenant.
func (s *WebhookStore) GetEndpoint(ctx context.Context, tenantID, endpointID string) (*models.WebhookEndpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE endpoint_id = $1 AND tenant_id = $2`,
		endpointID, tenantID)
	return scanEndpoint(row)
}

// GetEndpointByID loads an endpoint regardless of tenant, for the delivery
// worker resolving a claimed row.
func (s *WebhookStore) GetEndpointByID(ctx context.Context, endpointID string) (*models.WebhookEndpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE endpoint_id = $1`, endpointID)
	return scanEndpoint(row)
}

// ListEndpoints returns a tenant's endpoints.
func (s *WebhookStore) ListEndpoints(ctx context.Context, tenantID string) ([]*models.WebhookEndpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*models.WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// ListActiveSubscribed returns the tenant's active endpoints subscribed to
// the given event (including wildcard subscriptions).
func (s *WebhookStore) ListActiveSubscribed(ctx context.Context, tenantID, event string) ([]*models.WebhookEndpoint, error) {
	endpoints, err := s.ListEndpoints(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	matched := endpoints[:0]
	for _, ep := range endpoints {
		if ep.Active && ep.Subscribed(event) {
			matched = append(matched, ep)
		}
	}
	return matched, nil
}

// UpdateEndpoint updates url, subscriptions, and active flag.
func (s *WebhookStore) UpdateEndpoint(ctx context.Context, tenantID, endpointID, url string, events []string, active bool) (*models.WebhookEndpoint, error) {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal endpoint events: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_endpoints SET url = $3, events = $4, active = $5, updated_at = now()
		 WHERE endpoint_id = $1 AND tenant_id = $2`,
		endpointID, tenantID, url, eventsJSON, active)
	if err != nil {
		return nil, fmt.Errorf("failed to update endpoint %s: %w", endpointID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.GetEndpoint(ctx, tenantID, endpointID)
}

// DeleteEndpoint removes an endpoint. Past deliveries keep a NULL endpoint id.
func (s *WebhookStore) DeleteEndpoint(ctx context.Context, tenantID, endpointID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_endpoints WHERE endpoint_id = $1 AND tenant_id = $2`, endpointID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint %s: %w", endpointID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateSecret replaces the signing secret. The old secret is invalid the
// moment this commits.
func (s *WebhookStore) RotateSecret(ctx context.Context, tenantID, endpointID, newSecret string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_endpoints SET secret = $3, updated_at = now()
		 WHERE endpoint_id = $1 AND tenant_id = $2`,
		endpointID, tenantID, newSecret)
	if err != nil {
		return fmt.Errorf("failed to rotate secret for endpoint %s: %w", endpointID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEndpoint(row pgx.Row) (*models.WebhookEndpoint, error) {
	var (
		ep     models.WebhookEndpoint
		events []byte
	)
	err := row.Scan(&ep.ID, &ep.TenantID, &ep.URL, &events, &ep.Secret, &ep.Active,
		&ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan endpoint: %w", err)
	}
	if err := json.Unmarshal(events, &ep.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal endpoint events: %w", err)
	}
	return &ep, nil
}

// --- Deliveries ---

const deliveryColumns = `delivery_id, endpoint_id, job_id, event_type, payload, url_override,
	status, attempts, next_retry_at, last_status_code, last_error, created_at`

// InsertDelivery queues one pending delivery row. Replayed enqueues for the
// same (job, event, endpoint) are absorbed by the dedupe index.
func (s *WebhookStore) InsertDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (delivery_id, endpoint_id, job_id, event_type, payload,
		 url_override, status, next_retry_at, created_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		 ON CONFLICT (job_id, event_type, COALESCE(endpoint_id, '')) DO NOTHING`,
		d.ID, d.EndpointID, d.JobID, d.EventType, d.Payload, d.URLOverride,
		d.Status, d.NextRetryAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

// DeliveryOutcome is written back to a claimed delivery row.
type DeliveryOutcome struct {
	Status      models.DeliveryStatus
	StatusCode  int
	Error       string
	NextRetryAt time.Time
}

// ClaimAndProcess selects up to limit due pending deliveries under
// FOR UPDATE SKIP LOCKED and invokes process for each one while the row
// lock is held, so exactly one worker is ever in flight per delivery.
// Outcomes are written back and the whole batch commits together.
func (s *WebhookStore) ClaimAndProcess(ctx context.Context, limit int, process func(ctx context.Context, d *models.WebhookDelivery) DeliveryOutcome) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE status = $1 AND next_retry_at <= now()
		 ORDER BY next_retry_at
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		models.DeliveryStatusPending, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to claim deliveries: %w", err)
	}

	var claimed []*models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		claimed = append(claimed, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read claimed deliveries: %w", err)
	}

	for _, d := range claimed {
		outcome := process(ctx, d)
		_, err := tx.Exec(ctx,
			`UPDATE webhook_deliveries SET status = $2, attempts = attempts + 1,
			 next_retry_at = $3, last_status_code = NULLIF($4, 0), last_error = NULLIF($5, '')
			 WHERE delivery_id = $1`,
			d.ID, outcome.Status, outcome.NextRetryAt, outcome.StatusCode, outcome.Error)
		if err != nil {
			return 0, fmt.Errorf("failed to record delivery outcome for %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit delivery batch: %w", err)
	}
	return len(claimed), nil
}

// GetDelivery loads a delivery row by id.
func (s *WebhookStore) GetDelivery(ctx context.Context, deliveryID string) (*models.WebhookDelivery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE delivery_id = $1`, deliveryID)
	return scanDelivery(row)
}

// ListDeliveries returns an endpoint's delivery log, newest first.
func (s *WebhookStore) ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*models.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE endpoint_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		endpointID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// ResetForRetry re-queues a failed delivery for immediate manual retry.
func (s *WebhookStore) ResetForRetry(ctx context.Context, deliveryID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET status = $2, next_retry_at = now()
		 WHERE delivery_id = $1 AND status = $3`,
		deliveryID, models.DeliveryStatusPending, models.DeliveryStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to reset delivery %s: %w", deliveryID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingCount reports the webhook backlog for the health endpoint.
func (s *WebhookStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM webhook_deliveries WHERE status = $1`,
		models.DeliveryStatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending deliveries: %w", err)
	}
	return count, nil
}

func scanDelivery(row pgx.Row) (*models.WebhookDelivery, error) {
	var (
		d          models.WebhookDelivery
		endpointID *string
		override   *string
		statusCode *int
		lastError  *string
	)
	err := row.Scan(&d.ID, &endpointID, &d.JobID, &d.EventType, &d.Payload, &override,
		&d.Status, &d.Attempts, &d.NextRetryAt, &statusCode, &lastError, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}
	if endpointID != nil {
		d.EndpointID = *endpointID
	}
	if override != nil {
		d.URLOverride = *override
	}
	if statusCode != nil {
		d.LastStatusCode = *statusCode
	}
	if lastError != nil {
		d.LastError = *lastError
	}
	return &d, nil
}
