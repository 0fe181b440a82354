package models

import "time"

// Webhook event types a tenant endpoint can subscribe to.
const (
	WebhookEventCompleted = "transcription.completed"
	WebhookEventFailed    = "transcription.failed"
	WebhookEventCancelled = "transcription.cancelled"
	WebhookEventWildcard  = "*"
)

// WebhookEndpoint is a tenant-scoped, admin-registered notification sink.
// The signing secret is the endpoint's immutable identity prefix-wise
// ("whsec_") though its value is rotatable.
type WebhookEndpoint struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscribed reports whether the endpoint should receive the given event.
func (e *WebhookEndpoint) Subscribed(event string) bool {
	for _, ev := range e.Events {
		if ev == event || ev == WebhookEventWildcard {
			return true
		}
	}
	return false
}

// DeliveryStatus is the state of one queued webhook POST.
type DeliveryStatus string

// Delivery states.
const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// WebhookDelivery is one queued POST. EndpointID is empty for legacy
// per-job URL overrides, in which case URLOverride carries the target.
type WebhookDelivery struct {
	ID             string         `json:"id"`
	EndpointID     string         `json:"endpoint_id,omitempty"`
	JobID          string         `json:"job_id"`
	EventType      string         `json:"event_type"`
	Payload        []byte         `json:"payload"`
	URLOverride    string         `json:"url_override,omitempty"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	NextRetryAt    time.Time      `json:"next_retry_at"`
	LastStatusCode int            `json:"last_status_code,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
