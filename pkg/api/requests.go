package api

import (
	"net/url"

	"github.com/dalston-ai/dalston/pkg/models"
)

// WebhookEndpointRequest is the body for creating or updating an endpoint.
type WebhookEndpointRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"active,omitempty"`
}

// validate checks the URL and event names. A missing events list means
// subscribe to everything.
func (r *WebhookEndpointRequest) validate() (string, bool) {
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "url must be an http(s) URL", false
	}
	if len(r.Events) == 0 {
		r.Events = []string{models.WebhookEventWildcard}
	}
	for _, ev := range r.Events {
		switch ev {
		case models.WebhookEventCompleted, models.WebhookEventFailed,
			models.WebhookEventCancelled, models.WebhookEventWildcard:
		default:
			return "unknown event type: " + ev, false
		}
	}
	return "", true
}
