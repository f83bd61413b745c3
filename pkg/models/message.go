package models

import (
	"net/http"
	"net/url"
	"time"
)

// TransportMessage is the raw inbound delivery, scoped to one request.
type TransportMessage struct {
	Body        []byte      `json:"body"`
	Headers     http.Header `json:"headers"`
	Query       url.Values  `json:"query,omitempty"`
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	ContentType string      `json:"content_type,omitempty"`
	ReceivedAt  time.Time   `json:"received_at"`

	// Trusted marks messages that arrived over an already authenticated
	// channel (Pub/Sub pull, internal redelivery).
	Trusted bool `json:"trusted,omitempty"`
}

func (m *TransportMessage) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers.Get(name)
}

// Form parses a form-encoded body. Malformed bodies yield an empty set.
func (m *TransportMessage) Form() url.Values {
	values, err := url.ParseQuery(string(m.Body))
	if err != nil {
		return url.Values{}
	}
	return values
}

// Redelivery is the payload re-enqueued when asynchronous processing fails
// with a retryable error.
type Redelivery struct {
	SubscriptionID string            `json:"subscription_id"`
	Message        *TransportMessage `json:"message"`
	Attempt        int               `json:"attempt"`
	Reason         string            `json:"reason,omitempty"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
}
