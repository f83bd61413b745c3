// Package webhook implements the fat-payload provider variants: deliveries
// that carry the complete event in the request body.
//
// Each provider is a Variant value assembled from a lookup table and a few
// hooks, so adding a provider means adding a constructor, not a branch.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"triggerhub/internal/mapping"
	"triggerhub/internal/provider"
	"triggerhub/pkg/models"
)

// Classifier resolves the canonical event name and the provider action of a
// decoded payload. An empty name means the delivery is acknowledged and
// ignored.
type Classifier func(msg *models.TransportMessage, payload map[string]interface{}) (name, action string)

// Variant is one fat-payload provider.
type Variant struct {
	kind         models.ProviderKind
	verification models.Verification
	schemas      []mapping.Schema

	parse    func(msg *models.TransportMessage) (map[string]interface{}, error)
	classify Classifier
	// check runs after parsing for provider-level authenticity rules that
	// need the decoded body. Trusted messages passed it at ingress.
	check     func(msg *models.TransportMessage, sub *models.Subscription, payload map[string]interface{}, now time.Time) error
	handshake func(msg *models.TransportMessage, sub *models.Subscription) (*provider.HandshakeResponse, bool)
	// split turns one delivery into several records (batched notifications).
	split func(payload map[string]interface{}) []map[string]interface{}
	// classifyRecord names each split record on its own. Records it leaves
	// unnamed are dropped.
	classifyRecord func(record map[string]interface{}) (string, string)
	nativeID       func(payload map[string]interface{}) string
	attachments    func(payload map[string]interface{}) []models.AttachmentReference
	ack            *provider.HandshakeResponse

	deliveryHeaders []string
	occurredAtPath  string

	now func() time.Time
}

func (v *Variant) Kind() models.ProviderKind { return v.kind }

func (v *Variant) Style() provider.Style { return provider.FatPayload }

func (v *Variant) DefaultVerification() models.Verification { return v.verification }

func (v *Variant) Schemas() []mapping.Schema { return v.schemas }

// WithClock replaces the variant's clock. Used by tests of time-bound checks.
func (v *Variant) WithClock(now func() time.Time) *Variant {
	v.now = now
	return v
}

func (v *Variant) Handshake(msg *models.TransportMessage, sub *models.Subscription) (*provider.HandshakeResponse, bool) {
	if v.handshake == nil {
		return nil, false
	}
	return v.handshake(msg, sub)
}

func (v *Variant) Acknowledgement() provider.HandshakeResponse {
	if v.ack != nil {
		return *v.ack
	}
	return provider.HandshakeResponse{
		Status:      http.StatusOK,
		ContentType: "application/json",
		Body:        []byte(`{"status":"ok"}`),
	}
}

func (v *Variant) Decode(_ context.Context, msg *models.TransportMessage, sub *models.Subscription) (*provider.Notification, error) {
	parse := v.parse
	if parse == nil {
		parse = parseJSON
	}
	payload, err := parse(msg)
	if err != nil {
		return nil, err
	}

	if v.check != nil && !msg.Trusted {
		if err := v.check(msg, sub, payload, v.clock()); err != nil {
			return nil, err
		}
	}

	name, action := v.classify(msg, payload)
	n := &provider.Notification{
		EventType:  name,
		Action:     action,
		DeliveryID: v.deliveryID(msg),
		Payload:    payload,
		RawBody:    msg.Body,
		OccurredAt: msg.ReceivedAt,
		Ignore:     name == "",
	}
	if v.occurredAtPath != "" {
		if raw, ok := mapping.Lookup(payload, v.occurredAtPath); ok {
			if ts, ok := mapping.ParseTimestamp(raw); ok {
				n.OccurredAt = ts.UTC()
			}
		}
	}
	return n, nil
}

func (v *Variant) Map(_ context.Context, req provider.MapRequest) ([]mapping.Candidate, error) {
	n := req.Notification
	if n == nil || n.Ignore || n.EventType == "" {
		return nil, nil
	}

	records := []map[string]interface{}{n.Payload}
	if v.split != nil {
		records = v.split(n.Payload)
	}

	out := make([]mapping.Candidate, 0, len(records))
	for _, data := range records {
		name, action := n.EventType, n.Action
		if v.classifyRecord != nil {
			if name, action = v.classifyRecord(data); name == "" {
				continue
			}
		}
		c := mapping.Candidate{
			Name:       name,
			ChangeKind: action,
			DeliveryID: n.DeliveryID,
			Data:       data,
			RawBody:    n.RawBody,
			OccurredAt: n.OccurredAt,
		}
		if v.nativeID != nil {
			c.NativeID = v.nativeID(data)
		}
		if v.attachments != nil {
			c.Attachments = v.attachments(data)
		}
		if len(records) > 1 && c.NativeID == "" {
			// Siblings of one delivery would otherwise share the body hash.
			raw, _ := json.Marshal(data)
			c.RawBody = raw
		}
		out = append(out, c)
	}
	return out, nil
}

func (v *Variant) deliveryID(msg *models.TransportMessage) string {
	for _, h := range v.deliveryHeaders {
		if id := strings.TrimSpace(msg.Header(h)); id != "" {
			return id
		}
	}
	return ""
}

func (v *Variant) clock() time.Time {
	if v.now != nil {
		return v.now()
	}
	return time.Now()
}

func parseJSON(msg *models.TransportMessage) (map[string]interface{}, error) {
	if len(strings.TrimSpace(string(msg.Body))) == 0 {
		return nil, provider.Malformed("empty request body")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return nil, provider.Malformed("invalid JSON body: %v", err)
	}
	if payload == nil {
		return nil, provider.Malformed("body is not a JSON object")
	}
	return payload, nil
}

// parseForm decodes form-encoded bodies into single-valued fields.
func parseForm(msg *models.TransportMessage) (map[string]interface{}, error) {
	form := msg.Form()
	if len(form) == 0 {
		return nil, provider.Malformed("empty form body")
	}
	payload := make(map[string]interface{}, len(form))
	for key, values := range form {
		if len(values) > 0 {
			payload[key] = values[0]
		}
	}
	return payload, nil
}

func str(payload map[string]interface{}, path string) string {
	raw, ok := mapping.Lookup(payload, path)
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func pathID(path string) func(map[string]interface{}) string {
	return func(payload map[string]interface{}) string { return str(payload, path) }
}

func jsonAck(body string) *provider.HandshakeResponse {
	return &provider.HandshakeResponse{Status: http.StatusOK, ContentType: "application/json", Body: []byte(body)}
}

// All returns every fat-payload variant with production defaults.
func All() []provider.Provider {
	return []provider.Provider{
		GitHub(), Linear(), Notion(), Slack(), Typeform(), WooCommerce(),
		Zendesk(), Twilio(), RssHub(), Outlook(), Telegram(),
	}
}
