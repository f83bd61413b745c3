// Package mapping turns provider records into canonical events: a fixed,
// typed field layout per event, a pass-through bag for everything else, and
// a dedup key that is stable across redelivery.
package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

// Candidate is a provider-native record ready for canonical mapping.
type Candidate struct {
	Name        string
	NativeID    string
	ChangeKind  string
	DeliveryID  string
	Data        map[string]interface{}
	RawBody     []byte
	OccurredAt  time.Time
	Attachments []models.AttachmentReference
}

type Mapper struct {
	schemas map[string]Schema
}

func NewMapper() *Mapper {
	return &Mapper{schemas: make(map[string]Schema)}
}

func schemaKey(kind models.ProviderKind, event string) string {
	return string(kind) + ":" + event
}

func (m *Mapper) Register(kind models.ProviderKind, schemas ...Schema) {
	for _, s := range schemas {
		m.schemas[schemaKey(kind, s.Event)] = s
	}
}

func (m *Mapper) Schema(kind models.ProviderKind, event string) (Schema, bool) {
	s, ok := m.schemas[schemaKey(kind, event)]
	return s, ok
}

// Build maps one candidate. A candidate that violates its schema yields a
// MALFORMED_EVENT error; the caller drops it and carries on with siblings.
func (m *Mapper) Build(sub *models.Subscription, c Candidate) (*models.Event, error) {
	if c.Name == "" {
		return nil, malformed("candidate has no event name")
	}

	fields := make(map[string]interface{})
	consumed := make([]string, 0)

	if schema, ok := m.Schema(sub.Provider, c.Name); ok {
		for _, f := range schema.Fields {
			raw, found := Lookup(c.Data, f.Path)
			if !found || raw == nil {
				if f.Required {
					return nil, malformed("required field " + f.Name + " missing at " + f.Path)
				}
				continue
			}
			value, err := coerce(f, raw)
			if err != nil {
				return nil, malformed(err.Error())
			}
			fields[f.Name] = value
			consumed = append(consumed, f.Path)
		}
	}

	ev := models.NewEventBuilder(c.Name).
		ForSubscription(sub).
		WithIdentity(c.NativeID, c.ChangeKind).
		WithDeliveryID(c.DeliveryID).
		WithFields(fields).
		WithExtras(Extras(c.Data, consumed)).
		WithOccurredAt(c.OccurredAt).
		Build()
	ev.Attachments = c.Attachments
	ev.DedupKey = DedupKey(sub.ID, c.NativeID, c.ChangeKind, c.DeliveryID, c.RawBody)

	if err := models.ValidateEvent(ev); err != nil {
		return nil, malformed(err.Error())
	}
	return ev, nil
}

func malformed(msg string) error {
	return apperrors.ErrMalformedEvent.WithDetail("message", msg)
}

// DedupKey derives the idempotency key for an event. The provider-native
// identity wins; otherwise the delivery id; otherwise the body digest.
func DedupKey(subscriptionID, nativeID, changeKind, deliveryID string, body []byte) string {
	var parts []string
	switch {
	case nativeID != "":
		parts = []string{subscriptionID, nativeID, changeKind}
	case deliveryID != "":
		parts = []string{subscriptionID, "delivery", deliveryID}
	default:
		sum := sha256.Sum256(body)
		parts = []string{subscriptionID, "body", hex.EncodeToString(sum[:])}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Extras returns a deep copy of data without the consumed paths. Maps left
// empty by the removal are pruned.
func Extras(data map[string]interface{}, consumed []string) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}
	out := deepCopy(data).(map[string]interface{})
	for _, path := range consumed {
		removePath(out, strings.Split(path, "."))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func removePath(m map[string]interface{}, segs []string) {
	if len(segs) == 0 {
		return
	}
	head := segs[0]
	if len(segs) == 1 {
		delete(m, head)
		return
	}
	child, ok := m[head].(map[string]interface{})
	if !ok {
		return
	}
	removePath(child, segs[1:])
	if len(child) == 0 {
		delete(m, head)
	}
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
