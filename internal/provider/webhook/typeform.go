package webhook

import (
	"triggerhub/internal/mapping"
	"triggerhub/pkg/models"
)

var typeformEvents = map[string]string{
	"form_response":         "form_response_received",
	"form_response_partial": "form_response_partial_received",
}

func classifyTypeform(_ *models.TransportMessage, payload map[string]interface{}) (string, string) {
	eventType := str(payload, "event_type")
	return typeformEvents[eventType], eventType
}

// Typeform response webhooks, signed with base64 HMAC in Typeform-Signature.
func Typeform() *Variant {
	return &Variant{
		kind: models.ProviderTypeform,
		verification: models.Verification{
			Scheme:   models.SchemeHMAC,
			Header:   "Typeform-Signature",
			Prefix:   "sha256=",
			Encoding: "base64",
		},
		classify:       classifyTypeform,
		nativeID:       pathID("event_id"),
		occurredAtPath: "form_response.submitted_at",
		schemas: []mapping.Schema{
			{Event: "form_response_received", Fields: []mapping.Field{
				{Name: "form_id", Path: "form_response.form_id", Type: mapping.TypeString, Required: true},
				{Name: "token", Path: "form_response.token", Type: mapping.TypeString},
				{Name: "title", Path: "form_response.definition.title", Type: mapping.TypeString},
				{Name: "answers", Path: "form_response.answers", Type: mapping.TypeArray},
				{Name: "hidden", Path: "form_response.hidden", Type: mapping.TypeObject},
				{Name: "submitted_at", Path: "form_response.submitted_at", Type: mapping.TypeTimestamp},
			}},
		},
	}
}
