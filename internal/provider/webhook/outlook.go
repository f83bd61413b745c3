package webhook

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"triggerhub/internal/mapping"
	"triggerhub/internal/provider"
	"triggerhub/internal/signature"
	"triggerhub/pkg/models"
)

// outlookHandshake echoes the Graph validationToken sent when the
// subscription is created.
func outlookHandshake(msg *models.TransportMessage, _ *models.Subscription) (*provider.HandshakeResponse, bool) {
	token := msg.Query.Get("validationToken")
	if token == "" || len(strings.TrimSpace(string(msg.Body))) != 0 {
		return nil, false
	}
	if unescaped, err := url.QueryUnescape(token); err == nil {
		token = unescaped
	}
	return &provider.HandshakeResponse{
		Status:      http.StatusOK,
		ContentType: "text/plain",
		Body:        []byte(token),
	}, true
}

func outlookValues(payload map[string]interface{}) []map[string]interface{} {
	raw, _ := payload["value"].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// checkClientState compares every notification's clientState with the
// subscription secret. A mismatch is a valid delivery for the wrong
// subscription.
func checkClientState(_ *models.TransportMessage, sub *models.Subscription, payload map[string]interface{}, _ time.Time) error {
	values := outlookValues(payload)
	if len(values) == 0 {
		return provider.Malformed("notification has no value entries")
	}
	if sub.Secret == "" {
		return nil
	}
	for _, v := range values {
		state := str(v, "clientState")
		if subtle.ConstantTimeCompare([]byte(state), []byte(sub.Secret)) != 1 {
			return signature.Reject(http.StatusForbidden, "invalid client state")
		}
	}
	return nil
}

// classifyOutlook accepts a batch when any notification in it is a
// creation. Records are named individually by classifyOutlookValue.
func classifyOutlook(_ *models.TransportMessage, payload map[string]interface{}) (string, string) {
	values := outlookValues(payload)
	if len(values) == 0 {
		return "", ""
	}
	for _, v := range values {
		if name, action := classifyOutlookValue(v); name != "" {
			return name, action
		}
	}
	return "", str(values[0], "changeType")
}

func classifyOutlookValue(value map[string]interface{}) (string, string) {
	changeType := str(value, "changeType")
	if changeType != "" && changeType != "created" {
		return "", changeType
	}
	return "email_received", "created"
}

// Microsoft Graph mail change notifications. Graph batches several
// notifications per delivery; each becomes its own event.
func Outlook() *Variant {
	return &Variant{
		kind:           models.ProviderOutlook,
		verification:   models.Verification{Scheme: models.SchemeNone},
		classify:       classifyOutlook,
		check:          checkClientState,
		handshake:      outlookHandshake,
		split:          outlookValues,
		classifyRecord: classifyOutlookValue,
		nativeID:       pathID("resourceData.id"),
		schemas: []mapping.Schema{
			{Event: "email_received", Fields: []mapping.Field{
				{Name: "resource", Path: "resource", Type: mapping.TypeString, Required: true},
				{Name: "message_id", Path: "resourceData.id", Type: mapping.TypeString},
				{Name: "subscription_id", Path: "subscriptionId", Type: mapping.TypeString},
				{Name: "change_type", Path: "changeType", Type: mapping.TypeString},
				{Name: "tenant_id", Path: "tenantId", Type: mapping.TypeString},
			}},
		},
	}
}
