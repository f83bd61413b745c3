package webhook

import (
	"encoding/json"
	"strings"

	"triggerhub/internal/mapping"
	"triggerhub/internal/provider"
	"triggerhub/pkg/models"
)

func classifyNotion(_ *models.TransportMessage, payload map[string]interface{}) (string, string) {
	eventType := str(payload, "type")
	if eventType == "" {
		return "", ""
	}
	return strings.ReplaceAll(eventType, ".", "_"), eventType
}

// notionHandshake acknowledges the unsigned verification ping, a body that
// only carries verification_token.
func notionHandshake(msg *models.TransportMessage, _ *models.Subscription) (*provider.HandshakeResponse, bool) {
	var body map[string]interface{}
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return nil, false
	}
	if _, ok := body["verification_token"]; !ok || len(body) != 1 {
		return nil, false
	}
	return jsonAck(`{"status":"ok"}`), true
}

// Notion integration webhooks. Event names replace dots with underscores
// (page.created becomes page_created).
func Notion() *Variant {
	return &Variant{
		kind: models.ProviderNotion,
		verification: models.Verification{
			Scheme:   models.SchemeHMAC,
			Header:   "X-Notion-Signature",
			Prefix:   "sha256=",
			Encoding: "hex",
		},
		classify:       classifyNotion,
		handshake:      notionHandshake,
		nativeID:       pathID("id"),
		occurredAtPath: "timestamp",
		schemas: []mapping.Schema{
			{Event: "page_created", Fields: notionEntityFields()},
			{Event: "page_content_updated", Fields: notionEntityFields()},
			{Event: "page_properties_updated", Fields: notionEntityFields()},
			{Event: "page_deleted", Fields: notionEntityFields()},
			{Event: "database_created", Fields: notionEntityFields()},
			{Event: "comment_created", Fields: notionEntityFields()},
		},
	}
}

func notionEntityFields() []mapping.Field {
	return []mapping.Field{
		{Name: "entity_id", Path: "entity.id", Type: mapping.TypeString, Required: true},
		{Name: "entity_type", Path: "entity.type", Type: mapping.TypeString},
		{Name: "workspace_id", Path: "workspace_id", Type: mapping.TypeString},
		{Name: "authors", Path: "authors", Type: mapping.TypeArray},
		{Name: "timestamp", Path: "timestamp", Type: mapping.TypeTimestamp},
	}
}
