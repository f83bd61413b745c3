package webhook

import (
	"strings"

	"triggerhub/internal/mapping"
	"triggerhub/internal/signature"
	"triggerhub/pkg/models"
)

const zendeskEventPrefix = "zen:event-type:"

// classifyZendesk turns zen:event-type:ticket.status_changed into
// ticket_status_changed. Only ticket and article events are mapped.
func classifyZendesk(_ *models.TransportMessage, payload map[string]interface{}) (string, string) {
	eventType := str(payload, "type")
	if !strings.HasPrefix(eventType, zendeskEventPrefix) {
		return "", eventType
	}
	rest := strings.TrimPrefix(eventType, zendeskEventPrefix)
	domain, action, ok := strings.Cut(rest, ".")
	if !ok || action == "" || (domain != "ticket" && domain != "article") {
		return "", eventType
	}
	return domain + "_" + strings.ReplaceAll(action, ".", "_"), eventType
}

// Zendesk event webhooks, signed as base64 HMAC over {timestamp}{body}.
func Zendesk() *Variant {
	ticketFields := []mapping.Field{
		{Name: "ticket_id", Path: "detail.id", Type: mapping.TypeString, Required: true},
		{Name: "subject", Path: "detail.subject", Type: mapping.TypeString},
		{Name: "description", Path: "detail.description", Type: mapping.TypeString},
		{Name: "status", Path: "detail.status", Type: mapping.TypeString},
		{Name: "priority", Path: "detail.priority", Type: mapping.TypeString},
		{Name: "requester_id", Path: "detail.requester_id", Type: mapping.TypeString},
		{Name: "assignee_id", Path: "detail.assignee_id", Type: mapping.TypeString},
		{Name: "tags", Path: "detail.tags", Type: mapping.TypeArray},
		{Name: "change", Path: "event", Type: mapping.TypeObject},
	}
	return &Variant{
		kind: models.ProviderZendesk,
		verification: models.Verification{
			Scheme:          models.SchemeHMAC,
			Header:          "X-Zendesk-Webhook-Signature",
			Encoding:        "base64",
			TimestampHeader: "X-Zendesk-Webhook-Signature-Timestamp",
			BaseFormat:      signature.BaseTimestampBody,
		},
		classify:       classifyZendesk,
		nativeID:       pathID("id"),
		occurredAtPath: "time",
		schemas: []mapping.Schema{
			{Event: "ticket_created", Fields: ticketFields},
			{Event: "ticket_status_changed", Fields: ticketFields},
			{Event: "ticket_priority_changed", Fields: ticketFields},
			{Event: "ticket_comment_created", Fields: ticketFields},
			{Event: "ticket_marked_as_spam", Fields: ticketFields},
			{Event: "article_published", Fields: []mapping.Field{
				{Name: "article_id", Path: "detail.id", Type: mapping.TypeString, Required: true},
				{Name: "title", Path: "detail.title", Type: mapping.TypeString},
				{Name: "locale", Path: "detail.locale", Type: mapping.TypeString},
			}},
		},
	}
}
