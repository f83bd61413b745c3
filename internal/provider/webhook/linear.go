package webhook

import (
	"math"
	"net/http"
	"strings"
	"time"

	"triggerhub/internal/mapping"
	"triggerhub/internal/signature"
	"triggerhub/pkg/models"
)

// linearReplayWindow bounds the age of webhookTimestamp.
const linearReplayWindow = 60 * time.Second

var linearActions = map[string]string{
	"create": "created",
	"update": "updated",
	"remove": "removed",
}

func classifyLinear(msg *models.TransportMessage, payload map[string]interface{}) (string, string) {
	kind := msg.Header("Linear-Event")
	if kind == "" {
		kind = str(payload, "type")
	}
	action := strings.ToLower(str(payload, "action"))
	suffix, ok := linearActions[action]
	if kind == "" || !ok {
		return "", action
	}
	return strings.ToLower(kind) + "_" + suffix, action
}

func checkLinearTimestamp(_ *models.TransportMessage, _ *models.Subscription, payload map[string]interface{}, now time.Time) error {
	raw, ok := payload["webhookTimestamp"].(float64)
	if !ok {
		return signature.Reject(http.StatusUnauthorized, "missing webhookTimestamp")
	}
	sent := time.UnixMilli(int64(raw))
	if math.Abs(now.Sub(sent).Seconds()) > linearReplayWindow.Seconds() {
		return signature.Reject(http.StatusUnauthorized, "webhookTimestamp outside the %s window", linearReplayWindow)
	}
	return nil
}

// Linear workspace webhooks. Event names are {type}_{created|updated|removed}.
func Linear() *Variant {
	return &Variant{
		kind: models.ProviderLinear,
		verification: models.Verification{
			Scheme:   models.SchemeHMAC,
			Header:   "Linear-Signature",
			Encoding: "hex",
		},
		classify:        classifyLinear,
		check:           checkLinearTimestamp,
		deliveryHeaders: []string{"Linear-Delivery"},
		occurredAtPath:  "createdAt",
		schemas: []mapping.Schema{
			{Event: "issue_created", Fields: linearIssueFields()},
			{Event: "issue_updated", Fields: linearIssueFields()},
			{Event: "issue_removed", Fields: []mapping.Field{
				{Name: "id", Path: "data.id", Type: mapping.TypeString, Required: true},
				{Name: "title", Path: "data.title", Type: mapping.TypeString},
			}},
			{Event: "comment_created", Fields: []mapping.Field{
				{Name: "id", Path: "data.id", Type: mapping.TypeString, Required: true},
				{Name: "body", Path: "data.body", Type: mapping.TypeString},
				{Name: "issue_id", Path: "data.issueId", Type: mapping.TypeString},
				{Name: "user_id", Path: "data.userId", Type: mapping.TypeString},
			}},
		},
	}
}

func linearIssueFields() []mapping.Field {
	return []mapping.Field{
		{Name: "id", Path: "data.id", Type: mapping.TypeString, Required: true},
		{Name: "identifier", Path: "data.identifier", Type: mapping.TypeString},
		{Name: "title", Path: "data.title", Type: mapping.TypeString},
		{Name: "description", Path: "data.description", Type: mapping.TypeString},
		{Name: "priority", Path: "data.priorityLabel", Type: mapping.TypeString},
		{Name: "state", Path: "data.state.name", Type: mapping.TypeString},
		{Name: "team", Path: "data.team.key", Type: mapping.TypeString},
		{Name: "label_ids", Path: "data.labelIds", Type: mapping.TypeArray},
		{Name: "assignee_id", Path: "data.assigneeId", Type: mapping.TypeString},
		{Name: "url", Path: "url", Type: mapping.TypeString},
		{Name: "created_at", Path: "data.createdAt", Type: mapping.TypeTimestamp},
	}
}
