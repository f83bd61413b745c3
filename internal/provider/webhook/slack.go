package webhook

import (
	"encoding/json"

	"triggerhub/internal/mapping"
	"triggerhub/internal/provider"
	"triggerhub/internal/signature"
	"triggerhub/pkg/models"
)

// Slack Events API callbacks are enveloped as event_callback; the inner
// event type names the canonical event.
func classifySlack(_ *models.TransportMessage, payload map[string]interface{}) (string, string) {
	if str(payload, "type") != "event_callback" {
		return "", ""
	}
	eventType := str(payload, "event.type")
	subtype := str(payload, "event.subtype")
	switch {
	case eventType == "":
		return "", ""
	case eventType == "message" && subtype == "":
		return "message_posted", eventType
	case eventType == "message":
		// Edits, deletions and bot chatter arrive as message subtypes.
		return "", subtype
	}
	return eventType, eventType
}

func slackHandshake(msg *models.TransportMessage, _ *models.Subscription) (*provider.HandshakeResponse, bool) {
	var body struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(msg.Body, &body); err != nil || body.Type != "url_verification" {
		return nil, false
	}
	out, _ := json.Marshal(map[string]string{"challenge": body.Challenge})
	return jsonAck(string(out)), true
}

func slackFiles(payload map[string]interface{}) []models.AttachmentReference {
	raw, ok := mapping.Lookup(payload, "event.files")
	if !ok {
		return nil
	}
	files, _ := raw.([]interface{})
	out := make([]models.AttachmentReference, 0, len(files))
	for _, f := range files {
		file, ok := f.(map[string]interface{})
		if !ok {
			continue
		}
		ref := models.AttachmentReference{
			SourceID:    str(file, "id"),
			SourceURL:   str(file, "url_private_download"),
			Name:        str(file, "name"),
			ContentType: str(file, "mimetype"),
		}
		if size, ok := file["size"].(float64); ok {
			ref.Size = int64(size)
		}
		if ref.SourceURL == "" {
			ref.SourceURL = str(file, "url_private")
		}
		out = append(out, ref)
	}
	return out
}

// Slack Events API subscriptions, signed over v0:{timestamp}:{body}.
func Slack() *Variant {
	return &Variant{
		kind: models.ProviderSlack,
		verification: models.Verification{
			Scheme:          models.SchemeHMAC,
			Header:          "X-Slack-Signature",
			Prefix:          "v0=",
			Encoding:        "hex",
			TimestampHeader: "X-Slack-Request-Timestamp",
			BaseFormat:      signature.BaseSlack,
		},
		classify:       classifySlack,
		handshake:      slackHandshake,
		nativeID:       pathID("event_id"),
		attachments:    slackFiles,
		occurredAtPath: "event_time",
		schemas: []mapping.Schema{
			{Event: "message_posted", Fields: []mapping.Field{
				{Name: "channel", Path: "event.channel", Type: mapping.TypeString, Required: true},
				{Name: "user", Path: "event.user", Type: mapping.TypeString},
				{Name: "text", Path: "event.text", Type: mapping.TypeString},
				{Name: "ts", Path: "event.ts", Type: mapping.TypeString},
				{Name: "thread_ts", Path: "event.thread_ts", Type: mapping.TypeString},
				{Name: "team_id", Path: "team_id", Type: mapping.TypeString},
			}},
			{Event: "app_mention", Fields: []mapping.Field{
				{Name: "channel", Path: "event.channel", Type: mapping.TypeString, Required: true},
				{Name: "user", Path: "event.user", Type: mapping.TypeString},
				{Name: "text", Path: "event.text", Type: mapping.TypeString},
				{Name: "ts", Path: "event.ts", Type: mapping.TypeString},
			}},
			{Event: "reaction_added", Fields: []mapping.Field{
				{Name: "reaction", Path: "event.reaction", Type: mapping.TypeString, Required: true},
				{Name: "user", Path: "event.user", Type: mapping.TypeString},
				{Name: "item", Path: "event.item", Type: mapping.TypeObject},
			}},
		},
	}
}
