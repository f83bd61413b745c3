package webhook

import (
	"triggerhub/internal/mapping"
	"triggerhub/pkg/models"
)

// telegramUpdates is checked in order; an update carries exactly one kind.
var telegramUpdates = []struct{ key, event string }{
	{"message", "message_received"},
	{"edited_message", "message_edited"},
	{"channel_post", "channel_post_received"},
	{"callback_query", "callback_query_received"},
}

func classifyTelegram(_ *models.TransportMessage, payload map[string]interface{}) (string, string) {
	for _, u := range telegramUpdates {
		if _, ok := payload[u.key]; ok {
			return u.event, u.key
		}
	}
	return "", ""
}

// Telegram bot webhooks, authenticated with the secret_token header.
func Telegram() *Variant {
	messageFields := []mapping.Field{
		{Name: "chat_id", Path: "message.chat.id", Type: mapping.TypeString, Required: true},
		{Name: "chat_type", Path: "message.chat.type", Type: mapping.TypeString},
		{Name: "from", Path: "message.from.username", Type: mapping.TypeString},
		{Name: "text", Path: "message.text", Type: mapping.TypeString},
		{Name: "date", Path: "message.date", Type: mapping.TypeTimestamp},
	}
	return &Variant{
		kind: models.ProviderTelegram,
		verification: models.Verification{
			Scheme:       models.SchemeSharedToken,
			TokenHeaders: []string{"X-Telegram-Bot-Api-Secret-Token"},
		},
		classify:       classifyTelegram,
		nativeID:       pathID("update_id"),
		occurredAtPath: "message.date",
		schemas: []mapping.Schema{
			{Event: "message_received", Fields: messageFields},
			{Event: "callback_query_received", Fields: []mapping.Field{
				{Name: "query_id", Path: "callback_query.id", Type: mapping.TypeString, Required: true},
				{Name: "data", Path: "callback_query.data", Type: mapping.TypeString},
				{Name: "from", Path: "callback_query.from.username", Type: mapping.TypeString},
			}},
		},
	}
}
