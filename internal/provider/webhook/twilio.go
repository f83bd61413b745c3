package webhook

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"triggerhub/internal/mapping"
	"triggerhub/internal/provider"
	"triggerhub/pkg/models"
)

func classifyTwilio(_ *models.TransportMessage, payload map[string]interface{}) (string, string) {
	_, hasBody := payload["Body"]
	switch {
	case hasBody && strings.HasPrefix(str(payload, "From"), "whatsapp:"):
		return "whatsapp_received", "received"
	case hasBody && str(payload, "MessageSid") != "":
		return "sms_received", "received"
	case str(payload, "CallSid") != "" && str(payload, "CallStatus") != "":
		return "call_received", str(payload, "CallStatus")
	}
	return "", ""
}

func twilioNativeID(payload map[string]interface{}) string {
	if sid := str(payload, "MessageSid"); sid != "" {
		return sid
	}
	return str(payload, "CallSid")
}

// twilioMedia lists MMS media as MediaUrl{n}/MediaContentType{n} pairs.
func twilioMedia(payload map[string]interface{}) []models.AttachmentReference {
	count, _ := strconv.Atoi(str(payload, "NumMedia"))
	out := make([]models.AttachmentReference, 0, count)
	for i := 0; i < count; i++ {
		url := str(payload, fmt.Sprintf("MediaUrl%d", i))
		if url == "" {
			continue
		}
		out = append(out, models.AttachmentReference{
			SourceID:    fmt.Sprintf("%s-%d", str(payload, "MessageSid"), i),
			SourceURL:   url,
			ContentType: str(payload, fmt.Sprintf("MediaContentType%d", i)),
		})
	}
	return out
}

// Twilio messaging and voice webhooks. Bodies are form-encoded and Twilio
// expects an empty TwiML document back.
func Twilio() *Variant {
	messageFields := []mapping.Field{
		{Name: "from", Path: "From", Type: mapping.TypeString, Required: true},
		{Name: "to", Path: "To", Type: mapping.TypeString},
		{Name: "body", Path: "Body", Type: mapping.TypeString},
		{Name: "message_sid", Path: "MessageSid", Type: mapping.TypeString},
		{Name: "num_media", Path: "NumMedia", Type: mapping.TypeNumber},
		{Name: "profile_name", Path: "ProfileName", Type: mapping.TypeString},
	}
	return &Variant{
		kind: models.ProviderTwilio,
		verification: models.Verification{
			Scheme: models.SchemeTwilio,
			Header: "X-Twilio-Signature",
		},
		parse:       parseForm,
		classify:    classifyTwilio,
		nativeID:    twilioNativeID,
		attachments: twilioMedia,
		ack: &provider.HandshakeResponse{
			Status:      http.StatusOK,
			ContentType: "application/xml",
			Body:        []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`),
		},
		schemas: []mapping.Schema{
			{Event: "sms_received", Fields: messageFields},
			{Event: "whatsapp_received", Fields: messageFields},
			{Event: "call_received", Fields: []mapping.Field{
				{Name: "call_sid", Path: "CallSid", Type: mapping.TypeString, Required: true},
				{Name: "from", Path: "From", Type: mapping.TypeString},
				{Name: "to", Path: "To", Type: mapping.TypeString},
				{Name: "call_status", Path: "CallStatus", Type: mapping.TypeString},
				{Name: "direction", Path: "Direction", Type: mapping.TypeString},
			}},
		},
	}
}
