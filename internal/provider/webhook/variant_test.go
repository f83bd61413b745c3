package webhook

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerhub/internal/mapping"
	"triggerhub/internal/provider"
	"triggerhub/internal/signature"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

func message(body string, headers map[string]string) *models.TransportMessage {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &models.TransportMessage{
		Body:        []byte(body),
		Headers:     h,
		Query:       url.Values{},
		Method:      http.MethodPost,
		ContentType: "application/json",
		ReceivedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func decodeAndMap(t *testing.T, v *Variant, msg *models.TransportMessage, sub *models.Subscription) (*provider.Notification, []mapping.Candidate) {
	t.Helper()
	n, err := v.Decode(context.Background(), msg, sub)
	require.NoError(t, err)
	cands, err := v.Map(context.Background(), provider.MapRequest{Subscription: sub, Notification: n})
	require.NoError(t, err)
	return n, cands
}

func TestGitHubEventNames(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   string
		want   string
	}{
		{"branch created", "create", `{"ref":"main","ref_type":"branch"}`, "ref_change"},
		{"branch deleted", "delete", `{"ref":"old","ref_type":"branch"}`, "ref_change"},
		{"deployment status", "deployment_status", `{"action":"created","deployment_status":{"state":"success"}}`, "deployment_status_created"},
		{"issue opened", "issues", `{"action":"opened","issue":{"number":7}}`, "issue_created"},
		{"issue closed", "issues", `{"action":"closed","issue":{"number":7}}`, "issue_closed"},
		{"unmapped action", "issues", `{"action":"milestoned","issue":{"number":7}}`, ""},
		{"ping", "ping", `{"zen":"Keep it logically awesome."}`, ""},
	}

	sub := &models.Subscription{ID: "sub-gh", Provider: models.ProviderGitHub}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := message(tt.body, map[string]string{"X-GitHub-Event": tt.header, "X-GitHub-Delivery": "d-1"})
			n, cands := decodeAndMap(t, GitHub(), msg, sub)
			assert.Equal(t, tt.want, n.EventType)
			if tt.want == "" {
				assert.True(t, n.Ignore)
				assert.Empty(t, cands)
				return
			}
			require.Len(t, cands, 1)
			assert.Equal(t, "d-1", cands[0].DeliveryID)
		})
	}
}

func TestGitHubCreateAndDeleteKeepDistinctChangeKinds(t *testing.T) {
	sub := &models.Subscription{ID: "sub-gh", Provider: models.ProviderGitHub}
	_, created := decodeAndMap(t, GitHub(), message(`{"ref":"v1"}`, map[string]string{"X-GitHub-Event": "create"}), sub)
	_, deleted := decodeAndMap(t, GitHub(), message(`{"ref":"v1"}`, map[string]string{"X-GitHub-Event": "delete"}), sub)
	assert.Equal(t, "create", created[0].ChangeKind)
	assert.Equal(t, "delete", deleted[0].ChangeKind)
}

func TestLinearEventNamesAndReplayWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := &models.Subscription{ID: "sub-lin", Provider: models.ProviderLinear}
	v := Linear().WithClock(func() time.Time { return now })

	fresh := strconv.FormatInt(now.Add(-10*time.Second).UnixMilli(), 10)
	body := `{"action":"create","type":"Issue","webhookTimestamp":` + fresh + `,"data":{"id":"iss-1","priorityLabel":"High"}}`
	n, cands := decodeAndMap(t, v, message(body, map[string]string{"Linear-Delivery": "ld-1"}), sub)
	assert.Equal(t, "issue_created", n.EventType)
	require.Len(t, cands, 1)
	assert.Equal(t, "ld-1", cands[0].DeliveryID)

	stale := strconv.FormatInt(now.Add(-2*time.Minute).UnixMilli(), 10)
	body = `{"action":"update","type":"Issue","webhookTimestamp":` + stale + `,"data":{"id":"iss-1"}}`
	n, err := v.Decode(context.Background(), message(body, nil), sub)
	require.Error(t, err)
	assert.True(t, signature.IsRejected(err))
	assert.Equal(t, http.StatusUnauthorized, apperrors.ToHTTPStatus(err))

	redelivered := message(body, nil)
	redelivered.Trusted = true
	n, err = v.Decode(context.Background(), redelivered, sub)
	require.NoError(t, err)
	assert.Equal(t, "issue_updated", n.EventType)

	body = `{"action":"archive","type":"Issue","webhookTimestamp":` + fresh + `}`
	n, err = v.Decode(context.Background(), message(body, nil), sub)
	require.NoError(t, err)
	assert.True(t, n.Ignore)
}

func TestNotionHandshakeAndNames(t *testing.T) {
	sub := &models.Subscription{ID: "sub-n", Provider: models.ProviderNotion}
	v := Notion()

	resp, ok := v.Handshake(message(`{"verification_token":"secret_abc"}`, nil), sub)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, resp.Status)

	_, ok = v.Handshake(message(`{"type":"page.created","id":"e-1"}`, nil), sub)
	assert.False(t, ok)

	n, cands := decodeAndMap(t, v, message(`{"id":"e-1","type":"page.properties_updated","entity":{"id":"p-1","type":"page"}}`, nil), sub)
	assert.Equal(t, "page_properties_updated", n.EventType)
	require.Len(t, cands, 1)
	assert.Equal(t, "e-1", cands[0].NativeID)
}

func TestSlackChallengeAndFiles(t *testing.T) {
	sub := &models.Subscription{ID: "sub-s", Provider: models.ProviderSlack}
	v := Slack()

	resp, ok := v.Handshake(message(`{"type":"url_verification","challenge":"c-123"}`, nil), sub)
	require.True(t, ok)
	assert.JSONEq(t, `{"challenge":"c-123"}`, string(resp.Body))

	body := `{"type":"event_callback","event_id":"Ev1","event_time":1767225600,
		"event":{"type":"message","channel":"C1","text":"hi","files":[{"id":"F1","name":"a.png","mimetype":"image/png","size":10,"url_private_download":"https://files.slack.com/F1"}]}}`
	n, cands := decodeAndMap(t, v, message(body, nil), sub)
	assert.Equal(t, "message_posted", n.EventType)
	assert.True(t, time.Unix(1767225600, 0).Equal(n.OccurredAt))
	require.Len(t, cands, 1)
	assert.Equal(t, "Ev1", cands[0].NativeID)
	require.Len(t, cands[0].Attachments, 1)
	assert.Equal(t, "https://files.slack.com/F1", cands[0].Attachments[0].SourceURL)
	assert.Equal(t, int64(10), cands[0].Attachments[0].Size)

	n, _ = decodeAndMap(t, v, message(`{"type":"event_callback","event":{"type":"message","subtype":"message_changed"}}`, nil), sub)
	assert.True(t, n.Ignore)
}

func TestWooCommerceTopics(t *testing.T) {
	sub := &models.Subscription{ID: "sub-w", Provider: models.ProviderWooCommerce}
	n, cands := decodeAndMap(t, WooCommerce(), message(`{"id":42,"status":"processing"}`, map[string]string{
		"X-WC-Webhook-Topic":       "Order.Created",
		"X-WC-Webhook-Delivery-ID": "77",
	}), sub)
	assert.Equal(t, "order_created", n.EventType)
	require.Len(t, cands, 1)
	assert.Equal(t, "77", cands[0].DeliveryID)

	ping := message("webhook_id=12", nil)
	ping.ContentType = "application/x-www-form-urlencoded"
	n, _ = decodeAndMap(t, WooCommerce(), ping, sub)
	assert.True(t, n.Ignore)
}

func TestWooCommerceDeliveriesOfOneWebhookStayDistinct(t *testing.T) {
	mapper := provider.NewRegistry(WooCommerce()).Mapper()
	sub := &models.Subscription{ID: "sub-w", Provider: models.ProviderWooCommerce}
	headers := map[string]string{"X-WC-Webhook-Topic": "order.created", "X-WC-Webhook-ID": "7"}

	keyOf := func(body string) string {
		_, cands := decodeAndMap(t, WooCommerce(), message(body, headers), sub)
		require.Len(t, cands, 1)
		ev, err := mapper.Build(sub, cands[0])
		require.NoError(t, err)
		return ev.DedupKey
	}

	first := keyOf(`{"id":101,"status":"processing"}`)
	second := keyOf(`{"id":202,"status":"processing"}`)
	assert.NotEqual(t, first, second)

	revised := `{"id":101,"status":"completed","date_modified_gmt":"2026-03-01T10:05:00"}`
	assert.Equal(t, keyOf(revised), keyOf(revised))
	assert.NotEqual(t, keyOf(revised), keyOf(`{"id":101,"status":"refunded","date_modified_gmt":"2026-03-01T11:00:00"}`))
}

func TestZendeskEventTypes(t *testing.T) {
	sub := &models.Subscription{ID: "sub-z", Provider: models.ProviderZendesk}
	tests := map[string]string{
		"zen:event-type:ticket.created":          "ticket_created",
		"zen:event-type:ticket.priority_changed": "ticket_priority_changed",
		"zen:event-type:article.published":       "article_published",
		"zen:event-type:user.created":            "",
		"something-else":                         "",
	}
	for eventType, want := range tests {
		t.Run(eventType, func(t *testing.T) {
			n, _ := decodeAndMap(t, Zendesk(), message(`{"id":"z-1","type":"`+eventType+`","detail":{"id":"1"}}`, nil), sub)
			assert.Equal(t, want, n.EventType)
		})
	}
}

func TestTwilioFormPayloads(t *testing.T) {
	sub := &models.Subscription{ID: "sub-t", Provider: models.ProviderTwilio}
	tests := []struct {
		form   url.Values
		want   string
		native string
	}{
		{url.Values{"From": {"+15550001"}, "Body": {"hi"}, "MessageSid": {"SM1"}}, "sms_received", "SM1"},
		{url.Values{"From": {"whatsapp:+15550001"}, "Body": {"hi"}, "MessageSid": {"SM2"}}, "whatsapp_received", "SM2"},
		{url.Values{"From": {"+15550001"}, "CallSid": {"CA1"}, "CallStatus": {"ringing"}}, "call_received", "CA1"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			msg := message(tt.form.Encode(), nil)
			msg.ContentType = "application/x-www-form-urlencoded"
			n, cands := decodeAndMap(t, Twilio(), msg, sub)
			assert.Equal(t, tt.want, n.EventType)
			require.Len(t, cands, 1)
			assert.Equal(t, tt.native, cands[0].NativeID)
		})
	}

	ack := Twilio().Acknowledgement()
	assert.Equal(t, "application/xml", ack.ContentType)
	assert.Contains(t, string(ack.Body), "<Response></Response>")
}

func TestTwilioMediaAttachments(t *testing.T) {
	form := url.Values{
		"From": {"+15550001"}, "Body": {""}, "MessageSid": {"SM9"}, "NumMedia": {"2"},
		"MediaUrl0": {"https://api.twilio.com/m0"}, "MediaContentType0": {"image/jpeg"},
		"MediaUrl1": {"https://api.twilio.com/m1"}, "MediaContentType1": {"application/pdf"},
	}
	msg := message(form.Encode(), nil)
	_, cands := decodeAndMap(t, Twilio(), msg, &models.Subscription{ID: "s", Provider: models.ProviderTwilio})
	require.Len(t, cands, 1)
	require.Len(t, cands[0].Attachments, 2)
	assert.Equal(t, "application/pdf", cands[0].Attachments[1].ContentType)
}

func TestRssHubFormPayload(t *testing.T) {
	sub := &models.Subscription{ID: "sub-r", Provider: models.ProviderRssHub}
	form := url.Values{"payload": {`{"data":{"title":"Feed","item":[{"title":"a"}]}}`}}
	msg := message(form.Encode(), nil)
	msg.ContentType = "application/x-www-form-urlencoded"
	n, cands := decodeAndMap(t, RssHub(), msg, sub)
	assert.Equal(t, "feed_update", n.EventType)
	require.Len(t, cands, 1)

	msg = message("other=1", nil)
	msg.ContentType = "application/x-www-form-urlencoded"
	_, err := RssHub().Decode(context.Background(), msg, sub)
	assert.True(t, apperrors.IsMalformed(err))
}

func TestOutlookValidationAndClientState(t *testing.T) {
	sub := &models.Subscription{ID: "sub-o", Provider: models.ProviderOutlook, Secret: "state-1"}
	v := Outlook()

	handshake := message("", nil)
	handshake.Query.Set("validationToken", "Validation%3A+Testing")
	resp, ok := v.Handshake(handshake, sub)
	require.True(t, ok)
	assert.Equal(t, "text/plain", resp.ContentType)
	assert.Equal(t, "Validation: Testing", string(resp.Body))

	body := `{"value":[
		{"subscriptionId":"gs-1","clientState":"state-1","changeType":"created","resource":"Users/u/Messages/m1","resourceData":{"id":"m1"}},
		{"subscriptionId":"gs-1","clientState":"state-1","changeType":"created","resource":"Users/u/Messages/m2","resourceData":{"id":"m2"}}]}`
	n, cands := decodeAndMap(t, v, message(body, nil), sub)
	assert.Equal(t, "email_received", n.EventType)
	require.Len(t, cands, 2)
	assert.Equal(t, "m1", cands[0].NativeID)
	assert.Equal(t, "m2", cands[1].NativeID)

	forged := `{"value":[{"clientState":"nope","changeType":"created","resource":"r"}]}`
	_, err := v.Decode(context.Background(), message(forged, nil), sub)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apperrors.ToHTTPStatus(err))
}

func TestOutlookMixedBatchKeepsOnlyCreations(t *testing.T) {
	sub := &models.Subscription{ID: "sub-o", Provider: models.ProviderOutlook, Secret: "state-1"}

	updatedFirst := `{"value":[
		{"clientState":"state-1","changeType":"updated","resource":"Users/u/Messages/m1","resourceData":{"id":"m1"}},
		{"clientState":"state-1","changeType":"created","resource":"Users/u/Messages/m2","resourceData":{"id":"m2"}},
		{"clientState":"state-1","changeType":"deleted","resource":"Users/u/Messages/m3","resourceData":{"id":"m3"}}]}`
	n, cands := decodeAndMap(t, Outlook(), message(updatedFirst, nil), sub)
	assert.Equal(t, "email_received", n.EventType)
	require.Len(t, cands, 1)
	assert.Equal(t, "m2", cands[0].NativeID)
	assert.Equal(t, "created", cands[0].ChangeKind)

	onlyUpdates := `{"value":[
		{"clientState":"state-1","changeType":"updated","resource":"r1","resourceData":{"id":"m1"}},
		{"clientState":"state-1","changeType":"deleted","resource":"r2","resourceData":{"id":"m2"}}]}`
	n, cands = decodeAndMap(t, Outlook(), message(onlyUpdates, nil), sub)
	assert.True(t, n.Ignore)
	assert.Equal(t, "updated", n.Action)
	assert.Empty(t, cands)
}

func TestTelegramUpdates(t *testing.T) {
	sub := &models.Subscription{ID: "sub-tg", Provider: models.ProviderTelegram}
	tests := map[string]string{
		`{"update_id":123456789,"message":{"message_id":1,"text":"Hello","chat":{"id":5}}}`: "message_received",
		`{"update_id":123456790,"callback_query":{"id":"q1","data":"yes"}}`:                 "callback_query_received",
		`{"update_id":123456795}`: "",
	}
	for body, want := range tests {
		n, cands := decodeAndMap(t, Telegram(), message(body, nil), sub)
		assert.Equal(t, want, n.EventType)
		if want != "" {
			require.Len(t, cands, 1)
			assert.NotEmpty(t, cands[0].NativeID)
		}
	}
}

func TestMalformedBodies(t *testing.T) {
	sub := &models.Subscription{ID: "s", Provider: models.ProviderGitHub}
	for _, body := range []string{"", "   ", "not json", "[1,2]"} {
		_, err := GitHub().Decode(context.Background(), message(body, map[string]string{"X-GitHub-Event": "push"}), sub)
		assert.True(t, apperrors.IsMalformed(err), "%q", body)
	}
}

func TestVariantsBuildCanonicalEvents(t *testing.T) {
	registry := provider.NewRegistry(All()...)
	mapper := registry.Mapper()
	sub := &models.Subscription{ID: "sub-z", Provider: models.ProviderZendesk}

	body := `{"id":"evt-1","type":"zen:event-type:ticket.created","time":"2026-03-01T10:00:00Z",
		"detail":{"id":"35436","subject":"Printer on fire","priority":"HIGH"},"account_id":1}`
	_, cands := decodeAndMap(t, Zendesk(), message(body, nil), sub)
	require.Len(t, cands, 1)

	ev, err := mapper.Build(sub, cands[0])
	require.NoError(t, err)
	assert.Equal(t, "ticket_created", ev.Name)
	assert.Equal(t, "HIGH", ev.Fields["priority"])
	assert.Equal(t, "35436", ev.Fields["ticket_id"])
	assert.Equal(t, float64(1), ev.Extras["account_id"])
	assert.Equal(t, mapping.DedupKey("sub-z", "evt-1", "zen:event-type:ticket.created", "", nil), ev.DedupKey)
	assert.True(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Equal(ev.OccurredAt))
}
