package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"triggerhub/internal/credentials"
	"triggerhub/internal/provider"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

func pushBody(t *testing.T, email string, historyID uint64) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{"emailAddress": email, "historyId": historyID})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"message": map[string]interface{}{
			"data":        base64.StdEncoding.EncodeToString(data),
			"messageId":   "pubsub-1",
			"publishTime": "2026-03-01T12:00:00Z",
		},
		"subscription": "projects/p/subscriptions/s",
	})
	require.NoError(t, err)
	return body
}

func newTestProvider(t *testing.T, mux *http.ServeMux) *Provider {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(WithTopic("projects/p/topics/gmail"), WithClientOptions(option.WithEndpoint(srv.URL+"/")))
}

func cred() *credentials.Credential {
	return &credentials.Credential{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestDecodePushEnvelope(t *testing.T) {
	p := New()
	sub := &models.Subscription{ID: "sub-1", Provider: models.ProviderGmail, Resource: map[string]string{"email": "me@example.com"}}

	n, err := p.Decode(context.Background(), &models.TransportMessage{Body: pushBody(t, "me@example.com", 105)}, sub)
	require.NoError(t, err)
	assert.Equal(t, "105", n.Pointer)
	assert.Equal(t, "pubsub-1", n.DeliveryID)
	assert.False(t, n.Ignore)
	assert.True(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Equal(n.OccurredAt))

	n, err = p.Decode(context.Background(), &models.TransportMessage{Body: pushBody(t, "other@example.com", 105)}, sub)
	require.NoError(t, err)
	assert.True(t, n.Ignore)

	_, err = p.Decode(context.Background(), &models.TransportMessage{Body: []byte(`{"message":{}}`)}, sub)
	assert.True(t, apperrors.IsMalformed(err))
}

func TestListChangesSincePagesAndPartitions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
		switch r.URL.Query().Get("pageToken") {
		case "":
			writeJSON(w, http.StatusOK, `{"historyId":"105","nextPageToken":"p2","history":[
				{"id":"101","messagesAdded":[{"message":{"id":"m1","threadId":"t1"}}]},
				{"id":"102","messagesAdded":[{"message":{"id":"m2","threadId":"t2"}}]}]}`)
		case "p2":
			writeJSON(w, http.StatusOK, `{"historyId":"105","history":[
				{"id":"103","labelsRemoved":[{"message":{"id":"m1"},"labelIds":["UNREAD"]}]},
				{"id":"104","messagesAdded":[{"message":{"id":"m3"}}],"labelsRemoved":[{"message":{"id":"m2"},"labelIds":["INBOX"]}]}]}`)
		}
	})
	p := newTestProvider(t, mux)
	sub := &models.Subscription{ID: "sub-1", Provider: models.ProviderGmail}

	first, err := p.ListChangesSince(context.Background(), cred(), sub, "100", "")
	require.NoError(t, err)
	assert.False(t, first.CaughtUp)
	assert.Equal(t, "p2", first.NextPageToken)
	assert.Equal(t, "102", first.Cursor, "an unfinished listing only advances to the last record read")
	require.Len(t, first.Records, 2)

	second, err := p.ListChangesSince(context.Background(), cred(), sub, "100", "p2")
	require.NoError(t, err)
	assert.True(t, second.CaughtUp)
	assert.Equal(t, "105", second.Cursor)
	require.Len(t, second.Records, 3)
	assert.Equal(t, models.FamilyLabelRemoved, second.Records[0].Family)
	assert.Equal(t, "103", second.Records[0].Position)
	assert.Equal(t, []interface{}{"UNREAD"}, second.Records[0].Data["changed_label_ids"])
}

func TestListChangesSinceClassifiesErrors(t *testing.T) {
	status := http.StatusNotFound
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, `{"error":{"message":"x"}}`)
	})
	p := newTestProvider(t, mux)
	sub := &models.Subscription{ID: "sub-1", Provider: models.ProviderGmail}

	_, err := p.ListChangesSince(context.Background(), cred(), sub, "100", "")
	assert.ErrorIs(t, err, provider.ErrCursorExpired)

	status = http.StatusServiceUnavailable
	_, err = p.ListChangesSince(context.Background(), cred(), sub, "100", "")
	assert.True(t, apperrors.IsTransient(err))

	status = http.StatusForbidden
	_, err = p.ListChangesSince(context.Background(), cred(), sub, "100", "")
	assert.False(t, apperrors.IsRetryable(err))

	_, err = p.ListChangesSince(context.Background(), cred(), sub, "not-a-number", "")
	assert.ErrorIs(t, err, provider.ErrCursorExpired)
}

func TestMapFetchesAddedMessages(t *testing.T) {
	text := base64.URLEncoding.EncodeToString([]byte("see https://example.com/report.pdf"))
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		writeJSON(w, http.StatusOK, `{"id":"m1","threadId":"t1","labelIds":["INBOX"],"snippet":"hello","internalDate":"1772366400000",
			"payload":{"mimeType":"multipart/mixed","headers":[{"name":"Subject","value":"Quarterly"},{"name":"From","value":"a@example.com"}],
			"parts":[{"mimeType":"text/plain","body":{"data":"`+text+`"}},
			{"mimeType":"application/pdf","filename":"q.pdf","body":{"attachmentId":"att-1","size":2048}}]}}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"not found"}}`)
	})
	p := newTestProvider(t, mux)
	sub := &models.Subscription{ID: "sub-1", Provider: models.ProviderGmail}

	cands, err := p.Map(context.Background(), provider.MapRequest{
		Subscription: sub,
		Credential:   cred(),
		Change:       &models.ChangeRecord{Family: models.FamilyAdded, NativeID: "m1", Position: "101", Data: map[string]interface{}{"history_id": "101"}},
	})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, EventResourceAdded, c.Name)
	assert.Equal(t, "added@101", c.ChangeKind)
	assert.Equal(t, "Quarterly", c.Data["subject"])
	assert.Equal(t, "see https://example.com/report.pdf", c.Data["body_text"])

	ev, err := provider.NewRegistry(p).Mapper().Build(sub, c)
	require.NoError(t, err)
	assert.Equal(t, "see https://example.com/report.pdf", ev.Fields["body_text"])
	require.Len(t, c.Attachments, 1)
	assert.Equal(t, "m1/att-1", c.Attachments[0].SourceID)
	assert.Equal(t, int64(2048), c.Attachments[0].Size)
	assert.True(t, time.UnixMilli(1772366400000).Equal(c.OccurredAt))

	cands, err = p.Map(context.Background(), provider.MapRequest{
		Subscription: sub,
		Credential:   cred(),
		Change:       &models.ChangeRecord{Family: models.FamilyAdded, NativeID: "gone", Position: "102"},
	})
	require.NoError(t, err)
	assert.Empty(t, cands)

	cands, err = p.Map(context.Background(), provider.MapRequest{
		Subscription: sub,
		Change:       &models.ChangeRecord{Family: models.FamilyLabelRemoved, NativeID: "m1", Position: "103", Data: map[string]interface{}{"message_id": "m1"}},
	})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, EventLabelRemoved, cands[0].Name)
}

func TestFetchAttachment(t *testing.T) {
	payload := []byte("attachment-bytes")
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1/attachments/att-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"data":"`+base64.URLEncoding.EncodeToString(payload)+`"}`)
	})
	p := newTestProvider(t, mux)
	sub := &models.Subscription{ID: "sub-1", Provider: models.ProviderGmail}

	data, err := p.FetchAttachment(context.Background(), cred(), sub, models.AttachmentReference{SourceID: "m1/att-1"}, 1024)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = p.FetchAttachment(context.Background(), cred(), sub, models.AttachmentReference{SourceID: "m1/att-1"}, 4)
	assert.ErrorIs(t, err, apperrors.ErrOversizedAttachment)

	_, err = p.FetchAttachment(context.Background(), cred(), sub, models.AttachmentReference{SourceID: "m1/att-1", Size: 10 << 20}, 5<<20)
	assert.ErrorIs(t, err, apperrors.ErrOversizedAttachment)
}

func TestWatchSeedsCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/watch", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "projects/p/topics/gmail", req["topicName"])
		assert.Equal(t, []interface{}{"INBOX"}, req["labelIds"])
		writeJSON(w, http.StatusOK, `{"historyId":"100","expiration":"1772971200000"}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	p := newTestProvider(t, mux)
	sub := &models.Subscription{ID: "sub-1", Provider: models.ProviderGmail, Resource: map[string]string{"label_ids": "INBOX"}}

	res, err := p.Watch(context.Background(), cred(), sub)
	require.NoError(t, err)
	assert.Equal(t, "100", res.Cursor)
	require.NotNil(t, res.Expiration)
	assert.Equal(t, int64(1772971200000), res.Expiration.UnixMilli())

	assert.NoError(t, p.Unwatch(context.Background(), cred(), sub))

	_, err = New().Watch(context.Background(), cred(), &models.Subscription{ID: "x"})
	assert.True(t, apperrors.IsValidation(err))
}
