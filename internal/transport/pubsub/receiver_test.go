package pubsub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerhub/internal/pipeline"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

type staticSubscriptions []models.Subscription

func (s staticSubscriptions) List(_ context.Context, kind models.ProviderKind) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range s {
		if sub.Provider == kind {
			out = append(out, sub)
		}
	}
	return out, nil
}

type recordingHandler struct {
	calls []string
	msgs  []*models.TransportMessage
	fail  map[string]error
}

func (h *recordingHandler) Handle(_ context.Context, id string, msg *models.TransportMessage) (*pipeline.Accepted, error) {
	h.calls = append(h.calls, id)
	h.msgs = append(h.msgs, msg)
	if err := h.fail[id]; err != nil {
		return nil, err
	}
	return &pipeline.Accepted{}, nil
}

func pulled() Message {
	return Message{
		ID:          "m-1",
		Data:        []byte(`{"emailAddress":"a@example.com","historyId":105}`),
		PublishTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDeliverFansOutToGmailSubscriptions(t *testing.T) {
	subs := staticSubscriptions{
		{ID: "g1", Provider: models.ProviderGmail},
		{ID: "g2", Provider: models.ProviderGmail},
		{ID: "l1", Provider: models.ProviderLinear},
	}
	h := &recordingHandler{}
	r := newReceiver(nil, "projects/p/subscriptions/mail", subs, h, nil)

	assert.True(t, r.Deliver(context.Background(), pulled()))
	assert.Equal(t, []string{"g1", "g2"}, h.calls)

	msg := h.msgs[0]
	assert.True(t, msg.Trusted)
	var env envelope
	require.NoError(t, json.Unmarshal(msg.Body, &env))
	assert.Equal(t, "m-1", env.Message.MessageID)
	assert.Equal(t, "projects/p/subscriptions/mail", env.Subscription)
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"emailAddress":"a@example.com","historyId":105}`, string(data))
	assert.NotSame(t, h.msgs[0], h.msgs[1])
}

func TestDeliverNacksRetryableFailures(t *testing.T) {
	subs := staticSubscriptions{{ID: "g1", Provider: models.ProviderGmail}, {ID: "g2", Provider: models.ProviderGmail}}

	h := &recordingHandler{fail: map[string]error{"g1": apperrors.ErrTransientUpstream}}
	r := newReceiver(nil, "s", subs, h, nil)
	assert.False(t, r.Deliver(context.Background(), pulled()))
	assert.Len(t, h.calls, 2, "one failing subscription does not starve the others")

	h = &recordingHandler{fail: map[string]error{"g1": apperrors.ErrNotFound}}
	r = newReceiver(nil, "s", subs, h, nil)
	assert.True(t, r.Deliver(context.Background(), pulled()))
}

type brokenSubscriptions struct{}

func (brokenSubscriptions) List(context.Context, models.ProviderKind) ([]models.Subscription, error) {
	return nil, errors.New("database unavailable")
}

func TestDeliverNacksWhenSubscriptionsUnavailable(t *testing.T) {
	r := newReceiver(nil, "s", brokenSubscriptions{}, &recordingHandler{}, nil)
	assert.False(t, r.Deliver(context.Background(), pulled()))
}
