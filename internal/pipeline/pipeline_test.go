package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerhub/internal/attachment"
	"triggerhub/internal/checkpoint"
	"triggerhub/internal/credentials"
	"triggerhub/internal/dispatch"
	"triggerhub/internal/filtering"
	"triggerhub/internal/mapping"
	"triggerhub/internal/outcome"
	"triggerhub/internal/provider"
	"triggerhub/internal/provider/webhook"
	"triggerhub/internal/reconcile"
	"triggerhub/internal/signature"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
	"triggerhub/pkg/retry"
)

var familyEvents = map[string]string{
	models.FamilyAdded:        "email_received",
	models.FamilyLabelRemoved: "label_removed",
}

// pushLog is a thin-push provider over a scripted change log.
type pushLog struct {
	mu      sync.Mutex
	records []models.ChangeRecord
	latest  string
	expired bool
}

func (f *pushLog) Kind() models.ProviderKind                { return models.ProviderGmail }
func (f *pushLog) Style() provider.Style                    { return provider.ThinPush }
func (f *pushLog) DefaultVerification() models.Verification { return models.Verification{} }
func (f *pushLog) Schemas() []mapping.Schema                { return nil }
func (f *pushLog) Compare(a, b string) int                  { return provider.CompareNumeric(a, b) }

func (f *pushLog) Decode(_ context.Context, msg *models.TransportMessage, _ *models.Subscription) (*provider.Notification, error) {
	var body struct {
		HistoryID string `json:"historyId"`
	}
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return nil, provider.Malformed("invalid push body: %v", err)
	}
	return &provider.Notification{Pointer: body.HistoryID, DeliveryID: msg.Header("X-Delivery"), RawBody: msg.Body}, nil
}

func (f *pushLog) Map(_ context.Context, req provider.MapRequest) ([]mapping.Candidate, error) {
	ch := req.Change
	name, ok := familyEvents[ch.Family]
	if !ok {
		return nil, nil
	}
	return []mapping.Candidate{{
		Name:       name,
		NativeID:   ch.NativeID,
		ChangeKind: ch.Family + "@" + ch.Position,
		Data:       map[string]interface{}{"message_id": ch.NativeID},
	}}, nil
}

func (f *pushLog) ListChangesSince(_ context.Context, _ *credentials.Credential, _ *models.Subscription, cursor, _ string) (*provider.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired {
		return nil, provider.ErrCursorExpired
	}
	page := &provider.Page{Cursor: cursor, CaughtUp: true}
	for _, r := range f.records {
		if provider.CompareNumeric(r.Position, cursor) > 0 {
			page.Records = append(page.Records, r)
			page.Cursor = r.Position
		}
	}
	return page, nil
}

func (f *pushLog) LatestCursor(context.Context, *credentials.Credential, *models.Subscription) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

type memorySubscriptions map[string]*models.Subscription

func (m memorySubscriptions) Get(_ context.Context, id string) (*models.Subscription, error) {
	sub, ok := m[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return sub, nil
}

type fakeRuntime struct {
	mu        sync.Mutex
	submitted []*models.Event
	fail      func(*models.Event) error
}

func (r *fakeRuntime) Name() string { return "fake" }

func (r *fakeRuntime) Submit(_ context.Context, ev *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(ev); err != nil {
			return err
		}
	}
	r.submitted = append(r.submitted, ev)
	return nil
}

func (r *fakeRuntime) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.submitted))
	for _, ev := range r.submitted {
		out = append(out, ev.Name+":"+ev.NativeID)
	}
	return out
}

type harness struct {
	pipeline *Pipeline
	store    *checkpoint.MemoryStore
	runtime  *fakeRuntime
	outcomes *outcome.Memory
	subs     memorySubscriptions
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 1.5}
}

func newHarness(t *testing.T, variants ...provider.Provider) *harness {
	t.Helper()
	registry := provider.NewRegistry(variants...)
	store := checkpoint.NewMemoryStore()
	creds := credentials.NewStaticSupplier(map[string]string{"cred-1": "tok"})
	engine, err := filtering.NewEngine(nil)
	require.NoError(t, err)
	rt := &fakeRuntime{}
	rec := outcome.NewMemory(100)
	subs := memorySubscriptions{}

	p := New(Config{
		Registry:      registry,
		Subscriptions: subs,
		Verifier:      signature.NewVerifier(nil),
		Reconciler:    reconcile.NewReconciler(registry, store, creds, nil, reconcile.WithPolicy(fastPolicy())),
		Filter:        engine,
		Resolver:      attachment.NewResolver(attachment.NewMemoryMirror(0), nil),
		Dispatcher:    dispatch.NewDispatcher(dispatch.NewMemoryWindow(100), rt, nil, dispatch.WithPolicy(fastPolicy())),
		Credentials:   creds,
		Recorder:      rec,
	})
	return &harness{pipeline: p, store: store, runtime: rt, outcomes: rec, subs: subs}
}

func (h *harness) checkpoint(t *testing.T, id string) string {
	t.Helper()
	cursor, _, err := h.store.Read(context.Background(), id)
	require.NoError(t, err)
	return cursor
}

func push(historyID string) *models.TransportMessage {
	return &models.TransportMessage{
		Body:       []byte(`{"historyId":"` + historyID + `"}`),
		Headers:    http.Header{"X-Delivery": []string{"push-" + historyID}},
		Method:     http.MethodPost,
		ReceivedAt: time.Now(),
	}
}

func gmailLog() *pushLog {
	return &pushLog{
		latest: "105",
		records: []models.ChangeRecord{
			{Family: models.FamilyAdded, NativeID: "m1", Position: "101"},
			{Family: models.FamilyLabelRemoved, NativeID: "m0", Position: "102"},
			{Family: models.FamilyAdded, NativeID: "m2", Position: "103"},
			{Family: models.FamilyLabelRemoved, NativeID: "m1", Position: "104"},
			{Family: models.FamilyAdded, NativeID: "m3", Position: "105"},
		},
	}
}

func thinSubscription(h *harness) *models.Subscription {
	sub := &models.Subscription{ID: "sub-gmail", Provider: models.ProviderGmail, CredentialRef: "cred-1"}
	h.subs[sub.ID] = sub
	return sub
}

func TestThinPushDispatchesAndAdvances(t *testing.T) {
	h := newHarness(t, gmailLog())
	sub := thinSubscription(h)
	require.NoError(t, h.store.Advance(context.Background(), sub.ID, "", "100"))

	acc, err := h.pipeline.Handle(context.Background(), sub.ID, push("105"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, acc.Response.Status)

	assert.Equal(t, []string{
		"email_received:m1", "email_received:m2", "email_received:m3",
		"label_removed:m0", "label_removed:m1",
	}, h.runtime.names())
	assert.Equal(t, "105", h.checkpoint(t, sub.ID))

	kinds := h.outcomes.Kinds()
	assert.Len(t, kinds, 5)
	for _, k := range kinds {
		assert.Equal(t, outcome.Dispatched, k)
	}
}

func TestDuplicatePushIsNoOp(t *testing.T) {
	h := newHarness(t, gmailLog())
	sub := thinSubscription(h)
	require.NoError(t, h.store.Advance(context.Background(), sub.ID, "", "100"))

	_, err := h.pipeline.Handle(context.Background(), sub.ID, push("105"))
	require.NoError(t, err)
	h.outcomes.Drain()

	_, err = h.pipeline.Handle(context.Background(), sub.ID, push("105"))
	require.NoError(t, err)
	assert.Len(t, h.runtime.names(), 5)
	assert.Equal(t, []outcome.Kind{outcome.NoChanges}, h.outcomes.Kinds())
	assert.Equal(t, "105", h.checkpoint(t, sub.ID))
}

func TestOutOfOrderPushIsNoOp(t *testing.T) {
	h := newHarness(t, gmailLog())
	sub := thinSubscription(h)
	require.NoError(t, h.store.Advance(context.Background(), sub.ID, "", "105"))

	_, err := h.pipeline.Handle(context.Background(), sub.ID, push("103"))
	require.NoError(t, err)
	assert.Empty(t, h.runtime.names())
	assert.Equal(t, "105", h.checkpoint(t, sub.ID))
}

func TestStaleCursorResetsWithoutEvents(t *testing.T) {
	h := newHarness(t, &pushLog{expired: true, latest: "500"})
	sub := thinSubscription(h)
	require.NoError(t, h.store.Advance(context.Background(), sub.ID, "", "100"))

	acc, err := h.pipeline.Handle(context.Background(), sub.ID, push("510"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, acc.Response.Status)
	assert.Empty(t, h.runtime.names())
	assert.Equal(t, "500", h.checkpoint(t, sub.ID))

	outcomes := h.outcomes.Drain()
	require.Len(t, outcomes, 1)
	assert.Equal(t, outcome.StaleCursor, outcomes[0].Kind)
	assert.True(t, outcomes[0].Kind.Warning())
	assert.Contains(t, outcomes[0].Reason, "500")
}

func TestRetryableDispatchFailureHoldsCheckpoint(t *testing.T) {
	h := newHarness(t, gmailLog())
	sub := thinSubscription(h)
	require.NoError(t, h.store.Advance(context.Background(), sub.ID, "", "100"))

	h.runtime.fail = func(ev *models.Event) error {
		if ev.Name == "label_removed" && ev.NativeID == "m0" {
			return apperrors.ErrDispatchFailure.WithCause(errors.New("runtime unavailable")).AsRetryable()
		}
		return nil
	}
	_, err := h.pipeline.Handle(context.Background(), sub.ID, push("105"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.ToHTTPStatus(err))
	assert.Equal(t, "100", h.checkpoint(t, sub.ID), "checkpoint must not move past undelivered changes")
	assert.Len(t, h.runtime.names(), 3)

	h.runtime.fail = nil
	h.outcomes.Drain()
	_, err = h.pipeline.Handle(context.Background(), sub.ID, push("105"))
	require.NoError(t, err)
	assert.Len(t, h.runtime.names(), 5, "already dispatched events are deduplicated on retry")
	assert.Equal(t, "105", h.checkpoint(t, sub.ID))
	assert.Equal(t, []outcome.Kind{
		outcome.Duplicate, outcome.Duplicate, outcome.Duplicate,
		outcome.Dispatched, outcome.Dispatched,
	}, h.outcomes.Kinds())
}

func TestRejectedDispatchStillAdvances(t *testing.T) {
	h := newHarness(t, gmailLog())
	sub := thinSubscription(h)
	require.NoError(t, h.store.Advance(context.Background(), sub.ID, "", "100"))

	h.runtime.fail = func(ev *models.Event) error {
		if ev.NativeID == "m2" {
			return apperrors.ErrDispatchFailure.WithCause(errors.New("schema mismatch")).AsFatal()
		}
		return nil
	}
	_, err := h.pipeline.Handle(context.Background(), sub.ID, push("105"))
	require.NoError(t, err)
	assert.Len(t, h.runtime.names(), 4)
	assert.Equal(t, "105", h.checkpoint(t, sub.ID))
	assert.Contains(t, h.outcomes.Kinds(), outcome.DispatchFailed)
}

func TestCancelledRunDoesNotAdvance(t *testing.T) {
	h := newHarness(t, gmailLog())
	sub := thinSubscription(h)
	require.NoError(t, h.store.Advance(context.Background(), sub.ID, "", "100"))

	acc, err := h.pipeline.Accept(context.Background(), sub.ID, push("105"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = h.pipeline.Process(ctx, acc)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "100", h.checkpoint(t, sub.ID))
}

func linearSubscription(h *harness) *models.Subscription {
	sub := &models.Subscription{
		ID:           "sub-linear",
		Provider:     models.ProviderLinear,
		Secret:       "s3cret",
		Verification: webhook.Linear().DefaultVerification(),
		Filters: map[string]models.FilterRule{
			"issue_created": {Predicates: []models.Predicate{
				{Field: "priority", Operator: models.OpIn, Value: "high,urgent"},
			}},
		},
	}
	h.subs[sub.ID] = sub
	return sub
}

func linearDelivery(t *testing.T, secret, priority, delivery string) *models.TransportMessage {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"type":             "Issue",
		"action":           "create",
		"webhookTimestamp": float64(time.Now().UnixMilli()),
		"data": map[string]interface{}{
			"id":            "iss-" + delivery,
			"title":         "Checkout fails",
			"priorityLabel": priority,
		},
	})
	require.NoError(t, err)
	mac := signature.ComputeHMAC("sha256", []byte(secret), body)
	return &models.TransportMessage{
		Body: body,
		Headers: http.Header{
			"Linear-Signature": []string{hex.EncodeToString(mac)},
			"Linear-Delivery":  []string{delivery},
		},
		Method:     http.MethodPost,
		ReceivedAt: time.Now(),
	}
}

func TestFatPayloadFilter(t *testing.T) {
	h := newHarness(t, webhook.Linear())
	sub := linearSubscription(h)

	acc, err := h.pipeline.Handle(context.Background(), sub.ID, linearDelivery(t, "s3cret", "low", "d1"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, acc.Response.Status)
	assert.JSONEq(t, `{"status":"ok"}`, string(acc.Response.Body))
	assert.Empty(t, h.runtime.names())
	assert.Equal(t, []outcome.Kind{outcome.FilteredOut}, h.outcomes.Kinds())

	_, err = h.pipeline.Handle(context.Background(), sub.ID, linearDelivery(t, "s3cret", "urgent", "d2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"issue_created:"}, h.runtime.names())
}

func TestFatPayloadRedeliveryIsDuplicate(t *testing.T) {
	h := newHarness(t, webhook.Linear())
	sub := linearSubscription(h)
	msg := linearDelivery(t, "s3cret", "high", "d1")

	_, err := h.pipeline.Handle(context.Background(), sub.ID, msg)
	require.NoError(t, err)
	_, err = h.pipeline.Handle(context.Background(), sub.ID, msg)
	require.NoError(t, err)

	assert.Len(t, h.runtime.names(), 1)
	assert.Equal(t, []outcome.Kind{outcome.Dispatched, outcome.Duplicate}, h.outcomes.Kinds())
}

func TestTamperedSignatureIsRejected(t *testing.T) {
	h := newHarness(t, webhook.Linear())
	sub := linearSubscription(h)
	msg := linearDelivery(t, "wrong-secret", "high", "d1")

	_, err := h.pipeline.Handle(context.Background(), sub.ID, msg)
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthentication(err))
	assert.Equal(t, http.StatusUnauthorized, apperrors.ToHTTPStatus(err))
	assert.Empty(t, h.runtime.names())
	assert.Equal(t, []outcome.Kind{outcome.Rejected}, h.outcomes.Kinds())
}

func TestEventOutsideSubscribedSet(t *testing.T) {
	h := newHarness(t, webhook.Linear())
	sub := linearSubscription(h)
	sub.Events = []string{"comment_created"}

	_, err := h.pipeline.Handle(context.Background(), sub.ID, linearDelivery(t, "s3cret", "urgent", "d1"))
	require.NoError(t, err)
	assert.Empty(t, h.runtime.names())
	assert.Equal(t, []outcome.Kind{outcome.NotSubscribed}, h.outcomes.Kinds())
}

func TestMalformedBodyIsAcknowledged(t *testing.T) {
	h := newHarness(t, gmailLog())
	sub := thinSubscription(h)

	acc, err := h.pipeline.Handle(context.Background(), sub.ID, &models.TransportMessage{Body: []byte("{not json")})
	require.NoError(t, err)
	assert.True(t, acc.Done)
	assert.Equal(t, http.StatusOK, acc.Response.Status)
	assert.Equal(t, []outcome.Kind{outcome.Malformed}, h.outcomes.Kinds())
}

func TestUnknownSubscription(t *testing.T) {
	h := newHarness(t, gmailLog())

	_, err := h.pipeline.Handle(context.Background(), "missing", push("1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, http.StatusNotFound, apperrors.ToHTTPStatus(err))
}
