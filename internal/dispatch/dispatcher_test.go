package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerhub/internal/config"
	"triggerhub/internal/constants"
	"triggerhub/pkg/circuitbreaker"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
	"triggerhub/pkg/retry"
)

type fakeRuntime struct {
	mu        sync.Mutex
	submitted []*models.Event
	errs      []error
}

func (r *fakeRuntime) Name() string { return "fake" }

func (r *fakeRuntime) Submit(_ context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return err
		}
	}
	r.submitted = append(r.submitted, event)
	return nil
}

type brokenWindow struct{}

func (brokenWindow) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenWindow) Release(context.Context, string) error { return errors.New("connection refused") }
func (brokenWindow) Size(context.Context) (int, error)     { return 0, errors.New("connection refused") }

var fastPolicy = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 1.5}

func event(key string) *models.Event {
	return &models.Event{Name: "resource_added", SubscriptionID: "sub-1", DedupKey: key}
}

func TestDispatchDeduplicates(t *testing.T) {
	rt := &fakeRuntime{}
	d := NewDispatcher(NewMemoryWindow(10), rt, nil, WithPolicy(fastPolicy))

	assert.Equal(t, Acknowledged, d.Dispatch(context.Background(), event("k1")).Status)
	assert.Equal(t, Duplicate, d.Dispatch(context.Background(), event("k1")).Status)
	assert.Equal(t, Acknowledged, d.Dispatch(context.Background(), event("k2")).Status)
	assert.Len(t, rt.submitted, 2)
}

func TestDispatchRetryableFailureReleasesClaim(t *testing.T) {
	unavailable := retryable(errors.New("runtime down"))
	rt := &fakeRuntime{errs: []error{unavailable, unavailable, unavailable}}
	d := NewDispatcher(NewMemoryWindow(10), rt, nil, WithPolicy(fastPolicy))

	res := d.Dispatch(context.Background(), event("k1"))
	assert.Equal(t, Failed, res.Status)
	assert.True(t, res.Retryable)
	assert.True(t, apperrors.IsRetryable(res.Err))
	assert.Empty(t, rt.submitted)

	res = d.Dispatch(context.Background(), event("k1"))
	assert.Equal(t, Acknowledged, res.Status, "a redelivery after a retryable failure is dispatched")
	assert.Len(t, rt.submitted, 1)
}

func TestDispatchRecoversWithinRetryBudget(t *testing.T) {
	rt := &fakeRuntime{errs: []error{retryable(errors.New("blip")), nil}}
	d := NewDispatcher(NewMemoryWindow(10), rt, nil, WithPolicy(fastPolicy))

	assert.Equal(t, Acknowledged, d.Dispatch(context.Background(), event("k1")).Status)
	assert.Len(t, rt.submitted, 1)
}

func TestDispatchNonRetryableFailureIsDropped(t *testing.T) {
	rt := &fakeRuntime{errs: []error{rejected(errors.New("schema mismatch"))}}
	d := NewDispatcher(NewMemoryWindow(10), rt, nil, WithPolicy(fastPolicy))

	res := d.Dispatch(context.Background(), event("k1"))
	assert.Equal(t, Failed, res.Status)
	assert.False(t, res.Retryable)

	assert.Equal(t, Duplicate, d.Dispatch(context.Background(), event("k1")).Status,
		"a rejected event keeps its claim")
}

func TestDispatchRequiresDedupKey(t *testing.T) {
	d := NewDispatcher(NewMemoryWindow(10), &fakeRuntime{}, nil)
	res := d.Dispatch(context.Background(), event(""))
	assert.Equal(t, Failed, res.Status)
	assert.False(t, res.Retryable)
	assert.True(t, apperrors.IsMalformed(res.Err))
}

func TestDispatchStoreErrorFallback(t *testing.T) {
	rt := &fakeRuntime{}
	allow := NewDispatcher(brokenWindow{}, rt, nil, WithOnStoreError(constants.FallbackAllow))
	assert.Equal(t, Acknowledged, allow.Dispatch(context.Background(), event("k1")).Status)
	assert.Len(t, rt.submitted, 1)

	deny := NewDispatcher(brokenWindow{}, rt, nil, WithOnStoreError(constants.FallbackDeny))
	res := deny.Dispatch(context.Background(), event("k2"))
	assert.Equal(t, Failed, res.Status)
	assert.True(t, res.Retryable)
	assert.Len(t, rt.submitted, 1)
}

func TestMemoryWindowExpiryAndCapacity(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewMemoryWindow(2)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := w.Claim(ctx, "a", time.Minute)
	assert.True(t, ok)
	ok, _ = w.Claim(ctx, "a", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = w.Claim(ctx, "a", time.Minute)
	assert.True(t, ok, "expired keys can be claimed again")

	_, _ = w.Claim(ctx, "b", time.Minute)
	_, _ = w.Claim(ctx, "c", time.Minute)
	size, _ := w.Size(ctx)
	assert.Equal(t, 2, size)
	ok, _ = w.Claim(ctx, "a", time.Minute)
	assert.True(t, ok, "the oldest claim is evicted at capacity")

	require.NoError(t, w.Release(ctx, "c"))
	ok, _ = w.Claim(ctx, "c", time.Minute)
	assert.True(t, ok)
}

func TestRedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	w := NewRedisWindow(client)
	ctx := context.Background()

	ok, err := w.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = w.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists(constants.CacheKeyPrefixDedup+"k1"))

	_, _ = w.Claim(ctx, "k2", time.Minute)
	size, err := w.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	mr.FastForward(2 * time.Minute)
	ok, err = w.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, w.Release(ctx, "k1"))
	assert.False(t, mr.Exists(constants.CacheKeyPrefixDedup+"k1"))
}

func TestCircuitBreakerWindowOpens(t *testing.T) {
	w := NewCircuitBreakerWindow(brokenWindow{}, config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	})

	for i := 0; i < 2; i++ {
		_, err := w.Claim(context.Background(), "k", time.Minute)
		require.Error(t, err)
	}
	assert.True(t, w.IsOpen())
	_, err := w.Claim(context.Background(), "k", time.Minute)
	assert.True(t, circuitbreaker.IsOpenError(err))

	disabled := NewCircuitBreakerWindow(NewMemoryWindow(1), config.CircuitBreakerConfig{})
	assert.Equal(t, "disabled", disabled.State())
}

func TestHTTPRuntime(t *testing.T) {
	var mu sync.Mutex
	var received []models.Event
	var keys []string
	status := http.StatusAccepted

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		var ev models.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		received = append(received, ev)
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		w.WriteHeader(status)
	}))
	defer srv.Close()

	rt := NewHTTPRuntime(srv.URL, srv.Client(), circuitbreaker.DefaultConfig("test-runtime"))
	require.NoError(t, rt.Submit(context.Background(), event("k1")))
	require.Len(t, received, 1)
	assert.Equal(t, "resource_added", received[0].Name)
	assert.Equal(t, "k1", keys[0])

	status = http.StatusServiceUnavailable
	err := rt.Submit(context.Background(), event("k2"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	status = http.StatusUnprocessableEntity
	err = rt.Submit(context.Background(), event("k3"))
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err))
	assert.False(t, retry.ShouldRetry(err))
}

type recordingProducer struct {
	topic, key string
	payload    interface{}
	err        error
}

func (p *recordingProducer) Publish(_ context.Context, topic, key string, payload interface{}) error {
	p.topic, p.key, p.payload = topic, key, payload
	return p.err
}

func (p *recordingProducer) Close() error { return nil }

func TestKafkaRuntime(t *testing.T) {
	p := &recordingProducer{}
	rt := NewKafkaRuntime(p, "")
	require.NoError(t, rt.Submit(context.Background(), event("k1")))
	assert.Equal(t, constants.DefaultRuntimeTopic, p.topic)
	assert.Equal(t, "k1", p.key)

	p.err = errors.New("leader not available")
	err := rt.Submit(context.Background(), event("k2"))
	assert.True(t, apperrors.IsRetryable(err))
}
