package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"triggerhub/internal/broker"
	"triggerhub/internal/constants"
	"triggerhub/pkg/circuitbreaker"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

// Runtime is the workflow runtime that receives canonical events.
type Runtime interface {
	Name() string
	Submit(ctx context.Context, event *models.Event) error
}

func retryable(err error) error {
	return apperrors.ErrDispatchFailure.WithCause(err).AsRetryable()
}

func rejected(err error) error {
	return apperrors.ErrDispatchFailure.WithCause(err).AsFatal()
}

// KafkaRuntime publishes events to a topic keyed by dedup key, so
// redeliveries of one event land on the same partition.
type KafkaRuntime struct {
	producer broker.Producer
	topic    string
}

func NewKafkaRuntime(producer broker.Producer, topic string) *KafkaRuntime {
	if topic == "" {
		topic = constants.DefaultRuntimeTopic
	}
	return &KafkaRuntime{producer: producer, topic: topic}
}

func (r *KafkaRuntime) Name() string { return constants.RuntimeKafka }

func (r *KafkaRuntime) Submit(ctx context.Context, event *models.Event) error {
	if err := r.producer.Publish(ctx, r.topic, event.DedupKey, event); err != nil {
		var unsupported *json.UnsupportedValueError
		var unsupportedType *json.UnsupportedTypeError
		if errors.As(err, &unsupported) || errors.As(err, &unsupportedType) {
			return rejected(err)
		}
		return retryable(err)
	}
	return nil
}

// HTTPRuntime POSTs events as JSON to a workflow runtime endpoint.
type HTTPRuntime struct {
	url    string
	client *http.Client
	cb     *circuitbreaker.Wrapper
}

func NewHTTPRuntime(url string, client *http.Client, cfg circuitbreaker.Config) *HTTPRuntime {
	if client == nil {
		client = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	if cfg.Name == "" {
		cfg.Name = "http-runtime"
	}
	return &HTTPRuntime{url: url, client: client, cb: circuitbreaker.NewWrapper(cfg)}
}

func (r *HTTPRuntime) Name() string { return constants.RuntimeHTTP }

func (r *HTTPRuntime) Submit(ctx context.Context, event *models.Event) error {
	_, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, r.submit(ctx, event)
	})
	if err != nil && circuitbreaker.IsOpenError(err) {
		return retryable(fmt.Errorf("circuit breaker is open for %s: %w", r.cb.Name(), err))
	}
	return err
}

func (r *HTTPRuntime) submit(ctx context.Context, event *models.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return rejected(fmt.Errorf("failed to encode event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return rejected(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.DedupKey)
	req.Header.Set("X-Subscription-ID", event.SubscriptionID)

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return retryable(fmt.Errorf("runtime request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= constants.HTTPStatusOKMin && resp.StatusCode < constants.HTTPStatusOKMax {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := fmt.Errorf("runtime returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return retryable(statusErr)
	}
	return rejected(statusErr)
}
