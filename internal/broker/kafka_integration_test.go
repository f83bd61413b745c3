//go:build integration

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerhub/internal/config"
	"triggerhub/internal/logger"
	"triggerhub/internal/testutil"
	"triggerhub/pkg/retry"
)

func TestKafkaRoundTripAndDeadLetter(t *testing.T) {
	cfg := config.KafkaConfig{
		Brokers:  testutil.Kafka(t),
		GroupID:  "trigger-test",
		DLQTopic: "trigger_dlq_it",
		Retry: config.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			Multiplier:      2,
		},
	}
	log := logger.NopLogger()

	producer := NewKafkaProducer(cfg, log)
	t.Cleanup(func() { producer.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		return producer.Publish(ctx, "redelivery_it", "sub-1", map[string]string{"id": "ok"}) == nil
	}, 30*time.Second, time.Second)
	require.NoError(t, producer.Publish(ctx, "redelivery_it", "sub-1", map[string]string{"id": "bad"}))

	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()

	received := make(chan string, 1)
	consumer := NewKafkaConsumer(cfg, log)
	consumer.SetServiceName("trigger-test")
	t.Cleanup(func() { consumer.Close() })

	go consumer.Consume(consumeCtx, "redelivery_it", func(_ context.Context, msg Message) error {
		var body map[string]string
		if err := json.Unmarshal(msg.Value, &body); err != nil {
			return retry.NewFatalError(err)
		}
		if body["id"] == "bad" {
			return retry.NewFatalError(errors.New("rejected"))
		}
		select {
		case received <- body["id"]:
		default:
		}
		return nil
	})

	select {
	case id := <-received:
		assert.Equal(t, "ok", id)
	case <-ctx.Done():
		t.Fatal("message was not consumed")
	}

	dlq := NewKafkaConsumer(config.KafkaConfig{Brokers: cfg.Brokers, GroupID: "trigger-test-dlq"}, log)
	t.Cleanup(func() { dlq.Close() })
	letters := make(chan DeadLetter, 1)
	go dlq.Consume(consumeCtx, cfg.DLQTopic, func(_ context.Context, msg Message) error {
		var letter DeadLetter
		if err := json.Unmarshal(msg.Value, &letter); err != nil {
			return retry.NewFatalError(err)
		}
		select {
		case letters <- letter:
		default:
		}
		return nil
	})

	select {
	case letter := <-letters:
		assert.Equal(t, "redelivery_it", letter.SourceTopic)
		assert.Equal(t, "sub-1", letter.Key)
		assert.JSONEq(t, `{"id":"bad"}`, string(letter.Payload))
	case <-ctx.Done():
		t.Fatal("dead letter was not written")
	}
}
