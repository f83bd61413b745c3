package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"triggerhub/internal/config"
	"triggerhub/internal/constants"
	"triggerhub/internal/logger"
	"triggerhub/pkg/errors"
	"triggerhub/pkg/logging"
	"triggerhub/pkg/metrics"
	"triggerhub/pkg/retry"
	"triggerhub/pkg/tracing"
)

type KafkaProducer struct {
	writer      *kafka.Writer
	logger      logger.Logger
	serviceName string
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{writer: w, logger: log, serviceName: constants.ServiceName}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := tracing.MessageHeaders(ctx)

	start := time.Now()
	err = p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(key),
			Value:   body,
			Headers: headers,
			Time:    time.Now(),
		},
	)
	metrics.ObserveKafkaWriteDuration(p.serviceName, topic, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	metrics.IncKafkaMessagesWritten(p.serviceName, topic)

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	reader      *kafka.Reader
	logger      logger.Logger
	dlqProducer Producer
	serviceName string
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: "unknown",
	}

	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

// Consume reads topic until ctx is cancelled. Every record is committed
// once handled: successfully, after being dead-lettered, or after retries
// ran out with no DLQ configured.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		consumeCtx := logging.WithServiceName(ctx, c.serviceName)
		c.logger.InfowCtx(consumeCtx, "Started consuming",
			"topic", topic,
		)

		for {
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.InfowCtx(consumeCtx, "Stopped consuming",
						"topic", topic,
						"reason", "context canceled",
					)
					return
				}
				c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
					"error", err,
					"topic", topic,
				)
				time.Sleep(time.Second)
				continue
			}
			metrics.IncKafkaMessagesRead(c.serviceName, topic)

			msgCtx, span := tracing.StartConsume(ctx, m)
			msgCtx = logging.WithServiceName(msgCtx, c.serviceName)
			c.deliver(msgCtx, Message{Topic: m.Topic, Key: string(m.Key), Value: m.Value, Time: m.Time}, handler)
			span.End()

			if ctx.Err() != nil {
				return
			}
			if err := c.reader.CommitMessages(ctx, m); err != nil {
				c.logger.ErrorwCtx(msgCtx, "Failed to commit message",
					"error", err,
					"topic", topic,
				)
			}
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (c *KafkaConsumer) Close() error {
	var err error
	if c.reader != nil {
		err = c.reader.Close()
	}
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil {
			if err == nil {
				err = closeErr
			}
		}
	}
	c.wg.Wait()
	return err
}

// deliver runs the handler with retries and dead-letters the record when
// they are exhausted.
func (c *KafkaConsumer) deliver(ctx context.Context, msg Message, handler HandlerFunc) {
	err := c.processMessageWithRetry(ctx, msg, handler)
	if err == nil || ctx.Err() != nil {
		return
	}

	c.logger.ErrorwCtx(ctx, "Failed to process message after retries",
		"error", err,
		"topic", msg.Topic,
	)
	if c.dlqProducer == nil || c.cfg.DLQTopic == "" {
		c.logger.WarnwCtx(ctx, "No DLQ configured, committing message to avoid blocking",
			"topic", msg.Topic,
		)
		return
	}
	if dlqErr := c.sendToDLQ(ctx, msg, err); dlqErr != nil {
		c.logger.ErrorwCtx(ctx, "Failed to send message to DLQ",
			"error", dlqErr,
			"topic", msg.Topic,
		)
	}
}

func (c *KafkaConsumer) processMessageWithRetry(ctx context.Context, msg Message, handler HandlerFunc) error {
	policy := c.cfg.Retry.Policy()

	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = retry.NewFatalError(errors.RecoverPanic(r))
				c.logger.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"topic", msg.Topic,
				)
			}
		}()
		return handler(ctx, msg)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.IncRetryAttempt(c.serviceName, msg.Topic)
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", msg.Topic,
		)
	})
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, msg Message, originalErr error) error {
	letter := DeadLetter{
		SourceTopic: msg.Topic,
		Key:         msg.Key,
		Reason:      originalErr.Error(),
		FailedAt:    time.Now().UTC(),
		Payload:     json.RawMessage(msg.Value),
	}
	if !json.Valid(msg.Value) {
		raw, _ := json.Marshal(string(msg.Value))
		letter.Payload = raw
	}

	if err := c.dlqProducer.Publish(ctx, c.cfg.DLQTopic, msg.Key, letter); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.IncDLQMessage(c.serviceName, msg.Topic, "max_retries_exceeded")
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", msg.Topic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", originalErr.Error(),
	)

	return nil
}
