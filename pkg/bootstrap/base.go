// Package bootstrap holds the wiring shared by service entry points.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"triggerhub/internal/broker"
	"triggerhub/internal/config"
	"triggerhub/internal/logger"
)

// Base carries what every entry point needs. Producer and Consumer are nil
// when no Kafka brokers are configured.
type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer broker.Producer
	Consumer broker.Consumer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{Config: cfg, Logger: log}
}

// HasBroker reports whether InitBroker connected Kafka.
func (b *Base) HasBroker() bool {
	return b.Producer != nil
}

// InitBroker connects Kafka when brokers are configured. The consumer is
// labelled with serviceName in logs and metrics.
func (b *Base) InitBroker(serviceName string) error {
	kafka := b.Config.Broker.Kafka
	if !kafka.Enabled() {
		b.Logger.Infow("Kafka not configured, redelivery and Kafka runtime disabled")
		return nil
	}

	producer, err := broker.NewProducer(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	consumer, err := broker.NewConsumer(b.Config.Broker, b.Logger)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create consumer: %w", err), producer.Close())
	}
	if serviceName != "" {
		consumer.SetServiceName(serviceName)
	}

	b.Producer, b.Consumer = producer, consumer
	b.Logger.Infow("Kafka connected",
		"brokers", kafka.Brokers,
		"redelivery_topic", kafka.RedeliveryTopic,
		"runtime_topic", kafka.RuntimeTopic,
	)
	return nil
}

// closeBroker stops the consumer before the producer it dead-letters into.
func (b *Base) closeBroker() error {
	var errs []error
	if b.Consumer != nil {
		if err := b.Consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close error: %w", err))
		}
		b.Consumer = nil
	}
	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
		b.Producer = nil
	}
	return errors.Join(errs...)
}

// Shutdown runs release first so components stop publishing before the
// broker is closed. It is safe to call after a partial Initialize.
func (b *Base) Shutdown(ctx context.Context, release func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error
	if release != nil {
		errs = append(errs, release(ctx)...)
	}
	errs = append(errs, b.closeBroker())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}
	b.Logger.Info("Application exited successfully")
	return nil
}
