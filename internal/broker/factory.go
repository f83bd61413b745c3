package broker

import (
	"fmt"

	"triggerhub/internal/config"
	"triggerhub/internal/logger"
)

func NewProducer(cfg config.BrokerConfig, log logger.Logger) (Producer, error) {
	if !cfg.Kafka.Enabled() {
		return nil, fmt.Errorf("no broker configured: broker.kafka.brokers is empty")
	}
	return NewKafkaProducer(cfg.Kafka, log), nil
}

func NewConsumer(cfg config.BrokerConfig, log logger.Logger) (Consumer, error) {
	if !cfg.Kafka.Enabled() {
		return nil, fmt.Errorf("no broker configured: broker.kafka.brokers is empty")
	}
	return NewKafkaConsumer(cfg.Kafka, log), nil
}
