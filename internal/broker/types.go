package broker

import (
	"context"
	"encoding/json"
	"time"
)

type Producer interface {
	// Publish JSON-encodes payload and writes it under key.
	Publish(ctx context.Context, topic, key string, payload interface{}) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

// Message is one record read from a topic.
type Message struct {
	Topic string
	Key   string
	Value []byte
	Time  time.Time
}

type HandlerFunc func(ctx context.Context, msg Message) error

// DeadLetter wraps a record that exhausted its retries.
type DeadLetter struct {
	SourceTopic string          `json:"source_topic"`
	Key         string          `json:"key"`
	Reason      string          `json:"reason"`
	FailedAt    time.Time       `json:"failed_at"`
	Payload     json.RawMessage `json:"payload"`
}
