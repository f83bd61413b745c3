package tracing

import (
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const kafkaTracer = "triggerhub/kafka"

// headerCarrier adapts kafka headers to the W3C propagator.
type headerCarrier []kafka.Header

func (h *headerCarrier) Get(key string) string {
	for _, hd := range *h {
		if hd.Key == key {
			return string(hd.Value)
		}
	}
	return ""
}

func (h *headerCarrier) Set(key, value string) {
	for i, hd := range *h {
		if hd.Key == key {
			(*h)[i].Value = []byte(value)
			return
		}
	}
	*h = append(*h, kafka.Header{Key: key, Value: []byte(value)})
}

func (h *headerCarrier) Keys() []string {
	keys := make([]string, len(*h))
	for i, hd := range *h {
		keys[i] = hd.Key
	}
	return keys
}

// MessageHeaders returns the trace headers to attach to a produced message.
func MessageHeaders(ctx context.Context) []kafka.Header {
	carrier := headerCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	return carrier
}

// StartConsume continues the producer's trace for a consumed message.
func StartConsume(ctx context.Context, m kafka.Message) (context.Context, trace.Span) {
	carrier := headerCarrier(m.Headers)
	ctx = otel.GetTextMapPropagator().Extract(ctx, &carrier)
	return GetTracer(kafkaTracer).Start(ctx, "kafka.consume "+m.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", m.Topic),
			attribute.String("messaging.kafka.message.key", string(m.Key)),
			attribute.String("messaging.kafka.offset", strconv.FormatInt(m.Offset, 10)),
			attribute.Int("messaging.kafka.partition", m.Partition),
		),
	)
}
