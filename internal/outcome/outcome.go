// Package outcome records what happened to every notification and event
// that entered the pipeline. Conditions absorbed without an HTTP error are
// only visible here.
package outcome

import (
	"context"
	"errors"
	"time"

	"triggerhub/internal/logger"
	"triggerhub/pkg/metrics"
)

type Kind string

const (
	Dispatched          Kind = "dispatched"
	Duplicate           Kind = "duplicate"
	FilteredOut         Kind = "filtered_out"
	NotSubscribed       Kind = "not_subscribed"
	FetchFailed         Kind = "fetch_failed"
	Malformed           Kind = "malformed"
	DispatchFailed      Kind = "dispatch_failed"
	StaleCursor         Kind = "stale_cursor"
	NoChanges           Kind = "no_changes"
	Rejected            Kind = "rejected"
	OversizedAttachment Kind = "oversized_attachment"
	Ignored             Kind = "ignored"
)

// Warning reports kinds that indicate lost or refused work.
func (k Kind) Warning() bool {
	switch k {
	case StaleCursor, Rejected, FetchFailed, DispatchFailed, Malformed:
		return true
	}
	return false
}

type Outcome struct {
	SubscriptionID string    `json:"subscription_id" bson:"subscription_id"`
	Provider       string    `json:"provider" bson:"provider"`
	Kind           Kind      `json:"kind" bson:"kind"`
	Event          string    `json:"event,omitempty" bson:"event,omitempty"`
	DedupKey       string    `json:"dedup_key,omitempty" bson:"dedup_key,omitempty"`
	DeliveryID     string    `json:"delivery_id,omitempty" bson:"delivery_id,omitempty"`
	Reason         string    `json:"reason,omitempty" bson:"reason,omitempty"`
	RecordedAt     time.Time `json:"recorded_at" bson:"recorded_at"`
}

type Recorder interface {
	Record(ctx context.Context, o Outcome)
}

// LogRecorder writes outcomes to the structured log and the outcome
// counter.
type LogRecorder struct {
	logger logger.Logger
}

func NewLogRecorder(log logger.Logger) *LogRecorder {
	return &LogRecorder{logger: log}
}

func (r *LogRecorder) Record(ctx context.Context, o Outcome) {
	metrics.IncOutcome(o.Provider, string(o.Kind))

	fields := []interface{}{
		"subscription_id", o.SubscriptionID,
		"provider", o.Provider,
		"outcome", string(o.Kind),
	}
	if o.Event != "" {
		fields = append(fields, "event", o.Event)
	}
	if o.DedupKey != "" {
		fields = append(fields, "dedup_key", o.DedupKey)
	}
	if o.DeliveryID != "" {
		fields = append(fields, "delivery_id", o.DeliveryID)
	}
	if o.Reason != "" {
		fields = append(fields, "reason", o.Reason)
	}

	if o.Kind.Warning() {
		r.logger.WarnwCtx(ctx, "Trigger outcome", fields...)
		return
	}
	r.logger.InfowCtx(ctx, "Trigger outcome", fields...)
}

type multiRecorder []Recorder

// Multi fans an outcome out to every recorder.
func Multi(recorders ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multiRecorder) Record(ctx context.Context, o Outcome) {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	for _, r := range m {
		r.Record(ctx, o)
	}
}

// Reason renders an error for the outcome record.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return err.Error()
}

// Memory keeps outcomes in memory; used in tests.
type Memory struct {
	ch chan Outcome
}

func NewMemory(capacity int) *Memory {
	return &Memory{ch: make(chan Outcome, capacity)}
}

func (m *Memory) Record(_ context.Context, o Outcome) {
	select {
	case m.ch <- o:
	default:
	}
}

// Drain returns everything recorded so far.
func (m *Memory) Drain() []Outcome {
	var out []Outcome
	for {
		select {
		case o := <-m.ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// Kinds returns the kinds recorded so far, in order.
func (m *Memory) Kinds() []Kind {
	var kinds []Kind
	for _, o := range m.Drain() {
		kinds = append(kinds, o.Kind)
	}
	return kinds
}
