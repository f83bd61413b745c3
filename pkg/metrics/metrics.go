package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_notifications_total",
			Help: "Total number of inbound provider notifications (count)",
		},
		[]string{"provider", "status"},
	)

	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_outcomes_total",
			Help: "Total number of typed pipeline outcomes (count)",
		},
		[]string{"provider", "kind"},
	)

	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trigger_processing_duration_ms",
			Help:    "End-to-end notification processing duration in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"provider", "status"},
	)

	ChangesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_changes_fetched_total",
			Help: "Total number of change records fetched during reconciliation (count)",
		},
		[]string{"provider", "family"},
	)

	CheckpointAdvancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_checkpoint_advances_total",
			Help: "Total number of checkpoint compare-and-set attempts (count)",
		},
		[]string{"store", "result"},
	)

	AttachmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_attachments_total",
			Help: "Total number of attachment references produced (count)",
		},
		[]string{"provenance"},
	)

	AttachmentBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trigger_attachment_bytes_total",
			Help: "Total number of attachment bytes mirrored (bytes)",
		},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_dispatch_total",
			Help: "Total number of workflow runtime submissions (count)",
		},
		[]string{"runtime", "status"},
	)

	DedupWindowSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trigger_dedup_window_size",
			Help: "Approximate number of keys held by the in-memory dedup window (count)",
		},
	)

	WatchRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_watch_renewals_total",
			Help: "Total number of provider watch renewals (count)",
		},
		[]string{"provider", "status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	FilterEvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trigger_filter_evaluation_duration_ms",
			Help:    "Duration of filter rule evaluation in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100},
		},
		[]string{"provider", "status"},
	)

	WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_webhook_requests_total",
			Help: "Total number of webhook HTTP requests by response status (count)",
		},
		[]string{"provider", "code"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			NotificationsTotal,
			OutcomesTotal,
			ProcessingDuration,
			ChangesFetchedTotal,
			CheckpointAdvancesTotal,
			AttachmentsTotal,
			AttachmentBytesTotal,
			DispatchTotal,
			DedupWindowSize,
			WatchRenewalsTotal,
			RetryAttemptsTotal,
			DLQMessagesTotal,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
			KafkaMessagesReadTotal,
			KafkaMessagesWrittenTotal,
			KafkaWriteDuration,
			DatabaseQueriesTotal,
			DatabaseQueryDuration,
			FilterEvaluationDuration,
			WebhookRequestsTotal,
		)
	})
}

func IncNotification(provider, status string) {
	NotificationsTotal.WithLabelValues(provider, status).Inc()
}

func IncOutcome(provider, kind string) {
	OutcomesTotal.WithLabelValues(provider, kind).Inc()
}

func ObserveProcessingDuration(provider, status string, duration time.Duration) {
	ProcessingDuration.WithLabelValues(provider, status).Observe(float64(duration.Milliseconds()))
}

func AddChangesFetched(provider, family string, n int) {
	ChangesFetchedTotal.WithLabelValues(provider, family).Add(float64(n))
}

func IncCheckpointAdvance(store, result string) {
	CheckpointAdvancesTotal.WithLabelValues(store, result).Inc()
}

func IncAttachment(provenance string) {
	AttachmentsTotal.WithLabelValues(provenance).Inc()
}

func AddAttachmentBytes(n int64) {
	AttachmentBytesTotal.Add(float64(n))
}

func IncDispatch(runtime, status string) {
	DispatchTotal.WithLabelValues(runtime, status).Inc()
}

func SetDedupWindowSize(size int) {
	DedupWindowSize.Set(float64(size))
}

func IncWatchRenewal(provider, status string) {
	WatchRenewalsTotal.WithLabelValues(provider, status).Inc()
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(service, database, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(float64(duration.Milliseconds()))
}

func IncRetryAttempt(service, target string) {
	RetryAttemptsTotal.WithLabelValues(service, target).Inc()
}

func IncDLQMessage(service, topic, reason string) {
	DLQMessagesTotal.WithLabelValues(service, topic, reason).Inc()
}

func ObserveFilterEvaluation(provider, status string, duration time.Duration) {
	FilterEvaluationDuration.WithLabelValues(provider, status).Observe(float64(duration.Microseconds()) / 1000)
}

func IncWebhookRequest(provider string, code int) {
	WebhookRequestsTotal.WithLabelValues(provider, strconv.Itoa(code)).Inc()
}
