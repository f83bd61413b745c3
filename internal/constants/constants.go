package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout   = 10 * time.Second
	DefaultAckTimeout    = 3 * time.Second
	DefaultProcessBudget = 2 * time.Minute
)

const (
	CacheKeyPrefixDedup      = "dedup:"
	CacheKeyPrefixCheckpoint = "checkpoint:"
	LockKeyPrefix            = "lock:subscription:"
)

const (
	DefaultRuntimeTopic    = "trigger_events"
	DefaultRedeliveryTopic = "trigger_redelivery"
	DefaultDLQTopic        = "trigger_dlq"
)

const (
	DefaultMongoDBName        = "triggerhub"
	OutcomesCollection        = "trigger_outcomes"
	DefaultMaxBodyBytes int64 = 5 << 20
)

const (
	ShutdownTimeout       = 5 * time.Second
	MetricsUpdateInterval = 30 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	DefaultTTLSeconds     = 3600
	DefaultWindowCapacity = 100000
)

const (
	MaxAttachmentCount       = 20
	MaxAttachmentBytes int64 = 5 << 20
	DefaultMirrorBytes int64 = 256 << 20
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

const (
	RuntimeKafka = "kafka"
	RuntimeHTTP  = "http"
)

const (
	ServiceName     = "trigger-service"
	ChangedBySystem = "system"
)

const (
	DefaultRenewalInterval = 10 * time.Minute
	DefaultRenewalBefore   = 24 * time.Hour
)
