package config

import (
	"time"

	"triggerhub/pkg/retry"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Webhook        WebhookConfig
	Reconcile      ReconcileConfig
	Filtering      FilteringConfig
	Dispatch       DispatchConfig
	Checkpoint     CheckpointConfig
	Locks          LocksConfig
	Attachments    AttachmentsConfig
	Signature      SignatureConfig
	Google         GoogleConfig
	Airtable       AirtableConfig
	Credentials    CredentialsConfig
	WatchRenewal   WatchRenewalConfig `mapstructure:"watch_renewal"`
	Management     ManagementConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Enabled() bool {
	return p.Host != ""
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers         []string    `mapstructure:"brokers"`
	GroupID         string      `mapstructure:"group_id"`
	RuntimeTopic    string      `mapstructure:"runtime_topic"`
	RedeliveryTopic string      `mapstructure:"redelivery_topic"`
	DLQTopic        string      `mapstructure:"dlq_topic"`
	Retry           RetryConfig `mapstructure:"retry"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// Policy converts the section into the shared backoff policy. Zero values
// fall back to retry.DefaultPolicy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      r.Multiplier,
		MaxElapsedTime:  r.MaxElapsedTime,
	}
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WebhookConfig struct {
	Mode          string        `mapstructure:"mode"` // sync | async
	AckTimeout    time.Duration `mapstructure:"ack_timeout"`
	ProcessBudget time.Duration `mapstructure:"process_budget"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
}

type ReconcileConfig struct {
	MaxPages int         `mapstructure:"max_pages"`
	Retry    RetryConfig `mapstructure:"retry"`
}

type FilteringConfig struct {
	OnExpressionError string `mapstructure:"on_expression_error"` // allow | deny
}

type DispatchConfig struct {
	WindowBackend  string        `mapstructure:"window_backend"` // memory | redis
	TTLSeconds     int           `mapstructure:"ttl_seconds"`
	MaxEntries     int           `mapstructure:"max_entries"`
	OnStoreError   string        `mapstructure:"on_store_error"` // allow | deny
	Runtime        string        `mapstructure:"runtime"`        // kafka | http
	HTTPRuntimeURL string        `mapstructure:"http_runtime_url"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

type CheckpointConfig struct {
	Backend string `mapstructure:"backend"` // memory | redis | postgres
}

type LocksConfig struct {
	Backend string        `mapstructure:"backend"` // memory | redis
	Expiry  time.Duration `mapstructure:"expiry"`
	Tries   int           `mapstructure:"tries"`
}

type AttachmentsConfig struct {
	MaxCount      int           `mapstructure:"max_count"`
	MaxBytes      int64         `mapstructure:"max_bytes"`
	MirrorBackend string        `mapstructure:"mirror_backend"` // memory | gcs
	GCSBucket     string        `mapstructure:"gcs_bucket"`
	GCSPrefix     string        `mapstructure:"gcs_prefix"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	LinkFields    []string      `mapstructure:"link_fields"`
	// MirrorMaxBytes caps the in-process mirror.
	MirrorMaxBytes int64 `mapstructure:"mirror_max_bytes"`
	// AllowedHosts restricts linked-content downloads. Empty allows any
	// public host.
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

type SignatureConfig struct {
	OIDCIssuers     []string      `mapstructure:"oidc_issuers"`
	ReplayTolerance time.Duration `mapstructure:"replay_tolerance"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
}

type GoogleConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	PubSubTopic      string `mapstructure:"pubsub_topic"`
	PubSubPull       bool   `mapstructure:"pubsub_pull"`
	PubSubSubscriber string `mapstructure:"pubsub_subscription"`
}

type AirtableConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type CredentialsConfig struct {
	ServiceURL string            `mapstructure:"service_url"`
	Static     map[string]string `mapstructure:"static"`
}

type WatchRenewalConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Before   time.Duration `mapstructure:"before"`
}

type ManagementConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
