package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"triggerhub/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 15*time.Second)
	viper.SetDefault("server.write_timeout_seconds", 15*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("broker.kafka.group_id", constants.ServiceName)
	viper.SetDefault("broker.kafka.runtime_topic", constants.DefaultRuntimeTopic)
	viper.SetDefault("broker.kafka.redelivery_topic", constants.DefaultRedeliveryTopic)
	viper.SetDefault("broker.kafka.dlq_topic", constants.DefaultDLQTopic)
	viper.SetDefault("broker.kafka.retry.max_attempts", 5)
	viper.SetDefault("broker.kafka.retry.initial_interval", time.Second)
	viper.SetDefault("broker.kafka.retry.max_interval", 30*time.Second)
	viper.SetDefault("broker.kafka.retry.multiplier", 2.0)

	viper.SetDefault("webhook.mode", constants.ModeSync)
	viper.SetDefault("webhook.ack_timeout", constants.DefaultAckTimeout)
	viper.SetDefault("webhook.process_budget", constants.DefaultProcessBudget)
	viper.SetDefault("webhook.max_body_bytes", constants.DefaultMaxBodyBytes)

	viper.SetDefault("reconcile.max_pages", 50)
	viper.SetDefault("reconcile.retry.max_attempts", 3)
	viper.SetDefault("reconcile.retry.initial_interval", 500*time.Millisecond)
	viper.SetDefault("reconcile.retry.max_interval", 5*time.Second)
	viper.SetDefault("reconcile.retry.multiplier", 2.0)

	viper.SetDefault("filtering.on_expression_error", constants.FallbackDeny)

	viper.SetDefault("dispatch.window_backend", constants.BackendMemory)
	viper.SetDefault("dispatch.ttl_seconds", constants.DefaultTTLSeconds)
	viper.SetDefault("dispatch.max_entries", constants.DefaultWindowCapacity)
	viper.SetDefault("dispatch.on_store_error", constants.FallbackAllow)
	viper.SetDefault("dispatch.runtime", constants.RuntimeKafka)
	viper.SetDefault("dispatch.http_timeout", constants.DefaultHTTPTimeout)
	viper.SetDefault("dispatch.retry.max_attempts", 3)
	viper.SetDefault("dispatch.retry.initial_interval", 200*time.Millisecond)
	viper.SetDefault("dispatch.retry.max_interval", 2*time.Second)
	viper.SetDefault("dispatch.retry.multiplier", 2.0)

	viper.SetDefault("checkpoint.backend", constants.BackendMemory)
	viper.SetDefault("locks.backend", constants.BackendMemory)
	viper.SetDefault("locks.expiry", 2*time.Minute)
	viper.SetDefault("locks.tries", 64)

	viper.SetDefault("attachments.max_count", constants.MaxAttachmentCount)
	viper.SetDefault("attachments.max_bytes", constants.MaxAttachmentBytes)
	viper.SetDefault("attachments.mirror_backend", constants.BackendMemory)
	viper.SetDefault("attachments.fetch_timeout", 30*time.Second)
	viper.SetDefault("attachments.mirror_max_bytes", constants.DefaultMirrorBytes)

	viper.SetDefault("signature.oidc_issuers", []string{"https://accounts.google.com", "accounts.google.com"})
	viper.SetDefault("signature.replay_tolerance", 5*time.Minute)

	viper.SetDefault("airtable.base_url", "https://api.airtable.com")

	viper.SetDefault("watch_renewal.interval", time.Hour)
	viper.SetDefault("watch_renewal.before", 24*time.Hour)

	viper.SetDefault("circuit_breaker.max_requests", 3)
	viper.SetDefault("circuit_breaker.interval", time.Minute)
	viper.SetDefault("circuit_breaker.timeout", 30*time.Second)
	viper.SetDefault("circuit_breaker.failure_ratio", 0.5)
	viper.SetDefault("circuit_breaker.min_requests", 5)
}

func bindEnvVariables() {
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.runtime_topic", "BROKER_KAFKA_RUNTIME_TOPIC")
	viper.BindEnv("broker.kafka.redelivery_topic", "BROKER_KAFKA_REDELIVERY_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("webhook.mode", "WEBHOOK_MODE")
	viper.BindEnv("webhook.public_base_url", "WEBHOOK_PUBLIC_BASE_URL")

	viper.BindEnv("dispatch.runtime", "DISPATCH_RUNTIME")
	viper.BindEnv("dispatch.http_runtime_url", "DISPATCH_HTTP_RUNTIME_URL")

	viper.BindEnv("attachments.gcs_bucket", "ATTACHMENTS_GCS_BUCKET")
	viper.BindEnv("google.project_id", "GOOGLE_PROJECT_ID")
	viper.BindEnv("google.pubsub_topic", "GOOGLE_PUBSUB_TOPIC")
	viper.BindEnv("credentials.service_url", "CREDENTIALS_SERVICE_URL")
	viper.BindEnv("signature.jwt_secret", "SIGNATURE_JWT_SECRET")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	cfg.Webhook.PublicBaseURL = strings.TrimRight(cfg.Webhook.PublicBaseURL, "/")

	return nil
}
