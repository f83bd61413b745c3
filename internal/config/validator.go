package config

import (
	"fmt"
	"strings"

	"triggerhub/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateKafka(cfg.Broker.Kafka); err != nil {
		errors = append(errors, err)
	}

	if err := validateWebhook(cfg.Webhook); err != nil {
		errors = append(errors, err)
	}

	if err := validateRetry("reconcile.retry", cfg.Reconcile.Retry); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateFiltering(cfg.Filtering); err != nil {
		errors = append(errors, err)
	}

	if err := validateDispatch(cfg.Dispatch, cfg.Broker.Kafka, cfg.Database.Redis); err != nil {
		errors = append(errors, err)
	}

	if err := validateBackends(cfg); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateKafka(cfg KafkaConfig) error {
	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if len(cfg.Brokers) > 0 && cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	return validateRetry("broker.kafka.retry", cfg.Retry)
}

func validateRetry(field string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   field + ".max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   field + ".initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   field + ".max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   field + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier < 0 {
		return &ValidationError{
			Field:   field + ".multiplier",
			Message: "multiplier must be non-negative",
		}
	}

	return nil
}

func validateWebhook(cfg WebhookConfig) error {
	switch cfg.Mode {
	case "", constants.ModeSync, constants.ModeAsync:
	default:
		return &ValidationError{
			Field:   "webhook.mode",
			Message: fmt.Sprintf("invalid mode: %s (valid: sync, async)", cfg.Mode),
		}
	}

	if cfg.AckTimeout < 0 {
		return &ValidationError{
			Field:   "webhook.ack_timeout",
			Message: "ack timeout must be non-negative",
		}
	}

	if cfg.MaxBodyBytes < 0 {
		return &ValidationError{
			Field:   "webhook.max_body_bytes",
			Message: "max body bytes must be non-negative",
		}
	}

	if cfg.PublicBaseURL != "" && !strings.HasPrefix(cfg.PublicBaseURL, "http://") && !strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		return &ValidationError{
			Field:   "webhook.public_base_url",
			Message: "public base URL must be an http(s) URL",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateFiltering(cfg FilteringConfig) error {
	switch strings.ToLower(cfg.OnExpressionError) {
	case "", constants.FallbackAllow, constants.FallbackDeny:
		return nil
	}
	return &ValidationError{
		Field:   "filtering.on_expression_error",
		Message: fmt.Sprintf("invalid on_expression_error value: %s (valid: allow, deny)", cfg.OnExpressionError),
	}
}

func validateDispatch(cfg DispatchConfig, kafka KafkaConfig, redis RedisConfig) error {
	if cfg.TTLSeconds < 0 {
		return &ValidationError{
			Field:   "dispatch.ttl_seconds",
			Message: "TTL must be non-negative",
		}
	}

	switch strings.ToLower(cfg.OnStoreError) {
	case "", constants.FallbackAllow, constants.FallbackDeny:
	default:
		return &ValidationError{
			Field:   "dispatch.on_store_error",
			Message: fmt.Sprintf("invalid on_store_error value: %s (valid: allow, deny)", cfg.OnStoreError),
		}
	}

	switch cfg.WindowBackend {
	case "", constants.BackendMemory:
	case constants.BackendRedis:
		if !redis.Enabled() {
			return &ValidationError{
				Field:   "dispatch.window_backend",
				Message: "redis window requires database.redis",
			}
		}
	default:
		return &ValidationError{
			Field:   "dispatch.window_backend",
			Message: fmt.Sprintf("unknown window backend: %s (supported: memory, redis)", cfg.WindowBackend),
		}
	}

	switch cfg.Runtime {
	case constants.RuntimeKafka:
		if !kafka.Enabled() {
			return &ValidationError{
				Field:   "dispatch.runtime",
				Message: "kafka runtime requires broker.kafka.brokers",
			}
		}
	case constants.RuntimeHTTP:
		if cfg.HTTPRuntimeURL == "" {
			return &ValidationError{
				Field:   "dispatch.http_runtime_url",
				Message: "http runtime requires a URL",
			}
		}
	default:
		return &ValidationError{
			Field:   "dispatch.runtime",
			Message: fmt.Sprintf("unknown runtime: %s (supported: kafka, http)", cfg.Runtime),
		}
	}

	return validateRetry("dispatch.retry", cfg.Retry)
}

func validateBackends(cfg *Config) error {
	switch cfg.Checkpoint.Backend {
	case "", constants.BackendMemory:
	case constants.BackendRedis:
		if !cfg.Database.Redis.Enabled() {
			return &ValidationError{Field: "checkpoint.backend", Message: "redis checkpoint store requires database.redis"}
		}
	case constants.BackendPostgres:
		if !cfg.Database.Postgres.Enabled() {
			return &ValidationError{Field: "checkpoint.backend", Message: "postgres checkpoint store requires database.postgres"}
		}
	default:
		return &ValidationError{
			Field:   "checkpoint.backend",
			Message: fmt.Sprintf("unknown checkpoint backend: %s (supported: memory, redis, postgres)", cfg.Checkpoint.Backend),
		}
	}

	switch cfg.Locks.Backend {
	case "", constants.BackendMemory:
	case constants.BackendRedis:
		if !cfg.Database.Redis.Enabled() {
			return &ValidationError{Field: "locks.backend", Message: "redis locks require database.redis"}
		}
	default:
		return &ValidationError{
			Field:   "locks.backend",
			Message: fmt.Sprintf("unknown lock backend: %s (supported: memory, redis)", cfg.Locks.Backend),
		}
	}

	switch cfg.Attachments.MirrorBackend {
	case "", constants.BackendMemory:
	case constants.BackendGCS:
		if cfg.Attachments.GCSBucket == "" {
			return &ValidationError{Field: "attachments.gcs_bucket", Message: "gcs mirror requires a bucket"}
		}
	default:
		return &ValidationError{
			Field:   "attachments.mirror_backend",
			Message: fmt.Sprintf("unknown mirror backend: %s (supported: memory, gcs)", cfg.Attachments.MirrorBackend),
		}
	}

	if cfg.Attachments.MirrorMaxBytes < 0 {
		return &ValidationError{Field: "attachments.mirror_max_bytes", Message: "mirror_max_bytes must not be negative"}
	}

	for _, host := range cfg.Attachments.AllowedHosts {
		if host == "" || strings.ContainsAny(host, "/:") {
			return &ValidationError{
				Field:   "attachments.allowed_hosts",
				Message: fmt.Sprintf("invalid host %q: list bare host names", host),
			}
		}
	}

	if cfg.Attachments.MaxCount < 0 || cfg.Attachments.MaxCount > constants.MaxAttachmentCount {
		return &ValidationError{
			Field:   "attachments.max_count",
			Message: fmt.Sprintf("max_count must be between 0 and %d", constants.MaxAttachmentCount),
		}
	}

	if cfg.Attachments.MaxBytes < 0 || cfg.Attachments.MaxBytes > constants.MaxAttachmentBytes {
		return &ValidationError{
			Field:   "attachments.max_bytes",
			Message: fmt.Sprintf("max_bytes must be between 0 and %d", constants.MaxAttachmentBytes),
		}
	}

	return nil
}
