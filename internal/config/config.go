// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the anamnese server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	NATS       NATSConfig       `yaml:"nats"`
	Redis      RedisConfig      `yaml:"redis"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Completion CompletionConfig `yaml:"completion"`
	Auth       AuthConfig       `yaml:"auth"`
	Alert      AlertConfig      `yaml:"alert"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ReadyTimeout bounds each dependency check behind /readyz.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// AllowedOrigins lists host patterns allowed to open cross-origin
	// WebSocket connections. Same-origin requests are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT         ProviderEntry `yaml:"stt"`
	STTFallback ProviderEntry `yaml:"stt_fallback"`
	LLM         ProviderEntry `yaml:"llm"`
	LLMFallback ProviderEntry `yaml:"llm_fallback"`
	Summary     ProviderEntry `yaml:"summary"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "whisper-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// PostgresConfig configures the transcript, summary and conversation stores.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string. When empty, an in-memory store
	// is used; this is only suitable for local development.
	DSN string `yaml:"dsn"`
}

// NATSConfig configures the work queue, the object store and the delivery
// relay, all of which run on one NATS connection.
type NATSConfig struct {
	URL string `yaml:"url"`

	// Stream and Subject name the JetStream work queue for uploaded chunks.
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`

	// DLQSubject receives records that failed permanently or ran out of
	// deliveries.
	DLQSubject string `yaml:"dlq_subject"`

	// Consumer is the durable pull consumer name shared by all workers.
	Consumer string `yaml:"consumer"`

	// Bucket is the JetStream object store bucket holding audio chunks.
	Bucket string `yaml:"bucket"`

	MaxDeliver int           `yaml:"max_deliver"`
	BatchSize  int           `yaml:"batch_size"`
	FetchWait  time.Duration `yaml:"fetch_wait"`
	AckWait    time.Duration `yaml:"ack_wait"`

	// DeliverySubject is the subject prefix for pushes relayed from the
	// completion worker to the instance holding a WebSocket connection.
	DeliverySubject string `yaml:"delivery_subject"`
}

// RedisConfig configures the connection registry.
type RedisConfig struct {
	// URL is a redis:// URL. When empty, connections are tracked in memory,
	// which only works with a single instance.
	URL string `yaml:"url"`

	KeyPrefix string `yaml:"key_prefix"`
}

// IngestConfig tunes the chunk ingestion worker.
type IngestConfig struct {
	Concurrency     int    `yaml:"concurrency"`
	ContextSegments int    `yaml:"context_segments"`
	Language        string `yaml:"language"`
	MaxChunkBytes   int64  `yaml:"max_chunk_bytes"`
}

// CompletionConfig tunes the completion trigger.
type CompletionConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	Concurrency    int           `yaml:"concurrency"`
	SettleAttempts int           `yaml:"settle_attempts"`
	SettleBackoff  time.Duration `yaml:"settle_backoff"`
}

// AuthConfig configures identity token verification.
type AuthConfig struct {
	// JWTSecret is the HS256 signing secret.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer, when set, must match the token's "iss" claim.
	Issuer string `yaml:"issuer"`

	// Insecure accepts the raw token as the user id. Development only.
	Insecure bool `yaml:"insecure"`
}

// AlertConfig configures where unhandled completion errors are reported.
// Hot-reloadable.
type AlertConfig struct {
	WebhookURL         string `yaml:"webhook_url"`
	FallbackWebhookURL string `yaml:"fallback_webhook_url"`
	MaxLogLines        int    `yaml:"max_log_lines"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of root traces sampled, in [0, 1].
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.ListenAddr, ":8080")
	setDefault(&c.Server.LogLevel, LogInfo)
	setDefault(&c.Server.ShutdownTimeout, 15*time.Second)
	setDefault(&c.Server.ReadyTimeout, 5*time.Second)

	setDefault(&c.NATS.Stream, "CHUNKS")
	setDefault(&c.NATS.Subject, "chunks.uploaded")
	setDefault(&c.NATS.DLQSubject, "chunks.dlq")
	setDefault(&c.NATS.Consumer, "ingest")
	setDefault(&c.NATS.Bucket, "chunks")
	setDefault(&c.NATS.MaxDeliver, 5)
	setDefault(&c.NATS.BatchSize, 10)
	setDefault(&c.NATS.FetchWait, 5*time.Second)
	setDefault(&c.NATS.AckWait, 2*time.Minute)
	setDefault(&c.NATS.DeliverySubject, "anamnese.delivery")

	setDefault(&c.Redis.KeyPrefix, "anamnese:")

	setDefault(&c.Ingest.Concurrency, 4)
	setDefault(&c.Ingest.ContextSegments, 10)
	setDefault(&c.Ingest.Language, "pt")
	setDefault(&c.Ingest.MaxChunkBytes, 64<<20)

	setDefault(&c.Completion.BatchSize, 10)
	setDefault(&c.Completion.FlushInterval, time.Second)
	setDefault(&c.Completion.Concurrency, 4)
	setDefault(&c.Completion.SettleAttempts, 5)
	setDefault(&c.Completion.SettleBackoff, 500*time.Millisecond)

	setDefault(&c.Alert.MaxLogLines, 50)

	setDefault(&c.Telemetry.ServiceName, "anamnese")
	setDefault(&c.Telemetry.MetricsPath, "/metrics")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
