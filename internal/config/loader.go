package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and validates the YAML file at path. Provider names are not
// checked here; [Registry.Validate] does that once the factories exist.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, rejecting unknown keys, then applies
// defaults and runs [Validate].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every inconsistency in cfg at once. Settings that are
// legal but degrade the deployment (in-memory store, insecure auth) are
// logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.Summary.Name == "" {
		errs = append(errs, errors.New("providers.summary.name is required"))
	}
	if cfg.Providers.Summary.Name == "llm" && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New(`providers.summary "llm" requires providers.llm to be configured`))
	}
	if cfg.Providers.LLMFallback.Name != "" && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallback is set but providers.llm is not configured"))
	}
	if cfg.Providers.STTFallback.Name != "" && cfg.Providers.STTFallback.Name == cfg.Providers.STT.Name &&
		cfg.Providers.STTFallback.BaseURL == cfg.Providers.STT.BaseURL {
		slog.Warn("providers.stt_fallback is identical to providers.stt; fallback will not add resilience")
	}

	// Infrastructure
	if cfg.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if cfg.NATS.MaxDeliver < 1 {
		errs = append(errs, fmt.Errorf("nats.max_deliver %d must be at least 1", cfg.NATS.MaxDeliver))
	}
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; transcripts and summaries are kept in memory and lost on restart")
	}
	if cfg.Redis.URL == "" {
		slog.Warn("redis.url is empty; connection registry is in-memory and only works with a single instance")
	}

	// Workers
	if cfg.Ingest.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("ingest.concurrency %d must be at least 1", cfg.Ingest.Concurrency))
	}
	if cfg.Ingest.ContextSegments < 0 {
		errs = append(errs, fmt.Errorf("ingest.context_segments %d must not be negative", cfg.Ingest.ContextSegments))
	}
	if cfg.Completion.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("completion.concurrency %d must be at least 1", cfg.Completion.Concurrency))
	}
	if cfg.Completion.SettleAttempts < 1 {
		errs = append(errs, fmt.Errorf("completion.settle_attempts %d must be at least 1", cfg.Completion.SettleAttempts))
	}

	// Auth
	if !cfg.Auth.Insecure && cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required unless auth.insecure is set"))
	}
	if cfg.Auth.Insecure {
		slog.Warn("auth.insecure is set; bearer tokens are trusted as user ids without verification")
	}

	// Alerting
	if cfg.Alert.WebhookURL == "" && cfg.Alert.FallbackWebhookURL != "" {
		errs = append(errs, errors.New("alert.fallback_webhook_url requires alert.webhook_url"))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", *r))
	}

	return errors.Join(errs...)
}
