// Command anamnese runs the chunk ingestion and summarization server.
//
// Usage:
//
//	anamnese [-config config.yaml]
//	anamnese token [-config config.yaml] -user <id> [-ttl 24h]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/anamnese/internal/alert"
	"github.com/MrWong99/anamnese/internal/app"
	"github.com/MrWong99/anamnese/internal/auth"
	"github.com/MrWong99/anamnese/internal/config"
	"github.com/MrWong99/anamnese/internal/observe"
	"github.com/MrWong99/anamnese/internal/resilience"
	"github.com/MrWong99/anamnese/pkg/provider/llm"
	"github.com/MrWong99/anamnese/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/anamnese/pkg/provider/llm/openai"
	"github.com/MrWong99/anamnese/pkg/provider/stt"
	"github.com/MrWong99/anamnese/pkg/provider/stt/fixture"
	oaistt "github.com/MrWong99/anamnese/pkg/provider/stt/openai"
	"github.com/MrWong99/anamnese/pkg/provider/stt/whisper"
	"github.com/MrWong99/anamnese/pkg/provider/summary"
	"github.com/MrWong99/anamnese/pkg/provider/summary/dummy"
	"github.com/MrWong99/anamnese/pkg/provider/summary/llmtool"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(runToken(os.Args[2:]))
	}
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "anamnese: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "anamnese: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})
	slog.SetDefault(slog.New(alert.NewHandler(text)))

	slog.Info("anamnese starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ratio := 1.0
	if cfg.Telemetry.TraceSampleRatio != nil {
		ratio = *cfg.Telemetry.TraceSampleRatio
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    ratio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, resilience.FallbackConfig{
		Breaker: resilience.BreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Alerting ──────────────────────────────────────────────────────────────
	slack := alert.NewSlack(cfg.Alert.WebhookURL, alert.WithFallbackURL(cfg.Alert.FallbackWebhookURL))

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		applyReload(old, next, &level, slack)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithAlerter(slack),
		app.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies the hot-reloadable subset of the change from old to
// next. Changes outside that subset are only reported.
func applyReload(old, next *config.Config, level *slog.LevelVar, slack *alert.Slack) {
	d := config.Diff(old, next)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AlertChanged {
		slack.SetURLs(d.NewAlert.WebhookURL, d.NewAlert.FallbackWebhookURL)
		slog.Info("alert webhooks updated")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", strings.Join(d.RestartRequired, ","))
	}
}

// ── Token subcommand ──────────────────────────────────────────────────────────

// runToken prints a signed bearer token for a user. It is meant for local
// testing against a server that shares the same auth.jwt_secret.
func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	user := fs.String("user", "", "user ID to embed as the token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "anamnese token: -user is required")
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "anamnese token: %v\n", err)
		return 1
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "anamnese token: auth.jwt_secret is not set")
		return 1
	}
	var opts []auth.JWTOption
	if cfg.Auth.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	token, err := auth.NewJWT([]byte(cfg.Auth.JWTSecret), opts...).Issue(*user, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "anamnese token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmProviders are the LLM backends served through any-llm-go. openai is
// registered separately on top of the official SDK.
var anyllmProviders = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaistt.WithTimeout(d))
		}
		return oaistt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// fixture echoes the uploaded bytes as one segment. Useful for local runs
	// without a transcription backend.
	reg.RegisterSTT("fixture", func(config.ProviderEntry) (stt.Provider, error) {
		return fixture.New(fixture.WithEcho()), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, oaillm.WithMaxRetries(n))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── Summary ───────────────────────────────────────────────────────────────

	reg.RegisterSummary("llm", func(entry config.ProviderEntry, model llm.Provider) (summary.Provider, error) {
		if model == nil {
			return nil, errors.New("summary provider \"llm\" requires providers.llm")
		}
		var opts []llmtool.Option
		if prompt := optString(entry.Options, "system_prompt"); prompt != "" {
			opts = append(opts, llmtool.WithSystemPrompt(prompt))
		}
		if t, ok := optFloat(entry.Options, "temperature"); ok {
			opts = append(opts, llmtool.WithTemperature(t))
		}
		if n, ok := optInt(entry.Options, "max_tokens"); ok {
			opts = append(opts, llmtool.WithMaxTokens(n))
		}
		return llmtool.New(model, opts...)
	})

	reg.RegisterSummary("dummy", func(config.ProviderEntry, llm.Provider) (summary.Provider, error) {
		return dummy.Provider{}, nil
	})
}

// buildProviders instantiates the providers named in cfg and wraps primaries
// in a failover group when a fallback is configured.
func buildProviders(cfg *config.Config, reg *config.Registry, fallbackCfg resilience.FallbackConfig) (*app.Providers, error) {
	if err := reg.Validate(cfg.Providers); err != nil {
		return nil, err
	}
	ps := &app.Providers{
		STTName:     cfg.Providers.STT.Name,
		SummaryName: cfg.Providers.Summary.Name,
	}

	// STT
	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	ps.STT = sttProvider
	if fb := cfg.Providers.STTFallback; fb.Name != "" {
		secondary, err := reg.CreateSTT(fb)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback provider %q: %w", fb.Name, err)
		}
		group := resilience.NewSTTFallback(sttProvider, cfg.Providers.STT.Name, fallbackCfg)
		group.AddFallback(fb.Name, secondary)
		ps.STT = group
		slog.Info("provider created", "kind", "stt_fallback", "name", fb.Name)
	}

	// LLM (optional, only consumed by the summary provider)
	var model llm.Provider
	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "llm", "name", name)
		model = p
		if fb := cfg.Providers.LLMFallback; fb.Name != "" {
			secondary, err := reg.CreateLLM(fb)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback provider %q: %w", fb.Name, err)
			}
			group := resilience.NewLLMFallback(p, name, fallbackCfg)
			group.AddFallback(fb.Name, secondary)
			model = group
			slog.Info("provider created", "kind", "llm_fallback", "name", fb.Name)
		}
	}

	// Summary
	sum, err := reg.CreateSummary(cfg.Providers.Summary, model)
	if err != nil {
		return nil, fmt.Errorf("create summary provider %q: %w", cfg.Providers.Summary.Name, err)
	}
	slog.Info("provider created", "kind", "summary", "name", cfg.Providers.Summary.Name)
	ps.Summary = sum

	return ps, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a numeric option. YAML decodes integers as int and
// decimals as float64; both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// optInt extracts an integer option.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// optDuration parses a duration string option such as "30s". Invalid or
// missing values yield 0.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
