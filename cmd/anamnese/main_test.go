package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/anamnese/internal/alert"
	"github.com/MrWong99/anamnese/internal/config"
	"github.com/MrWong99/anamnese/internal/resilience"
)

func TestBuildProviders_Minimal(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{}
	cfg.Providers.STT = config.ProviderEntry{Name: "fixture"}
	cfg.Providers.Summary = config.ProviderEntry{Name: "dummy"}

	ps, err := buildProviders(cfg, reg, resilience.FallbackConfig{})
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.STT == nil || ps.Summary == nil {
		t.Fatalf("providers not set: %+v", ps)
	}
	if ps.STTName != "fixture" || ps.SummaryName != "dummy" {
		t.Errorf("names = %q/%q", ps.STTName, ps.SummaryName)
	}
}

func TestBuildProviders_LLMSummaryWithoutModel(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{}
	cfg.Providers.STT = config.ProviderEntry{Name: "fixture"}
	cfg.Providers.Summary = config.ProviderEntry{Name: "llm"}

	if _, err := buildProviders(cfg, reg, resilience.FallbackConfig{}); err == nil {
		t.Fatal("expected error for llm summary without providers.llm")
	}
}

func TestBuildProviders_UnknownSTT(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{}
	cfg.Providers.STT = config.ProviderEntry{Name: "nope"}
	cfg.Providers.Summary = config.ProviderEntry{Name: "dummy"}

	if _, err := buildProviders(cfg, reg, resilience.FallbackConfig{}); err == nil {
		t.Fatal("expected error for unregistered stt provider")
	}
}

func TestApplyReload(t *testing.T) {
	var level slog.LevelVar
	slack := alert.NewSlack("")

	old := &config.Config{}
	old.Server.LogLevel = config.LogInfo
	next := &config.Config{}
	next.Server.LogLevel = config.LogDebug
	next.Alert.WebhookURL = "http://127.0.0.1:1/hook"

	applyReload(old, next, &level, slack)
	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
}

func TestOptHelpers(t *testing.T) {
	opts := map[string]any{
		"language":    "pt",
		"temperature": 0.3,
		"max_tokens":  512,
		"timeout":     "45s",
		"bad_timeout": "soon",
	}
	if got := optString(opts, "language"); got != "pt" {
		t.Errorf("optString = %q", got)
	}
	if got := optString(nil, "language"); got != "" {
		t.Errorf("optString(nil) = %q", got)
	}
	if got, ok := optFloat(opts, "temperature"); !ok || got != 0.3 {
		t.Errorf("optFloat = %v, %v", got, ok)
	}
	if got, ok := optFloat(opts, "max_tokens"); !ok || got != 512 {
		t.Errorf("optFloat(int) = %v, %v", got, ok)
	}
	if got, ok := optInt(opts, "max_tokens"); !ok || got != 512 {
		t.Errorf("optInt = %v, %v", got, ok)
	}
	if _, ok := optInt(opts, "language"); ok {
		t.Error("optInt accepted a string")
	}
	if got := optDuration(opts, "timeout"); got != 45*time.Second {
		t.Errorf("optDuration = %v", got)
	}
	if got := optDuration(opts, "bad_timeout"); got != 0 {
		t.Errorf("optDuration(invalid) = %v", got)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
