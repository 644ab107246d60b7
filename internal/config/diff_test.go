package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/anamnese/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)

	d := config.Diff(a, b)
	if !d.Empty() {
		t.Errorf("identical configs: got diff %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.Server.LogLevel = config.LogDebug

	d := config.Diff(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change should not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_Alert(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.Alert.WebhookURL = "https://hooks.example.com/new"

	d := config.Diff(a, b)
	if !d.AlertChanged || d.NewAlert.WebhookURL != "https://hooks.example.com/new" {
		t.Errorf("alert: got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("alert change should not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.Server.ListenAddr = ":1234"
	b.Providers.LLM.Model = "gpt-4o-mini"
	b.NATS.MaxDeliver = 9
	b.Auth.JWTSecret = "rotated"

	d := config.Diff(a, b)
	for _, want := range []string{"server", "providers", "nats", "auth"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired should contain %q, got %v", want, d.RestartRequired)
		}
	}
	for _, unwanted := range []string{"postgres", "redis", "completion"} {
		if slices.Contains(d.RestartRequired, unwanted) {
			t.Errorf("RestartRequired should not contain %q, got %v", unwanted, d.RestartRequired)
		}
	}
	if d.LogLevelChanged || d.AlertChanged {
		t.Errorf("unexpected hot-reload flags: %+v", d)
	}
}

func TestDiff_ProviderOptions(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.Providers.Summary.Options = map[string]any{"temperature": 0.7}

	d := config.Diff(a, b)
	if !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("changed provider options should require restart, got %v", d.RestartRequired)
	}
}
