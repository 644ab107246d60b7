package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; every other changed
// section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AlertChanged bool
	NewAlert     AlertConfig

	// RestartRequired names top-level sections that changed but only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether the diff contains no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AlertChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Alert != new.Alert {
		d.AlertChanged = true
		d.NewAlert = new.Alert
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !serverEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Postgres != new.Postgres {
		d.RestartRequired = append(d.RestartRequired, "postgres")
	}
	if old.NATS != new.NATS {
		d.RestartRequired = append(d.RestartRequired, "nats")
	}
	if old.Redis != new.Redis {
		d.RestartRequired = append(d.RestartRequired, "redis")
	}
	if old.Ingest != new.Ingest {
		d.RestartRequired = append(d.RestartRequired, "ingest")
	}
	if old.Completion != new.Completion {
		d.RestartRequired = append(d.RestartRequired, "completion")
	}
	if old.Auth != new.Auth {
		d.RestartRequired = append(d.RestartRequired, "auth")
	}
	if !telemetryEqual(old.Telemetry, new.Telemetry) {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.LogLevel != b.LogLevel || a.ShutdownTimeout != b.ShutdownTimeout ||
		a.ReadyTimeout != b.ReadyTimeout {
		return false
	}
	if !slices.Equal(a.AllowedOrigins, b.AllowedOrigins) {
		return false
	}
	switch {
	case a.TLS == nil && b.TLS == nil:
		return true
	case a.TLS == nil || b.TLS == nil:
		return false
	}
	return *a.TLS == *b.TLS
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.STT, b.STT) &&
		entryEqual(a.STTFallback, b.STTFallback) &&
		entryEqual(a.LLM, b.LLM) &&
		entryEqual(a.LLMFallback, b.LLMFallback) &&
		entryEqual(a.Summary, b.Summary)
}

// entryEqual compares two provider entries. Options are compared by key set
// and scalar values only; nested maps are treated as changed.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok {
			return false
		}
		switch av.(type) {
		case string, bool, int, int64, float64, nil:
			if av != bv {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func telemetryEqual(a, b TelemetryConfig) bool {
	if a.ServiceName != b.ServiceName || a.MetricsPath != b.MetricsPath {
		return false
	}
	switch {
	case a.TraceSampleRatio == nil && b.TraceSampleRatio == nil:
		return true
	case a.TraceSampleRatio == nil || b.TraceSampleRatio == nil:
		return false
	}
	return *a.TraceSampleRatio == *b.TraceSampleRatio
}
