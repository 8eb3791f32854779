package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SanitizeChanged bool
	NewSanitize     bool

	// TemperaturesChanged is set when either sampling temperature changed.
	TemperaturesChanged bool

	// RestartRequired lists changed fields that only take effect after a
	// restart (listen address, storage locations, providers).
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SanitizeChanged || d.TemperaturesChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Generation.Sanitize() != new.Generation.Sanitize() {
		d.SanitizeChanged = true
		d.NewSanitize = new.Generation.Sanitize()
	}

	if !sameFloat(old.Generation.ScenarioTemperature, new.Generation.ScenarioTemperature) ||
		!sameFloat(old.Generation.AnnotationTemperature, new.Generation.AnnotationTemperature) {
		d.TemperaturesChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if !sameProvider(old.Providers.Scenario, new.Providers.Scenario) ||
		!sameProvider(old.Providers.Annotation, new.Providers.Annotation) ||
		len(old.Providers.Fallbacks) != len(new.Providers.Fallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}

	return d
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameProvider ignores Options, which may hold uncomparable values.
func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.Model == b.Model && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL
}
