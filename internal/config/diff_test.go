package config_test

import (
	"slices"
	"testing"

	"github.com/sakihiromi/well-scenario/internal/config"
)

func ptr[T any](v T) *T { return &v }

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg, noEnv)
	return cfg
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() || len(d.RestartRequired) != 0 {
		t.Errorf("diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if !d.Changed() {
		t.Error("Changed() = false")
	}
}

func TestDiff_Sanitize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		old, new    *bool
		wantChanged bool
	}{
		{"nil to true", nil, ptr(true), false},
		{"nil to false", nil, ptr(false), true},
		{"false to true", ptr(false), ptr(true), true},
		{"false to false", ptr(false), ptr(false), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			old.Generation.SanitizeMode = tt.old
			new.Generation.SanitizeMode = tt.new
			d := config.Diff(old, new)
			if d.SanitizeChanged != tt.wantChanged {
				t.Errorf("SanitizeChanged = %v, want %v", d.SanitizeChanged, tt.wantChanged)
			}
			if d.SanitizeChanged && d.NewSanitize != new.Generation.Sanitize() {
				t.Errorf("NewSanitize = %v", d.NewSanitize)
			}
		})
	}
}

func TestDiff_Temperatures(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	old.Generation.ScenarioTemperature = ptr(0.8)
	new.Generation.ScenarioTemperature = ptr(0.8)
	if config.Diff(old, new).TemperaturesChanged {
		t.Error("equal temperatures reported as changed")
	}

	new.Generation.AnnotationTemperature = ptr(0.1)
	if !config.Diff(old, new).TemperaturesChanged {
		t.Error("new annotation temperature not reported")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Storage.OutputsDir = "/elsewhere"
	new.Providers.Annotation.Model = "o3"

	d := config.Diff(old, new)
	for _, want := range []string{"server.listen_addr", "storage", "providers"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if d.Changed() {
		t.Error("restart-only changes reported as hot-reloadable")
	}
}
