// Package config provides the configuration schema, loader, and provider registry
// for the well-scenario server.
package config

import "time"

// LogLevel controls log verbosity for the server.
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

// Defaults applied by [ApplyDefaults] when a field is left empty.
const (
	DefaultListenAddr            = "localhost:5000"
	DefaultScenarioModel         = "gpt-4o-mini"
	DefaultAnnotationModel       = "gpt-4o"
	DefaultProfilesDir           = "data/profiles"
	DefaultOutputsDir            = "data/outputs"
	DefaultMetricsFile           = "data/extra.json"
	DefaultNumUtterances         = 20
	DefaultContextWindow         = 5
	DefaultAnnotationConcurrency = 4
	DefaultGenerationTimeout     = 10 * time.Minute
	DefaultServiceName           = "well-scenario"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Storage    StorageConfig    `yaml:"storage"`
	Generation GenerationConfig `yaml:"generation"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ReadTimeout and WriteTimeout bound a single request. Generation requests
	// run for minutes, so WriteTimeout must exceed generation.timeout.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares the LLM backends. Scenario writes the dialogue,
// Annotation scores it. Fallbacks are tried in order when a primary fails.
type ProvidersConfig struct {
	Scenario   ProviderEntry   `yaml:"scenario"`
	Annotation ProviderEntry   `yaml:"annotation"`
	Fallbacks  []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block of one LLM backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// StorageConfig locates profiles, outputs and the annotation history.
type StorageConfig struct {
	ProfilesDir string `yaml:"profiles_dir"`
	OutputsDir  string `yaml:"outputs_dir"`

	// MetricsFile holds the metric definitions handed to the annotator.
	MetricsFile string `yaml:"metrics_file"`

	// PostgresDSN enables the PostgreSQL annotation history. It takes
	// precedence over HistorySQLite.
	PostgresDSN string `yaml:"postgres_dsn"`

	// HistorySQLite is the path of an embedded SQLite history database.
	HistorySQLite string `yaml:"history_sqlite"`

	// ChartFont is a TrueType font with Japanese glyphs used for chart
	// titles and legends. Without it charts are labelled in ASCII.
	ChartFont string `yaml:"chart_font"`
}

// GenerationConfig tunes scenario generation and machine annotation.
type GenerationConfig struct {
	// SanitizeMode softens harsh wording in participant instructions before
	// they reach the model. nil means enabled.
	SanitizeMode *bool `yaml:"sanitize_mode"`

	DefaultNumUtterances int `yaml:"default_num_utterances"`

	// ContextWindow is the number of preceding utterances shown to the
	// annotator.
	ContextWindow int `yaml:"context_window"`

	ScenarioTemperature   *float64 `yaml:"scenario_temperature"`
	AnnotationTemperature *float64 `yaml:"annotation_temperature"`

	// AnnotationConcurrency bounds the parallel annotation requests.
	AnnotationConcurrency int `yaml:"annotation_concurrency"`

	// Timeout bounds one generate request end to end.
	Timeout time.Duration `yaml:"timeout"`
}

// Sanitize reports the effective sanitize mode.
func (g GenerationConfig) Sanitize() bool {
	return g.SanitizeMode == nil || *g.SanitizeMode
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of new traces recorded, in (0,1].
	// nil records every trace.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}

// SampleRatio returns the effective trace sample ratio.
func (t TelemetryConfig) SampleRatio() float64 {
	if t.TraceSampleRatio == nil {
		return 1
	}
	return *t.TraceSampleRatio
}
