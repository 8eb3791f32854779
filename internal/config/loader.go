package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp"}

// LookupFunc resolves an environment variable. [os.LookupEnv] is the default.
type LookupFunc func(key string) (string, bool)

// LoadOption configures [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	lookup LookupFunc
}

// WithLookup replaces the environment used for ${VAR} expansion and for the
// environment fallbacks of [ApplyDefaults].
func WithLookup(fn LookupFunc) LoadOption {
	return func(o *loadOptions) {
		if fn != nil {
			o.lookup = fn
		}
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string, opts ...LoadOption) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// fills defaults and validates the result. An empty document is a valid
// config made of defaults only.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	o := loadOptions{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		v, _ := o.lookup(key)
		return v
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg, o.lookup)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from the environment alone, for running without a
// config file.
func FromEnv(opts ...LoadOption) (*Config, error) {
	return LoadFromReader(strings.NewReader(""), opts...)
}

// ApplyDefaults fills every empty field of cfg. Values set in the file win,
// then the environment variables of the legacy deployment, then built-in
// defaults.
func ApplyDefaults(cfg *Config, lookup LookupFunc) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				return v
			}
		}
		return ""
	}
	firstOf := func(vals ...string) string {
		for _, v := range vals {
			if v != "" {
				return v
			}
		}
		return ""
	}

	s := &cfg.Server
	if s.ListenAddr == "" {
		// FLASK_HOST/FLASK_PORT keep existing .env files working.
		host, port := env("FLASK_HOST"), env("FLASK_PORT")
		if host != "" || port != "" {
			s.ListenAddr = net.JoinHostPort(firstOf(host, "localhost"), firstOf(port, "5000"))
		} else {
			s.ListenAddr = DefaultListenAddr
		}
	}
	if s.LogLevel == "" {
		s.LogLevel = LogLevel(firstOf(strings.ToLower(env("LOG_LEVEL")), string(LogInfo)))
	}

	apiKey := env("OPENAI_API_KEY")
	fill := func(p *ProviderEntry, modelEnv, fallback string) {
		if p.Name == "" {
			p.Name = "openai"
		}
		if p.Model == "" {
			p.Model = firstOf(env(modelEnv, "OPENAI_MODEL_NAME"), fallback)
		}
		if p.APIKey == "" && p.Name == "openai" {
			p.APIKey = apiKey
		}
	}
	fill(&cfg.Providers.Scenario, "SCENARIO_MODEL_NAME", DefaultScenarioModel)
	fill(&cfg.Providers.Annotation, "ANNOTATION_MODEL_NAME", DefaultAnnotationModel)
	for i := range cfg.Providers.Fallbacks {
		f := &cfg.Providers.Fallbacks[i]
		if f.APIKey == "" && f.Name == "openai" {
			f.APIKey = apiKey
		}
	}

	st := &cfg.Storage
	st.ProfilesDir = firstOf(st.ProfilesDir, env("PROFILES_DIR"), DefaultProfilesDir)
	st.OutputsDir = firstOf(st.OutputsDir, env("OUTPUTS_DIR"), DefaultOutputsDir)
	st.MetricsFile = firstOf(st.MetricsFile, env("EXTRA_JSON_PATH"), DefaultMetricsFile)
	st.PostgresDSN = firstOf(st.PostgresDSN, env("DATABASE_URL"))

	g := &cfg.Generation
	if g.SanitizeMode == nil {
		if v := env("SANITIZE_MODE"); v != "" {
			on := parseTruthy(v)
			g.SanitizeMode = &on
		}
	}
	if g.DefaultNumUtterances == 0 {
		g.DefaultNumUtterances = DefaultNumUtterances
	}
	if g.ContextWindow == 0 {
		g.ContextWindow = DefaultContextWindow
	}
	if g.AnnotationConcurrency == 0 {
		g.AnnotationConcurrency = DefaultAnnotationConcurrency
	}
	if g.Timeout == 0 {
		g.Timeout = DefaultGenerationTimeout
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// parseTruthy follows the legacy SANITIZE_MODE rule: "true", "1" and "yes"
// enable, anything else disables.
func parseTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout %s must not be negative", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout %s must not be negative", cfg.Server.WriteTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if w := cfg.Server.WriteTimeout; w > 0 && w < cfg.Generation.Timeout {
		slog.Warn("server.write_timeout is shorter than generation.timeout; long generations will be cut off",
			"write_timeout", w,
			"generation_timeout", cfg.Generation.Timeout,
		)
	}

	// Providers
	errs = append(errs, validateProvider("providers.scenario", cfg.Providers.Scenario)...)
	errs = append(errs, validateProvider("providers.annotation", cfg.Providers.Annotation)...)
	for i, f := range cfg.Providers.Fallbacks {
		errs = append(errs, validateProvider(fmt.Sprintf("providers.fallbacks[%d]", i), f)...)
	}

	// Storage
	if cfg.Storage.ProfilesDir == "" {
		errs = append(errs, errors.New("storage.profiles_dir is required"))
	}
	if cfg.Storage.OutputsDir == "" {
		errs = append(errs, errors.New("storage.outputs_dir is required"))
	}
	if cfg.Storage.PostgresDSN != "" && cfg.Storage.HistorySQLite != "" {
		slog.Warn("both storage.postgres_dsn and storage.history_sqlite are set; using postgres")
	}

	// Generation
	g := cfg.Generation
	if g.DefaultNumUtterances < 0 {
		errs = append(errs, fmt.Errorf("generation.default_num_utterances %d must not be negative", g.DefaultNumUtterances))
	}
	if g.ContextWindow < 0 {
		errs = append(errs, fmt.Errorf("generation.context_window %d must not be negative", g.ContextWindow))
	}
	if g.AnnotationConcurrency < 0 {
		errs = append(errs, fmt.Errorf("generation.annotation_concurrency %d must not be negative", g.AnnotationConcurrency))
	}
	if g.Timeout < 0 {
		errs = append(errs, fmt.Errorf("generation.timeout %s must not be negative", g.Timeout))
	}
	for name, t := range map[string]*float64{
		"scenario_temperature":   g.ScenarioTemperature,
		"annotation_temperature": g.AnnotationTemperature,
	} {
		if t != nil && (*t < 0 || *t > 2) {
			errs = append(errs, fmt.Errorf("generation.%s %.2f is out of range [0, 2]", name, *t))
		}
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r != nil && (*r <= 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range (0, 1]", *r))
	}

	return errors.Join(errs...)
}

func validateProvider(prefix string, p ProviderEntry) []error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		return errs
	}
	if p.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model is required", prefix))
	}
	validateProviderName(p.Name)
	if p.Name == "openai" && p.APIKey == "" {
		slog.Warn("openai provider has no api key; set OPENAI_API_KEY", "provider", prefix)
	}
	return errs
}

// validateProviderName logs a warning if name is not in [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
