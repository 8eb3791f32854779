package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sakihiromi/well-scenario/internal/app"
	"github.com/sakihiromi/well-scenario/internal/client"
	"github.com/sakihiromi/well-scenario/internal/config"
	"github.com/sakihiromi/well-scenario/internal/observe"
	"github.com/sakihiromi/well-scenario/pkg/provider/llm"
	llmmock "github.com/sakihiromi/well-scenario/pkg/provider/llm/mock"
)

const (
	scenarioReply   = `{"scenario":[{"speaker":"田中","text":"始めます。"},{"speaker":"佐藤","text":"了解です。"}]}`
	annotationReply = `{"威圧度":{"score":2,"reason":"穏当"},"逸脱度":{"score":1},"発言無効度":{"score":"3"},"偏り度":{"score":0}}`
)

// scriptedLLM answers generation and annotation prompts with fixed replies.
func scriptedLLM() *llmmock.Provider {
	return &llmmock.Provider{CompleteFunc: llmmock.ByPrompt(
		llmmock.Rule{Contains: "評価対象の発言", Reply: annotationReply},
		llmmock.Rule{Reply: scenarioReply},
	)}
}

// testConfig returns a minimal config rooted in a temp dir, with one profile.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{}
	cfg.Providers.Scenario = config.ProviderEntry{Name: "mock", Model: "writer"}
	cfg.Providers.Annotation = config.ProviderEntry{Name: "mock", Model: "scorer"}
	cfg.Storage.ProfilesDir = filepath.Join(root, "profiles")
	cfg.Storage.OutputsDir = filepath.Join(root, "outputs")
	cfg.Storage.MetricsFile = filepath.Join(root, "extra.json")
	config.ApplyDefaults(cfg, func(string) (string, bool) { return "", false })

	if err := os.MkdirAll(cfg.Storage.ProfilesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Storage.ProfilesDir, "team.json"), []byte(`[{"id":"田中"},{"id":"佐藤"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.Storage.MetricsFile, []byte(`{"威圧度":{"description":"高圧的な発言"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func testRegistry(providers map[string]llm.Provider) *config.Registry {
	reg := config.NewRegistry()
	for name, p := range providers {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) { return p, nil })
	}
	return reg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, reg *config.Registry, opts ...app.Option) (*app.App, *client.Client) {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, reg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	c, err := client.New(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	return a, c
}

func generate(t *testing.T, c *client.Client) *client.GenerateResponse {
	t.Helper()
	resp, err := c.GenerateScenario(context.Background(), client.GenerateRequest{
		MeetingPurpose:  "新製品の企画",
		MeetingFormat:   "ブレインストーミング",
		ProfileFilename: "team.json",
		NumUtterances:   2,
	})
	if err != nil {
		t.Fatalf("GenerateScenario: %v", err)
	}
	return resp
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestNew_EndToEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	_, c := newApp(t, cfg, testRegistry(map[string]llm.Provider{"mock": scriptedLLM()}))

	resp := generate(t, c)
	if len(resp.Scenario) != 2 {
		t.Fatalf("scenario = %+v", resp.Scenario)
	}
	if s, ok := resp.Scenario[0].MachineScoreFor("発言無効度"); !ok || s != 3 {
		t.Errorf("machine score = %d, %v", s, ok)
	}

	doc, err := c.GetOutput(context.Background(), resp.Filename())
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}
	if doc.Metadata.ScenarioModel != "writer" || doc.Metadata.AnnotationModel != "scorer" {
		t.Errorf("models = %q / %q", doc.Metadata.ScenarioModel, doc.Metadata.AnnotationModel)
	}
	if !doc.Metadata.SanitizeMode {
		t.Error("sanitize mode should default to on")
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	_, err := app.New(context.Background(), cfg, config.NewRegistry(), app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("New() err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_MissingDefinitionsIsNotFatal(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.MetricsFile = filepath.Join(t.TempDir(), "absent.json")
	_, c := newApp(t, cfg, testRegistry(map[string]llm.Provider{"mock": scriptedLLM()}))
	generate(t, c)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a, _ := newApp(t, cfg, testRegistry(map[string]llm.Provider{"mock": scriptedLLM()}))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d: %s", path, rec.Code, rec.Body.String())
		}
	}

	if err := os.RemoveAll(cfg.Storage.ProfilesDir); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz without profiles dir = %d", rec.Code)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Checks["profiles_dir"] == "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestSQLiteHistory(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.HistorySQLite = filepath.Join(t.TempDir(), "history.db")
	_, c := newApp(t, cfg, testRegistry(map[string]llm.Provider{"mock": scriptedLLM()}))

	name := generate(t, c).Filename()
	raw, err := c.AnnotationHistory(context.Background(), name)
	if err != nil {
		t.Fatalf("AnnotationHistory: %v", err)
	}
	if strings.TrimSpace(string(raw)) != "[]" {
		t.Errorf("history of an unedited scenario = %s", raw)
	}
}

func TestFailover(t *testing.T) {
	t.Parallel()

	var primaryCalls atomic.Int32
	broken := &llmmock.Provider{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			primaryCalls.Add(1)
			return nil, errors.New("quota exceeded")
		},
	}
	cfg := testConfig(t)
	cfg.Providers.Scenario.Name = "broken"
	cfg.Providers.Fallbacks = []config.ProviderEntry{{Name: "mock", Model: "backup"}}

	_, c := newApp(t, cfg, testRegistry(map[string]llm.Provider{
		"broken": broken,
		"mock":   scriptedLLM(),
	}))
	if resp := generate(t, c); len(resp.Scenario) != 2 {
		t.Errorf("scenario = %+v", resp.Scenario)
	}
	if primaryCalls.Load() == 0 {
		t.Error("primary provider was never tried")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	lv := new(slog.LevelVar)
	a, c := newApp(t, cfg, testRegistry(map[string]llm.Provider{"mock": scriptedLLM()}), app.WithLevelVar(lv))

	next := *cfg
	off := false
	next.Generation.SanitizeMode = &off
	next.Server.LogLevel = config.LogDebug
	a.ApplyConfig(cfg, &next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	if a.Config().Generation.Sanitize() {
		t.Error("config in effect still sanitizes")
	}

	doc, err := c.GetOutput(context.Background(), generate(t, c).Filename())
	if err != nil {
		t.Fatal(err)
	}
	if doc.Metadata.SanitizeMode {
		t.Error("generation after reload still sanitized")
	}
}

func TestApplyConfig_RestartOnlyChangeIgnored(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a, _ := newApp(t, cfg, testRegistry(map[string]llm.Provider{"mock": scriptedLLM()}))

	next := *cfg
	next.Server.ListenAddr = "0.0.0.0:1"
	a.ApplyConfig(cfg, &next)
	if a.Config().Server.ListenAddr != cfg.Server.ListenAddr {
		t.Error("listen address changed without restart")
	}
}

func TestReloadDefinitions(t *testing.T) {
	t.Parallel()

	var prompts atomic.Value
	recording := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if strings.Contains(req.Messages[0].Content, "評価対象の発言") {
				prompts.Store(req.Messages[0].Content)
			}
			return scriptedLLM().CompleteFunc(ctx, req)
		},
	}
	cfg := testConfig(t)
	a, c := newApp(t, cfg, testRegistry(map[string]llm.Provider{"mock": recording}))

	a.ReloadDefinitions([]byte(`{"威圧度":{"定義":"声を荒げて相手を黙らせる"}}`))
	generate(t, c)
	if p, _ := prompts.Load().(string); !strings.Contains(p, "声を荒げて相手を黙らせる") {
		t.Errorf("annotation prompt lacks the reloaded definition:\n%s", p)
	}

	a.ReloadDefinitions([]byte(`{not json`))
	generate(t, c)
	if p, _ := prompts.Load().(string); !strings.Contains(p, "声を荒げて相手を黙らせる") {
		t.Error("broken definitions replaced the previous ones")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a, _ := newApp(t, cfg, testRegistry(map[string]llm.Provider{"mock": scriptedLLM()}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.HistorySQLite = filepath.Join(t.TempDir(), "history.db")
	a, err := app.New(context.Background(), cfg, testRegistry(map[string]llm.Provider{"mock": scriptedLLM()}),
		app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

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
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
