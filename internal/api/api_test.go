package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sakihiromi/well-scenario/internal/api"
	"github.com/sakihiromi/well-scenario/internal/client"
	"github.com/sakihiromi/well-scenario/internal/observe"
	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/internal/store"
	"github.com/sakihiromi/well-scenario/pkg/annotation"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeWriter struct {
	utts     []scenario.Utterance
	err      error
	sanitize bool

	mu   sync.Mutex
	reqs []scenario.GenerateRequest
}

func (f *fakeWriter) Generate(_ context.Context, req scenario.GenerateRequest) ([]scenario.Utterance, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.utts, f.err
}

func (f *fakeWriter) Sanitizing() bool { return f.sanitize }

// fakeAnnotator gives every utterance the same machine score on every metric.
type fakeAnnotator struct {
	score int
	err   error
}

func (f *fakeAnnotator) Annotate(_ context.Context, _ scenario.Meeting, utts []scenario.Utterance) ([]scenario.Utterance, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]scenario.Utterance, len(utts))
	for i, u := range utts {
		u.MachineAnnotations = make(map[string]scenario.MachineScore, len(scenario.Metrics))
		for _, m := range scenario.Metrics {
			u.MachineAnnotations[m.Name] = scenario.MachineScore{Score: f.score}
		}
		out[i] = u
	}
	return out, nil
}

type fakeHistory struct {
	mu        sync.Mutex
	edits     []store.Edit
	recordErr error
}

func (h *fakeHistory) Record(_ context.Context, edits []store.Edit) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.recordErr != nil {
		return h.recordErr
	}
	h.edits = append(h.edits, edits...)
	return nil
}

func (h *fakeHistory) List(_ context.Context, filename string, limit int) ([]store.Edit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []store.Edit
	for i := len(h.edits) - 1; i >= 0; i-- {
		if h.edits[i].Filename == filename {
			out = append(out, h.edits[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *fakeHistory) Ping(context.Context) error { return nil }
func (h *fakeHistory) Close() error               { return nil }

// ── helpers ──────────────────────────────────────────────────────────────────

type env struct {
	srv      *api.Server
	ts       *httptest.Server
	client   *client.Client
	profiles string
	outputs  string
	writer   *fakeWriter
	history  *fakeHistory
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newEnv(t *testing.T, withHistory bool) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		profiles: filepath.Join(root, "profiles"),
		outputs:  filepath.Join(root, "outputs"),
		writer: &fakeWriter{
			sanitize: true,
			utts: []scenario.Utterance{
				{Speaker: "田中", Text: "始めましょう。"},
				{Speaker: "佐藤", Text: "はい。"},
				{Speaker: "田中", Text: "予算の件です。"},
			},
		},
	}
	if err := os.MkdirAll(e.profiles, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(e.profiles, "team.json"), `[{"id":"田中"},{"id":"佐藤"}]`)
	metricsFile := filepath.Join(root, "extra.json")
	writeFile(t, metricsFile, `{"威圧度":{"description":"d"}}`)

	deps := api.Deps{
		Profiles:    store.NewProfiles(e.profiles),
		Outputs:     store.NewOutputs(e.outputs),
		MetricsFile: metricsFile,
		Pipeline: &api.Pipeline{
			Writer:          e.writer,
			Annotator:       &fakeAnnotator{score: 4},
			ScenarioModel:   "scenario-model",
			AnnotationModel: "annotation-model",
		},
	}
	if withHistory {
		e.history = &fakeHistory{}
		deps.History = e.history
	}
	e.srv = api.New(deps, api.WithMetrics(testMetrics(t)), api.WithGenerationTimeout(time.Minute))

	mux := http.NewServeMux()
	e.srv.Register(mux)
	e.ts = httptest.NewServer(mux)
	t.Cleanup(e.ts.Close)

	c, err := client.New(e.ts.URL)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	e.client = c
	return e
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *env) generate(t *testing.T) string {
	t.Helper()
	resp, err := e.client.GenerateScenario(context.Background(), client.GenerateRequest{
		MeetingPurpose:  "予算の確認",
		MeetingFormat:   "定例",
		ProfileFilename: "team.json",
	})
	if err != nil {
		t.Fatalf("GenerateScenario: %v", err)
	}
	return resp.Filename()
}

func wantAppError(t *testing.T, err error, status int, msg string) {
	t.Helper()
	var ae *client.ApplicationError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want ApplicationError", err)
	}
	if ae.StatusCode != status {
		t.Errorf("status = %d, want %d", ae.StatusCode, status)
	}
	if msg != "" && !strings.Contains(ae.Message, msg) {
		t.Errorf("message = %q, want it to contain %q", ae.Message, msg)
	}
}

// ── profiles and definitions ─────────────────────────────────────────────────

func TestProfiles(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)
	ctx := context.Background()

	list, err := e.client.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(list) != 1 || list[0].Name != "team.json" {
		t.Errorf("profiles = %+v", list)
	}

	ps, err := e.client.GetProfile(ctx, "team.json")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(ps) != 2 {
		t.Errorf("participants = %+v", ps)
	}

	_, err = e.client.GetProfile(ctx, "missing.json")
	wantAppError(t, err, http.StatusNotFound, "プロフィールファイルが見つかりません")
}

func TestProfiles_MissingDirectory(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)
	if err := os.RemoveAll(e.profiles); err != nil {
		t.Fatal(err)
	}
	_, err := e.client.ListProfiles(context.Background())
	wantAppError(t, err, http.StatusNotFound, "プロフィールディレクトリが見つかりません")
}

func TestMetricDefinitions(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)

	raw, err := e.client.MetricDefinitions(context.Background())
	if err != nil {
		t.Fatalf("MetricDefinitions: %v", err)
	}
	var defs map[string]any
	if err := json.Unmarshal(raw, &defs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := defs["威圧度"]; !ok {
		t.Errorf("definitions = %s", raw)
	}
}

// ── generation ───────────────────────────────────────────────────────────────

func TestGenerateScenario(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)

	resp, err := e.client.GenerateScenario(context.Background(), client.GenerateRequest{
		MeetingPurpose:  " 予算の確認 ",
		MeetingFormat:   "定例",
		ProfileFilename: "team.json",
		FocusMetrics:    []string{"bias"},
	})
	if err != nil {
		t.Fatalf("GenerateScenario: %v", err)
	}
	if !resp.Success || len(resp.Scenario) != 3 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Metadata.MeetingPurpose != "予算の確認" || resp.Metadata.NumUtterances != 3 {
		t.Errorf("metadata = %+v", resp.Metadata)
	}
	name := resp.Filename()
	if !strings.HasSuffix(name, "_team.json") {
		t.Errorf("filename = %q", name)
	}
	if got := e.writer.reqs[0].NumUtterances; got != 20 {
		t.Errorf("default num utterances = %d, want 20", got)
	}

	doc, err := e.client.GetOutput(context.Background(), name)
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}
	md := doc.Metadata
	if md.ScenarioModel != "scenario-model" || md.AnnotationModel != "annotation-model" || !md.SanitizeMode {
		t.Errorf("stored metadata = %+v", md)
	}
	if len(md.FocusMetrics) != 1 || md.FocusMetrics[0] != "bias" {
		t.Errorf("focus metrics = %v", md.FocusMetrics)
	}
	if s, ok := doc.Scenario[0].MachineScoreFor("威圧度"); !ok || s != 4 {
		t.Errorf("machine score = %d, %v", s, ok)
	}
}

func TestGenerateScenario_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     client.GenerateRequest
		setup   func(e *env)
		status  int
		message string
	}{
		{
			name:    "missing purpose",
			req:     client.GenerateRequest{MeetingFormat: "定例", ProfileFilename: "team.json"},
			status:  http.StatusBadRequest,
			message: "会議の目的と形式を入力してください",
		},
		{
			name:    "missing profile",
			req:     client.GenerateRequest{MeetingPurpose: "p", MeetingFormat: "f"},
			status:  http.StatusBadRequest,
			message: "プロフィールファイルを選択してください",
		},
		{
			name:    "unknown profile",
			req:     client.GenerateRequest{MeetingPurpose: "p", MeetingFormat: "f", ProfileFilename: "nope.json"},
			status:  http.StatusNotFound,
			message: "プロフィールファイルが見つかりません",
		},
		{
			name:    "empty scenario",
			req:     client.GenerateRequest{MeetingPurpose: "p", MeetingFormat: "f", ProfileFilename: "team.json"},
			setup:   func(e *env) { e.writer.utts = nil },
			status:  http.StatusInternalServerError,
			message: "シナリオの生成に失敗しました",
		},
		{
			name:    "model failure",
			req:     client.GenerateRequest{MeetingPurpose: "p", MeetingFormat: "f", ProfileFilename: "team.json"},
			setup:   func(e *env) { e.writer.err = scenario.ErrRefused },
			status:  http.StatusInternalServerError,
			message: "エラーが発生しました",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, false)
			if tt.setup != nil {
				tt.setup(e)
			}
			_, err := e.client.GenerateScenario(context.Background(), tt.req)
			wantAppError(t, err, tt.status, tt.message)

			list, err := e.client.ListOutputs(context.Background())
			if err != nil {
				t.Fatalf("ListOutputs: %v", err)
			}
			if len(list) != 0 {
				t.Errorf("failed generation stored %d outputs", len(list))
			}
		})
	}
}

func TestGenerateScenario_BadJSON(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)

	resp, err := http.Post(e.ts.URL+"/api/generate-scenario", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSetPipeline(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)

	w := &fakeWriter{utts: []scenario.Utterance{{Speaker: "A", Text: "x"}}}
	e.srv.SetPipeline(&api.Pipeline{Writer: w, Annotator: &fakeAnnotator{score: 1}, ScenarioModel: "swapped"})

	name := e.generate(t)
	doc, err := e.client.GetOutput(context.Background(), name)
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}
	if doc.Metadata.ScenarioModel != "swapped" || doc.Metadata.SanitizeMode {
		t.Errorf("metadata = %+v", doc.Metadata)
	}
	if len(w.reqs) != 1 || len(e.writer.reqs) != 0 {
		t.Errorf("calls: new=%d old=%d", len(w.reqs), len(e.writer.reqs))
	}
}

// ── outputs and annotations ──────────────────────────────────────────────────

func TestOutputs_ListAndGet(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)
	name := e.generate(t)

	list, err := e.client.ListOutputs(context.Background())
	if err != nil {
		t.Fatalf("ListOutputs: %v", err)
	}
	if len(list) != 1 || list[0].Filename != name || list[0].NumUtterances != 3 {
		t.Errorf("outputs = %+v", list)
	}

	_, err = e.client.GetOutput(context.Background(), "missing.json")
	wantAppError(t, err, http.StatusNotFound, "ファイルが見つかりません")
}

func TestOutputs_InvalidName(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)

	resp, err := http.Get(e.ts.URL + "/api/output/bad..name.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDownload(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)
	name := e.generate(t)

	resp, err := http.Get(e.ts.URL + "/api/output/" + name + "/download")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") || !strings.Contains(cd, name) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	var doc scenario.Output
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Scenario) != 3 {
		t.Errorf("scenario = %+v", doc.Scenario)
	}
}

func TestSaveAnnotations(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)
	name := e.generate(t)
	ctx := context.Background()

	ov := annotation.Overlay{}
	ov.Set(1, "威圧度", annotation.Override{Score: 8, Note: "強い口調"})
	ov.Set(7, "威圧度", annotation.Override{Score: 2})
	if err := e.client.SaveAnnotations(ctx, name, ov); err != nil {
		t.Fatalf("SaveAnnotations: %v", err)
	}

	doc, err := e.client.GetOutput(ctx, name)
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}
	if s, ok := doc.Scenario[1].HumanScoreFor("威圧度"); !ok || s != 8 {
		t.Errorf("human score = %d, %v", s, ok)
	}
	if doc.Metadata.LastHumanAnnotation == "" {
		t.Error("last_human_annotation not stamped")
	}
	if len(e.history.edits) != 1 {
		t.Errorf("history recorded %d edits, want 1 (out-of-range skipped)", len(e.history.edits))
	}

	raw, err := e.client.AnnotationHistory(ctx, name)
	if err != nil {
		t.Fatalf("AnnotationHistory: %v", err)
	}
	var edits []store.Edit
	if err := json.Unmarshal(raw, &edits); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(edits) != 1 || edits[0].Score != 8 || edits[0].Machine == nil || *edits[0].Machine != 4 {
		t.Errorf("history = %+v", edits)
	}
}

func TestSaveAnnotations_Errors(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)
	name := e.generate(t)

	ov := annotation.Overlay{}
	ov.Set(0, "威圧度", annotation.Override{Score: 1})
	err := e.client.SaveAnnotations(context.Background(), "missing.json", ov)
	wantAppError(t, err, http.StatusNotFound, "ファイルが見つかりません")

	resp, err := http.Post(e.ts.URL+"/api/output/"+name+"/annotations", "application/json",
		strings.NewReader(`{"annotations":{"first":{}}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric position: status = %d, want 400", resp.StatusCode)
	}
}

func TestSaveAnnotations_HistoryFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)
	e.history.recordErr = errors.New("db down")
	name := e.generate(t)

	ov := annotation.Overlay{}
	ov.Set(0, "偏り度", annotation.Override{Score: 6})
	if err := e.client.SaveAnnotations(context.Background(), name, ov); err != nil {
		t.Fatalf("SaveAnnotations: %v", err)
	}
}

func TestAnnotationHistory_NotConfigured(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)
	_, err := e.client.AnnotationHistory(context.Background(), "x.json")
	wantAppError(t, err, http.StatusNotImplemented, "")
}

// ── exports ──────────────────────────────────────────────────────────────────

func TestDownloadCSV(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)
	name := e.generate(t)

	var buf bytes.Buffer
	if err := e.client.DownloadCSV(context.Background(), name, &buf); err != nil {
		t.Fatalf("DownloadCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("csv has %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "\ufeffSpeaker,Content,威圧度") {
		t.Errorf("header = %q", lines[0])
	}

	resp, err := http.Get(e.ts.URL + "/api/output/" + name + "/csv")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	stem := strings.TrimSuffix(name, ".json")
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, stem+".csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestRenderChart(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)
	name := e.generate(t)

	tests := []struct {
		metric, format string
		wantPrefix     string
	}{
		{"intimidation", "", "\x89PNG"},
		{"逸脱度", "svg", "<svg"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := e.client.DownloadChart(context.Background(), name, tt.metric, tt.format, &buf); err != nil {
			t.Fatalf("DownloadChart(%s): %v", tt.metric, err)
		}
		if !strings.HasPrefix(buf.String(), tt.wantPrefix) {
			t.Errorf("%s chart starts with %q", tt.metric, buf.String()[:min(8, buf.Len())])
		}
	}

	err := e.client.DownloadChart(context.Background(), name, "volume", "", io.Discard)
	wantAppError(t, err, http.StatusBadRequest, "不明な指標です")

	err = e.client.DownloadChart(context.Background(), name, "bias", "gif", io.Discard)
	wantAppError(t, err, http.StatusBadRequest, "format")
}

func TestAgreement(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)
	name := e.generate(t)
	ctx := context.Background()

	ov := annotation.Overlay{}
	ov.Set(0, "威圧度", annotation.Override{Score: 4})
	ov.Set(1, "威圧度", annotation.Override{Score: 6})
	if err := e.client.SaveAnnotations(ctx, name, ov); err != nil {
		t.Fatalf("SaveAnnotations: %v", err)
	}

	ag, err := e.client.Agreement(ctx, name)
	if err != nil {
		t.Fatalf("Agreement: %v", err)
	}
	if ag.TotalUtterances != 3 {
		t.Errorf("total = %d", ag.TotalUtterances)
	}
	m := ag.Metrics[0]
	if m.Metric != "威圧度" || m.Reviewed != 2 || m.Exact != 1 || m.Bias != 1 {
		t.Errorf("agreement = %+v", m)
	}
}
