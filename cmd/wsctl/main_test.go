package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sakihiromi/well-scenario/internal/api"
	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/internal/store"
	"github.com/sakihiromi/well-scenario/internal/store/sqlite"
)

// ── fixture server ────────────────────────────────────────────────────────────

type stubWriter struct{}

func (stubWriter) Generate(context.Context, scenario.GenerateRequest) ([]scenario.Utterance, error) {
	return []scenario.Utterance{
		{Speaker: "田中", Text: "始めましょう。"},
		{Speaker: "佐藤", Text: "はい。"},
	}, nil
}

func (stubWriter) Sanitizing() bool { return true }

type stubAnnotator struct{}

func (stubAnnotator) Annotate(_ context.Context, _ scenario.Meeting, utts []scenario.Utterance) ([]scenario.Utterance, error) {
	out := make([]scenario.Utterance, len(utts))
	for i, u := range utts {
		u.MachineAnnotations = map[string]scenario.MachineScore{}
		for _, m := range scenario.Metrics {
			u.MachineAnnotations[m.Name] = scenario.MachineScore{Score: 3}
		}
		out[i] = u
	}
	return out, nil
}

type fixture struct {
	url     string
	outputs *store.Outputs
	file    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	profiles := filepath.Join(root, "profiles")
	if err := os.MkdirAll(profiles, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(profiles, "team.json"), []byte(`[{"id":"田中"},{"id":"佐藤"}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	hist, err := sqlite.Open(filepath.Join(root, "history.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	f := &fixture{outputs: store.NewOutputs(filepath.Join(root, "outputs"))}
	srv := api.New(api.Deps{
		Profiles:    store.NewProfiles(profiles),
		Outputs:     f.outputs,
		MetricsFile: filepath.Join(root, "missing.json"),
		History:     hist,
		Pipeline:    &api.Pipeline{Writer: stubWriter{}, Annotator: stubAnnotator{}},
	})
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	f.url = ts.URL

	doc := &scenario.Output{
		Metadata: scenario.Metadata{MeetingPurpose: "予算会議", MeetingFormat: "対面", ProfileFilename: "seed.json"},
		Scenario: []scenario.Utterance{
			{Speaker: "田中", Text: "始めましょう。", MachineAnnotations: map[string]scenario.MachineScore{"威圧度": {Score: 2}}},
			{Speaker: "佐藤", Text: "反対です。", MachineAnnotations: map[string]scenario.MachineScore{"威圧度": {Score: 6}}},
		},
	}
	name, _, err := f.outputs.Create(doc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.file = name
	return f
}

// run executes wsctl against the fixture and returns stdout and stderr.
func (f *fixture) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--server", f.url}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestProfiles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out, _, err := f.run(t, "profiles")
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if strings.TrimSpace(out) != "team.json" {
		t.Errorf("profiles = %q", out)
	}

	out, _, err = f.run(t, "profiles", "team.json", "-f", "json")
	if err != nil {
		t.Fatalf("profiles team.json: %v", err)
	}
	if !strings.Contains(out, `"id": "田中"`) {
		t.Errorf("profile json = %q", out)
	}

	if _, _, err := f.run(t, "profiles", "nope.json"); err == nil || !strings.Contains(err.Error(), "server: ") {
		t.Errorf("missing profile err = %v", err)
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out, _, err := f.run(t, "generate", "--purpose", "定例", "--meeting-format", "オンライン", "--profile", "team.json")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "(2 utterances)") || !strings.Contains(out, ".json") {
		t.Errorf("generate output = %q", out)
	}

	_, _, err = f.run(t, "generate", "--purpose", "定例", "--meeting-format", "オンライン")
	if err == nil || !strings.Contains(err.Error(), "プロフィールファイルを選択してください") {
		t.Errorf("generate without profile err = %v", err)
	}
}

func TestOutputsAndShow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out, _, err := f.run(t, "outputs")
	if err != nil {
		t.Fatalf("outputs: %v", err)
	}
	if !strings.HasPrefix(out, "FILENAME") || !strings.Contains(out, f.file) {
		t.Errorf("outputs = %q", out)
	}

	out, _, err = f.run(t, "show", f.file)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"meeting_purpose: 予算会議", "speaker: 佐藤", "metrics:"} {
		if !strings.Contains(out, want) {
			t.Errorf("show yaml missing %q:\n%s", want, out)
		}
	}

	if _, _, err := f.run(t, "show", f.file, "-f", "toml"); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestAnnotate_SavesAndRecordsHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out, stderr, err := f.run(t, "annotate", f.file, "--set", "2:intimidation=8:強い口調: 要確認", "--set", "1:偏り度=1")
	if err != nil {
		t.Fatalf("annotate: %v (stderr %q)", err, stderr)
	}
	if !strings.Contains(stderr, "ok: 人手アノテーションを保存しました") {
		t.Errorf("stderr = %q", stderr)
	}
	if !strings.Contains(out, "#2") || !strings.Contains(out, "強い口調: 要確認") {
		t.Errorf("override table = %q", out)
	}

	doc, err := f.outputs.Get(f.file)
	if err != nil {
		t.Fatal(err)
	}
	ha := doc.Scenario[1].HumanAnnotations["威圧度"]
	if ha.Score != 8 || ha.Note != "強い口調: 要確認" {
		t.Errorf("stored override = %+v", ha)
	}
	if got := doc.Scenario[0].HumanAnnotations["偏り度"].Score; got != 1 {
		t.Errorf("bias override = %d, want 1", got)
	}

	out, _, err = f.run(t, "history", f.file, "-f", "json")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.Count(out, `"filename"`) != 2 {
		t.Errorf("history = %s", out)
	}

	out, _, err = f.run(t, "agreement", f.file, "-f", "json")
	if err != nil {
		t.Fatalf("agreement: %v", err)
	}
	if !strings.Contains(out, `"total_utterances": 2`) {
		t.Errorf("agreement = %s", out)
	}
}

func TestAnnotate_DragAndCharts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	dir := filepath.Join(t.TempDir(), "charts")

	_, stderr, err := f.run(t, "annotate", f.file, "--set", "1:intimidation=5", "--drag", "--dry-run", "--charts", dir, "--image", "svg")
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if !strings.Contains(stderr, "dry run") {
		t.Errorf("stderr = %q", stderr)
	}

	stem := strings.TrimSuffix(f.file, ".json")
	svg, err := os.ReadFile(filepath.Join(dir, stem+"_intimidation.svg"))
	if err != nil {
		t.Fatalf("chart not written: %v", err)
	}
	if !bytes.Contains(svg, []byte("<svg")) {
		t.Error("chart is not SVG")
	}

	doc, err := f.outputs.Get(f.file)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Scenario[0].HumanAnnotations) != 0 {
		t.Error("dry run saved overrides")
	}
}

func TestAnnotate_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad edit", []string{"--set", "x"}, "want POS:METRIC=SCORE"},
		{"position past end", []string{"--set", "9:bias=1"}, "out of range"},
		{"drag past end", []string{"--set", "9:bias=1", "--drag"}, "out of range"},
		{"bad image", []string{"--image", "gif"}, "unsupported format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.run(t, append([]string{"annotate", f.file}, tt.args...)...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}

	if _, _, err := f.run(t, "annotate", "missing.json", "--set", "1:bias=1"); err == nil ||
		!strings.Contains(err.Error(), "ファイルが見つかりません") {
		t.Errorf("missing file err = %v", err)
	}
}

func TestCSVAndChart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out, _, err := f.run(t, "csv", f.file)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if !strings.HasPrefix(out, "\ufeffSpeaker,Content,威圧度") {
		t.Errorf("csv header = %q", strings.SplitN(out, "\n", 2)[0])
	}

	path := filepath.Join(t.TempDir(), "c.png")
	if _, _, err := f.run(t, "chart", f.file, "威圧度", "-o", path); err != nil {
		t.Fatalf("chart: %v", err)
	}
	png, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("chart is not a PNG")
	}

	if _, _, err := f.run(t, "chart", f.file, "nope"); err == nil {
		t.Error("unknown metric accepted")
	}
	missing := filepath.Join(t.TempDir(), "gone.png")
	if _, _, err := f.run(t, "chart", "missing.json", "bias", "-o", missing); err == nil {
		t.Error("chart of a missing file succeeded")
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Error("partial chart file left behind")
	}
}

func TestParseEdit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		pos      int
		metric   string
		score    int
		note     string
		hasNote  bool
		wantFail bool
	}{
		{in: "3:intimidation=7", pos: 3, metric: "威圧度", score: 7},
		{in: "1:偏り度=0:", pos: 1, metric: "偏り度", score: 0, hasNote: true},
		{in: "2:bias=4:a:b", pos: 2, metric: "偏り度", score: 4, note: "a:b", hasNote: true},
		{in: " 4 : deviation = 9", pos: 4, metric: "逸脱度", score: 9},
		{in: "0:bias=1", wantFail: true},
		{in: "1:bias=10", wantFail: true},
		{in: "1:bias=x", wantFail: true},
		{in: "1:volume=3", wantFail: true},
		{in: "1:bias", wantFail: true},
		{in: "bias=3", wantFail: true},
	}
	for _, tt := range tests {
		e, err := parseEdit(tt.in)
		if tt.wantFail {
			if err == nil {
				t.Errorf("parseEdit(%q) succeeded", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseEdit(%q): %v", tt.in, err)
			continue
		}
		if e.position != tt.pos || e.metric.Name != tt.metric || e.score != tt.score {
			t.Errorf("parseEdit(%q) = %+v", tt.in, e)
		}
		if (e.note != nil) != tt.hasNote || (e.note != nil && *e.note != tt.note) {
			t.Errorf("parseEdit(%q) note = %v", tt.in, e.note)
		}
	}
}

func TestWriteYAMLKeepsFieldOrder(t *testing.T) {
	t.Parallel()

	o := &rootOptions{format: "yaml"}
	var buf bytes.Buffer
	v := struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
		Code  string `json:"code"`
	}{Zeta: "<b>", Alpha: 1, Code: "007"}
	if err := o.write(&buf, v); err != nil {
		t.Fatal(err)
	}
	want := "zeta: <b>\nalpha: 1\ncode: \"007\"\n"
	if buf.String() != want {
		t.Errorf("yaml = %q, want %q", buf.String(), want)
	}
}
