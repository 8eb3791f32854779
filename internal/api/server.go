// Package api serves the scenario generation and annotation HTTP API.
//
// Every error reply is a JSON object {"error": "..."} carrying a message that
// is shown to the user verbatim, so messages are written in Japanese like the
// rest of the UI.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golang/freetype/truetype"

	"github.com/sakihiromi/well-scenario/internal/observe"
	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/internal/store"
)

// ScenarioWriter writes a dialogue for a meeting.
type ScenarioWriter interface {
	Generate(ctx context.Context, req scenario.GenerateRequest) ([]scenario.Utterance, error)
	Sanitizing() bool
}

// ScenarioAnnotator scores a dialogue on every metric.
type ScenarioAnnotator interface {
	Annotate(ctx context.Context, m scenario.Meeting, utts []scenario.Utterance) ([]scenario.Utterance, error)
}

// Pipeline is the swappable generation stage. It is replaced as a whole when
// the configuration is reloaded.
type Pipeline struct {
	Writer          ScenarioWriter
	Annotator       ScenarioAnnotator
	ScenarioModel   string
	AnnotationModel string
}

// Deps are the collaborators of a [Server].
type Deps struct {
	Profiles *store.Profiles
	Outputs  *store.Outputs

	// MetricsFile holds the metric definitions served by /api/metrics.
	MetricsFile string

	// History is optional; without it the history endpoint answers 501.
	History store.History

	Pipeline *Pipeline
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGenerationTimeout bounds one generate request. Default: 10 minutes.
func WithGenerationTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.genTimeout = d
		}
	}
}

// WithDefaultUtterances sets the dialogue length used when a request omits it.
func WithDefaultUtterances(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.defaultUtterances = n
		}
	}
}

// WithChartFont sets the font of rendered charts.
func WithChartFont(f *truetype.Font) Option {
	return func(s *Server) { s.chartFont = f }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server implements the HTTP API. It is safe for concurrent use.
type Server struct {
	profiles    *store.Profiles
	outputs     *store.Outputs
	metricsFile string
	history     store.History

	pipeline atomic.Pointer[Pipeline]

	metrics           *observe.Metrics
	genTimeout        time.Duration
	defaultUtterances int
	chartFont         *truetype.Font
	log               *slog.Logger
}

// New returns a Server over deps.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		profiles:          deps.Profiles,
		outputs:           deps.Outputs,
		metricsFile:       deps.MetricsFile,
		history:           deps.History,
		genTimeout:        10 * time.Minute,
		defaultUtterances: 20,
		log:               slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if deps.Pipeline != nil {
		s.pipeline.Store(deps.Pipeline)
	}
	return s
}

// SetPipeline swaps the generation stage. Requests in flight keep the
// previous one.
func (s *Server) SetPipeline(p *Pipeline) {
	s.pipeline.Store(p)
}

// Register adds every API route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/profiles", s.listProfiles)
	mux.HandleFunc("GET /api/profile/{name}", s.getProfile)
	mux.HandleFunc("GET /api/metrics", s.metricDefinitions)
	mux.HandleFunc("POST /api/generate-scenario", s.generateScenario)
	mux.HandleFunc("GET /api/outputs", s.listOutputs)
	mux.HandleFunc("GET /api/output/{filename}", s.getOutput)
	mux.HandleFunc("GET /api/output/{filename}/download", s.downloadOutput)
	mux.HandleFunc("POST /api/output/{filename}/annotations", s.saveAnnotations)
	mux.HandleFunc("GET /api/output/{filename}/annotations/history", s.annotationHistory)
	mux.HandleFunc("GET /api/output/{filename}/csv", s.downloadCSV)
	mux.HandleFunc("GET /api/output/{filename}/chart/{metric}", s.renderChart)
	mux.HandleFunc("GET /api/output/{filename}/agreement", s.agreement)
}

// errorBody is the JSON shape of every failure reply.
type errorBody struct {
	Error string `json:"error"`
}

// writeJSON encodes v with non-ASCII text kept readable.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Warn("api: write reply", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// logger returns the request-scoped logger carrying trace IDs.
func (s *Server) logger(ctx context.Context) *slog.Logger {
	return observe.LoggerFrom(ctx, s.log)
}
