// Package observe carries the service's telemetry: OpenTelemetry metric
// instruments, tracing helpers that put the trace ID into every log line, and
// the HTTP middleware tying both to each request.
//
// Instruments are created against a [metric.MeterProvider]; [InitProvider]
// installs one that exports to Prometheus. Tests pass their own provider to
// [NewMetrics] to read values back.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/sakihiromi/well-scenario"

// Metrics holds the instruments of the service. Attribute keys used with
// each are listed beside it.
type Metrics struct {
	// LLM completions: provider, kind ("scenario"|"annotation"), status.
	LLMDuration      metric.Float64Histogram
	ProviderRequests metric.Int64Counter

	// Tokens by kind and direction ("prompt"|"completion").
	LLMTokens metric.Int64Counter

	// Failover switches away from a backend: provider, kind.
	ProviderErrors metric.Int64Counter

	// Generate requests: status.
	GenerationDuration  metric.Float64Histogram
	ScenariosGenerated  metric.Int64Counter
	UtterancesAnnotated metric.Int64Counter
	ActiveGenerations   metric.Int64UpDownCounter

	// Human overrides: metric, source ("overlay"|"store"). Saves: outcome.
	HumanEdits      metric.Int64Counter
	AnnotationSaves metric.Int64Counter
	SaveDuration    metric.Float64Histogram

	// HTTP: method, route, status class ("2xx", "4xx", ...).
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequests        metric.Int64Counter
}

// Completion buckets run from a quick annotation call to a long dialogue.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// A whole generation annotates every utterance and takes minutes.
var generationBuckets = []float64{5, 10, 30, 60, 120, 300, 600}

// instruments creates instruments on one meter and collects their errors,
// so construction reads as a flat list.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.check(name, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.check(name, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.check(name, err)
	return g
}

func (b *instruments) check(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		LLMDuration:      b.histogram("wellscenario.llm.duration", "Latency of a single LLM completion.", latencyBuckets),
		ProviderRequests: b.counter("wellscenario.provider.requests", "LLM completions by provider, kind and status."),
		LLMTokens:        b.counter("wellscenario.llm.tokens", "Tokens reported by LLM backends by kind and direction."),
		ProviderErrors:   b.counter("wellscenario.provider.errors", "Backend failures that triggered a failover."),

		GenerationDuration:  b.histogram("wellscenario.generation.duration", "Latency of a whole scenario generation including annotation.", generationBuckets),
		ScenariosGenerated:  b.counter("wellscenario.scenarios.generated", "Generate requests by status."),
		UtterancesAnnotated: b.counter("wellscenario.utterances.annotated", "Utterances scored by the annotation model."),
		ActiveGenerations:   b.gauge("wellscenario.active_generations", "Generate requests in flight."),

		HumanEdits:      b.counter("wellscenario.human.edits", "Human score edits by metric and source."),
		AnnotationSaves: b.counter("wellscenario.annotation.saves", "Human annotation saves by outcome."),
		SaveDuration:    b.histogram("wellscenario.annotation.save.duration", "Latency of saving human annotations.", latencyBuckets),

		HTTPRequestDuration: b.histogram("wellscenario.http.request.duration", "HTTP request latency by method and route.", nil),
		HTTPRequests:        b.counter("wellscenario.http.requests", "HTTP requests by method, route and status class."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created
// on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// Completion describes one finished LLM call.
type Completion struct {
	Provider string
	Kind     string
	Duration time.Duration
	Err      error

	PromptTokens     int
	CompletionTokens int

	// Truncated marks a reply cut at the token limit.
	Truncated bool
}

func (c Completion) status() string {
	switch {
	case c.Err != nil:
		return "error"
	case c.Truncated:
		return "truncated"
	}
	return "ok"
}

// RecordCompletion records the latency, status and token usage of one call.
func (m *Metrics) RecordCompletion(ctx context.Context, c Completion) {
	attrs := metric.WithAttributes(
		attribute.String("provider", c.Provider),
		attribute.String("kind", c.Kind),
		attribute.String("status", c.status()),
	)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.LLMDuration.Record(ctx, c.Duration.Seconds(), attrs)

	for dir, n := range map[string]int{"prompt": c.PromptTokens, "completion": c.CompletionTokens} {
		if n > 0 {
			m.LLMTokens.Add(ctx, int64(n), metric.WithAttributes(
				attribute.String("kind", c.Kind),
				attribute.String("direction", dir),
			))
		}
	}
}

// RecordProviderError counts a backend failure the failover chain moved past.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordGeneration records the outcome and latency of one generate request.
func (m *Metrics) RecordGeneration(ctx context.Context, status string, utterances int, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ScenariosGenerated.Add(ctx, 1, attrs)
	m.GenerationDuration.Record(ctx, d.Seconds(), attrs)
	if utterances > 0 {
		m.UtterancesAnnotated.Add(ctx, int64(utterances))
	}
}

// RecordHumanEdit records one human score edit.
func (m *Metrics) RecordHumanEdit(ctx context.Context, metricName, source string) {
	m.HumanEdits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("metric", metricName),
		attribute.String("source", source),
	))
}

// RecordSave records the outcome and latency of one annotation save.
func (m *Metrics) RecordSave(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.AnnotationSaves.Add(ctx, 1, attrs)
	m.SaveDuration.Record(ctx, d.Seconds(), attrs)
}

// EditRecorder adapts [Metrics] to the recorder of an annotation editing
// session. Its edits count under the "overlay" source.
type EditRecorder struct {
	m   *Metrics
	ctx context.Context
}

// NewEditRecorder returns an [EditRecorder] that records under ctx.
func NewEditRecorder(ctx context.Context, m *Metrics) *EditRecorder {
	return &EditRecorder{m: m, ctx: ctx}
}

// RecordCommit counts one committed drag edit.
func (r *EditRecorder) RecordCommit(metricName string) {
	r.m.RecordHumanEdit(r.ctx, metricName, "overlay")
}

// RecordSave counts one save attempt.
func (r *EditRecorder) RecordSave(outcome string, d time.Duration) {
	r.m.RecordSave(r.ctx, outcome, d)
}
