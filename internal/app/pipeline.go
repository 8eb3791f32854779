package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakihiromi/well-scenario/internal/api"
	"github.com/sakihiromi/well-scenario/internal/config"
	"github.com/sakihiromi/well-scenario/internal/observe"
	"github.com/sakihiromi/well-scenario/internal/resilience"
	"github.com/sakihiromi/well-scenario/internal/roster"
	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/pkg/provider/llm"
)

// Provider kinds, used as the "kind" metric attribute.
const (
	kindScenario   = "scenario"
	kindAnnotation = "annotation"
)

// buildPipeline creates the scenario writer and annotator for cfg.
func (a *App) buildPipeline(cfg *config.Config) (*api.Pipeline, error) {
	entries := append([]config.ProviderEntry{cfg.Providers.Scenario, cfg.Providers.Annotation}, cfg.Providers.Fallbacks...)
	if err := a.reg.Check(entries...); err != nil {
		return nil, err
	}
	writerLLM, err := a.buildLLM(kindScenario, cfg.Providers.Scenario, cfg.Providers.Fallbacks)
	if err != nil {
		return nil, err
	}
	annotatorLLM, err := a.buildLLM(kindAnnotation, cfg.Providers.Annotation, cfg.Providers.Fallbacks)
	if err != nil {
		return nil, err
	}

	g := cfg.Generation
	genOpts := []scenario.GeneratorOption{
		scenario.WithSanitize(g.Sanitize()),
		scenario.WithSpeakerMatcher(roster.New()),
	}
	if g.ScenarioTemperature != nil {
		genOpts = append(genOpts, scenario.WithGenerationTemperature(*g.ScenarioTemperature))
	}
	annOpts := []scenario.AnnotatorOption{
		scenario.WithContextWindow(g.ContextWindow),
		scenario.WithConcurrency(g.AnnotationConcurrency),
	}
	if g.AnnotationTemperature != nil {
		annOpts = append(annOpts, scenario.WithAnnotationTemperature(*g.AnnotationTemperature))
	}

	return &api.Pipeline{
		Writer:          scenario.NewGenerator(writerLLM, genOpts...),
		Annotator:       scenario.NewAnnotator(annotatorLLM, a.definitions(), annOpts...),
		ScenarioModel:   cfg.Providers.Scenario.Model,
		AnnotationModel: cfg.Providers.Annotation.Model,
	}, nil
}

// buildLLM creates the provider for primary. With fallbacks configured, the
// result fails over to them in order, each backend behind its own breaker.
func (a *App) buildLLM(kind string, primary config.ProviderEntry, fallbacks []config.ProviderEntry) (llm.Provider, error) {
	p, err := a.createLLM(kind, primary)
	if err != nil {
		return nil, err
	}
	if len(fallbacks) == 0 {
		return p, nil
	}

	f := resilience.NewLLMFailover(backendName(primary), p,
		resilience.WithFailoverHook(func(name string, err error) {
			a.metrics.RecordProviderError(context.Background(), name, kind)
		}),
	)
	for _, fb := range fallbacks {
		bp, err := a.createLLM(kind, fb)
		if err != nil {
			return nil, err
		}
		f.Add(backendName(fb), bp)
	}
	slog.Info("llm failover configured", "kind", kind, "backends", f.Names())
	return f, nil
}

func (a *App) createLLM(kind string, entry config.ProviderEntry) (llm.Provider, error) {
	p, err := a.reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", kind, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
	return &meteredLLM{Provider: p, name: entry.Name, kind: kind, m: a.metrics}, nil
}

func backendName(e config.ProviderEntry) string {
	return e.Name + "/" + e.Model
}

// meteredLLM records request counts and latency of every completion.
type meteredLLM struct {
	llm.Provider
	name string
	kind string
	m    *observe.Metrics
}

func (p *meteredLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := p.Provider.Complete(ctx, req)
	c := observe.Completion{Provider: p.name, Kind: p.kind, Duration: time.Since(start), Err: err}
	if resp != nil {
		c.PromptTokens = resp.Usage.PromptTokens
		c.CompletionTokens = resp.Usage.CompletionTokens
		c.Truncated = resp.Truncated()
	}
	p.m.RecordCompletion(ctx, c)
	return resp, err
}
