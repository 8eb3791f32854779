package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakihiromi/well-scenario/pkg/provider/llm"
)

// ErrAllFailed is returned when every backend of an [LLMFailover] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all llm backends failed")

type backend struct {
	name     string
	provider llm.Provider
	breaker  *Breaker
}

// FailoverOption configures an [LLMFailover].
type FailoverOption func(*LLMFailover)

// WithBreakerConfig sets the breaker tuning applied to every backend.
func WithBreakerConfig(cfg BreakerConfig) FailoverOption {
	return func(f *LLMFailover) { f.breakerCfg = cfg }
}

// WithFailoverHook registers fn, called with the backend name whenever a
// backend fails and the next one is tried.
func WithFailoverHook(fn func(name string, err error)) FailoverOption {
	return func(f *LLMFailover) { f.onFailover = fn }
}

// LLMFailover implements [llm.Provider] over an ordered list of backends, each
// guarded by its own [Breaker].
type LLMFailover struct {
	backends   []backend
	breakerCfg BreakerConfig
	onFailover func(name string, err error)
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an [LLMFailover] with primary as the preferred backend.
func NewLLMFailover(primaryName string, primary llm.Provider, opts ...FailoverOption) *LLMFailover {
	f := &LLMFailover{}
	for _, o := range opts {
		o(f)
	}
	f.Add(primaryName, primary)
	return f
}

// Add appends a backend tried after the ones already registered. Not safe to
// call concurrently with Complete.
func (f *LLMFailover) Add(name string, p llm.Provider) {
	cfg := f.breakerCfg
	cfg.Name = name
	f.backends = append(f.backends, backend{name: name, provider: p, breaker: NewBreaker(cfg)})
}

// Names returns the backend names in failover order.
func (f *LLMFailover) Names() []string {
	out := make([]string, len(f.backends))
	for i, b := range f.backends {
		out[i] = b.name
	}
	return out
}

// Complete sends req to the first backend that answers.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for _, b := range f.backends {
		var resp *llm.CompletionResponse
		err := b.breaker.Do(func() error {
			var err error
			resp, err = b.provider.Complete(ctx, req)
			return err
		})
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("llm backend skipped, circuit open", "backend", b.name)
			continue
		}
		slog.Warn("llm backend failed, trying next", "backend", b.name, "err", err)
		if f.onFailover != nil {
			f.onFailover(b.name, err)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// CountTokens uses the primary backend's estimate.
func (f *LLMFailover) CountTokens(messages []llm.Message) (int, error) {
	return f.backends[0].provider.CountTokens(messages)
}

// Capabilities returns the primary backend's capabilities.
func (f *LLMFailover) Capabilities() llm.ModelCapabilities {
	return f.backends[0].provider.Capabilities()
}
