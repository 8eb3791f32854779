// Package anyllm reaches Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq
// and llama.cpp through github.com/mozilla-ai/any-llm-go.
//
// None of these backends is asked for a native response format, so a JSON
// mode request carries the JSON instruction in its system prompt.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/sakihiromi/well-scenario/pkg/provider/llm"
)

// Provider implements llm.Provider over one any-llm backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
	caps    llm.ModelCapabilities
}

var _ llm.Provider = (*Provider)(nil)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

// backends maps canonical backend names to their constructors.
var backends = map[string]constructor{
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
}

// Aliases maps other spellings seen in provider configs to backend names.
var Aliases = map[string]string{
	"claude":    "anthropic",
	"google":    "gemini",
	"llama.cpp": "llamacpp",
	"llama-cpp": "llamacpp",
}

// Backends lists the canonical backend names accepted by New.
var Backends = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp"}

// Canonical returns the backend name behind name, or "" when unsupported.
func Canonical(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := Aliases[name]; ok {
		name = alias
	}
	if _, ok := backends[name]; !ok {
		return ""
	}
	return name
}

// New returns a Provider for model on the named backend. Without an API key
// option the backend reads its usual environment variable
// (ANTHROPIC_API_KEY, GEMINI_API_KEY, ...).
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backend == "" || model == "" {
		return nil, errors.New("anyllm: backend and model must not be empty")
	}
	name := Canonical(backend)
	if name == "" {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s", backend, strings.Join(Backends, ", "))
	}

	b, err := backends[name](opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}

	caps := llm.LookupCapabilities(model)
	caps.SupportsJSONMode = false
	return &Provider{backend: b, name: name, model: model, caps: caps}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", p.name, err)
	}
	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s: empty choices in response", p.name)
	}

	choice := resp.Choices[0]
	out := &llm.CompletionResponse{
		Content:      choice.Message.ContentString(),
		FinishReason: string(choice.FinishReason),
	}
	if out.FinishReason == "content_filter" {
		out.Refusal = "reply withheld by the " + p.name + " content filter"
		out.Content = ""
	}
	if resp.Usage != nil {
		out.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.caps }

func (p *Provider) buildParams(req llm.CompletionRequest) (anyllmlib.CompletionParams, error) {
	if err := req.Validate(); err != nil {
		return anyllmlib.CompletionParams{}, err
	}
	conv := req.Conversation(true)
	maxTokens, err := llm.OutputBudget(p.caps, llm.EstimateTokens(conv), req.MaxTokens)
	if err != nil {
		return anyllmlib.CompletionParams{}, err
	}

	messages := make([]anyllmlib.Message, len(conv))
	for i, m := range conv {
		messages[i] = anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 && !p.caps.FixedTemperature {
		t := req.Temperature
		params.Temperature = &t
	}
	if maxTokens > 0 {
		params.MaxTokens = &maxTokens
	}
	return params, nil
}
