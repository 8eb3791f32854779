package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/sakihiromi/well-scenario/pkg/provider/llm"
)

func newTestProvider(model string) *Provider {
	caps := llm.LookupCapabilities(model)
	caps.SupportsJSONMode = false
	return &Provider{name: "test", model: model, caps: caps}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		model      string
		req        llm.CompletionRequest
		wantSystem string
		wantTemp   bool
		wantMax    int
	}{
		{
			name:  "json instruction follows system prompt",
			model: "claude-3-5-sonnet-latest",
			req: llm.CompletionRequest{
				SystemPrompt: "会議シナリオを作成します。",
				Messages:     []llm.Message{llm.UserMessage("go")},
				JSONMode:     true,
				Temperature:  0.3,
			},
			wantSystem: "会議シナリオを作成します。\n\n" + llm.JSONInstruction,
			wantTemp:   true,
		},
		{
			name:       "json instruction alone",
			model:      "llama3",
			req:        llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("go")}, JSONMode: true},
			wantSystem: llm.JSONInstruction,
		},
		{
			name:    "max tokens kept under the output limit",
			model:   "claude-3-5-haiku-latest",
			req:     llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("go")}, MaxTokens: 50_000},
			wantMax: 8_192,
		},
		{
			name:  "reasoning model drops temperature",
			model: "o3-mini",
			req:   llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("go")}, Temperature: 0.9},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params, err := newTestProvider(tt.model).buildParams(tt.req)
			if err != nil {
				t.Fatalf("buildParams: %v", err)
			}
			if tt.wantSystem != "" {
				if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[0].ContentString() != tt.wantSystem {
					t.Errorf("system = %q, want %q", params.Messages[0].ContentString(), tt.wantSystem)
				}
			}
			if (params.Temperature != nil) != tt.wantTemp {
				t.Errorf("temperature = %v, want set %v", params.Temperature, tt.wantTemp)
			}
			switch {
			case tt.wantMax == 0 && params.MaxTokens != nil:
				t.Errorf("max tokens = %d, want unset", *params.MaxTokens)
			case tt.wantMax != 0 && (params.MaxTokens == nil || *params.MaxTokens != tt.wantMax):
				t.Errorf("max tokens = %v, want %d", params.MaxTokens, tt.wantMax)
			}
		})
	}
}

func TestBuildParams_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := newTestProvider("llama3").buildParams(llm.CompletionRequest{Temperature: 3}); err == nil {
		t.Error("expected error")
	}
}

func TestCanonical(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"anthropic": "anthropic",
		"Claude":    "anthropic",
		" google ":  "gemini",
		"llama.cpp": "llamacpp",
		"ollama":    "ollama",
		"fakecloud": "",
		"":          "",
	} {
		if got := Canonical(in); got != want {
			t.Errorf("Canonical(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	for _, args := range [][2]string{{"", "gpt-4o"}, {"openai", ""}, {"fakecloud", "some-model"}} {
		if _, err := New(args[0], args[1], anyllmlib.WithAPIKey("dummy")); err == nil {
			t.Errorf("New(%q, %q) succeeded", args[0], args[1])
		}
	}

	tests := []struct {
		backend string
		model   string
		opts    []anyllmlib.Option
		want    string
	}{
		{"openai", "gpt-4o", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}, "openai"},
		{"claude", "claude-3-5-sonnet-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}, "anthropic"},
		{"ollama", "llama3", nil, "ollama"},
		{"llama.cpp", "llama3", nil, "llamacpp"},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.backend, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("New(%q): %v", tt.backend, err)
			}
			if p.name != tt.want || p.model != tt.model {
				t.Errorf("provider = %s/%s, want %s/%s", p.name, p.model, tt.want, tt.model)
			}
			if p.Capabilities().SupportsJSONMode {
				t.Error("any-llm backends must inline the JSON instruction")
			}
			if !strings.Contains(strings.Join(Backends, ","), p.name) {
				t.Errorf("%s missing from Backends", p.name)
			}
		})
	}
}
