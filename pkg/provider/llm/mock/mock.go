// Package mock provides a scripted llm.Provider for tests of the scenario
// generator, the annotator and the failover chain.
//
// A Provider answers from the first source that is set: CompleteFunc, the
// queued Replies, then CompleteResponse and CompleteErr. Generation and
// annotation prompts can be told apart with [ByPrompt]:
//
//	p := &mock.Provider{CompleteFunc: mock.ByPrompt(
//		mock.Rule{Contains: "評価対象の発言", Reply: `{"威圧度":{"score":2}}`},
//		mock.Rule{Reply: `{"scenario":[]}`},
//	)}
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sakihiromi/well-scenario/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Prompt returns the last user message of the call.
func (c CompleteCall) Prompt() string {
	return lastUserPrompt(c.Req)
}

// Provider is a scripted llm.Provider. Its zero value answers every call with
// a nil response.
type Provider struct {
	mu sync.Mutex

	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Replies are returned as reply contents, one per call, before falling
	// back to CompleteResponse.
	Replies []string

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// TokenCount is returned by CountTokens. Zero uses llm.EstimateTokens.
	TokenCount int

	ModelCapabilities llm.ModelCapabilities

	calls []CompleteCall
	next  int
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the scripted answer.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	var queued *llm.CompletionResponse
	if fn == nil && p.next < len(p.Replies) {
		queued = &llm.CompletionResponse{Content: p.Replies[p.next], FinishReason: "stop"}
		p.next++
	}
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	switch {
	case fn != nil:
		return fn(ctx, req)
	case queued != nil:
		return queued, nil
	}
	return resp, err
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCount != 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded Complete calls. Safe to call while
// other goroutines are still completing.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.calls...)
}

// Prompts returns the user prompt of every recorded call in order.
func (p *Provider) Prompts() []string {
	calls := p.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Prompt()
	}
	return out
}

// Rule answers prompts containing Contains with Reply. An empty Contains
// matches every prompt.
type Rule struct {
	Contains string
	Reply    string
}

// ByPrompt returns a CompleteFunc answering with the first matching rule.
// A prompt no rule matches is an error.
func ByPrompt(rules ...Rule) func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		prompt := lastUserPrompt(req)
		for _, r := range rules {
			if strings.Contains(prompt, r.Contains) {
				return &llm.CompletionResponse{Content: r.Reply, FinishReason: "stop"}, nil
			}
		}
		return nil, fmt.Errorf("mock: no rule for prompt %.40q", prompt)
	}
}

func lastUserPrompt(req llm.CompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
