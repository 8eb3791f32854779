// Package llm is the boundary between scenario generation and the model
// backends that write and annotate the dialogues.
//
// Both callers send one JSON-mode request per step: a whole meeting for the
// generator, one utterance for the annotator. The helpers here shape such a
// request the same way for every backend: [CompletionRequest.Conversation]
// inlines the JSON instruction where the backend cannot enforce it,
// [EstimateTokens] sizes Japanese prompts and [OutputBudget] keeps the
// completion inside the model's context window.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// JSONInstruction is appended to the system prompt of a JSON-mode request
// when the backend has no native response format.
const JSONInstruction = "Respond with a single valid JSON object and nothing else."

// ErrContextExceeded is returned when the prompt alone fills the model's
// context window.
var ErrContextExceeded = errors.New("llm: prompt exceeds the model context window")

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
type CompletionRequest struct {
	// Messages is the ordered conversation history. It must not be empty.
	Messages []Message

	// Temperature in [0, 2]. Zero leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the completion. Zero means the provider default.
	MaxTokens int

	SystemPrompt string

	// JSONMode asks for a reply that is a single JSON object.
	JSONMode bool
}

// Validate reports a request no backend could serve.
func (r CompletionRequest) Validate() error {
	var errs []error
	if len(r.Messages) == 0 {
		errs = append(errs, errors.New("no messages"))
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %g outside [0, 2]", r.Temperature))
	}
	if r.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("negative max tokens %d", r.MaxTokens))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("llm: invalid request: %w", err)
	}
	return nil
}

// Conversation returns the messages to send, led by the system prompt.
// With inlineJSON set, a JSON-mode request carries [JSONInstruction] in that
// system prompt.
func (r CompletionRequest) Conversation(inlineJSON bool) []Message {
	system := r.SystemPrompt
	if r.JSONMode && inlineJSON {
		if system != "" {
			system += "\n\n"
		}
		system += JSONInstruction
	}
	out := make([]Message, 0, len(r.Messages)+1)
	if system != "" {
		out = append(out, Message{Role: RoleSystem, Content: system})
	}
	return append(out, r.Messages...)
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Refusal is set when the model declined to answer or its reply was
	// filtered. Content is empty then.
	Refusal string

	// FinishReason reports why generation stopped ("stop", "length", ...).
	FinishReason string

	Usage Usage
}

// Truncated reports the reply was cut off at the token limit. A truncated
// JSON reply does not parse.
func (r *CompletionResponse) Truncated() bool {
	return r.FinishReason == "length"
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines and
// must return promptly when ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens that the given message list would
	// consume in the model's context window. The result should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() ModelCapabilities
}
