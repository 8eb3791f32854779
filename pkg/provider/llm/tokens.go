package llm

import (
	"fmt"
	"unicode/utf8"
)

// messageOverhead covers the role and framing tokens of one message.
const messageOverhead = 4

// EstimateTokens approximates the prompt size of messages for backends
// without a tokenizer. ASCII text runs about four bytes per token, but kana
// and kanji usually cost one or two tokens each, so every non-ASCII rune
// counts one and a half. The estimate errs high.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += messageOverhead + textTokens(m.Content)
	}
	return total
}

func textTokens(s string) int {
	var ascii, wide int
	for _, r := range s {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			wide++
		}
	}
	return (ascii+3)/4 + (3*wide+1)/2
}

// OutputBudget returns the completion cap to send with a prompt of
// promptTokens. A requested cap of zero stays zero unless the prompt leaves
// less room than the model's own output limit, or that limit is unknown.
func OutputBudget(caps ModelCapabilities, promptTokens, requested int) (int, error) {
	limit := caps.MaxOutputTokens
	if caps.ContextWindow > 0 {
		room := caps.ContextWindow - promptTokens
		if room <= 0 {
			return 0, fmt.Errorf("%w: %d prompt tokens, window %d", ErrContextExceeded, promptTokens, caps.ContextWindow)
		}
		if limit <= 0 || room < limit {
			limit = room
		}
	}

	switch {
	case limit <= 0:
		return requested, nil
	case requested == 0:
		if caps.MaxOutputTokens <= 0 || limit < caps.MaxOutputTokens {
			return limit, nil
		}
		return 0, nil
	}
	return min(requested, limit), nil
}
