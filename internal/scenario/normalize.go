package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Models are inconsistent about key names, so lists and fields are looked up
// under every spelling seen in practice, in priority order.
var (
	listKeys    = []string{"scenario", "utterances", "dialogue", "conversation", "messages", "発言", "シナリオ"}
	speakerKeys = []string{"speaker", "name", "発言者", "話者", "参加者"}
	textKeys    = []string{"text", "content", "message", "発言", "発言内容", "内容", "セリフ"}
)

// ErrNoUtteranceList is returned when a model reply holds no list of utterances.
var ErrNoUtteranceList = errors.New("scenario: no utterance list in reply")

// ParseUtterances extracts the dialogue from a model reply. The reply may be a
// bare JSON array or an object holding the array under one of the known keys
// (or, failing that, under any key). Entries without a speaker or text are
// dropped.
func ParseUtterances(content string) ([]Utterance, error) {
	cleaned := stripMarkdown(content)

	var top any
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	if err := dec.Decode(&top); err != nil {
		return nil, fmt.Errorf("scenario: parse reply: %w (reply starts %q)", err, Preview(cleaned, 200))
	}

	var list []any
	switch v := top.(type) {
	case []any:
		list = v
	case map[string]any:
		list = findList(v)
		if list == nil {
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			return nil, fmt.Errorf("%w (keys: %s)", ErrNoUtteranceList, strings.Join(keys, ", "))
		}
	default:
		return nil, ErrNoUtteranceList
	}

	out := make([]Utterance, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		speaker, text := SpeakerOf(obj), TextOf(obj)
		if speaker == "" || text == "" {
			continue
		}
		out = append(out, Utterance{Speaker: speaker, Text: text})
	}
	return out, nil
}

func findList(obj map[string]any) []any {
	for _, k := range listKeys {
		if l, ok := obj[k].([]any); ok {
			return l
		}
	}
	// Go maps are unordered; pick the first list by sorted key so the choice is stable.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if l, ok := obj[k].([]any); ok {
			return l
		}
	}
	return nil
}

// SpeakerOf returns the speaker of a loosely keyed utterance object.
func SpeakerOf(obj map[string]any) string {
	return firstString(obj, speakerKeys)
}

// TextOf returns the text of a loosely keyed utterance object.
func TextOf(obj map[string]any) string {
	return firstString(obj, textKeys)
}

func firstString(obj map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// stripMarkdown removes a surrounding ```json fence if the model added one.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Preview returns at most n runes of s, suffixed with "..." when truncated.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
