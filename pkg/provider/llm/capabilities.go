package llm

import "strings"

// DefaultCapabilities applies to models missing from the family table,
// typically local ollama or llama.cpp builds.
var DefaultCapabilities = ModelCapabilities{
	ContextWindow:   32_768,
	MaxOutputTokens: 4_096,
}

type modelFamily struct {
	prefix string
	caps   ModelCapabilities
}

// families is matched in order, so longer prefixes come first.
var families = []modelFamily{
	{"gpt-4o", ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsJSONMode: true}},
	{"gpt-4.1", ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768, SupportsJSONMode: true}},
	{"gpt-4-turbo", ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsJSONMode: true}},
	{"gpt-4", ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
	{"gpt-3.5-turbo", ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096, SupportsJSONMode: true}},
	{"o1-mini", ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536, FixedTemperature: true}},
	{"o1", ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsJSONMode: true, FixedTemperature: true}},
	{"o3", ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsJSONMode: true, FixedTemperature: true}},
	{"o4-mini", ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsJSONMode: true, FixedTemperature: true}},
	{"claude", ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}},
	{"gemini-1.5-pro", ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192}},
	{"gemini", ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},
	{"deepseek", ModelCapabilities{ContextWindow: 64_000, MaxOutputTokens: 8_192}},
	{"mistral-large", ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 8_192}},
	{"llama-3.", ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 8_192}},
}

// LookupCapabilities returns the capabilities of model's family. Case and a
// vendor path ("models/", "meta-llama/") are ignored.
func LookupCapabilities(model string) ModelCapabilities {
	name := strings.ToLower(model)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	for _, f := range families {
		if strings.HasPrefix(name, f.prefix) {
			return f.caps
		}
	}
	return DefaultCapabilities
}
