package llm

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	// Role is RoleSystem, RoleUser or RoleAssistant.
	Role    string
	Content string

	// Name optionally tells apart several speakers sharing a role.
	Name string
}

// UserMessage returns a single user turn, the shape of every scenario and
// annotation prompt.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output. Zero
	// means unknown and disables budget checks.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsJSONMode reports the backend can enforce a JSON object reply.
	// Without it the JSON instruction goes into the system prompt.
	SupportsJSONMode bool

	// FixedTemperature is set for reasoning models that reject a sampling
	// temperature.
	FixedTemperature bool
}
