// Package llmclient implements the LLM Client: a typed
// HTTP wrapper around an OpenAI-compatible chat-completions endpoint, with
// text-mode JSON extraction/repair, tool-call mode, retries, and a circuit
// breaker.
package llmclient

// Conversation message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ConversationMessage is one message in the chat-completion request.
type ConversationMessage struct {
	Role       string
	Content    string
	ToolCallID string // set on tool-result messages
	ToolName   string // set on tool-result messages
}

// ToolDefinition describes one callable tool (worker action) for tool-call
// mode.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// ToolCall is the model's request to invoke one tool.
type ToolCall struct {
	ID        string
	Name      string // "<worker>.<action>"
	Arguments string // JSON object
}

// GenerateInput is one Generate() request.
type GenerateInput struct {
	SessionID        string
	Messages         []ConversationMessage
	Tools            []ToolDefinition // nil in text mode
	SupportsToolCall bool             // worker-registry capability flag
}

// ResultKind tags the variant of ToolCallResult populated.
type ResultKind int

const (
	KindInstruction ResultKind = iota // model proposed a worker action
	KindFinal                         // model signaled task completion (is_final)
	KindParseError                    // text mode could not extract valid JSON after repair
)

// ToolCallResult is the result of one Generate() call.
type ToolCallResult struct {
	Kind ResultKind

	// valid when Kind == KindInstruction
	Worker    string
	Action    string
	Args      map[string]any
	RiskLevel string // model's self-declared risk tier; "" if unstated
	DryRun    bool
	Thinking  string

	// valid when Kind == KindFinal
	ChatMessage string

	// valid when Kind == KindParseError
	ParseErr error
}

// IsFinal reports whether the model considers the task complete.
func (r ToolCallResult) IsFinal() bool { return r.Kind == KindFinal }

// IsError reports whether Generate failed to obtain a usable instruction.
func (r ToolCallResult) IsError() bool { return r.Kind == KindParseError }
