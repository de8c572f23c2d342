// Package models defines the shared conversational and tool-call data
// types used across the agent loop, context fitter, provider adapters,
// and tool registry.
package models

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType distinguishes the kind of content carried by a message Part.
type PartType string

const (
	PartTypeText     PartType = "text"
	PartTypeImageURL PartType = "image_url"
)

// Part is one piece of a multimodal message. Text parts carry Text;
// image parts carry an ImageURL.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// ToolCall is a structured request from the model to invoke a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	Success            bool   `json:"success"`
	Output             string `json:"output"`
	SuggestEscalation  bool   `json:"suggest_escalation,omitempty"`
	EscalationReason   string `json:"escalation_reason,omitempty"`
}

// Message is one turn in an ordered conversation. Content is either a
// plain string (Text) or a list of multimodal Parts; exactly one of the
// two should be set by convention, with Text preferred when both are
// empty/nil.
type Message struct {
	Role        Role       `json:"role"`
	Text        string     `json:"content,omitempty"`
	Parts       []Part     `json:"parts,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID  string     `json:"tool_call_id,omitempty"`
}

// HasToolCalls reports whether this message is an assistant message that
// invoked one or more tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// IsToolResult reports whether this message carries a tool result.
func (m Message) IsToolResult() bool {
	return m.Role == RoleTool && m.ToolCallID != ""
}

// Usage tracks token accounting for a single provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// ChatResponse is what a provider's chat call returns.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	Model        string     `json:"model"`
	ContextSize  int        `json:"context_size,omitempty"`

	// Confidence is an opaque escalation signal, when the provider
	// surfaces one (e.g. embedded in model metadata). Zero value means
	// "no signal reported".
	Confidence float64 `json:"confidence,omitempty"`
	HasConfidence bool `json:"-"`
}

// AgentContext is the state the agent loop mutates for one session.
type AgentContext struct {
	SessionID    string
	WorkspaceDir string
	SystemPrompt string
	Messages     []Message
}
