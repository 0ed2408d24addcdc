// Package llm provides a stateless gateway to OpenAI-compatible chat
// completion endpoints, including hand-rolled SSE stream decoding.
package llm

import "encoding/json"

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ProviderConfig identifies one upstream endpoint for a single call.
// Values are copied per request; the gateway itself holds no provider state.
type ProviderConfig struct {
	APIBase string
	APIKey  string
	Model   string
}

// ImageURL carries an image reference for multimodal content parts.
type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one element of a multimodal message content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Message represents a chat message. When Parts is set the message is
// marshaled with an array content body (vision requests), otherwise with a
// plain string.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"-"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

// MarshalJSON switches the content field between string and part-array form.
func (m Message) MarshalJSON() ([]byte, error) {
	type wireMessage struct {
		Role       string      `json:"role"`
		Content    interface{} `json:"content"`
		ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
		ToolCallID string      `json:"tool_call_id,omitempty"`
		Name       string      `json:"name,omitempty"`
	}
	w := wireMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	if len(m.Parts) > 0 {
		w.Content = m.Parts
	}
	return json.Marshal(w)
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the schema part of a tool definition.
type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolCall is a model-issued call to a named tool.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the tool name and raw JSON arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is the upstream token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Model          string
	Messages       []Message
	Tools          []Tool
	Temperature    *float64
	MaxTokens      *int
	EnableThinking bool
}

// ChatResponse is the non-streaming chat completion result.
type ChatResponse struct {
	ID      string
	Model   string
	Message Message
	Usage   Usage
}

// StreamEventType discriminates decoded stream events.
type StreamEventType string

// Stream event types
const (
	StreamEventThinking StreamEventType = "thinking"
	StreamEventContent  StreamEventType = "content"
	StreamEventUsage    StreamEventType = "usage"
	StreamEventError    StreamEventType = "error"
)

// StreamEvent is one decoded event from a chat completion stream. Events of
// type error are terminal; the channel is closed right after.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Usage   *Usage
	Err     error
}
