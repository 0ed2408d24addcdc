package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Message roles
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

// Event types recorded in a message's ordered event timeline.
const (
	EventTypeThinking = "thinking"
	EventTypeToolCall = "tool_call"
	EventTypeText     = "text"
)

// MessageEvent is one entry of the interleaved timeline of an assistant
// message: thinking segments, tool calls and answer text in the order they
// were produced.
type MessageEvent struct {
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Arguments string    `json:"arguments,omitempty"`
	Result    string    `json:"result,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Message represents a single message in a conversation
type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index" json:"conversationId"`
	// Tool output is never stored as its own row. It is folded into the
	// assistant message's Events timeline, so 'tool' is not a valid role
	// here even though it appears in the wire protocol.
	Role           string    `gorm:"size:20;not null;check:role IN ('user','assistant','system')" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`

	// Token accounting for the turn that produced this message.
	Model           string `gorm:"size:100" json:"model,omitempty"`
	InputTokens     int    `gorm:"default:0" json:"inputTokens"`
	OutputTokens    int    `gorm:"default:0" json:"outputTokens"`
	TotalTokens     int    `gorm:"default:0" json:"totalTokens"`
	TokensEstimated bool   `gorm:"default:false" json:"tokensEstimated"`

	// Side channels kept for older clients; MessageEvents is the canonical
	// interleaved record.
	ThinkingContent string         `gorm:"type:text" json:"thinkingContent,omitempty"`
	ToolCalls       datatypes.JSON `gorm:"type:jsonb" json:"toolCalls,omitempty"`
	VisionContent   datatypes.JSON `gorm:"type:jsonb" json:"visionContent,omitempty"`
	MessageEvents   datatypes.JSON `gorm:"type:jsonb" json:"messageEvents,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	// Associations
	Conversation Conversation `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for Message model
func (Message) TableName() string {
	return "messages"
}

// BeforeCreate hook to ensure ID is set
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// SetEvents serializes the event timeline into the MessageEvents column.
func (m *Message) SetEvents(events []MessageEvent) error {
	if len(events) == 0 {
		m.MessageEvents = nil
		return nil
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return errors.Wrap(err, "marshaling message events")
	}
	m.MessageEvents = datatypes.JSON(raw)
	return nil
}

// Events deserializes the stored event timeline.
func (m *Message) Events() ([]MessageEvent, error) {
	if len(m.MessageEvents) == 0 {
		return nil, nil
	}
	var events []MessageEvent
	if err := json.Unmarshal(m.MessageEvents, &events); err != nil {
		return nil, errors.Wrap(err, "unmarshaling message events")
	}
	return events, nil
}
