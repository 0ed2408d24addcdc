package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultConversationTitle is assigned to freshly created conversations and is
// the marker the auto-title generator looks for.
const DefaultConversationTitle = "新对话"

// Conversation represents a chat conversation
type Conversation struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Title      string     `gorm:"size:500;not null;default:'新对话'" json:"title"`
	IsPinned   bool       `gorm:"not null;default:false" json:"isPinned"`
	ProviderID *uuid.UUID `gorm:"type:uuid;index" json:"providerId,omitempty"`
	Model      string     `gorm:"size:100" json:"model,omitempty"`

	// Per-conversation tool toggles. Nil means "fall back to the global default".
	EnableKnowledgeBase *bool `json:"enableKnowledgeBase,omitempty"`
	EnableMCP           *bool `gorm:"column:enable_mcp" json:"enableMcp,omitempty"`
	EnableWebSearch     *bool `json:"enableWebSearch,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Associations
	Provider *Provider `gorm:"foreignKey:ProviderID" json:"provider,omitempty"`
	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

// TableName specifies the table name for Conversation model
func (Conversation) TableName() string {
	return "conversations"
}

// BeforeCreate hook to ensure ID is set
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Title == "" {
		c.Title = DefaultConversationTitle
	}
	return nil
}

// ConversationSummary represents a lightweight conversation for listing
type ConversationSummary struct {
	ID            uuid.UUID  `json:"id"`
	Title         string     `json:"title"`
	IsPinned      bool       `json:"isPinned"`
	ProviderID    *uuid.UUID `json:"providerId,omitempty"`
	Model         string     `json:"model,omitempty"`
	LastMessageAt time.Time  `json:"lastMessageAt"`
	MessageCount  int        `json:"messageCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}
