// Package agent implements the chat turn orchestrator: context assembly, the
// bounded native tool loop, the streaming answer loop with in-band tool call
// detection, and durable persistence of the result.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/tools"
)

// Config bounds a chat turn.
type Config struct {
	// MaxToolIterations caps the native tool-calling loop.
	MaxToolIterations int
	// MaxStreamRounds caps how often the streaming answer may be restarted
	// after an in-band tool call.
	MaxStreamRounds int
	// MaxContextTurns is the number of past user/assistant exchanges included
	// in the model context.
	MaxContextTurns int
	// ToolExecutionTimeout bounds a single tool invocation.
	ToolExecutionTimeout time.Duration
	// DefaultSystemPrompt is used when neither the request nor the settings
	// table provide one.
	DefaultSystemPrompt string
	// EmbeddingModel is the model used for knowledge base queries.
	EmbeddingModel string
	// FallbackProvider is used when no provider is stored in the database.
	FallbackProvider llm.ProviderConfig
}

// DefaultConfig returns the standard turn bounds.
func DefaultConfig() Config {
	return Config{
		MaxToolIterations:    5,
		MaxStreamRounds:      3,
		MaxContextTurns:      6,
		ToolExecutionTimeout: 60 * time.Second,
	}
}

// TurnRequest describes one user chat turn.
type TurnRequest struct {
	ConversationID uuid.UUID
	UserText       string

	// Overrides; nil/empty falls back to the conversation, then to defaults.
	Model          string
	ProviderID     *uuid.UUID
	EnableThinking bool

	EnableKnowledgeBase *bool
	EnableMCP           *bool
	EnableWebSearch     *bool
	WebSearchSource     string
	KnowledgeBaseID     *uuid.UUID
}

// StreamEventType discriminates orchestrator events.
type StreamEventType string

// Stream event types
const (
	EventAck          StreamEventType = "ack"
	EventThinking     StreamEventType = "thinking"
	EventContent      StreamEventType = "content"
	EventToolStart    StreamEventType = "tool_start"
	EventToolProgress StreamEventType = "tool_progress"
	EventToolEnd      StreamEventType = "tool_end"
	EventMeta         StreamEventType = "meta"
	EventError        StreamEventType = "error"
)

// ToolExecution reports one tool invocation to the client.
type ToolExecution struct {
	Tool      string        `json:"tool"`
	Arguments string        `json:"arguments,omitempty"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"durationMs"`
}

// TokenInfo is the turn's token accounting, estimated when the upstream
// reported nothing.
type TokenInfo struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	TotalTokens  int    `json:"totalTokens"`
	Estimated    bool   `json:"estimated"`
}

// StreamEvent is one event of a running chat turn. The channel closes after
// the final meta event, or after an error event.
type StreamEvent struct {
	Type          StreamEventType
	Content       string
	Tool          *ToolExecution
	Tokens        *TokenInfo
	UserMessageID uuid.UUID
	Err           error
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	ContextMessages(ctx context.Context, conversationID uuid.UUID, maxTurns int) ([]models.Message, error)
	CreateMessage(ctx context.Context, msg *models.Message) error
	PendingFiles(ctx context.Context, conversationID uuid.UUID) ([]models.UploadedFile, error)
	MarkFilesProcessed(ctx context.Context, ids []uuid.UUID) error
	GetProvider(ctx context.Context, id uuid.UUID) (*models.Provider, error)
	DefaultProvider(ctx context.Context) (*models.Provider, error)
	Setting(ctx context.Context, key string) (string, error)
}

// Gateway is the model access surface, satisfied by *llm.Gateway.
type Gateway interface {
	Chat(ctx context.Context, provider llm.ProviderConfig, req llm.ChatRequest) (*llm.ChatResponse, error)
	ChatStream(ctx context.Context, provider llm.ProviderConfig, req llm.ChatRequest) (<-chan llm.StreamEvent, error)
}

// ToolRunner is the tool surface, satisfied by *tools.Registry.
type ToolRunner interface {
	ListEnabled(ctx context.Context, flags tools.Flags) []tools.Definition
	Invoke(ctx context.Context, env tools.Env, name string, args map[string]interface{}) (string, error)
}

// Orchestrator runs chat turns.
type Orchestrator struct {
	store   Store
	gateway Gateway
	tools   ToolRunner
	config  Config
	locks   *conversationLocks
}

// New creates an Orchestrator.
func New(store Store, gateway Gateway, toolRunner ToolRunner, config Config) *Orchestrator {
	if config.MaxToolIterations <= 0 {
		config.MaxToolIterations = 5
	}
	if config.MaxStreamRounds <= 0 {
		config.MaxStreamRounds = 3
	}
	if config.MaxContextTurns <= 0 {
		config.MaxContextTurns = 6
	}
	if config.ToolExecutionTimeout <= 0 {
		config.ToolExecutionTimeout = 60 * time.Second
	}
	return &Orchestrator{
		store:   store,
		gateway: gateway,
		tools:   toolRunner,
		config:  config,
		locks:   newConversationLocks(),
	}
}
