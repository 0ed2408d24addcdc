// Package store wraps gorm access to the chat schema. Handlers and the
// orchestrator go through it instead of holding raw DB handles.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-llm-chat/pkg/models"
)

// Common store errors.
var (
	ErrNotFound = errors.New("record not found")
)

// Store is the gorm-backed data access layer.
type Store struct {
	db *gorm.DB
}

// New creates a Store on top of an initialized gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for readiness checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func translateErr(err error, wrap string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return errors.Wrap(err, wrap)
}

// Conversations

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return errors.Wrap(err, "creating conversation")
	}
	return nil
}

// GetConversation fetches a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, translateErr(err, "fetching conversation")
	}
	return &conv, nil
}

// ListConversations returns summaries ordered pinned-first, most recent next.
func (s *Store) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var summaries []models.ConversationSummary
	err := s.db.WithContext(ctx).
		Table("conversations c").
		Select(`c.id, c.title, c.is_pinned, c.provider_id, c.model, c.created_at, c.updated_at,
			COALESCE(MAX(m.created_at), c.created_at) AS last_message_at,
			COUNT(m.id) AS message_count`).
		Joins("LEFT JOIN messages m ON m.conversation_id = c.id").
		Group("c.id").
		Order("c.is_pinned DESC, last_message_at DESC").
		Scan(&summaries).Error
	if err != nil {
		return nil, errors.Wrap(err, "listing conversations")
	}
	return summaries, nil
}

// UpdateConversation persists changed fields of a conversation.
func (s *Store) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	if err := s.db.WithContext(ctx).Save(conv).Error; err != nil {
		return errors.Wrap(err, "updating conversation")
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return errors.Wrap(err, "deleting messages")
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&models.UploadedFile{}).Error; err != nil {
			return errors.Wrap(err, "deleting uploaded files")
		}
		result := tx.Delete(&models.Conversation{}, "id = ?", id)
		if result.Error != nil {
			return errors.Wrap(result.Error, "deleting conversation")
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FindReusableConversation returns the most recent conversation without any
// messages, if one exists. Creating a chat from the UI reuses such leftovers
// instead of piling up empty rows.
func (s *Store) FindReusableConversation(ctx context.Context) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = conversations.id)").
		Order("created_at DESC").
		First(&conv).Error
	if err != nil {
		return nil, translateErr(err, "finding reusable conversation")
	}
	return &conv, nil
}

// Messages

// CreateMessage inserts a message.
func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return errors.Wrap(err, "creating message")
	}
	return nil
}

// ListMessages returns all messages of a conversation oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}
	return messages, nil
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "counting messages")
	}
	return count, nil
}

// ContextMessages returns the most recent maxTurns user/assistant exchanges
// oldest first, for building the model context window. Only complete
// question/answer pairs are returned: a dangling user row left by a failed
// turn, or a pair split at the window edge, is dropped.
func (s *Store) ContextMessages(ctx context.Context, conversationID uuid.UUID, maxTurns int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND role IN ?", conversationID, []string{models.MessageRoleUser, models.MessageRoleAssistant}).
		Order("created_at DESC").
		Limit(maxTurns * 2).
		Find(&messages).Error
	if err != nil {
		return nil, errors.Wrap(err, "loading context messages")
	}
	// reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	paired := make([]models.Message, 0, len(messages))
	for i := 0; i < len(messages); i++ {
		if messages[i].Role == models.MessageRoleUser &&
			i+1 < len(messages) && messages[i+1].Role == models.MessageRoleAssistant {
			paired = append(paired, messages[i], messages[i+1])
			i++
		}
	}
	return paired, nil
}

// Providers

// CreateProvider inserts a provider.
func (s *Store) CreateProvider(ctx context.Context, p *models.Provider) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return errors.Wrap(err, "creating provider")
	}
	return nil
}

// GetProvider fetches a provider by ID.
func (s *Store) GetProvider(ctx context.Context, id uuid.UUID) (*models.Provider, error) {
	var p models.Provider
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translateErr(err, "fetching provider")
	}
	return &p, nil
}

// DefaultProvider returns the provider flagged as default, falling back to
// the oldest configured one.
func (s *Store) DefaultProvider(ctx context.Context) (*models.Provider, error) {
	var p models.Provider
	err := s.db.WithContext(ctx).
		Order("is_default DESC, created_at ASC").
		First(&p).Error
	if err != nil {
		return nil, translateErr(err, "fetching default provider")
	}
	return &p, nil
}

// ListProviders returns all providers.
func (s *Store) ListProviders(ctx context.Context) ([]models.Provider, error) {
	var providers []models.Provider
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&providers).Error; err != nil {
		return nil, errors.Wrap(err, "listing providers")
	}
	return providers, nil
}

// UpdateProvider persists a provider. When it is flagged default, the flag is
// cleared on all others in the same transaction.
func (s *Store) UpdateProvider(ctx context.Context, p *models.Provider) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.IsDefault {
			if err := tx.Model(&models.Provider{}).
				Where("id <> ?", p.ID).
				Update("is_default", false).Error; err != nil {
				return errors.Wrap(err, "clearing default flags")
			}
		}
		return errors.Wrap(tx.Save(p).Error, "updating provider")
	})
}

// DeleteProvider removes a provider and detaches conversations pointing at it.
func (s *Store) DeleteProvider(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Conversation{}).
			Where("provider_id = ?", id).
			Update("provider_id", nil).Error; err != nil {
			return errors.Wrap(err, "detaching conversations")
		}
		result := tx.Delete(&models.Provider{}, "id = ?", id)
		if result.Error != nil {
			return errors.Wrap(result.Error, "deleting provider")
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Uploaded files

// CreateUploadedFile inserts a file record.
func (s *Store) CreateUploadedFile(ctx context.Context, f *models.UploadedFile) error {
	if err := s.db.WithContext(ctx).Create(f).Error; err != nil {
		return errors.Wrap(err, "creating uploaded file")
	}
	return nil
}

// PendingFiles returns unprocessed files of a conversation oldest first.
func (s *Store) PendingFiles(ctx context.Context, conversationID uuid.UUID) ([]models.UploadedFile, error) {
	var files []models.UploadedFile
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND processed = ?", conversationID, false).
		Order("created_at ASC").
		Find(&files).Error
	if err != nil {
		return nil, errors.Wrap(err, "loading pending files")
	}
	return files, nil
}

// ListFiles returns all files of a conversation oldest first.
func (s *Store) ListFiles(ctx context.Context, conversationID uuid.UUID) ([]models.UploadedFile, error) {
	var files []models.UploadedFile
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&files).Error
	if err != nil {
		return nil, errors.Wrap(err, "listing uploaded files")
	}
	return files, nil
}

// GetUploadedFile fetches one file record.
func (s *Store) GetUploadedFile(ctx context.Context, id uuid.UUID) (*models.UploadedFile, error) {
	var file models.UploadedFile
	if err := s.db.WithContext(ctx).First(&file, "id = ?", id).Error; err != nil {
		return nil, translateErr(err, "fetching uploaded file")
	}
	return &file, nil
}

// DeleteUploadedFile removes a file record.
func (s *Store) DeleteUploadedFile(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&models.UploadedFile{}, "id = ?", id)
	if result.Error != nil {
		return errors.Wrap(result.Error, "deleting uploaded file")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFilesProcessed flags the given files as consumed by a chat turn.
func (s *Store) MarkFilesProcessed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&models.UploadedFile{}).
		Where("id IN ?", ids).
		Update("processed", true).Error
	return errors.Wrap(err, "marking files processed")
}

// Settings

// Setting returns the value for key, or empty string when unset.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var setting models.Setting
	err := s.db.WithContext(ctx).First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "fetching setting")
	}
	return setting.Value, nil
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	setting := models.Setting{Key: key, Value: value}
	err := s.db.WithContext(ctx).Save(&setting).Error
	return errors.Wrap(err, "saving setting")
}

// AllSettings returns every stored setting as a map.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	var settings []models.Setting
	if err := s.db.WithContext(ctx).Find(&settings).Error; err != nil {
		return nil, errors.Wrap(err, "listing settings")
	}
	out := make(map[string]string, len(settings))
	for _, st := range settings {
		out[st.Key] = st.Value
	}
	return out, nil
}

// MCP servers

// CreateMCPServer inserts an MCP server configuration.
func (s *Store) CreateMCPServer(ctx context.Context, srv *models.MCPServer) error {
	if err := s.db.WithContext(ctx).Create(srv).Error; err != nil {
		return errors.Wrap(err, "creating mcp server")
	}
	return nil
}

// ListMCPServers returns all configured MCP servers.
func (s *Store) ListMCPServers(ctx context.Context) ([]models.MCPServer, error) {
	var servers []models.MCPServer
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&servers).Error; err != nil {
		return nil, errors.Wrap(err, "listing mcp servers")
	}
	return servers, nil
}

// GetMCPServer fetches an MCP server by ID.
func (s *Store) GetMCPServer(ctx context.Context, id uuid.UUID) (*models.MCPServer, error) {
	var srv models.MCPServer
	if err := s.db.WithContext(ctx).First(&srv, "id = ?", id).Error; err != nil {
		return nil, translateErr(err, "fetching mcp server")
	}
	return &srv, nil
}

// UpdateMCPServer persists an MCP server configuration.
func (s *Store) UpdateMCPServer(ctx context.Context, srv *models.MCPServer) error {
	err := s.db.WithContext(ctx).Save(srv).Error
	return errors.Wrap(err, "updating mcp server")
}

// DeleteMCPServer removes an MCP server configuration.
func (s *Store) DeleteMCPServer(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&models.MCPServer{}, "id = ?", id)
	if result.Error != nil {
		return errors.Wrap(result.Error, "deleting mcp server")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
