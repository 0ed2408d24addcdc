package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-llm-chat/internal/testutils"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(testutils.NewTestDB(t))
}

func TestConversationLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	conv := &models.Conversation{}
	require.NoError(t, s.CreateConversation(ctx, conv))
	assert.NotEqual(t, uuid.Nil, conv.ID)
	assert.Equal(t, models.DefaultConversationTitle, conv.Title)

	loaded, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, loaded.ID)

	loaded.Title = "gorm questions"
	loaded.IsPinned = true
	require.NoError(t, s.UpdateConversation(ctx, loaded))

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))
	_, err = s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteConversation(ctx, conv.ID), ErrNotFound)
}

func TestListConversationsPinnedFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	older := &models.Conversation{Title: "older pinned", IsPinned: true}
	require.NoError(t, s.CreateConversation(ctx, older))
	newer := &models.Conversation{Title: "newer unpinned"}
	require.NoError(t, s.CreateConversation(ctx, newer))
	require.NoError(t, s.CreateMessage(ctx, &models.Message{
		ConversationID: newer.ID, Role: models.MessageRoleUser, Content: "hi",
	}))

	summaries, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "older pinned", summaries[0].Title)
	assert.Equal(t, 1, summaries[1].MessageCount)
}

func TestFindReusableConversation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.FindReusableConversation(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	used := &models.Conversation{Title: "has messages"}
	require.NoError(t, s.CreateConversation(ctx, used))
	require.NoError(t, s.CreateMessage(ctx, &models.Message{
		ConversationID: used.ID, Role: models.MessageRoleUser, Content: "hi",
	}))
	empty := &models.Conversation{Title: "empty"}
	require.NoError(t, s.CreateConversation(ctx, empty))

	reusable, err := s.FindReusableConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, empty.ID, reusable.ID)
}

func TestContextMessagesBounded(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	conv := &models.Conversation{}
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.CreateMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Role:           models.MessageRoleUser,
			Content:        fmt.Sprintf("question %d", i),
			CreatedAt:      base.Add(time.Duration(2*i) * time.Minute),
		}))
		require.NoError(t, s.CreateMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Role:           models.MessageRoleAssistant,
			Content:        fmt.Sprintf("answer %d", i),
			CreatedAt:      base.Add(time.Duration(2*i+1) * time.Minute),
		}))
	}

	messages, err := s.ContextMessages(ctx, conv.ID, 6)
	require.NoError(t, err)
	require.Len(t, messages, 12)
	// oldest of the window first, most recent last
	assert.Equal(t, "question 4", messages[0].Content)
	assert.Equal(t, "answer 9", messages[11].Content)
}

func TestContextMessagesReturnsCompletePairs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	conv := &models.Conversation{}
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now().Add(-time.Hour)
	add := func(offset int, role, content string) {
		require.NoError(t, s.CreateMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Role:           role,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(offset) * time.Minute),
		}))
	}

	add(0, models.MessageRoleUser, "question 0")
	add(1, models.MessageRoleAssistant, "answer 0")
	// a failed turn leaves an unanswered user row behind
	add(2, models.MessageRoleUser, "lost question")
	add(3, models.MessageRoleUser, "question 1")
	add(4, models.MessageRoleAssistant, "answer 1")
	add(5, models.MessageRoleUser, "dangling question")

	messages, err := s.ContextMessages(ctx, conv.ID, 6)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "question 0", messages[0].Content)
	assert.Equal(t, "answer 0", messages[1].Content)
	assert.Equal(t, "question 1", messages[2].Content)
	assert.Equal(t, "answer 1", messages[3].Content)
}

func TestContextMessagesDropsPairSplitAtWindowEdge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	conv := &models.Conversation{}
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 2; i++ {
		require.NoError(t, s.CreateMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Role:           models.MessageRoleUser,
			Content:        fmt.Sprintf("question %d", i),
			CreatedAt:      base.Add(time.Duration(2*i) * time.Minute),
		}))
		require.NoError(t, s.CreateMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Role:           models.MessageRoleAssistant,
			Content:        fmt.Sprintf("answer %d", i),
			CreatedAt:      base.Add(time.Duration(2*i+1) * time.Minute),
		}))
	}
	// an interrupted turn left a trailing unanswered user row, shifting the
	// window so it slices through the oldest pair
	require.NoError(t, s.CreateMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           models.MessageRoleUser,
		Content:        "dangling question",
		CreatedAt:      base.Add(10 * time.Minute),
	}))

	messages, err := s.ContextMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "question 1", messages[0].Content)
	assert.Equal(t, "answer 1", messages[1].Content)
}

func TestCreateMessageRejectsToolRole(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	conv := &models.Conversation{}
	require.NoError(t, s.CreateConversation(ctx, conv))

	// tool output belongs in the assistant message's event timeline, not in
	// a row of its own
	err := s.CreateMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           "tool",
		Content:        "result",
	})
	assert.Error(t, err)
}

func TestDefaultProviderSelection(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.DefaultProvider(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	first := &models.Provider{Name: "local", APIBase: "http://localhost:11434/v1"}
	require.NoError(t, s.CreateProvider(ctx, first))

	got, err := s.DefaultProvider(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	second := &models.Provider{Name: "remote", APIBase: "https://api.example.com/v1", IsDefault: true}
	require.NoError(t, s.CreateProvider(ctx, second))

	got, err = s.DefaultProvider(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	// flipping the default clears the flag elsewhere
	first.IsDefault = true
	require.NoError(t, s.UpdateProvider(ctx, first))
	reloaded, err := s.GetProvider(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsDefault)
}

func TestPendingFiles(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	conv := &models.Conversation{}
	require.NoError(t, s.CreateConversation(ctx, conv))

	f1 := &models.UploadedFile{ConversationID: conv.ID, Filename: "notes.txt", StoredPath: "/tmp/notes.txt"}
	f2 := &models.UploadedFile{ConversationID: conv.ID, Filename: "img.png", StoredPath: "/tmp/img.png"}
	require.NoError(t, s.CreateUploadedFile(ctx, f1))
	require.NoError(t, s.CreateUploadedFile(ctx, f2))

	pending, err := s.PendingFiles(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, s.MarkFilesProcessed(ctx, []uuid.UUID{f1.ID, f2.ID}))
	pending, err = s.PendingFiles(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSettingsUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	val, err := s.Setting(ctx, models.SettingTavilyAPIKey)
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, s.SetSetting(ctx, models.SettingTavilyAPIKey, "tvly-123"))
	require.NoError(t, s.SetSetting(ctx, models.SettingTavilyAPIKey, "tvly-456"))

	val, err = s.Setting(ctx, models.SettingTavilyAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "tvly-456", val)

	all, err := s.AllSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{models.SettingTavilyAPIKey: "tvly-456"}, all)
}

func TestSearchChunksRanksByCosine(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	kb := &models.KnowledgeBase{Name: "docs"}
	require.NoError(t, s.CreateKnowledgeBase(ctx, kb))

	chunks := make([]models.Chunk, 3)
	embeddings := [][]float64{
		{1, 0, 0}, // exact match for the query below
		{0, 1, 0},
		{0.9, 0.1, 0},
	}
	for i := range chunks {
		chunks[i].Content = fmt.Sprintf("chunk %d", i)
		require.NoError(t, chunks[i].SetEmbedding(embeddings[i]))
	}
	doc := &models.Document{KnowledgeBaseID: kb.ID, Filename: "manual.txt"}
	require.NoError(t, s.CreateDocument(ctx, doc, chunks))
	assert.Equal(t, 3, doc.ChunkCount)

	hits, err := s.SearchChunks(ctx, []float64{1, 0, 0}, nil, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "chunk 0", hits[0].Content)
	assert.Equal(t, "chunk 2", hits[1].Content)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, "manual.txt", hits[0].DocumentName)
	assert.Equal(t, "docs", hits[0].KnowledgeBase)

	otherKB := uuid.New()
	hits, err = s.SearchChunks(ctx, []float64{1, 0, 0}, &otherKB, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Zero(t, cosineSimilarity(nil, nil))
}
