package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-llm-chat/internal/testutils"
	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
)

func chatRouter(h *MessagesHandler) chi.Router {
	r := chi.NewRouter()
	r.Post("/conversations/{id}/chat", h.Chat)
	r.Route("/conversations/{id}/messages", func(r chi.Router) {
		r.Mount("/", h.Routes())
	})
	return r
}

func TestChatSSEProtocol(t *testing.T) {
	env := newTestEnv(t)
	gw := &scriptedGateway{events: []llm.StreamEvent{
		{Type: llm.StreamEventThinking, Content: "pondering"},
		{Type: llm.StreamEventContent, Content: "Hello"},
		{Type: llm.StreamEventContent, Content: " world"},
		{Type: llm.StreamEventUsage, Usage: &llm.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16}},
	}}
	h := NewMessagesHandler(env.store, env.orchestrator(gw))
	router := chatRouter(h)

	conv := &models.Conversation{Title: "already titled"}
	require.NoError(t, env.store.CreateConversation(context.Background(), conv))

	req := httptest.NewRequest(http.MethodPost, "/conversations/"+conv.ID.String()+"/chat",
		strings.NewReader(`{"content":"hi there"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	body := rec.Body.String()
	assert.Contains(t, body, "event: ack\n")
	assert.Contains(t, body, "user_message_id")
	assert.Contains(t, body, "event: thinking_start\n")
	assert.Contains(t, body, "event: thinking\ndata: \"pondering\"\n")
	assert.Contains(t, body, "event: thinking_end\n")
	assert.Contains(t, body, "data: \"Hello\"\n")
	assert.Contains(t, body, "data: \" world\"\n")
	assert.Contains(t, body, "event: meta\n")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	// thinking ends before the first content frame
	assert.Less(t, strings.Index(body, "event: thinking_end"), strings.Index(body, `data: "Hello"`))

	// both turns persisted
	messages, err := env.store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hi there", messages[0].Content)
	assert.Equal(t, "Hello world", messages[1].Content)
	assert.Equal(t, 16, messages[1].TotalTokens)
}

func TestChatNonStreaming(t *testing.T) {
	env := newTestEnv(t)
	gw := &scriptedGateway{events: []llm.StreamEvent{
		{Type: llm.StreamEventContent, Content: "The answer is 42."},
	}}
	h := NewMessagesHandler(env.store, env.orchestrator(gw))
	router := chatRouter(h)

	conv := &models.Conversation{Title: "already titled"}
	require.NoError(t, env.store.CreateConversation(context.Background(), conv))

	req := httptest.NewRequest(http.MethodPost, "/conversations/"+conv.ID.String()+"/chat",
		strings.NewReader(`{"content":"question","stream":false}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		UserMessageID string          `json:"userMessageId"`
		Content       string          `json:"content"`
		TokenInfo     *map[string]any `json:"tokenInfo"`
	}
	testutils.GetRequestPayload(t, rec.Body, &resp)
	assert.Equal(t, "The answer is 42.", resp.Content)
	assert.NotEmpty(t, resp.UserMessageID)
	assert.NotNil(t, resp.TokenInfo)
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t)
	h := NewMessagesHandler(env.store, env.orchestrator(&scriptedGateway{}))
	router := chatRouter(h)

	conv := &models.Conversation{}
	require.NoError(t, env.store.CreateConversation(context.Background(), conv))

	// empty content
	req := httptest.NewRequest(http.MethodPost, "/conversations/"+conv.ID.String()+"/chat",
		strings.NewReader(`{"content":""}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// unknown conversation
	req = httptest.NewRequest(http.MethodPost, "/conversations/not-a-uuid/chat",
		strings.NewReader(`{"content":"hi"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMessages(t *testing.T) {
	env := newTestEnv(t)
	h := NewMessagesHandler(env.store, env.orchestrator(&scriptedGateway{}))
	router := chatRouter(h)

	conv := &models.Conversation{}
	require.NoError(t, env.store.CreateConversation(context.Background(), conv))
	require.NoError(t, env.store.CreateMessage(context.Background(), &models.Message{
		ConversationID: conv.ID, Role: models.MessageRoleUser, Content: "one",
	}))
	require.NoError(t, env.store.CreateMessage(context.Background(), &models.Message{
		ConversationID: conv.ID, Role: models.MessageRoleAssistant, Content: "two",
	}))

	req := httptest.NewRequest(http.MethodGet, "/conversations/"+conv.ID.String()+"/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var messages []models.Message
	testutils.GetRequestPayload(t, rec.Body, &messages)
	require.Len(t, messages, 2)
	assert.Equal(t, "one", messages[0].Content)
}

func TestChatAutoTitle(t *testing.T) {
	env := newTestEnv(t)
	gw := &scriptedGateway{
		chatContent: "Greeting Exchange",
		events: []llm.StreamEvent{
			{Type: llm.StreamEventContent, Content: "Hello!"},
		},
	}
	h := NewMessagesHandler(env.store, env.orchestrator(gw))
	router := chatRouter(h)

	conv := &models.Conversation{}
	require.NoError(t, env.store.CreateConversation(context.Background(), conv))
	require.Equal(t, models.DefaultConversationTitle, conv.Title)

	req := httptest.NewRequest(http.MethodPost, "/conversations/"+conv.ID.String()+"/chat",
		strings.NewReader(`{"content":"hi"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		stored, err := env.store.GetConversation(context.Background(), conv.ID)
		return err == nil && stored.Title == "Greeting Exchange"
	}, 5*time.Second, 20*time.Millisecond)
}
