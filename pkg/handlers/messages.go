package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/agent"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
)

// errorPrefix marks an in-stream error frame for the client.
const errorPrefix = "[错误] "

// MessagesHandler handles message listing and the chat endpoints
type MessagesHandler struct {
	store        *store.Store
	orchestrator *agent.Orchestrator
	upgrader     websocket.Upgrader
}

// NewMessagesHandler creates a new messages handler
func NewMessagesHandler(s *store.Store, orchestrator *agent.Orchestrator) *MessagesHandler {
	return &MessagesHandler{
		store:        s,
		orchestrator: orchestrator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // single-user local service, CORS handles the rest
			},
		},
	}
}

// Routes returns message routes, mounted under /conversations/{id}/messages
func (h *MessagesHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListMessages)
	r.Get("/stream", h.StreamMessages)

	return r
}

// ChatRequest represents a request to run one chat turn
type ChatRequest struct {
	Content             string     `json:"content"`
	Model               string     `json:"model"`
	ProviderID          *uuid.UUID `json:"providerId"`
	Stream              *bool      `json:"stream"`
	EnableThinking      bool       `json:"enableThinking"`
	EnableKnowledgeBase *bool      `json:"enableKnowledgeBase"`
	EnableMCP           *bool      `json:"enableMcp"`
	EnableWebSearch     *bool      `json:"enableWebSearch"`
	WebSearchSource     string     `json:"webSearchSource"`
	KnowledgeBaseID     *uuid.UUID `json:"knowledgeBaseId"`
}

func (req *ChatRequest) turnRequest(conversationID uuid.UUID) agent.TurnRequest {
	return agent.TurnRequest{
		ConversationID:      conversationID,
		UserText:            req.Content,
		Model:               req.Model,
		ProviderID:          req.ProviderID,
		EnableThinking:      req.EnableThinking,
		EnableKnowledgeBase: req.EnableKnowledgeBase,
		EnableMCP:           req.EnableMCP,
		EnableWebSearch:     req.EnableWebSearch,
		WebSearchSource:     req.WebSearchSource,
		KnowledgeBaseID:     req.KnowledgeBaseID,
	}
}

// ListMessages returns all messages in a conversation
func (h *MessagesHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	if _, err := h.store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "Conversation not found")
		} else {
			logging.LogErrorf(err, "Failed to get conversation")
			renderError(w, r, http.StatusInternalServerError, "Failed to get conversation")
		}
		return
	}

	messages, err := h.store.ListMessages(r.Context(), id)
	if err != nil {
		logging.LogErrorf(err, "Failed to list messages")
		renderError(w, r, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	render.JSON(w, r, messages)
}

// Chat runs one chat turn. The default mode streams SSE frames; with
// "stream": false the full exchange is returned as one JSON body.
func (h *MessagesHandler) Chat(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Content == "" {
		renderError(w, r, http.StatusBadRequest, "Message content is required")
		return
	}

	conversation, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "Conversation not found")
		} else {
			logging.LogErrorf(err, "Failed to get conversation")
			renderError(w, r, http.StatusInternalServerError, "Failed to get conversation")
		}
		return
	}

	events, err := h.orchestrator.ExecuteTurn(r.Context(), req.turnRequest(id))
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, agent.ErrEmptyUserText):
			status = http.StatusBadRequest
		case errors.Is(err, agent.ErrConversationNotFound):
			status = http.StatusNotFound
		case errors.Is(err, agent.ErrNoProvider):
			status = http.StatusConflict
		default:
			logging.LogErrorf(err, "Failed to start chat turn")
		}
		renderError(w, r, status, err.Error())
		return
	}

	if req.Stream != nil && !*req.Stream {
		h.chatJSON(w, r, conversation, req.Content, events)
		return
	}
	h.chatSSE(w, r, conversation, req.Content, events)
}

// chatSSE forwards orchestrator events as server-sent events.
func (h *MessagesHandler) chatSSE(w http.ResponseWriter, r *http.Request, conversation *models.Conversation, userText string, events <-chan agent.StreamEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		renderError(w, r, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeFrame := func(event, data string) {
		if event != "" {
			fmt.Fprintf(w, "event: %s\n", event)
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	writeJSONFrame := func(event string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			logging.LogErrorf(err, "Failed to marshal SSE payload")
			return
		}
		writeFrame(event, string(data))
	}

	thinkingOpen := false
	closeThinking := func() {
		if thinkingOpen {
			writeFrame("thinking_end", "{}")
			thinkingOpen = false
		}
	}

	failed := false
	for ev := range events {
		switch ev.Type {
		case agent.EventAck:
			writeJSONFrame("ack", map[string]string{"user_message_id": ev.UserMessageID.String()})
		case agent.EventThinking:
			if !thinkingOpen {
				writeFrame("thinking_start", "{}")
				thinkingOpen = true
			}
			writeJSONFrame("thinking", ev.Content)
		case agent.EventContent:
			closeThinking()
			writeJSONFrame("", ev.Content)
		case agent.EventToolStart:
			closeThinking()
			writeJSONFrame("tool_start", ev.Tool)
		case agent.EventToolProgress:
			writeJSONFrame("tool_progress", ev.Tool)
		case agent.EventToolEnd:
			writeJSONFrame("tool_end", ev.Tool)
		case agent.EventMeta:
			closeThinking()
			writeJSONFrame("meta", ev.Tokens)
		case agent.EventError:
			closeThinking()
			failed = true
			writeJSONFrame("", errorPrefix+ev.Err.Error())
		}
	}
	closeThinking()
	writeFrame("", "[DONE]")

	if !failed {
		h.maybeGenerateTitle(conversation, userText)
	}
}

// chatJSON consumes the whole turn and answers with one JSON body.
func (h *MessagesHandler) chatJSON(w http.ResponseWriter, r *http.Request, conversation *models.Conversation, userText string, events <-chan agent.StreamEvent) {
	var (
		userMessageID uuid.UUID
		content       string
		thinking      string
		executions    []*agent.ToolExecution
		tokens        *agent.TokenInfo
		turnErr       error
	)
	for ev := range events {
		switch ev.Type {
		case agent.EventAck:
			userMessageID = ev.UserMessageID
		case agent.EventThinking:
			thinking += ev.Content
		case agent.EventContent:
			content += ev.Content
		case agent.EventToolEnd:
			executions = append(executions, ev.Tool)
		case agent.EventMeta:
			tokens = ev.Tokens
		case agent.EventError:
			turnErr = ev.Err
		}
	}

	if turnErr != nil {
		renderError(w, r, http.StatusBadGateway, turnErr.Error())
		return
	}

	h.maybeGenerateTitle(conversation, userText)

	render.JSON(w, r, map[string]interface{}{
		"userMessageId":  userMessageID,
		"content":        content,
		"thinking":       thinking,
		"toolExecutions": executions,
		"tokenInfo":      tokens,
	})
}

// StreamMessages is the WebSocket variant of the chat endpoint. Each JSON
// frame read from the client starts one turn; events go back as typed JSON
// frames mirroring the SSE protocol.
func (h *MessagesHandler) StreamMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	conversation, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.LogErrorf(err, "Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	logging.LogDebugf("WebSocket connection established: conversation=%s", id)

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.LogDebugf("WebSocket closed normally")
			} else {
				logging.LogErrorf(err, "WebSocket read error")
			}
			return
		}
		if req.Content == "" {
			conn.WriteJSON(map[string]string{"error": "Message content is required"})
			continue
		}

		events, err := h.orchestrator.ExecuteTurn(r.Context(), req.turnRequest(id))
		if err != nil {
			conn.WriteJSON(map[string]string{"error": err.Error()})
			continue
		}

		failed := false
		for ev := range events {
			var frame map[string]interface{}
			switch ev.Type {
			case agent.EventAck:
				frame = map[string]interface{}{"type": "ack", "userMessageId": ev.UserMessageID}
			case agent.EventThinking:
				frame = map[string]interface{}{"type": "thinking", "content": ev.Content}
			case agent.EventContent:
				frame = map[string]interface{}{"type": "content", "content": ev.Content}
			case agent.EventToolStart:
				frame = map[string]interface{}{"type": "tool_start", "tool": ev.Tool}
			case agent.EventToolProgress:
				frame = map[string]interface{}{"type": "tool_progress", "tool": ev.Tool}
			case agent.EventToolEnd:
				frame = map[string]interface{}{"type": "tool_end", "tool": ev.Tool}
			case agent.EventMeta:
				frame = map[string]interface{}{"type": "meta", "tokenInfo": ev.Tokens}
			case agent.EventError:
				failed = true
				frame = map[string]interface{}{"type": "error", "error": ev.Err.Error()}
			}
			if frame != nil {
				if err := conn.WriteJSON(frame); err != nil {
					logging.LogErrorf(err, "WebSocket write error")
					return
				}
			}
		}
		conn.WriteJSON(map[string]interface{}{"type": "done"})

		if !failed {
			h.maybeGenerateTitle(conversation, req.Content)
		}
	}
}

// maybeGenerateTitle replaces a still-default title in the background after
// the opening exchange completed.
func (h *MessagesHandler) maybeGenerateTitle(conversation *models.Conversation, userText string) {
	if conversation.Title != models.DefaultConversationTitle {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	count, err := h.store.CountMessages(ctx, conversation.ID)
	cancel()
	if err != nil || count != 2 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		messages, err := h.store.ListMessages(ctx, conversation.ID)
		if err != nil || len(messages) == 0 {
			return
		}
		assistantText := messages[len(messages)-1].Content

		title, err := h.orchestrator.GenerateTitleForConversation(ctx, conversation.ID, userText, assistantText)
		if err != nil || title == "" {
			logging.LogDebugf("Title generation skipped: %v", err)
			return
		}

		conv, err := h.store.GetConversation(ctx, conversation.ID)
		if err != nil {
			return
		}
		conv.Title = title
		if err := h.store.UpdateConversation(ctx, conv); err != nil {
			logging.LogErrorf(err, "Failed to update conversation title")
			return
		}
		logging.LogDebugf("Auto-generated title for conversation %s: %s", conversation.ID, title)
	}()
}
