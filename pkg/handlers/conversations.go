package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
)

// ConversationsHandler handles conversation endpoints
type ConversationsHandler struct {
	store *store.Store
}

// NewConversationsHandler creates a new conversations handler
func NewConversationsHandler(s *store.Store) *ConversationsHandler {
	return &ConversationsHandler{store: s}
}

// Routes returns conversation routes
func (h *ConversationsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListConversations)
	r.Post("/", h.CreateConversation)
	r.Get("/{id}", h.GetConversation)
	r.Patch("/{id}", h.UpdateConversation)
	r.Put("/{id}", h.UpdateConversation)
	r.Delete("/{id}", h.DeleteConversation)

	return r
}

// CreateConversationRequest represents a request to create a conversation
type CreateConversationRequest struct {
	Title      string     `json:"title"`
	Model      string     `json:"model"`
	ProviderID *uuid.UUID `json:"providerId"`
}

// UpdateConversationRequest represents a partial conversation update. Nil
// fields are left untouched.
type UpdateConversationRequest struct {
	Title               *string    `json:"title"`
	Model               *string    `json:"model"`
	IsPinned            *bool      `json:"isPinned"`
	ProviderID          *uuid.UUID `json:"providerId"`
	EnableKnowledgeBase *bool      `json:"enableKnowledgeBase"`
	EnableMCP           *bool      `json:"enableMcp"`
	EnableWebSearch     *bool      `json:"enableWebSearch"`
}

// ListConversations returns all conversations, pinned first
func (h *ConversationsHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.store.ListConversations(r.Context())
	if err != nil {
		logging.LogErrorf(err, "Failed to list conversations")
		renderError(w, r, http.StatusInternalServerError, "Failed to list conversations")
		return
	}
	render.JSON(w, r, conversations)
}

// CreateConversation creates a new conversation. An existing conversation
// without any messages is reused instead of piling up empty rows.
func (h *ConversationsHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	if reusable, err := h.store.FindReusableConversation(r.Context()); err == nil && reusable != nil {
		logging.LogDebugf("Reusing empty conversation: %s", reusable.ID)
		render.JSON(w, r, reusable)
		return
	}

	conversation := models.Conversation{
		Title:      req.Title,
		Model:      req.Model,
		ProviderID: req.ProviderID,
	}
	if err := h.store.CreateConversation(r.Context(), &conversation); err != nil {
		logging.LogErrorf(err, "Failed to create conversation")
		renderError(w, r, http.StatusInternalServerError, "Failed to create conversation")
		return
	}

	logging.LogDebugf("Created conversation: %s", conversation.ID)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, conversation)
}

// GetConversation returns a specific conversation
func (h *ConversationsHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid conversation ID")
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

	render.JSON(w, r, conversation)
}

// UpdateConversation applies a partial update: title, model, pin state,
// provider binding and the per-conversation tool toggles.
func (h *ConversationsHandler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid request body")
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

	if req.Title != nil {
		conversation.Title = *req.Title
	}
	if req.Model != nil {
		conversation.Model = *req.Model
	}
	if req.IsPinned != nil {
		conversation.IsPinned = *req.IsPinned
	}
	if req.ProviderID != nil {
		conversation.ProviderID = req.ProviderID
	}
	if req.EnableKnowledgeBase != nil {
		conversation.EnableKnowledgeBase = req.EnableKnowledgeBase
	}
	if req.EnableMCP != nil {
		conversation.EnableMCP = req.EnableMCP
	}
	if req.EnableWebSearch != nil {
		conversation.EnableWebSearch = req.EnableWebSearch
	}

	if err := h.store.UpdateConversation(r.Context(), conversation); err != nil {
		logging.LogErrorf(err, "Failed to update conversation")
		renderError(w, r, http.StatusInternalServerError, "Failed to update conversation")
		return
	}

	logging.LogDebugf("Updated conversation: %s", id)

	render.JSON(w, r, conversation)
}

// DeleteConversation removes a conversation with its messages and files
func (h *ConversationsHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	if err := h.store.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "Conversation not found")
			return
		}
		logging.LogErrorf(err, "Failed to delete conversation")
		renderError(w, r, http.StatusInternalServerError, "Failed to delete conversation")
		return
	}

	logging.LogDebugf("Deleted conversation: %s", id)

	render.NoContent(w, r)
}
