package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
)

const (
	// chunkRunes is the target chunk length for document splitting.
	chunkRunes = 500
	// chunkOverlap is how many runes consecutive chunks share.
	chunkOverlap = 50
	// embedBatchSize bounds one embeddings request.
	embedBatchSize = 32
)

// Embedder creates embeddings, satisfied by *llm.Gateway.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, provider llm.ProviderConfig, model string, inputs []string) ([][]float64, error)
}

// KnowledgeHandler handles knowledge base endpoints
type KnowledgeHandler struct {
	store    *store.Store
	embedder Embedder
}

// NewKnowledgeHandler creates a new knowledge handler
func NewKnowledgeHandler(s *store.Store, embedder Embedder) *KnowledgeHandler {
	return &KnowledgeHandler{store: s, embedder: embedder}
}

// Routes returns knowledge base routes
func (h *KnowledgeHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListKnowledgeBases)
	r.Post("/", h.CreateKnowledgeBase)
	r.Delete("/{id}", h.DeleteKnowledgeBase)
	r.Get("/{id}/documents", h.ListDocuments)
	r.Post("/{id}/documents", h.UploadDocument)
	r.Delete("/{id}/documents/{docId}", h.DeleteDocument)

	return r
}

// KnowledgeBaseRequest represents a request to create a knowledge base
type KnowledgeBaseRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ListKnowledgeBases returns all knowledge bases with their documents
func (h *KnowledgeHandler) ListKnowledgeBases(w http.ResponseWriter, r *http.Request) {
	kbs, err := h.store.ListKnowledgeBases(r.Context())
	if err != nil {
		logging.LogErrorf(err, "Failed to list knowledge bases")
		renderError(w, r, http.StatusInternalServerError, "Failed to list knowledge bases")
		return
	}
	render.JSON(w, r, kbs)
}

// CreateKnowledgeBase creates a new knowledge base
func (h *KnowledgeHandler) CreateKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	var req KnowledgeBaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		renderError(w, r, http.StatusBadRequest, "Name is required")
		return
	}

	kb := models.KnowledgeBase{Name: req.Name, Description: req.Description}
	if err := h.store.CreateKnowledgeBase(r.Context(), &kb); err != nil {
		logging.LogErrorf(err, "Failed to create knowledge base")
		renderError(w, r, http.StatusInternalServerError, "Failed to create knowledge base")
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, kb)
}

// DeleteKnowledgeBase removes a knowledge base with its documents and chunks
func (h *KnowledgeHandler) DeleteKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid knowledge base ID")
		return
	}

	if err := h.store.DeleteKnowledgeBase(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "Knowledge base not found")
			return
		}
		logging.LogErrorf(err, "Failed to delete knowledge base")
		renderError(w, r, http.StatusInternalServerError, "Failed to delete knowledge base")
		return
	}

	render.NoContent(w, r)
}

// ListDocuments returns the documents of one knowledge base
func (h *KnowledgeHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid knowledge base ID")
		return
	}

	docs, err := h.store.ListDocuments(r.Context(), id)
	if err != nil {
		logging.LogErrorf(err, "Failed to list documents")
		renderError(w, r, http.StatusInternalServerError, "Failed to list documents")
		return
	}

	render.JSON(w, r, docs)
}

// UploadDocument ingests a plaintext document: split into overlapping chunks,
// embed each chunk, store document and chunks in one transaction.
func (h *KnowledgeHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid knowledge base ID")
		return
	}

	if _, err := h.store.GetKnowledgeBase(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "Knowledge base not found")
		} else {
			logging.LogErrorf(err, "Failed to get knowledge base")
			renderError(w, r, http.StatusInternalServerError, "Failed to get knowledge base")
		}
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	src, header, err := r.FormFile("file")
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "Missing file field")
		return
	}
	defer src.Close()

	raw, err := io.ReadAll(src)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "Failed to read file")
		return
	}
	texts := chunkText(string(raw), chunkRunes, chunkOverlap)
	if len(texts) == 0 {
		renderError(w, r, http.StatusBadRequest, "Document is empty")
		return
	}

	provider, err := h.embeddingProvider(r.Context())
	if err != nil {
		renderError(w, r, http.StatusConflict, "No provider configured for embeddings")
		return
	}

	chunks := make([]models.Chunk, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := h.embedder.CreateEmbeddings(r.Context(), provider, viper.GetString("EMBEDDING_MODEL"), texts[start:end])
		if err != nil {
			logging.LogErrorf(err, "Failed to embed document chunks")
			renderError(w, r, http.StatusBadGateway, "Failed to embed document")
			return
		}
		for i, vec := range vectors {
			chunk := models.Chunk{Content: texts[start+i]}
			if err := chunk.SetEmbedding(vec); err != nil {
				logging.LogErrorf(err, "Failed to serialize embedding")
				renderError(w, r, http.StatusInternalServerError, "Failed to store document")
				return
			}
			chunks = append(chunks, chunk)
		}
	}

	doc := models.Document{KnowledgeBaseID: id, Filename: header.Filename}
	if err := h.store.CreateDocument(r.Context(), &doc, chunks); err != nil {
		logging.LogErrorf(err, "Failed to store document")
		renderError(w, r, http.StatusInternalServerError, "Failed to store document")
		return
	}

	logging.LogDebugf("Ingested document %s into knowledge base %s (%d chunks)", doc.Filename, id, len(chunks))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, doc)
}

// DeleteDocument removes a document and its chunks
func (h *KnowledgeHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID, err := uuid.Parse(chi.URLParam(r, "docId"))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid document ID")
		return
	}

	if err := h.store.DeleteDocument(r.Context(), docID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "Document not found")
			return
		}
		logging.LogErrorf(err, "Failed to delete document")
		renderError(w, r, http.StatusInternalServerError, "Failed to delete document")
		return
	}

	render.NoContent(w, r)
}

// embeddingProvider picks the default provider, falling back to the
// env-configured upstream.
func (h *KnowledgeHandler) embeddingProvider(ctx context.Context) (llm.ProviderConfig, error) {
	if provider, err := h.store.DefaultProvider(ctx); err == nil {
		return llm.ProviderConfig{APIBase: provider.APIBase, APIKey: provider.APIKey}, nil
	}
	apiBase := viper.GetString("AI_API_BASE")
	if apiBase == "" {
		return llm.ProviderConfig{}, errors.New("no provider configured")
	}
	return llm.ProviderConfig{APIBase: apiBase, APIKey: viper.GetString("AI_API_KEY")}, nil
}

// chunkText splits text into rune chunks of the given size with overlap.
// Whitespace-only chunks are dropped.
func chunkText(text string, size, overlap int) []string {
	if size <= 0 || overlap >= size {
		return nil
	}
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += size - overlap {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
