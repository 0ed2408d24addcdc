package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
	"gorm.io/datatypes"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
)

// ProvidersHandler handles provider endpoints
type ProvidersHandler struct {
	store *store.Store
}

// NewProvidersHandler creates a new providers handler
func NewProvidersHandler(s *store.Store) *ProvidersHandler {
	return &ProvidersHandler{store: s}
}

// Routes returns provider routes
func (h *ProvidersHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListProviders)
	r.Post("/", h.CreateProvider)
	r.Get("/{id}", h.GetProvider)
	r.Put("/{id}", h.UpdateProvider)
	r.Delete("/{id}", h.DeleteProvider)
	r.Get("/{id}/models", h.ListProviderModels)

	return r
}

// ProviderRequest represents a request to create or update a provider
type ProviderRequest struct {
	Name         string                   `json:"name"`
	APIBase      string                   `json:"apiBase"`
	APIKey       string                   `json:"apiKey"`
	DefaultModel string                   `json:"defaultModel"`
	Models       []models.ModelCapability `json:"models"`
	IsDefault    bool                     `json:"isDefault"`
}

func (req *ProviderRequest) apply(p *models.Provider) error {
	p.Name = req.Name
	p.APIBase = req.APIBase
	if req.APIKey != "" {
		p.APIKey = req.APIKey
	}
	p.DefaultModel = req.DefaultModel
	p.IsDefault = req.IsDefault
	if req.Models != nil {
		raw, err := json.Marshal(req.Models)
		if err != nil {
			return err
		}
		p.Models = datatypes.JSON(raw)
	}
	return nil
}

// ListProviders returns all configured providers
func (h *ProvidersHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.store.ListProviders(r.Context())
	if err != nil {
		logging.LogErrorf(err, "Failed to list providers")
		renderError(w, r, http.StatusInternalServerError, "Failed to list providers")
		return
	}
	render.JSON(w, r, providers)
}

// CreateProvider creates a new provider
func (h *ProvidersHandler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var req ProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.APIBase == "" {
		renderError(w, r, http.StatusBadRequest, "Name and apiBase are required")
		return
	}

	var provider models.Provider
	if err := req.apply(&provider); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid model capability list")
		return
	}
	if err := h.store.CreateProvider(r.Context(), &provider); err != nil {
		logging.LogErrorf(err, "Failed to create provider")
		renderError(w, r, http.StatusInternalServerError, "Failed to create provider")
		return
	}

	logging.LogDebugf("Created provider: %s (%s)", provider.Name, provider.ID)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, provider)
}

// GetProvider returns a specific provider
func (h *ProvidersHandler) GetProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid provider ID")
		return
	}

	provider, err := h.store.GetProvider(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "Provider not found")
		} else {
			logging.LogErrorf(err, "Failed to get provider")
			renderError(w, r, http.StatusInternalServerError, "Failed to get provider")
		}
		return
	}

	render.JSON(w, r, provider)
}

// UpdateProvider updates a provider
func (h *ProvidersHandler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid provider ID")
		return
	}

	var req ProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	provider, err := h.store.GetProvider(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "Provider not found")
		} else {
			logging.LogErrorf(err, "Failed to get provider")
			renderError(w, r, http.StatusInternalServerError, "Failed to get provider")
		}
		return
	}

	if err := req.apply(provider); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid model capability list")
		return
	}
	if err := h.store.UpdateProvider(r.Context(), provider); err != nil {
		logging.LogErrorf(err, "Failed to update provider")
		renderError(w, r, http.StatusInternalServerError, "Failed to update provider")
		return
	}

	render.JSON(w, r, provider)
}

// DeleteProvider removes a provider; bound conversations fall back to the
// default provider.
func (h *ProvidersHandler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid provider ID")
		return
	}

	if err := h.store.DeleteProvider(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "Provider not found")
			return
		}
		logging.LogErrorf(err, "Failed to delete provider")
		renderError(w, r, http.StatusInternalServerError, "Failed to delete provider")
		return
	}

	render.NoContent(w, r)
}

// ListProviderModels returns the capability map of one provider
func (h *ProvidersHandler) ListProviderModels(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid provider ID")
		return
	}

	provider, err := h.store.GetProvider(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "Provider not found")
		} else {
			logging.LogErrorf(err, "Failed to get provider")
			renderError(w, r, http.StatusInternalServerError, "Failed to get provider")
		}
		return
	}

	caps, err := provider.Capabilities()
	if err != nil {
		logging.LogErrorf(err, "Failed to decode model capabilities for provider %s", id)
		renderError(w, r, http.StatusInternalServerError, "Invalid stored model list")
		return
	}
	if caps == nil {
		caps = []models.ModelCapability{}
	}

	render.JSON(w, r, caps)
}

// AggregatedModel is one entry of the cross-provider model listing
type AggregatedModel struct {
	Provider   string                 `json:"provider"`
	ProviderID string                 `json:"providerId"`
	Model      models.ModelCapability `json:"model"`
}

// ListAllModels returns every model of every provider in one list
func (h *ProvidersHandler) ListAllModels(w http.ResponseWriter, r *http.Request) {
	providers, err := h.store.ListProviders(r.Context())
	if err != nil {
		logging.LogErrorf(err, "Failed to list providers")
		renderError(w, r, http.StatusInternalServerError, "Failed to list providers")
		return
	}

	aggregated := []AggregatedModel{}
	for _, provider := range providers {
		caps, err := provider.Capabilities()
		if err != nil {
			logging.LogWarningf(err, "Skipping provider %s with invalid model list", provider.ID)
			continue
		}
		for _, c := range caps {
			aggregated = append(aggregated, AggregatedModel{
				Provider:   provider.Name,
				ProviderID: provider.ID.String(),
				Model:      c,
			})
		}
	}

	render.JSON(w, r, aggregated)
}
