package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
)

// ImageGenerator proxies image generation, satisfied by *llm.Gateway.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, provider llm.ProviderConfig, model, prompt, size string) ([]llm.GeneratedImage, error)
}

// ImagesHandler proxies image generation requests to a provider
type ImagesHandler struct {
	store     *store.Store
	generator ImageGenerator
}

// NewImagesHandler creates a new images handler
func NewImagesHandler(s *store.Store, generator ImageGenerator) *ImagesHandler {
	return &ImagesHandler{store: s, generator: generator}
}

// ImageRequest represents an image generation request
type ImageRequest struct {
	Prompt     string     `json:"prompt"`
	Model      string     `json:"model"`
	Size       string     `json:"size"`
	ProviderID *uuid.UUID `json:"providerId"`
}

// GenerateImage proxies one image generation call
func (h *ImagesHandler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	var req ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Prompt == "" {
		renderError(w, r, http.StatusBadRequest, "Prompt is required")
		return
	}
	if req.Model == "" {
		renderError(w, r, http.StatusBadRequest, "Model is required")
		return
	}
	if req.Size == "" {
		req.Size = "1024x1024"
	}

	provider, err := h.resolveProvider(r.Context(), req.ProviderID)
	if err != nil {
		renderError(w, r, http.StatusConflict, "No provider configured")
		return
	}

	images, err := h.generator.GenerateImage(r.Context(), provider, req.Model, req.Prompt, req.Size)
	if err != nil {
		logging.LogErrorf(err, "Image generation failed")
		renderError(w, r, http.StatusBadGateway, "Image generation failed")
		return
	}

	render.JSON(w, r, map[string]interface{}{"images": images})
}

func (h *ImagesHandler) resolveProvider(ctx context.Context, providerID *uuid.UUID) (llm.ProviderConfig, error) {
	if providerID != nil {
		provider, err := h.store.GetProvider(ctx, *providerID)
		if err != nil {
			return llm.ProviderConfig{}, err
		}
		return llm.ProviderConfig{APIBase: provider.APIBase, APIKey: provider.APIKey}, nil
	}
	if provider, err := h.store.DefaultProvider(ctx); err == nil {
		return llm.ProviderConfig{APIBase: provider.APIBase, APIKey: provider.APIKey}, nil
	}
	apiBase := viper.GetString("AI_API_BASE")
	if apiBase == "" {
		return llm.ProviderConfig{}, errors.New("no provider configured")
	}
	return llm.ProviderConfig{APIBase: apiBase, APIKey: viper.GetString("AI_API_KEY")}, nil
}
