package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/store"
)

// SettingsHandler handles the key-value settings endpoints
type SettingsHandler struct {
	store *store.Store
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(s *store.Store) *SettingsHandler {
	return &SettingsHandler{store: s}
}

// Routes returns settings routes
func (h *SettingsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.GetSettings)
	r.Put("/", h.UpdateSettings)

	return r
}

// GetSettings returns every stored setting
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.AllSettings(r.Context())
	if err != nil {
		logging.LogErrorf(err, "Failed to load settings")
		renderError(w, r, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	render.JSON(w, r, settings)
}

// UpdateSettings upserts the posted key-value pairs
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	for key, value := range values {
		if key == "" {
			renderError(w, r, http.StatusBadRequest, "Setting keys must not be empty")
			return
		}
		if err := h.store.SetSetting(r.Context(), key, value); err != nil {
			logging.LogErrorf(err, "Failed to save setting %s", key)
			renderError(w, r, http.StatusInternalServerError, "Failed to save settings")
			return
		}
	}

	settings, err := h.store.AllSettings(r.Context())
	if err != nil {
		logging.LogErrorf(err, "Failed to reload settings")
		renderError(w, r, http.StatusInternalServerError, "Failed to reload settings")
		return
	}
	render.JSON(w, r, settings)
}
