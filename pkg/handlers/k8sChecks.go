package handlers

import (
	"net/http"

	"github.com/go-chi/chi"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// ChecksHandler is the handler responsible for k8s checks
type ChecksHandler struct {
	db *gorm.DB
}

// NewChecksHandler initializes a new handler
func NewChecksHandler(db *gorm.DB) *ChecksHandler {
	return &ChecksHandler{db: db}
}

// Routes returns the routes for the ChecksHandler
func (e *ChecksHandler) Routes() chi.Router {
	router := chi.NewRouter()
	router.Get("/liveness", e.Liveness)
	router.Get("/readiness", e.Readiness)
	return router
}

// Liveness is a check that describes if the application has started
func (e *ChecksHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	// We use the stricter readiness check also for liveness to make
	// K8s restart the pod if something is wrong with the DB connection.
	e.Readiness(w, r)
}

// Readiness is a check if application can handle requests
func (e *ChecksHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := e.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		logging.LogErrorf(err, "Error writing OK to response body")
	}
}
