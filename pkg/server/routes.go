package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/agent"
	"github.com/d4l-data4life/go-llm-chat/pkg/config"
	"github.com/d4l-data4life/go-llm-chat/pkg/handlers"
	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/mcp/manager"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
)

// SetupRoutes adds all routes that the server should listen to
func SetupRoutes(
	mux *chi.Mux,
	db *gorm.DB,
	st *store.Store,
	orchestrator *agent.Orchestrator,
	gateway *llm.Gateway,
	mcpManager *manager.Manager,
) {
	ch := handlers.NewChecksHandler(db)
	mux.Mount("/checks", ch.Routes())
	mux.Mount("/metrics", promhttp.Handler())

	mux.
		With(RequestLogger()).
		Route(config.APIPrefixV1, func(r chi.Router) {
			conversationsHandler := handlers.NewConversationsHandler(st)
			r.Mount("/conversations", conversationsHandler.Routes())

			messagesHandler := handlers.NewMessagesHandler(st, orchestrator)
			r.Route("/conversations/{id}/messages", func(r chi.Router) {
				r.Mount("/", messagesHandler.Routes())
			})
			r.Post("/conversations/{id}/chat", messagesHandler.Chat)

			filesHandler := handlers.NewFilesHandler(st)
			r.Route("/conversations/{id}/files", func(r chi.Router) {
				r.Mount("/", filesHandler.Routes())
			})

			providersHandler := handlers.NewProvidersHandler(st)
			r.Mount("/providers", providersHandler.Routes())
			r.Get("/models", providersHandler.ListAllModels)

			knowledgeHandler := handlers.NewKnowledgeHandler(st, gateway)
			r.Mount("/knowledge", knowledgeHandler.Routes())

			imagesHandler := handlers.NewImagesHandler(st, gateway)
			r.Post("/images/generations", imagesHandler.GenerateImage)

			settingsHandler := handlers.NewSettingsHandler(st)
			r.Mount("/settings", settingsHandler.Routes())

			mcpServersHandler := handlers.NewMCPServersHandler(st, mcpManager)
			r.Mount("/mcp", mcpServersHandler.Routes())
		})

	// Displays all API paths in when debug enabled
	walkFunc := func(method string, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		route = strings.Replace(route, "/*/", "/", -1)
		logging.LogDebugf("%s %s\n", method, route)
		return nil
	}
	if err := chi.Walk(mux, walkFunc); err != nil {
		logging.LogErrorf(err, "logging error")
	}
}
