package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
	"gorm.io/datatypes"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/mcp/manager"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
	"github.com/d4l-data4life/go-llm-chat/pkg/tools"
)

// testConnectionTimeout bounds a test launch of an MCP server.
const testConnectionTimeout = 30 * time.Second

// MCPServersHandler handles MCP server configuration endpoints
type MCPServersHandler struct {
	store   *store.Store
	manager *manager.Manager
}

// NewMCPServersHandler creates a new MCP servers handler
func NewMCPServersHandler(s *store.Store, m *manager.Manager) *MCPServersHandler {
	return &MCPServersHandler{store: s, manager: m}
}

// Routes returns MCP server routes
func (h *MCPServersHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListServers)
	r.Post("/", h.CreateServer)
	r.Put("/{id}", h.UpdateServer)
	r.Delete("/{id}", h.DeleteServer)
	r.Post("/{id}/test", h.TestServer)
	r.Get("/tools", h.ListTools)

	return r
}

// MCPServerRequest represents a request to create or update an MCP server
type MCPServerRequest struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Enabled *bool             `json:"enabled"`
}

func (req *MCPServerRequest) apply(srv *models.MCPServer) error {
	srv.Name = req.Name
	srv.Command = req.Command
	if req.Args != nil {
		raw, err := json.Marshal(req.Args)
		if err != nil {
			return err
		}
		srv.Args = datatypes.JSON(raw)
	}
	if req.Env != nil {
		raw, err := json.Marshal(req.Env)
		if err != nil {
			return err
		}
		srv.Env = datatypes.JSON(raw)
	}
	if req.Enabled != nil {
		srv.Enabled = *req.Enabled
	}
	return nil
}

// ListServers returns all configured MCP servers
func (h *MCPServersHandler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.store.ListMCPServers(r.Context())
	if err != nil {
		logging.LogErrorf(err, "Failed to list MCP servers")
		renderError(w, r, http.StatusInternalServerError, "Failed to list MCP servers")
		return
	}
	render.JSON(w, r, servers)
}

// CreateServer stores a new MCP server and reconfigures the bridge
func (h *MCPServersHandler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req MCPServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.Command == "" {
		renderError(w, r, http.StatusBadRequest, "Name and command are required")
		return
	}

	server := models.MCPServer{Enabled: true}
	if err := req.apply(&server); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid args or env")
		return
	}
	if err := h.store.CreateMCPServer(r.Context(), &server); err != nil {
		logging.LogErrorf(err, "Failed to create MCP server")
		renderError(w, r, http.StatusInternalServerError, "Failed to create MCP server")
		return
	}

	h.reconfigure(r.Context())

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, server)
}

// UpdateServer updates an MCP server and reconfigures the bridge
func (h *MCPServersHandler) UpdateServer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid server ID")
		return
	}

	var req MCPServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	server, err := h.store.GetMCPServer(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "MCP server not found")
		} else {
			logging.LogErrorf(err, "Failed to get MCP server")
			renderError(w, r, http.StatusInternalServerError, "Failed to get MCP server")
		}
		return
	}

	if err := req.apply(server); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid args or env")
		return
	}
	if err := h.store.UpdateMCPServer(r.Context(), server); err != nil {
		logging.LogErrorf(err, "Failed to update MCP server")
		renderError(w, r, http.StatusInternalServerError, "Failed to update MCP server")
		return
	}

	h.reconfigure(r.Context())

	render.JSON(w, r, server)
}

// DeleteServer removes an MCP server and reconfigures the bridge
func (h *MCPServersHandler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid server ID")
		return
	}

	if err := h.store.DeleteMCPServer(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "MCP server not found")
			return
		}
		logging.LogErrorf(err, "Failed to delete MCP server")
		renderError(w, r, http.StatusInternalServerError, "Failed to delete MCP server")
		return
	}

	h.reconfigure(r.Context())

	render.NoContent(w, r)
}

// TestServer launches the stored server once and reports the tools it
// advertises.
func (h *MCPServersHandler) TestServer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid server ID")
		return
	}

	server, err := h.store.GetMCPServer(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "MCP server not found")
		} else {
			logging.LogErrorf(err, "Failed to get MCP server")
			renderError(w, r, http.StatusInternalServerError, "Failed to get MCP server")
		}
		return
	}

	cfg, err := serverConfig(server)
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, "Invalid stored server configuration")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testConnectionTimeout)
	defer cancel()
	advertised, err := h.manager.TestServer(ctx, cfg)
	if err != nil {
		logging.LogWarningf(err, "MCP server test failed: %s", server.Name)
		render.JSON(w, r, map[string]interface{}{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"ok":    true,
		"tools": advertised,
	})
}

// ListTools returns the tools advertised by all running MCP servers
func (h *MCPServersHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	mcpTools, err := h.manager.ListAllTools(r.Context())
	if err != nil {
		logging.LogErrorf(err, "Failed to list MCP tools")
		renderError(w, r, http.StatusInternalServerError, "Failed to list MCP tools")
		return
	}
	if mcpTools == nil {
		mcpTools = []tools.ExternalTool{}
	}
	render.JSON(w, r, mcpTools)
}

// reconfigure pushes the current enabled server set into the bridge.
func (h *MCPServersHandler) reconfigure(ctx context.Context) {
	servers, err := h.store.ListMCPServers(ctx)
	if err != nil {
		logging.LogErrorf(err, "Failed to reload MCP servers for bridge configuration")
		return
	}
	configs := make([]manager.ServerConfig, 0, len(servers))
	for i := range servers {
		if !servers[i].Enabled {
			continue
		}
		cfg, err := serverConfig(&servers[i])
		if err != nil {
			logging.LogWarningf(err, "Skipping MCP server with invalid configuration: %s", servers[i].Name)
			continue
		}
		configs = append(configs, cfg)
	}
	h.manager.Configure(configs)
}

// serverConfig converts a stored row into a launchable bridge config.
func serverConfig(server *models.MCPServer) (manager.ServerConfig, error) {
	args, err := server.ArgList()
	if err != nil {
		return manager.ServerConfig{}, err
	}
	env, err := server.EnvMap()
	if err != nil {
		return manager.ServerConfig{}, err
	}
	return manager.ServerConfig{
		Name:    server.Name,
		Command: server.Command,
		Args:    args,
		Env:     env,
	}, nil
}
