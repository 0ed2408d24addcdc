// Package manager supervises the configured MCP servers: it launches them on
// demand, restarts dead ones and fans tool listing across all of them.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/mcp/client"
	"github.com/d4l-data4life/go-llm-chat/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-llm-chat/pkg/mcp/transport"
	"github.com/d4l-data4life/go-llm-chat/pkg/tools"
)

// Manager errors.
var (
	// ErrUnknownServer indicates a call for a server that is not configured
	ErrUnknownServer = errors.New("unknown mcp server")
)

const defaultStartupTimeout = 30 * time.Second

// ServerConfig describes one launchable MCP server.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

type session struct {
	cfg    ServerConfig
	client *client.Client
}

// Manager implements tools.ExternalProvider over a set of stdio MCP servers.
type Manager struct {
	mu       sync.RWMutex
	configs  map[string]ServerConfig
	sessions map[string]*session

	startupTimeout time.Duration
}

// NewManager creates an empty manager; call Configure to set the server set.
func NewManager() *Manager {
	return &Manager{
		configs:        map[string]ServerConfig{},
		sessions:       map[string]*session{},
		startupTimeout: defaultStartupTimeout,
	}
}

// Configure replaces the desired server set. Sessions of removed or changed
// servers are shut down; new servers start lazily on first use.
func (m *Manager) Configure(configs []ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := make(map[string]ServerConfig, len(configs))
	for _, cfg := range configs {
		desired[cfg.Name] = cfg
	}
	for name, sess := range m.sessions {
		if _, keep := desired[name]; !keep {
			logging.LogDebugf("stopping removed mcp server %s", name)
			_ = sess.client.Close()
			delete(m.sessions, name)
		}
	}
	m.configs = desired
}

// ensure returns a live client for the named server, starting or restarting
// the subprocess as needed.
func (m *Manager) ensure(ctx context.Context, name string) (*client.Client, error) {
	m.mu.RLock()
	sess, ok := m.sessions[name]
	m.mu.RUnlock()
	if ok && sess.client.Alive() {
		return sess.client, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// re-check under the write lock
	if sess, ok := m.sessions[name]; ok {
		if sess.client.Alive() {
			return sess.client, nil
		}
		logging.LogWarningf(nil, "mcp server %s died, restarting", name)
		_ = sess.client.Close()
		delete(m.sessions, name)
	}

	cfg, ok := m.configs[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownServer, "%s", name)
	}

	c, err := m.start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m.sessions[name] = &session{cfg: cfg, client: c}
	return c, nil
}

func (m *Manager) start(ctx context.Context, cfg ServerConfig) (*client.Client, error) {
	startCtx, cancel := context.WithTimeout(ctx, m.startupTimeout)
	defer cancel()

	t, err := transport.NewStdioTransport(context.Background(), cfg.Command, cfg.Args, cfg.Env)
	if err != nil {
		return nil, errors.Wrapf(err, "launching mcp server %s", cfg.Name)
	}
	c := client.New(t)
	if err := c.Initialize(startCtx); err != nil {
		_ = c.Close()
		return nil, errors.Wrapf(err, "initializing mcp server %s", cfg.Name)
	}
	logging.LogDebugf("mcp server %s initialized", cfg.Name)
	return c, nil
}

// ListAllTools collects the tool catalogs of every configured server. A
// failing server is logged and skipped so one broken config does not take
// down tool listing.
func (m *Manager) ListAllTools(ctx context.Context) ([]tools.ExternalTool, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var all []tools.ExternalTool
	for _, name := range names {
		c, err := m.ensure(ctx, name)
		if err != nil {
			logging.LogErrorf(err, "skipping mcp server %s", name)
			continue
		}
		serverTools, err := c.ListTools(ctx)
		if err != nil {
			logging.LogErrorf(err, "listing tools of mcp server %s failed", name)
			continue
		}
		for _, tool := range serverTools {
			all = append(all, tools.ExternalTool{
				Server:      name,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return all, nil
}

// CallTool invokes a tool on the named server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (string, error) {
	c, err := m.ensure(ctx, server)
	if err != nil {
		return "", err
	}
	return c.CallTool(ctx, tool, args)
}

// TestServer launches a throwaway instance of cfg, lists its tools and shuts
// it down again. Used by the configuration UI to validate a server entry.
func (m *Manager) TestServer(ctx context.Context, cfg ServerConfig) ([]protocol.Tool, error) {
	c, err := m.start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.ListTools(ctx)
}

// Shutdown stops all running servers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, sess := range m.sessions {
		_ = sess.client.Close()
		delete(m.sessions, name)
	}
}
