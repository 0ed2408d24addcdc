// Package tools implements the built-in tool registry and the bridge naming
// scheme for external MCP tools.
package tools

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
)

// Built-in tool names.
const (
	ToolLocalTime       = "get_local_time"
	ToolCalculator      = "calculate_expression"
	ToolKnowledgeSearch = "search_knowledge"
	ToolWebSearch       = "web_search"
)

// Common registry errors.
var (
	// ErrUnknownTool indicates the model asked for a tool that is not registered
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolFailed wraps tool execution failures
	ErrToolFailed = errors.New("tool execution failed")
)

// Kind discriminates how a tool definition is dispatched.
type Kind int

// Tool kinds
const (
	KindLocalTime Kind = iota
	KindCalculator
	KindKnowledgeSearch
	KindWebSearch
	KindExternal
)

// Definition is one dispatchable tool. External definitions carry the server
// and remote tool name resolved from the sanitized composite name.
type Definition struct {
	Kind       Kind
	Schema     llm.Tool
	Server     string
	RemoteTool string
}

// Flags selects which optional tool groups a chat turn may use.
type Flags struct {
	KnowledgeBase bool
	MCP           bool
	WebSearch     bool
}

// Env carries per-turn call context: the provider for embeddings and the
// conversation's web search preference.
type Env struct {
	Provider        llm.ProviderConfig
	EmbeddingModel  string
	ConversationID  uuid.UUID
	KnowledgeBaseID *uuid.UUID
	WebSearchSource string
}

// Embedder creates embeddings, satisfied by *llm.Gateway.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, provider llm.ProviderConfig, model string, inputs []string) ([][]float64, error)
}

// KnowledgeSearcher ranks stored chunks, satisfied by *store.Store.
type KnowledgeSearcher interface {
	SearchChunks(ctx context.Context, queryEmbedding []float64, kbID *uuid.UUID, topK int) ([]store.ChunkHit, error)
}

// SettingsSource reads runtime settings, satisfied by *store.Store.
type SettingsSource interface {
	Setting(ctx context.Context, key string) (string, error)
}

// ExternalTool is one tool advertised by a bridged MCP server.
type ExternalTool struct {
	Server      string
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ExternalProvider lists and calls bridged MCP tools, satisfied by the MCP
// manager.
type ExternalProvider interface {
	ListAllTools(ctx context.Context) ([]ExternalTool, error)
	CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (string, error)
}

const externalToolsCacheKey = "external_tools"

// Registry owns the built-in tools and the sanitized-name mapping for
// external ones.
type Registry struct {
	embedder  Embedder
	knowledge KnowledgeSearcher
	settings  SettingsSource
	external  ExternalProvider

	httpClient *http.Client
	// toolCache keeps the external tool list for a short while; listing
	// tools hits every running MCP server.
	toolCache *cache.Cache

	mu      sync.RWMutex
	nameMap map[string]remoteRef
}

type remoteRef struct {
	server string
	tool   string
	schema map[string]interface{}
}

// NewRegistry wires the registry with its collaborators. external may be nil
// when no MCP bridge is configured.
func NewRegistry(embedder Embedder, knowledge KnowledgeSearcher, settings SettingsSource, external ExternalProvider) *Registry {
	return &Registry{
		embedder:   embedder,
		knowledge:  knowledge,
		settings:   settings,
		external:   external,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		toolCache:  cache.New(30*time.Second, time.Minute),
		nameMap:    map[string]remoteRef{},
	}
}

// ListEnabled returns the tool definitions available for a turn with the
// given flags. The always-on builtins come first.
func (r *Registry) ListEnabled(ctx context.Context, flags Flags) []Definition {
	defs := []Definition{
		{Kind: KindLocalTime, Schema: localTimeSchema},
		{Kind: KindCalculator, Schema: calculatorSchema},
	}
	if flags.KnowledgeBase {
		defs = append(defs, Definition{Kind: KindKnowledgeSearch, Schema: knowledgeSearchSchema})
	}
	if flags.WebSearch {
		defs = append(defs, Definition{Kind: KindWebSearch, Schema: webSearchSchema})
	}
	if flags.MCP && r.external != nil {
		defs = append(defs, r.externalDefinitions(ctx)...)
	}
	return defs
}

// Schemas projects definitions into the wire format sent to the model.
func Schemas(defs []Definition) []llm.Tool {
	schemas := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		schemas = append(schemas, d.Schema)
	}
	return schemas
}

func (r *Registry) externalDefinitions(ctx context.Context) []Definition {
	if cached, ok := r.toolCache.Get(externalToolsCacheKey); ok {
		return cached.([]Definition)
	}

	remote, err := r.external.ListAllTools(ctx)
	if err != nil {
		logging.LogErrorf(err, "listing external tools failed, continuing without them")
		return nil
	}

	r.mu.Lock()
	defs := make([]Definition, 0, len(remote))
	for _, tool := range remote {
		params := tool.InputSchema
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		name := r.registerLocked(tool.Server, tool.Name, params)
		defs = append(defs, Definition{
			Kind:       KindExternal,
			Server:     tool.Server,
			RemoteTool: tool.Name,
			Schema: llm.Tool{
				Type: "function",
				Function: llm.ToolFunction{
					Name:        name,
					Description: tool.Description,
					Parameters:  params,
				},
			},
		})
	}
	r.mu.Unlock()

	r.toolCache.Set(externalToolsCacheKey, defs, cache.DefaultExpiration)
	return defs
}

// registerLocked maps server/tool to a unique sanitized composite name.
// Collisions after sanitization get a numeric suffix so the mapping stays
// lossless both ways.
func (r *Registry) registerLocked(server, tool string, schema map[string]interface{}) string {
	base := CompositeToolName(server, tool)
	name := base
	for i := 2; ; i++ {
		ref, exists := r.nameMap[name]
		if !exists || (ref.server == server && ref.tool == tool) {
			break
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
	r.nameMap[name] = remoteRef{server: server, tool: tool, schema: schema}
	return name
}

// Resolve maps a sanitized composite name back to its server and remote tool.
func (r *Registry) Resolve(name string) (server, tool string, ok bool) {
	r.mu.RLock()
	ref, found := r.nameMap[name]
	r.mu.RUnlock()
	if found {
		return ref.server, ref.tool, true
	}
	// fallback for names never registered in this process
	return ParseCompositeToolName(name)
}

// Invoke dispatches a tool call by name and returns its textual result.
func (r *Registry) Invoke(ctx context.Context, env Env, name string, args map[string]interface{}) (string, error) {
	switch name {
	case ToolLocalTime:
		return r.localTime(args), nil
	case ToolCalculator:
		return r.calculate(args)
	case ToolKnowledgeSearch:
		return r.searchKnowledge(ctx, env, args)
	case ToolWebSearch:
		return r.webSearch(ctx, env, args)
	}

	r.mu.RLock()
	ref, found := r.nameMap[name]
	r.mu.RUnlock()
	if !found {
		var ok bool
		ref.server, ref.tool, ok = ParseCompositeToolName(name)
		if !ok {
			return "", errors.Wrapf(ErrUnknownTool, "%s", name)
		}
	}
	if r.external == nil {
		return "", errors.Wrapf(ErrUnknownTool, "%s", name)
	}
	result, err := r.external.CallTool(ctx, ref.server, ref.tool, CoerceArguments(ref.schema, args))
	if err != nil {
		return "", errors.Wrapf(ErrToolFailed, "calling %s on server %s: %v", ref.tool, ref.server, err)
	}
	return result, nil
}

func (r *Registry) localTime(args map[string]interface{}) string {
	loc := time.Local
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		if parsed, err := time.LoadLocation(tz); err == nil {
			loc = parsed
		}
	}
	return time.Now().In(loc).Format("2006-01-02 15:04:05 MST")
}

func (r *Registry) calculate(args map[string]interface{}) (string, error) {
	expr, _ := args["expression"].(string)
	if expr == "" {
		return "", errors.New("missing expression argument")
	}
	result, err := EvaluateExpression(expr)
	if err != nil {
		return "", err
	}
	return result, nil
}
