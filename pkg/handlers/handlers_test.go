package handlers

import (
	"context"
	"testing"

	"gorm.io/gorm"

	"github.com/d4l-data4life/go-llm-chat/internal/testutils"
	"github.com/d4l-data4life/go-llm-chat/pkg/agent"
	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
	"github.com/d4l-data4life/go-llm-chat/pkg/tools"
)

// scriptedGateway replays a fixed event script for every streaming call and
// a fixed message for every blocking call.
type scriptedGateway struct {
	chatContent string
	events      []llm.StreamEvent
}

func (g *scriptedGateway) Chat(_ context.Context, _ llm.ProviderConfig, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: g.chatContent}}, nil
}

func (g *scriptedGateway) ChatStream(_ context.Context, _ llm.ProviderConfig, _ llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent, len(g.events))
	for _, ev := range g.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type noopTools struct{}

func (noopTools) ListEnabled(_ context.Context, _ tools.Flags) []tools.Definition { return nil }

func (noopTools) Invoke(_ context.Context, _ tools.Env, _ string, _ map[string]interface{}) (string, error) {
	return "", nil
}

type testEnv struct {
	db    *gorm.DB
	store *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutils.NewTestDB(t)
	return &testEnv{db: db, store: store.New(db)}
}

func (e *testEnv) orchestrator(gw agent.Gateway) *agent.Orchestrator {
	cfg := agent.DefaultConfig()
	cfg.FallbackProvider = llm.ProviderConfig{APIBase: "http://upstream.test/v1", Model: "test-model"}
	return agent.New(e.store, gw, noopTools{}, cfg)
}
