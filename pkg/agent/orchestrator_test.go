package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
	"github.com/d4l-data4life/go-llm-chat/pkg/tools"
)

// fakes

type fakeStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*models.Conversation
	messages      []*models.Message
	providers     map[uuid.UUID]*models.Provider
	defaultProv   *models.Provider
	settings      map[string]string
	pending       []models.UploadedFile
	processed     []uuid.UUID
}

func newFakeStore(conv *models.Conversation) *fakeStore {
	return &fakeStore{conversations: map[uuid.UUID]*models.Conversation{conv.ID: conv}}
}

func (f *fakeStore) GetConversation(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

func (f *fakeStore) ContextMessages(_ context.Context, id uuid.UUID, maxTurns int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.messages {
		if m.ConversationID == id {
			out = append(out, *m)
		}
	}
	if len(out) > maxTurns*2 {
		out = out[len(out)-maxTurns*2:]
	}
	return out, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) PendingFiles(_ context.Context, _ uuid.UUID) ([]models.UploadedFile, error) {
	return f.pending, nil
}

func (f *fakeStore) MarkFilesProcessed(_ context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, ids...)
	return nil
}

func (f *fakeStore) GetProvider(_ context.Context, id uuid.UUID) (*models.Provider, error) {
	if p, ok := f.providers[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) DefaultProvider(_ context.Context) (*models.Provider, error) {
	if f.defaultProv != nil {
		return f.defaultProv, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) Setting(_ context.Context, key string) (string, error) {
	return f.settings[key], nil
}

func (f *fakeStore) roles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, m.Role)
	}
	return out
}

func (f *fakeStore) lastAssistantMessage() *models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].Role == models.MessageRoleAssistant {
			return f.messages[i]
		}
	}
	return nil
}

type fakeGateway struct {
	mu            sync.Mutex
	chatResponses []*llm.ChatResponse
	chatErr       error
	chatCalls     int

	streams     [][]llm.StreamEvent
	streamCalls int
	streamReqs  []llm.ChatRequest
	// holdStream keeps the stream open after the scripted events until the
	// round context is canceled, for disconnect tests
	holdStream bool
}

func (f *fakeGateway) Chat(_ context.Context, _ llm.ProviderConfig, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	if len(f.chatResponses) == 0 {
		return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "done"}}, nil
	}
	resp := f.chatResponses[0]
	f.chatResponses = f.chatResponses[1:]
	return resp, nil
}

func (f *fakeGateway) ChatStream(ctx context.Context, _ llm.ProviderConfig, req llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	f.mu.Lock()
	var script []llm.StreamEvent
	if len(f.streams) > 0 {
		idx := f.streamCalls
		if idx >= len(f.streams) {
			idx = len(f.streams) - 1
		}
		script = f.streams[idx]
	}
	f.streamCalls++
	f.streamReqs = append(f.streamReqs, req)
	hold := f.holdStream
	f.mu.Unlock()

	ch := make(chan llm.StreamEvent, len(script)+1)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

type fakeTools struct {
	mu      sync.Mutex
	defs    []tools.Definition
	results map[string]string
	invoked []string
	args    []map[string]interface{}
}

func (f *fakeTools) ListEnabled(_ context.Context, _ tools.Flags) []tools.Definition {
	return f.defs
}

func (f *fakeTools) Invoke(_ context.Context, _ tools.Env, name string, args map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, name)
	f.args = append(f.args, args)
	if result, ok := f.results[name]; ok {
		return result, nil
	}
	return "no result", nil
}

// helpers

func contentEvent(s string) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.StreamEventContent, Content: s}
}

func thinkingEvent(s string) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.StreamEventThinking, Content: s}
}

func usageEvent(in, out int) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.StreamEventUsage, Usage: &llm.Usage{
		PromptTokens: in, CompletionTokens: out, TotalTokens: in + out,
	}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FallbackProvider = llm.ProviderConfig{APIBase: "http://upstream.test/v1", Model: "test-model"}
	return cfg
}

func newTurnFixture(t *testing.T, gw *fakeGateway, tr ToolRunner, cfg Config) (*Orchestrator, *fakeStore, *models.Conversation) {
	t.Helper()
	conv := &models.Conversation{ID: uuid.New(), Title: models.DefaultConversationTitle}
	fs := newFakeStore(conv)
	return New(fs, gw, tr, cfg), fs, conv
}

func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for turn events")
		}
	}
}

func eventsOfType(events []StreamEvent, et StreamEventType) []StreamEvent {
	var out []StreamEvent
	for _, ev := range events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

func joinedContent(events []StreamEvent, et StreamEventType) string {
	var b strings.Builder
	for _, ev := range eventsOfType(events, et) {
		b.WriteString(ev.Content)
	}
	return b.String()
}

// tests

func TestPlainStreamingTurn(t *testing.T) {
	gw := &fakeGateway{streams: [][]llm.StreamEvent{{
		thinkingEvent("let me think"),
		contentEvent("Hello"),
		contentEvent(" there"),
		usageEvent(40, 7),
	}}}
	o, fs, conv := newTurnFixture(t, gw, &fakeTools{}, testConfig())

	ch, err := o.ExecuteTurn(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "hi"})
	require.NoError(t, err)
	events := collect(t, ch)

	require.NotEmpty(t, events)
	assert.Equal(t, EventAck, events[0].Type)
	assert.NotEqual(t, uuid.Nil, events[0].UserMessageID)
	assert.Equal(t, "let me think", joinedContent(events, EventThinking))
	assert.Equal(t, "Hello there", joinedContent(events, EventContent))

	metas := eventsOfType(events, EventMeta)
	require.Len(t, metas, 1)
	assert.Equal(t, 40, metas[0].Tokens.InputTokens)
	assert.Equal(t, 7, metas[0].Tokens.OutputTokens)
	assert.False(t, metas[0].Tokens.Estimated)

	msg := fs.lastAssistantMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "Hello there", msg.Content)
	assert.Equal(t, "let me think", msg.ThinkingContent)
	assert.Equal(t, 47, msg.TotalTokens)
	assert.False(t, msg.TokensEstimated)

	recorded, err := msg.Events()
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, models.EventTypeThinking, recorded[0].Type)
	assert.Equal(t, models.EventTypeText, recorded[1].Type)
	assert.Equal(t, "Hello there", recorded[1].Content)
}

func TestNativeToolLoopIsBounded(t *testing.T) {
	// the model asks for a tool on every iteration and never stops
	toolCallResponse := func() *llm.ChatResponse {
		return &llm.ChatResponse{Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: llm.ToolCallFunction{
					Name:      tools.ToolLocalTime,
					Arguments: "{}",
				},
			}},
		}}
	}
	cfg := testConfig()
	cfg.MaxToolIterations = 3
	gw := &fakeGateway{streams: [][]llm.StreamEvent{{contentEvent("final answer")}}}
	for i := 0; i < 10; i++ {
		gw.chatResponses = append(gw.chatResponses, toolCallResponse())
	}
	tr := &fakeTools{
		defs:    []tools.Definition{{Kind: tools.KindLocalTime, Schema: llm.Tool{Type: "function", Function: llm.ToolFunction{Name: tools.ToolLocalTime}}}},
		results: map[string]string{tools.ToolLocalTime: "2026-08-30 12:00:00"},
	}
	o, fs, conv := newTurnFixture(t, gw, tr, cfg)

	ch, err := o.ExecuteTurn(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "loop forever"})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, 3, gw.chatCalls)
	assert.Len(t, tr.invoked, 3)
	assert.Len(t, eventsOfType(events, EventToolStart), 3)
	assert.Len(t, eventsOfType(events, EventToolEnd), 3)
	assert.Equal(t, "final answer", joinedContent(events, EventContent))
	require.NotNil(t, fs.lastAssistantMessage())
}

func TestStreamingToolRoundTrip(t *testing.T) {
	// round one: the model emits an in-band tool call split across chunks,
	// round two: it answers with the results
	gw := &fakeGateway{streams: [][]llm.StreamEvent{
		{
			contentEvent("Let me calculate that. "),
			contentEvent("<function_"),
			contentEvent(`calls><invoke name="calculate_expression">`),
			contentEvent(`<parameter name="expression">6*7</parameter></invoke></function_calls>`),
		},
		{
			contentEvent("The result is 42."),
			usageEvent(100, 20),
		},
	}}
	tr := &fakeTools{results: map[string]string{tools.ToolCalculator: "42"}}
	o, fs, conv := newTurnFixture(t, gw, tr, testConfig())

	ch, err := o.ExecuteTurn(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "what is 6*7?"})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, 2, gw.streamCalls)
	require.Equal(t, []string{tools.ToolCalculator}, tr.invoked)
	assert.Equal(t, map[string]interface{}{"expression": "6*7"}, tr.args[0])

	visible := joinedContent(events, EventContent)
	assert.Equal(t, "Let me calculate that. The result is 42.", visible)
	assert.NotContains(t, visible, "function_calls")

	starts := eventsOfType(events, EventToolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, tools.ToolCalculator, starts[0].Tool.Tool)
	ends := eventsOfType(events, EventToolEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "42", ends[0].Tool.Result)

	// the follow-up round got the tool results appended
	require.Len(t, gw.streamReqs, 2)
	followup := gw.streamReqs[1].Messages
	last := followup[len(followup)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Contains(t, last.Content, "Tool results")
	assert.Contains(t, last.Content, "42")

	msg := fs.lastAssistantMessage()
	require.NotNil(t, msg)
	recorded, err := msg.Events()
	require.NoError(t, err)
	require.Len(t, recorded, 3)
	assert.Equal(t, models.EventTypeText, recorded[0].Type)
	assert.Equal(t, "Let me calculate that. ", recorded[0].Content)
	assert.Equal(t, models.EventTypeToolCall, recorded[1].Type)
	assert.Equal(t, tools.ToolCalculator, recorded[1].Tool)
	assert.Equal(t, models.EventTypeText, recorded[2].Type)
	assert.Equal(t, "The result is 42.", recorded[2].Content)
}

func TestStreamRoundCapIsBounded(t *testing.T) {
	// every round emits another tool call; the loop must stop at the cap
	toolBlock := []llm.StreamEvent{
		contentEvent(`<function_calls><invoke name="calculate_expression"><parameter name="expression">1+1</parameter></invoke></function_calls>`),
	}
	cfg := testConfig()
	cfg.MaxStreamRounds = 3
	gw := &fakeGateway{streams: [][]llm.StreamEvent{toolBlock}}
	tr := &fakeTools{results: map[string]string{tools.ToolCalculator: "2"}}
	o, fs, conv := newTurnFixture(t, gw, tr, cfg)

	ch, err := o.ExecuteTurn(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "keep calling"})
	require.NoError(t, err)
	collect(t, ch)

	assert.Equal(t, 3, gw.streamCalls)
	assert.Len(t, tr.invoked, 3)
	require.NotNil(t, fs.lastAssistantMessage())
}

func TestClientDisconnectPersistsPartialOutput(t *testing.T) {
	gw := &fakeGateway{
		streams:    [][]llm.StreamEvent{{contentEvent("partial answer text")}},
		holdStream: true,
	}
	o, fs, conv := newTurnFixture(t, gw, &fakeTools{}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := o.ExecuteTurn(ctx, TurnRequest{ConversationID: conv.ID, UserText: "tell me everything"})
	require.NoError(t, err)

	// read until the partial content arrived, then drop the connection
	timeout := time.After(5 * time.Second)
	for got := ""; !strings.Contains(got, "partial answer text"); {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "turn ended before content arrived")
			if ev.Type == EventContent {
				got += ev.Content
			}
		case <-timeout:
			t.Fatal("timed out waiting for content")
		}
	}
	cancel()
	collect(t, ch)

	require.Eventually(t, func() bool {
		return fs.lastAssistantMessage() != nil
	}, 5*time.Second, 10*time.Millisecond)

	msg := fs.lastAssistantMessage()
	assert.Contains(t, msg.Content, "partial answer text")
	assert.Contains(t, msg.Content, interruptionMarker)

	recorded, err := msg.Events()
	require.NoError(t, err)
	require.NotEmpty(t, recorded)
	assert.Contains(t, recorded[len(recorded)-1].Content, interruptionMarker)

	// no meta event: the client was gone
}

func TestTokenEstimationWhenUpstreamReportsNothing(t *testing.T) {
	gw := &fakeGateway{streams: [][]llm.StreamEvent{{
		contentEvent("This answer has a reasonable number of characters in it."),
	}}}
	o, fs, conv := newTurnFixture(t, gw, &fakeTools{}, testConfig())

	ch, err := o.ExecuteTurn(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "hi"})
	require.NoError(t, err)
	events := collect(t, ch)

	metas := eventsOfType(events, EventMeta)
	require.Len(t, metas, 1)
	assert.True(t, metas[0].Tokens.Estimated)
	assert.Positive(t, metas[0].Tokens.OutputTokens)
	assert.Positive(t, metas[0].Tokens.InputTokens)

	msg := fs.lastAssistantMessage()
	require.NotNil(t, msg)
	assert.True(t, msg.TokensEstimated)
	assert.Equal(t, len(msg.Content)/4, msg.OutputTokens)
}

func TestThinkingOnlyOutputBecomesAnswer(t *testing.T) {
	gw := &fakeGateway{streams: [][]llm.StreamEvent{{
		thinkingEvent("all I have is reasoning"),
	}}}
	o, fs, conv := newTurnFixture(t, gw, &fakeTools{}, testConfig())

	ch, err := o.ExecuteTurn(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "hi"})
	require.NoError(t, err)
	collect(t, ch)

	msg := fs.lastAssistantMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "all I have is reasoning", msg.Content)
}

func TestUpstreamErrorAbortsTurn(t *testing.T) {
	gw := &fakeGateway{chatErr: &llm.UpstreamError{StatusCode: 502, Message: "bad gateway"}}
	tr := &fakeTools{defs: []tools.Definition{{Kind: tools.KindLocalTime, Schema: llm.Tool{Type: "function", Function: llm.ToolFunction{Name: tools.ToolLocalTime}}}}}
	o, fs, conv := newTurnFixture(t, gw, tr, testConfig())

	ch, err := o.ExecuteTurn(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "hi"})
	require.NoError(t, err)
	events := collect(t, ch)

	errs := eventsOfType(events, EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Err.Error(), "bad gateway")
	assert.Empty(t, eventsOfType(events, EventMeta))
	assert.Nil(t, fs.lastAssistantMessage())
}

func TestToolFailureIsReportedNotFatal(t *testing.T) {
	gw := &fakeGateway{streams: [][]llm.StreamEvent{
		{contentEvent(`<function_calls><invoke name="calculate_expression"><parameter name="expression">1/0</parameter></invoke></function_calls>`)},
		{contentEvent("I could not compute that.")},
	}}
	tr := &failingTools{}
	o, fs, conv := newTurnFixture(t, gw, tr, testConfig())

	ch, err := o.ExecuteTurn(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "divide by zero"})
	require.NoError(t, err)
	events := collect(t, ch)

	ends := eventsOfType(events, EventToolEnd)
	require.Len(t, ends, 1)
	assert.Contains(t, ends[0].Tool.Error, "division by zero")

	// the error went back to the model as a tool result
	require.Len(t, gw.streamReqs, 2)
	followup := gw.streamReqs[1].Messages
	assert.Contains(t, followup[len(followup)-1].Content, "Error: division by zero")

	require.NotNil(t, fs.lastAssistantMessage())
	assert.Equal(t, "I could not compute that.", fs.lastAssistantMessage().Content)
}

type failingTools struct{}

func (f *failingTools) ListEnabled(_ context.Context, _ tools.Flags) []tools.Definition { return nil }

func (f *failingTools) Invoke(_ context.Context, _ tools.Env, _ string, _ map[string]interface{}) (string, error) {
	return "", errors.New("division by zero")
}

func TestExecuteTurnValidation(t *testing.T) {
	o, _, conv := newTurnFixture(t, &fakeGateway{}, &fakeTools{}, testConfig())

	_, err := o.ExecuteTurn(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "   "})
	assert.ErrorIs(t, err, ErrEmptyUserText)

	_, err = o.ExecuteTurn(context.Background(), TurnRequest{ConversationID: uuid.New(), UserText: "hi"})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestTurnsSerializePerConversation(t *testing.T) {
	gw := &fakeGateway{streams: [][]llm.StreamEvent{{contentEvent("ok")}}}
	o, fs, conv := newTurnFixture(t, gw, &fakeTools{}, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := o.ExecuteTurn(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "hi"})
			require.NoError(t, err)
			collect(t, ch)
		}()
	}
	wg.Wait()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Len(t, fs.messages, 8) // four user + four assistant rows
}

func TestSecondTurnWaitsForActiveStream(t *testing.T) {
	gw := &fakeGateway{holdStream: true, streams: [][]llm.StreamEvent{{contentEvent("partial")}}}
	o, fs, conv := newTurnFixture(t, gw, &fakeTools{}, testConfig())

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	chA, err := o.ExecuteTurn(ctxA, TurnRequest{ConversationID: conv.ID, UserText: "first"})
	require.NoError(t, err)

	gotContent := make(chan struct{}, 1)
	go func() {
		for ev := range chA {
			if ev.Type == EventContent {
				select {
				case gotContent <- struct{}{}:
				default:
				}
			}
		}
	}()
	select {
	case <-gotContent:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never streamed content")
	}

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		chB, err := o.ExecuteTurn(ctxB, TurnRequest{ConversationID: conv.ID, UserText: "second"})
		if err != nil {
			return
		}
		for range chB {
		}
	}()

	// while the first turn streams, the second may not write its user message
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, []string{models.MessageRoleUser}, fs.roles())

	cancelA()

	// the first turn persists its partial answer before the second begins
	require.Eventually(t, func() bool {
		roles := fs.roles()
		return len(roles) >= 3 && roles[1] == models.MessageRoleAssistant
	}, 5*time.Second, 10*time.Millisecond)

	cancelB()
	select {
	case <-secondDone:
	case <-time.After(5 * time.Second):
		t.Fatal("second turn never finished")
	}

	assert.Equal(t, []string{
		models.MessageRoleUser, models.MessageRoleAssistant,
		models.MessageRoleUser, models.MessageRoleAssistant,
	}, fs.roles())
}
