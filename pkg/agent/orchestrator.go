package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/metrics"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
	"github.com/d4l-data4life/go-llm-chat/pkg/tools"
)

// interruptionMarker is appended to a partially produced answer when the
// client disconnects or the stream breaks, so the history shows the cut.
const interruptionMarker = "[output interrupted]"

// turnState accumulates everything one turn produces.
type turnState struct {
	model      string
	thinking   strings.Builder
	answer     strings.Builder
	timeline   timeline
	tokens     tokenCounter
	executions []ToolExecution
}

// ExecuteTurn validates and persists the user message, then runs the turn
// asynchronously. Events arrive on the returned channel, which is closed when
// the turn finishes. The caller's ctx canceling (client disconnect) stops
// streaming; whatever was produced is persisted with an interruption marker.
// Turns on the same conversation are serialized: the conversation lock is
// taken before history is read or the user message is written, so a second
// turn blocks here until the first has persisted its assistant message.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, req TurnRequest) (<-chan StreamEvent, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return nil, ErrEmptyUserText
	}

	conv, err := o.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	unlock := o.locks.Lock(conv.ID)
	started := false
	defer func() {
		if !started {
			unlock()
		}
	}()

	pc, provider, model, err := o.resolveProvider(ctx, conv, req)
	if err != nil {
		return nil, err
	}
	flags := resolveFlags(conv, req)

	tc, err := o.buildContext(ctx, conv, req, provider, model, flags)
	if err != nil {
		return nil, err
	}

	userMsg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.MessageRoleUser,
		Content:        req.UserText,
	}
	if len(tc.visionContent) > 0 {
		raw, err := json.Marshal(tc.visionContent)
		if err == nil {
			userMsg.VisionContent = datatypes.JSON(raw)
		}
	}
	if err := o.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	if err := o.store.MarkFilesProcessed(ctx, tc.processedFiles); err != nil {
		logging.LogErrorf(err, "marking files processed")
	}

	events := make(chan StreamEvent, 16)
	started = true
	go o.runTurn(ctx, events, conv, req, flags, pc, model, tc, userMsg, unlock)
	return events, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, events chan<- StreamEvent, conv *models.Conversation, req TurnRequest, flags tools.Flags, pc llm.ProviderConfig, model string, tc *turnContext, userMsg *models.Message, unlock func()) {
	defer unlock()
	defer close(events)

	metrics.ChatTurnsTotal.Inc()

	send := func(ev StreamEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	send(StreamEvent{Type: EventAck, UserMessageID: userMsg.ID})

	state := &turnState{model: model}
	env := tools.Env{
		Provider:        pc,
		EmbeddingModel:  o.config.EmbeddingModel,
		ConversationID:  conv.ID,
		KnowledgeBaseID: req.KnowledgeBaseID,
		WebSearchSource: req.WebSearchSource,
	}

	messages := tc.messages
	defs := o.tools.ListEnabled(ctx, flags)

	messages, err := o.nativeToolLoop(ctx, send, state, env, pc, messages, defs)
	if err != nil {
		o.failTurn(ctx, send, conv, state, tc, err)
		return
	}

	err = o.streamAnswer(ctx, send, state, env, pc, messages, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			o.persistTurn(conv, state, tc, true)
			return
		}
		o.failTurn(ctx, send, conv, state, tc, err)
		return
	}

	msg, info := o.persistTurn(conv, state, tc, false)
	if msg == nil {
		send(StreamEvent{Type: EventError, Err: errors.New("persisting assistant message failed")})
		return
	}
	send(StreamEvent{Type: EventMeta, Tokens: &info})
}

// failTurn reports an upstream or execution error. Output that already
// reached the client is persisted with the interruption marker.
func (o *Orchestrator) failTurn(ctx context.Context, send func(StreamEvent), conv *models.Conversation, state *turnState, tc *turnContext, err error) {
	logging.LogErrorf(err, "chat turn failed for conversation %s", conv.ID)
	if llm.IsUpstreamError(err) {
		metrics.UpstreamErrorsTotal.Inc()
	}
	send(StreamEvent{Type: EventError, Err: err})
	if state.answer.Len() > 0 || state.thinking.Len() > 0 {
		o.persistTurn(conv, state, tc, true)
	}
}

// nativeToolLoop runs the bounded non-streaming tool-calling phase. The
// model's final prose from this phase is discarded; the streaming phase
// re-asks so the answer arrives as a stream.
func (o *Orchestrator) nativeToolLoop(ctx context.Context, send func(StreamEvent), state *turnState, env tools.Env, pc llm.ProviderConfig, messages []llm.Message, defs []tools.Definition) ([]llm.Message, error) {
	schemas := tools.Schemas(defs)
	if len(schemas) == 0 {
		return messages, nil
	}

	for iter := 0; iter < o.config.MaxToolIterations; iter++ {
		resp, err := o.gateway.Chat(ctx, pc, llm.ChatRequest{
			Model:    state.model,
			Messages: messages,
			Tools:    schemas,
		})
		if err != nil {
			return messages, err
		}
		state.tokens.add(resp.Usage)

		if len(resp.Message.ToolCalls) == 0 {
			return messages, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: resp.Message.ToolCalls,
		})
		for _, call := range resp.Message.ToolCalls {
			args := map[string]interface{}{}
			if call.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
					logging.LogDebugf("unparsable arguments for %s: %v", call.Function.Name, err)
				}
			}
			result := o.executeTool(ctx, send, state, env, call.Function.Name, args, call.Function.Arguments)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
		}
	}
	logging.LogWarningf(nil, "tool iteration cap reached for conversation %s", env.ConversationID)
	return messages, nil
}

// streamAnswer runs the bounded streaming phase. Each round streams model
// output through the in-band tool call detectors; an extracted invocation
// aborts the round, executes the tools and starts the next round with the
// results appended.
func (o *Orchestrator) streamAnswer(ctx context.Context, send func(StreamEvent), state *turnState, env tools.Env, pc llm.ProviderConfig, messages []llm.Message, req TurnRequest) error {
	for round := 0; round < o.config.MaxStreamRounds; round++ {
		roundCtx, cancel := context.WithCancel(ctx)
		ch, err := o.gateway.ChatStream(roundCtx, pc, llm.ChatRequest{
			Model:          state.model,
			Messages:       messages,
			EnableThinking: req.EnableThinking,
		})
		if err != nil {
			cancel()
			return err
		}

		thinkDet, contentDet := NewDetector(), NewDetector()
		var roundInvs []ToolInvocation
		var roundVisible strings.Builder
		var streamErr error
		interrupted := false

	consume:
		for {
			select {
			case <-ctx.Done():
				interrupted = true
				break consume
			case ev, ok := <-ch:
				if !ok {
					break consume
				}
				switch ev.Type {
				case llm.StreamEventUsage:
					state.tokens.add(*ev.Usage)
				case llm.StreamEventError:
					streamErr = ev.Err
					break consume
				case llm.StreamEventThinking:
					visible, invs := thinkDet.Feed(ev.Content)
					roundInvs = append(roundInvs, invs...)
					if visible != "" {
						state.thinking.WriteString(visible)
						state.timeline.appendDelta(models.EventTypeThinking, visible)
						send(StreamEvent{Type: EventThinking, Content: visible})
					}
				case llm.StreamEventContent:
					visible, invs := contentDet.Feed(ev.Content)
					roundInvs = append(roundInvs, invs...)
					if visible != "" {
						state.answer.WriteString(visible)
						roundVisible.WriteString(visible)
						state.timeline.appendDelta(models.EventTypeText, visible)
						send(StreamEvent{Type: EventContent, Content: visible})
					}
				}
				if len(roundInvs) > 0 {
					break consume
				}
			}
		}
		cancel()
		for range ch {
			// drain so the decoder goroutine can exit
		}

		if interrupted {
			return context.Canceled
		}
		if streamErr != nil {
			return streamErr
		}

		if len(roundInvs) == 0 {
			// replay anything the detectors still held back
			if tail := thinkDet.Flush(); tail != "" {
				state.thinking.WriteString(tail)
				state.timeline.appendDelta(models.EventTypeThinking, tail)
				send(StreamEvent{Type: EventThinking, Content: tail})
			}
			if tail := contentDet.Flush(); tail != "" {
				state.answer.WriteString(tail)
				state.timeline.appendDelta(models.EventTypeText, tail)
				send(StreamEvent{Type: EventContent, Content: tail})
			}
			return nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: roundVisible.String()})
		var results strings.Builder
		for _, inv := range roundInvs {
			argsJSON, _ := json.Marshal(inv.Arguments)
			result := o.executeTool(ctx, send, state, env, inv.Tool, inv.Arguments, string(argsJSON))
			fmt.Fprintf(&results, "Result of %s:\n%s\n\n", inv.Tool, result)
		}
		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "Tool results:\n\n" + results.String() + "Continue answering the user's question with these results.",
		})
	}
	logging.LogWarningf(nil, "stream round cap reached for conversation %s", env.ConversationID)
	return nil
}

// executeTool runs one tool invocation with its own timeout and records it
// on the timeline. Failures are reported to the model as text, not as a
// broken turn.
func (o *Orchestrator) executeTool(ctx context.Context, send func(StreamEvent), state *turnState, env tools.Env, name string, args map[string]interface{}, argsJSON string) string {
	exec := ToolExecution{Tool: name, Arguments: argsJSON}
	send(StreamEvent{Type: EventToolStart, Tool: &ToolExecution{Tool: name, Arguments: argsJSON}})
	send(StreamEvent{Type: EventToolProgress, Tool: &ToolExecution{Tool: name}})

	toolCtx, cancel := context.WithTimeout(ctx, o.config.ToolExecutionTimeout)
	start := time.Now()
	result, err := o.tools.Invoke(toolCtx, env, name, args)
	cancel()
	exec.Duration = time.Since(start)

	status := "ok"
	if err != nil {
		exec.Error = err.Error()
		result = fmt.Sprintf("Error: %v", err)
		status = "error"
		logging.LogErrorf(err, "tool %s failed", name)
	} else {
		exec.Result = result
	}
	metrics.ToolExecutionsTotal.WithLabelValues(name, status).Inc()

	state.timeline.appendToolCall(exec)
	state.executions = append(state.executions, exec)
	send(StreamEvent{Type: EventToolEnd, Tool: &exec})
	return result
}

// persistTurn writes the assistant message. It runs on a background context
// so a disconnected client cannot prevent durability.
func (o *Orchestrator) persistTurn(conv *models.Conversation, state *turnState, tc *turnContext, interrupted bool) (*models.Message, TokenInfo) {
	answer := state.answer.String()
	if strings.TrimSpace(answer) == "" && state.thinking.Len() > 0 && len(state.executions) == 0 {
		// the model only produced reasoning; surface it as the answer
		answer = state.thinking.String()
	}
	if interrupted {
		answer += "\n\n" + interruptionMarker
		state.timeline.appendDelta(models.EventTypeText, "\n\n"+interruptionMarker)
	}

	info := state.tokens.finalize(state.model, contextChars(tc.messages), state.answer.Len()+state.thinking.Len())

	msg := &models.Message{
		ConversationID:  conv.ID,
		Role:            models.MessageRoleAssistant,
		Content:         answer,
		Model:           info.Model,
		InputTokens:     info.InputTokens,
		OutputTokens:    info.OutputTokens,
		TotalTokens:     info.TotalTokens,
		TokensEstimated: info.Estimated,
		ThinkingContent: state.thinking.String(),
	}
	if err := msg.SetEvents(state.timeline.events); err != nil {
		logging.LogErrorf(err, "serializing message events")
	}
	if len(state.executions) > 0 {
		if raw, err := json.Marshal(state.executions); err == nil {
			msg.ToolCalls = datatypes.JSON(raw)
		}
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.CreateMessage(persistCtx, msg); err != nil {
		logging.LogErrorf(err, "persisting assistant message for conversation %s", conv.ID)
		return nil, info
	}
	return msg, info
}
