package agent

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
)

const titleSystemPrompt = "Generate a short title (at most 6 words, no quotes, " +
	"same language as the conversation) summarizing the following exchange. " +
	"Reply with the title only."

const maxTitleRunes = 50

// GenerateTitle asks the model for a conversation title based on the first
// exchange. Used in the background after the opening turn completes.
func (o *Orchestrator) GenerateTitle(ctx context.Context, pc llm.ProviderConfig, userText, assistantText string) (string, error) {
	temperature := 0.3
	maxTokens := 30
	resp, err := o.gateway.Chat(ctx, pc, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: titleSystemPrompt},
			{Role: llm.RoleUser, Content: "User: " + userText + "\n\nAssistant: " + assistantText},
		},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", err
	}

	title := strings.TrimSpace(resp.Message.Content)
	title = strings.Trim(title, `"'“”「」`)
	title = strings.ReplaceAll(title, "\n", " ")
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	return title, nil
}

// GenerateTitleForConversation resolves the conversation's provider and asks
// the model for a title.
func (o *Orchestrator) GenerateTitleForConversation(ctx context.Context, conversationID uuid.UUID, userText, assistantText string) (string, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	pc, _, _, err := o.resolveProvider(ctx, conv, TurnRequest{})
	if err != nil {
		return "", err
	}
	return o.GenerateTitle(ctx, pc, userText, assistantText)
}
