package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/tools"
)

// maxInlinedFileBytes caps how much of an attached text file is inlined into
// the model context.
const maxInlinedFileBytes = 64 * 1024

const webSearchPreamble = "You have access to a web_search tool. For questions about current " +
	"events or facts that may have changed, search before answering and mention the sources. " +
	"Today's date is %s."

// fallbackSystemPrompt is used when nothing else is configured.
const fallbackSystemPrompt = "You are a helpful assistant."

// externalToolsHeader introduces the inline tool-call block grammar that the
// stream detector recognizes.
const externalToolsHeader = "You can call the following external tools. To call one, reply with a block " +
	"in exactly this format:\n\n" +
	"<function_calls>\n" +
	"  <invoke name=\"TOOL_NAME\">\n" +
	"    <parameter name=\"PARAM\">value</parameter>\n" +
	"  </invoke>\n" +
	"</function_calls>\n\n" +
	"The tool result will be given to you in a follow-up message. Available tools:"

// resolveFlags merges request overrides, conversation toggles and defaults.
func resolveFlags(conv *models.Conversation, req TurnRequest) tools.Flags {
	pick := func(override, stored *bool) bool {
		if override != nil {
			return *override
		}
		if stored != nil {
			return *stored
		}
		return false
	}
	return tools.Flags{
		KnowledgeBase: pick(req.EnableKnowledgeBase, conv.EnableKnowledgeBase),
		MCP:           pick(req.EnableMCP, conv.EnableMCP),
		WebSearch:     pick(req.EnableWebSearch, conv.EnableWebSearch),
	}
}

// resolveProvider picks the provider and model for a turn: request override
// first, then the conversation's provider, then the stored default, then the
// static fallback from the environment.
func (o *Orchestrator) resolveProvider(ctx context.Context, conv *models.Conversation, req TurnRequest) (llm.ProviderConfig, *models.Provider, string, error) {
	var provider *models.Provider
	var err error

	switch {
	case req.ProviderID != nil:
		provider, err = o.store.GetProvider(ctx, *req.ProviderID)
	case conv.ProviderID != nil:
		provider, err = o.store.GetProvider(ctx, *conv.ProviderID)
	default:
		provider, err = o.store.DefaultProvider(ctx)
	}
	if err != nil {
		logging.LogDebugf("no stored provider resolved: %v", err)
		provider = nil
	}

	model := req.Model
	if model == "" {
		model = conv.Model
	}

	if provider != nil {
		if model == "" {
			model = provider.DefaultModel
		}
		return llm.ProviderConfig{
			APIBase: provider.APIBase,
			APIKey:  provider.APIKey,
			Model:   model,
		}, provider, model, nil
	}

	fallback := o.config.FallbackProvider
	if fallback.APIBase == "" {
		return llm.ProviderConfig{}, nil, "", ErrNoProvider
	}
	if model == "" {
		model = fallback.Model
	}
	fallback.Model = model
	return fallback, nil, model, nil
}

// systemPrompt resolves the system prompt and appends the preambles for the
// active tool groups.
func (o *Orchestrator) systemPrompt(ctx context.Context, flags tools.Flags) string {
	prompt, err := o.store.Setting(ctx, models.SettingSystemPrompt)
	if err != nil {
		logging.LogErrorf(err, "loading system prompt setting")
	}
	if prompt == "" {
		prompt = o.config.DefaultSystemPrompt
	}
	if prompt == "" {
		prompt = fallbackSystemPrompt
	}
	if flags.WebSearch {
		prompt += "\n\n" + fmt.Sprintf(webSearchPreamble, time.Now().Format("2006-01-02"))
	}
	if flags.MCP {
		if preamble := externalToolsPreamble(o.tools.ListEnabled(ctx, flags)); preamble != "" {
			prompt += "\n\n" + preamble
		}
	}
	return prompt
}

// externalToolsPreamble renders the inline-call instructions for the external
// tools in defs. Models that answer without native tool support can still
// reach external tools through the block grammar; the streaming detector
// extracts the calls from the answer text.
func externalToolsPreamble(defs []tools.Definition) string {
	var b strings.Builder
	for _, def := range defs {
		if def.Kind != tools.KindExternal {
			continue
		}
		fn := def.Schema.Function
		fmt.Fprintf(&b, "\n- %s", fn.Name)
		if fn.Description != "" {
			fmt.Fprintf(&b, ": %s", fn.Description)
		}
		if len(fn.Parameters) > 0 {
			if raw, err := json.Marshal(fn.Parameters); err == nil {
				fmt.Fprintf(&b, "\n  parameters: %s", raw)
			}
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return externalToolsHeader + b.String()
}

// turnContext is the assembled model input for one turn.
type turnContext struct {
	messages       []llm.Message
	processedFiles []uuid.UUID
	visionContent  []llm.ContentPart
}

// buildContext assembles system prompt, bounded history and the new user
// message with pending file attachments inlined.
func (o *Orchestrator) buildContext(ctx context.Context, conv *models.Conversation, req TurnRequest, provider *models.Provider, model string, flags tools.Flags) (*turnContext, error) {
	tc := &turnContext{}
	tc.messages = append(tc.messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: o.systemPrompt(ctx, flags),
	})

	history, err := o.store.ContextMessages(ctx, conv.ID, o.config.MaxContextTurns)
	if err != nil {
		return nil, errors.Wrap(err, "loading history")
	}
	for _, msg := range history {
		tc.messages = append(tc.messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}

	userText := req.UserText
	pending, err := o.store.PendingFiles(ctx, conv.ID)
	if err != nil {
		return nil, errors.Wrap(err, "loading pending files")
	}

	visionCapable := provider != nil && provider.ModelSupportsVision(model)
	var imageParts []llm.ContentPart
	for _, file := range pending {
		if file.IsImage() && visionCapable {
			part, err := imagePart(&file)
			if err != nil {
				logging.LogErrorf(err, "skipping image attachment %s", file.Filename)
				continue
			}
			imageParts = append(imageParts, *part)
			tc.processedFiles = append(tc.processedFiles, file.ID)
			continue
		}
		text, err := inlineText(&file)
		if err != nil {
			logging.LogErrorf(err, "skipping attachment %s", file.Filename)
			continue
		}
		userText += text
		tc.processedFiles = append(tc.processedFiles, file.ID)
	}

	userMessage := llm.Message{Role: llm.RoleUser, Content: userText}
	if len(imageParts) > 0 {
		userMessage.Parts = append([]llm.ContentPart{{Type: "text", Text: userText}}, imageParts...)
		tc.visionContent = imageParts
	}
	tc.messages = append(tc.messages, userMessage)
	return tc, nil
}

// inlineText reads an attached file and formats it for inclusion in the user
// message.
func inlineText(file *models.UploadedFile) (string, error) {
	raw, err := os.ReadFile(file.StoredPath)
	if err != nil {
		return "", errors.Wrap(err, "reading attachment")
	}
	if len(raw) > maxInlinedFileBytes {
		raw = raw[:maxInlinedFileBytes]
	}
	return fmt.Sprintf("\n\n[Attachment: %s]\n%s", file.Filename, string(raw)), nil
}

// imagePart encodes an image attachment as a base64 data URL content part.
func imagePart(file *models.UploadedFile) (*llm.ContentPart, error) {
	raw, err := os.ReadFile(file.StoredPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading image")
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(file.Filename)))
	}
	if contentType == "" {
		contentType = "image/png"
	}
	return &llm.ContentPart{
		Type: "image_url",
		ImageURL: &llm.ImageURL{
			URL: fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(raw)),
		},
	}, nil
}
