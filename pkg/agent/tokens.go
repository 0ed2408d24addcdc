package agent

import (
	"time"

	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
)

// estimateCharsPerToken is the rough chars-to-tokens ratio used when the
// upstream reports no usage.
const estimateCharsPerToken = 4

// tokenCounter accumulates usage across the calls of one turn.
type tokenCounter struct {
	input    int
	output   int
	reported bool
}

func (t *tokenCounter) add(u llm.Usage) {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return
	}
	t.input += u.PromptTokens
	t.output += u.CompletionTokens
	t.reported = true
}

// finalize produces the turn's TokenInfo, estimating from character counts
// when nothing was reported.
func (t *tokenCounter) finalize(model string, inputChars, outputChars int) TokenInfo {
	info := TokenInfo{
		Model:        model,
		InputTokens:  t.input,
		OutputTokens: t.output,
	}
	if !t.reported {
		info.InputTokens = inputChars / estimateCharsPerToken
		info.OutputTokens = outputChars / estimateCharsPerToken
		if outputChars > 0 && info.OutputTokens == 0 {
			info.OutputTokens = 1
		}
		info.Estimated = true
	}
	info.TotalTokens = info.InputTokens + info.OutputTokens
	return info
}

// contextChars counts the characters of all message contents.
func contextChars(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
		for _, p := range m.Parts {
			total += len(p.Text)
		}
	}
	return total
}

// timeline records the interleaved event log of an assistant message.
// Consecutive deltas of the same type coalesce into one entry.
type timeline struct {
	events []models.MessageEvent
}

func (t *timeline) appendDelta(eventType, delta string) {
	if delta == "" {
		return
	}
	if n := len(t.events); n > 0 && t.events[n-1].Type == eventType && eventType != models.EventTypeToolCall {
		t.events[n-1].Content += delta
		return
	}
	t.events = append(t.events, models.MessageEvent{
		Type:      eventType,
		Content:   delta,
		Timestamp: time.Now(),
	})
}

func (t *timeline) appendToolCall(exec ToolExecution) {
	result := exec.Result
	if exec.Error != "" {
		result = "Error: " + exec.Error
	}
	t.events = append(t.events, models.MessageEvent{
		Type:      models.EventTypeToolCall,
		Tool:      exec.Tool,
		Arguments: exec.Arguments,
		Result:    result,
		Timestamp: time.Now(),
	})
}
