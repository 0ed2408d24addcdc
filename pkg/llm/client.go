package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

const (
	defaultRequestTimeout = 120 * time.Second

	// maxStreamLineSize bounds a single SSE line; some providers pack large
	// tool call frames into one data line.
	maxStreamLineSize = 1024 * 1024
)

// Gateway talks to OpenAI-compatible endpoints. It is stateless: every call
// receives the full provider configuration and can hit a different upstream
// than the previous one.
type Gateway struct {
	httpClient *http.Client
	// streamClient has no total timeout; a chat stream may legitimately stay
	// open for minutes. Cancellation happens through the request context.
	streamClient *http.Client
}

// NewGateway creates a Gateway with sane HTTP timeouts.
func NewGateway() *Gateway {
	return &Gateway{
		httpClient:   &http.Client{Timeout: defaultRequestTimeout},
		streamClient: &http.Client{},
	}
}

// normalizeBaseURL ensures the base has a scheme and no trailing slash.
func normalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return base
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base
}

// wire types for the OpenAI-compatible API

type wireChatRequest struct {
	Model           string             `json:"model"`
	Messages        []Message          `json:"messages"`
	Tools           []Tool             `json:"tools,omitempty"`
	Temperature     *float64           `json:"temperature,omitempty"`
	MaxTokens       *int               `json:"max_tokens,omitempty"`
	Stream          bool               `json:"stream,omitempty"`
	StreamOptions   *wireStreamOptions `json:"stream_options,omitempty"`
	ReasoningEffort string             `json:"reasoning_effort,omitempty"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string     `json:"role"`
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Thinking         string `json:"thinking"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type wireErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Gateway) buildRequest(provider ProviderConfig, req ChatRequest, stream bool) wireChatRequest {
	model := req.Model
	if model == "" {
		model = provider.Model
	}
	wr := wireChatRequest{
		Model:       model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		wr.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}
	if req.EnableThinking {
		wr.ReasoningEffort = "medium"
	}
	return wr
}

func (g *Gateway) post(ctx context.Context, client *http.Client, provider ProviderConfig, path string, payload interface{}) (*http.Response, error) {
	if provider.APIBase == "" {
		return nil, ErrNoProvider
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling request")
	}
	url := normalizeBaseURL(provider.APIBase) + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "sending request")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, upstreamErrorFromBody(resp)
	}
	return resp, nil
}

func upstreamErrorFromBody(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var we wireErrorResponse
	msg := ""
	if err := json.Unmarshal(raw, &we); err == nil && we.Error.Message != "" {
		msg = we.Error.Message
	} else if len(raw) > 0 {
		msg = strings.TrimSpace(string(raw))
	}
	return &UpstreamError{StatusCode: resp.StatusCode, Message: msg}
}

// Chat performs a non-streaming chat completion.
func (g *Gateway) Chat(ctx context.Context, provider ProviderConfig, req ChatRequest) (*ChatResponse, error) {
	resp, err := g.post(ctx, g.httpClient, provider, "/chat/completions", g.buildRequest(provider, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr wireChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, errors.Wrap(err, "decoding chat response")
	}
	if len(wr.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := wr.Choices[0]
	return &ChatResponse{
		ID:    wr.ID,
		Model: wr.Model,
		Message: Message{
			Role:      choice.Message.Role,
			Content:   choice.Message.Content,
			ToolCalls: choice.Message.ToolCalls,
		},
		Usage: wr.Usage,
	}, nil
}

// ChatStream performs a streaming chat completion and returns a channel of
// decoded events. The channel is closed when the stream ends, errors out, or
// ctx is canceled. A terminal usage event is emitted when the upstream
// reported token usage.
func (g *Gateway) ChatStream(ctx context.Context, provider ProviderConfig, req ChatRequest) (<-chan StreamEvent, error) {
	resp, err := g.post(ctx, g.streamClient, provider, "/chat/completions", g.buildRequest(provider, req, true))
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 10)
	go g.decodeStream(ctx, resp.Body, events)
	return events, nil
}

// decodeStream reads SSE lines from body and emits decoded events.
//
// Decoding rules: only lines starting with "data:" matter, "[DONE]" ends the
// stream, malformed JSON frames are skipped, and a frame carrying both
// reasoning and content yields the thinking event first.
func (g *Gateway) decodeStream(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	send := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage *Usage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			logging.LogDebugf("skipping malformed stream frame: %.80s", payload)
			continue
		}
		if chunk.Usage != nil && chunk.Usage.PromptTokens > 0 {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			thinking := choice.Delta.ReasoningContent
			if thinking == "" {
				thinking = choice.Delta.Thinking
			}
			if thinking != "" {
				if !send(StreamEvent{Type: StreamEventThinking, Content: thinking}) {
					return
				}
			}
			if choice.Delta.Content != "" {
				if !send(StreamEvent{Type: StreamEventContent, Content: choice.Delta.Content}) {
					return
				}
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(StreamEvent{Type: StreamEventError, Err: errors.Wrap(err, "reading stream")})
		return
	}
	if usage != nil {
		send(StreamEvent{Type: StreamEventUsage, Usage: usage})
	}
}

// wire types for embeddings and image generation

type wireEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type wireEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// CreateEmbeddings embeds the given inputs with the provider's embedding model.
func (g *Gateway) CreateEmbeddings(ctx context.Context, provider ProviderConfig, model string, inputs []string) ([][]float64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	resp, err := g.post(ctx, g.httpClient, provider, "/embeddings", wireEmbeddingRequest{Model: model, Input: inputs})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr wireEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, errors.Wrap(err, "decoding embedding response")
	}
	if len(wr.Data) != len(inputs) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(wr.Data))
	}
	vectors := make([][]float64, len(inputs))
	for _, d := range wr.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

type wireImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

type wireImageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// GeneratedImage is one image generation result, either a URL or inline data.
type GeneratedImage struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64Json,omitempty"`
}

// GenerateImage proxies an image generation request to the provider.
func (g *Gateway) GenerateImage(ctx context.Context, provider ProviderConfig, model, prompt, size string) ([]GeneratedImage, error) {
	resp, err := g.post(ctx, g.httpClient, provider, "/images/generations", wireImageRequest{
		Model:  model,
		Prompt: prompt,
		N:      1,
		Size:   size,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr wireImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, errors.Wrap(err, "decoding image response")
	}
	images := make([]GeneratedImage, 0, len(wr.Data))
	for _, d := range wr.Data {
		images = append(images, GeneratedImage{URL: d.URL, B64JSON: d.B64JSON})
	}
	return images, nil
}
