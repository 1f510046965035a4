package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/advisor-gateway/internal/provider"
)

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type openAIRequest struct {
	Model          string               `json:"model"`
	Messages       []openAIMessage      `json:"messages"`
	MaxTokens      int                  `json:"max_completion_tokens,omitempty"`
	Temperature    *float64             `json:"temperature,omitempty"`
	Stream         bool                 `json:"stream,omitempty"`
	StreamOptions  *openAIStreamOptions `json:"stream_options,omitempty"`
	ResponseFormat *openAIFormat        `json:"response_format,omitempty"`
	Tools          []openAITool         `json:"tools,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
	Delta   openAIDelta   `json:"delta"`
}

type openAIDelta struct {
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls"`
}

type openAIToolCall struct {
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func New(apiKey string) *OpenAIProvider {
	return NewWithBaseURL(apiKey, "https://api.openai.com/v1")
}

func NewWithBaseURL(apiKey, baseURL string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}
}

// reasoningModel reports whether the model rejects sampling parameters.
func reasoningModel(model string) bool {
	return strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4")
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	resp, err := p.post(ctx, "/chat/completions", p.mapRequest(req), req.Model)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, p.callError(req.Model, 0, fmt.Errorf("decode response: %w", err))
	}

	if len(openAIResp.Choices) == 0 {
		return nil, p.callError(req.Model, 0, errors.New("no choices returned"))
	}

	out := &provider.Response{
		ID:        openAIResp.ID,
		Content:   openAIResp.Choices[0].Message.Content,
		Model:     openAIResp.Model,
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if openAIResp.Usage != nil {
		out.InputTokens = openAIResp.Usage.PromptTokens
		out.OutputTokens = openAIResp.Usage.CompletionTokens
	}
	return out, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		role := "system"
		if reasoningModel(req.Model) {
			role = "developer"
		}
		messages = append(messages, openAIMessage{Role: role, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	out := openAIRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if !reasoningModel(req.Model) {
		out.Temperature = req.Temperature
	}
	if req.JSONResponse {
		out.ResponseFormat = &openAIFormat{Type: "json_object"}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = true
	openAIReq.StreamOptions = &openAIStreamOptions{IncludeUsage: true}

	resp, err := p.post(ctx, "/chat/completions", openAIReq, req.Model)
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(c *provider.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					send(&provider.Chunk{Done: true})
					return
				}
				send(&provider.Chunk{Err: p.callError(req.Model, 0, err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				send(&provider.Chunk{Done: true})
				return
			}

			var openAIResp openAIResponse
			if err := json.Unmarshal([]byte(data), &openAIResp); err != nil {
				send(&provider.Chunk{Err: p.callError(req.Model, 0, fmt.Errorf("decode stream event: %w", err))})
				return
			}

			if openAIResp.Usage != nil {
				if !send(&provider.Chunk{Usage: &provider.Usage{
					InputTokens:  openAIResp.Usage.PromptTokens,
					OutputTokens: openAIResp.Usage.CompletionTokens,
				}}) {
					return
				}
			}

			if len(openAIResp.Choices) == 0 {
				continue
			}
			delta := openAIResp.Choices[0].Delta
			for _, tc := range delta.ToolCalls {
				if tc.Function.Name != "" {
					if !send(&provider.Chunk{ToolCall: tc.Function.Name}) {
						return
					}
				}
			}
			if delta.Content != "" {
				if !send(&provider.Chunk{Delta: delta.Content}) {
					return
				}
			}
		}
	}()

	return ch, nil
}

// Embed returns the embedding vector for input.
func (p *OpenAIProvider) Embed(ctx context.Context, model, input string) ([]float32, error) {
	resp, err := p.post(ctx, "/embeddings", embeddingRequest{Model: model, Input: input}, model)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, p.callError(model, 0, fmt.Errorf("decode embedding: %w", err))
	}
	if len(out.Data) == 0 {
		return nil, p.callError(model, 0, errors.New("no embedding returned"))
	}
	return out.Data[0].Embedding, nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, payload any, model string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.callError(model, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, p.callError(model, resp.StatusCode, errors.New(string(respBody)))
	}
	return resp, nil
}

func (p *OpenAIProvider) callError(model string, status int, err error) error {
	return &provider.CallError{Provider: p.Name(), Model: model, StatusCode: status, Err: err}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) SupportedModels() []string {
	return []string{"o1", "o1-mini", "o3-mini", "gpt-4o", "gpt-4o-mini", "text-embedding-3-small"}
}
