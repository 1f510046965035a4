package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vnmchuo/advisor-gateway/internal/provider"
)

type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool     `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
}

type geminiFunctionCall struct {
	Name string `json:"name"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(apiKey string) *GeminiProvider {
	return NewWithBaseURL(apiKey, "https://generativelanguage.googleapis.com")
}

func NewWithBaseURL(apiKey, baseURL string) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	resp, err := p.post(ctx, req, "generateContent", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, p.callError(req.Model, 0, fmt.Errorf("decode response: %w", err))
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, p.callError(req.Model, 0, errors.New("no candidates returned"))
	}

	var content strings.Builder
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	out := &provider.Response{
		Content:   content.String(),
		Model:     req.Model,
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if geminiResp.UsageMetadata != nil {
		out.InputTokens = geminiResp.UsageMetadata.PromptTokenCount
		out.OutputTokens = geminiResp.UsageMetadata.CandidatesTokenCount
	}
	return out, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	out := geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.JSONResponse {
		out.GenerationConfig.ResponseMimeType = "application/json"
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return out
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	resp, err := p.post(ctx, req, "streamGenerateContent", url.Values{"alt": {"sse"}})
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

		// Usage metadata is cumulative, only the last report counts.
		var usage *provider.Usage
		finish := func() {
			if usage != nil && !send(&provider.Chunk{Usage: usage}) {
				return
			}
			send(&provider.Chunk{Done: true})
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					finish()
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
			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(data), &geminiResp); err != nil {
				send(&provider.Chunk{Err: p.callError(req.Model, 0, fmt.Errorf("decode stream event: %w", err))})
				return
			}

			if geminiResp.UsageMetadata != nil {
				usage = &provider.Usage{
					InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
					OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
				}
			}

			if len(geminiResp.Candidates) == 0 {
				continue
			}
			for _, part := range geminiResp.Candidates[0].Content.Parts {
				var c *provider.Chunk
				switch {
				case part.FunctionCall != nil:
					c = &provider.Chunk{ToolCall: part.FunctionCall.Name}
				case part.Text != "":
					c = &provider.Chunk{Delta: part.Text}
				default:
					continue
				}
				if !send(c) {
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *GeminiProvider) post(ctx context.Context, req *provider.Request, method string, query url.Values) (*http.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("key", p.apiKey)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s?%s", p.baseURL, url.PathEscape(req.Model), method, query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.callError(req.Model, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, p.callError(req.Model, resp.StatusCode, errors.New(string(respBody)))
	}
	return resp, nil
}

func (p *GeminiProvider) callError(model string, status int, err error) error {
	return &provider.CallError{Provider: p.Name(), Model: model, StatusCode: status, Err: err}
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) SupportedModels() []string {
	return []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"}
}
