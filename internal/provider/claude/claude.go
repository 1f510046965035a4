package claude

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vnmchuo/advisor-gateway/internal/provider"
)

const (
	defaultMaxTokens = 4096
	jsonInstruction  = "Respond with a single JSON object and no other text."
)

type ClaudeProvider struct {
	client *anthropic.Client
}

func New(apiKey string) *ClaudeProvider {
	return newProvider(option.WithAPIKey(apiKey))
}

func NewWithBaseURL(apiKey, baseURL string) *ClaudeProvider {
	return newProvider(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL))
}

func newProvider(opts ...option.RequestOption) *ClaudeProvider {
	// Retries are owned by the fallback path, one attempt per model.
	opts = append(opts, option.WithMaxRetries(0))
	client := anthropic.NewClient(opts...)
	return &ClaudeProvider{client: &client}
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) anthropic.MessageNewParams {
	var (
		messages []anthropic.MessageParam
		system   []string
	)
	if req.System != "" {
		system = append(system, req.System)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if req.JSONResponse {
		system = append(system, jsonInstruction)
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, t := range req.Tools {
		props := make(map[string]any)
		if schema, ok := t.Parameters["properties"].(map[string]any); ok {
			props = schema
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: props},
			},
		})
	}
	return params
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	message, err := p.client.Messages.New(ctx, p.mapRequest(req))
	if err != nil {
		return nil, p.callError(req.Model, err)
	}

	var content strings.Builder
	for _, block := range message.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(textBlock.Text)
		}
	}

	return &provider.Response{
		ID:           message.ID,
		Content:      content.String(),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		Model:        string(message.Model),
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.mapRequest(req))
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, p.callError(req.Model, err)
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(c *provider.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				send(&provider.Chunk{Err: p.callError(req.Model, err)})
				return
			}

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if ev.ContentBlock.Type == "tool_use" && ev.ContentBlock.Name != "" {
					if !send(&provider.Chunk{ToolCall: ev.ContentBlock.Name}) {
						return
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if !send(&provider.Chunk{Delta: delta.Text}) {
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(&provider.Chunk{Err: p.callError(req.Model, err)})
			return
		}

		if !send(&provider.Chunk{Usage: &provider.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		}}) {
			return
		}
		send(&provider.Chunk{Done: true})
	}()

	return ch, nil
}

func (p *ClaudeProvider) callError(model string, err error) error {
	callErr := &provider.CallError{Provider: p.Name(), Model: model, Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		callErr.StatusCode = apiErr.StatusCode
	}
	return callErr
}

func (p *ClaudeProvider) Name() string {
	return "anthropic"
}

func (p *ClaudeProvider) SupportedModels() []string {
	return []string{"claude-3-5-sonnet-latest", "claude-3-5-haiku-latest"}
}
