package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/advisor-gateway/internal/provider"
)

const messageJSON = `{
	"id": "msg_123",
	"type": "message",
	"role": "assistant",
	"model": "claude-3-5-haiku-latest",
	"content": [{"type": "text", "text": "Hello from Claude mock!"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 10, "output_tokens": 20}
}`

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("Expected /v1/messages, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, messageJSON)
	}))
	defer server.Close()

	p := NewWithBaseURL("test-key", server.URL)

	req := &provider.Request{
		Model: "claude-3-5-haiku-latest",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Claude mock!" {
		t.Errorf("Expected 'Hello from Claude mock!', got %s", resp.Content)
	}
	if resp.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
}

func TestComplete_ErrorIsCallError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`)
	}))
	defer server.Close()

	p := NewWithBaseURL("test-key", server.URL)
	_, err := p.Complete(context.Background(), &provider.Request{Model: "claude-3-5-haiku-latest"})

	if !errors.Is(err, provider.ErrModelCallFailed) {
		t.Fatalf("Expected ErrModelCallFailed, got %v", err)
	}
	var callErr *provider.CallError
	if errors.As(err, &callErr) && callErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", callErr.StatusCode)
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		events := []string{
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest","content":[],"stop_reason":null,"usage":{"input_tokens":11,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" from Claude!"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			var probe struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal([]byte(e), &probe)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", probe.Type, e)
		}
	}))
	defer server.Close()

	p := NewWithBaseURL("test-key", server.URL)

	req := &provider.Request{
		Model: "claude-3-5-haiku-latest",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	ch, err := p.CompleteStream(context.Background(), req)
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var (
		content string
		usage   *provider.Usage
		done    bool
	)
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Received error from chunk: %v", chunk.Err)
		}
		switch {
		case chunk.Done:
			done = true
		case chunk.Usage != nil:
			usage = chunk.Usage
		default:
			content += chunk.Delta
		}
	}

	if !done {
		t.Error("Expected stream to be done")
	}
	if content != "Hello from Claude!" {
		t.Errorf("Expected 'Hello from Claude!', got %s", content)
	}
	if usage == nil || usage.InputTokens != 11 || usage.OutputTokens != 7 {
		t.Errorf("Expected usage 11/7, got %+v", usage)
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "anthropic" {
		t.Errorf("Expected 'anthropic', got %s", p.Name())
	}
}

func TestSupportedModels(t *testing.T) {
	p := New("key")
	models := p.SupportedModels()
	found := false
	for _, m := range models {
		if m == "claude-3-5-haiku-latest" {
			found = true
			break
		}
	}
	if !found {
		t.Error("claude-3-5-haiku-latest should be in supported models")
	}
}

func TestSystemPromptAndJSONInstruction(t *testing.T) {
	var captured struct {
		System []struct {
			Text string `json:"text"`
		} `json:"system"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
		Temperature *float64 `json:"temperature"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, messageJSON)
	}))
	defer server.Close()

	p := NewWithBaseURL("test-key", server.URL)

	req := &provider.Request{
		Model:        "claude-3-5-sonnet-latest",
		System:       "You are a careful advisor.",
		JSONResponse: true,
		Temperature:  provider.Float(0),
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	if _, err := p.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if len(captured.System) != 1 {
		t.Fatalf("Expected one system block, got %d", len(captured.System))
	}
	want := "You are a careful advisor.\n\n" + jsonInstruction
	if captured.System[0].Text != want {
		t.Errorf("Expected system %q, got %q", want, captured.System[0].Text)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" {
		t.Errorf("Expected a single user message, got %+v", captured.Messages)
	}
	if captured.Temperature == nil || *captured.Temperature != 0 {
		t.Errorf("Expected temperature 0, got %v", captured.Temperature)
	}
}
