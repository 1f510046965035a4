package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrModelCallFailed matches every *CallError.
var ErrModelCallFailed = errors.New("model call failed")

type Request struct {
	Model        string
	System       string
	Messages     []Message
	MaxTokens    int
	Temperature  *float64 // nil leaves the backend default
	JSONResponse bool     // ask for a single JSON object
	Tools        []Tool
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant"
	Content string `json:"content"`
}

// Tool is a function the model may invoke. Parameters is a JSON schema.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one event from a streaming completion. Exactly one of the fields
// is meaningful per chunk.
type Chunk struct {
	Delta    string
	ToolCall string // tool name
	Usage    *Usage
	Done     bool
	Err      error
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	// CompleteStream returns once the upstream accepted the request. Errors
	// after that arrive on the channel.
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	SupportedModels() []string
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, model, input string) ([]float32, error)
}

// CallError is a failed backend call.
type CallError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Model, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func (e *CallError) Is(target error) bool {
	return target == ErrModelCallFailed
}

// Float returns a pointer to v, for Request.Temperature.
func Float(v float64) *float64 { return &v }
