// Package transport writes completion streams to clients as newline
// delimited JSON events.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
)

const ContentType = "application/x-ndjson"

// EventType names a wire event. Clients ignore types they do not know.
type EventType string

const (
	EventDebug       EventType = "debug"
	EventTextDelta   EventType = "text-delta"
	EventToolCall    EventType = "tool-call"
	EventError       EventType = "error"
	EventServerError EventType = "server-error"
)

type Event struct {
	Type  EventType `json:"type"`
	Value string    `json:"value"`
}

// ErrStreamClosed is returned for writes after a server-error event.
var ErrStreamClosed = errors.New("stream closed")

// Encoder writes one event per line and flushes after each one when the
// writer supports it. Empty text deltas are dropped. Nothing is written
// after a server-error event.
type Encoder struct {
	mu      sync.Mutex
	enc     *json.Encoder
	flusher http.Flusher
	closed  bool
}

func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{enc: json.NewEncoder(w)}
	e.enc.SetEscapeHTML(false)
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

func (e *Encoder) Encode(ev Event) error {
	if ev.Type == EventTextDelta && ev.Value == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStreamClosed
	}
	if ev.Type == EventServerError {
		e.closed = true
	}
	// json.Encoder terminates each value with '\n'
	if err := e.enc.Encode(ev); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

func (e *Encoder) Debug(msg string) error {
	return e.Encode(Event{Type: EventDebug, Value: msg})
}

func (e *Encoder) TextDelta(s string) error {
	return e.Encode(Event{Type: EventTextDelta, Value: s})
}

func (e *Encoder) ToolCall(name string) error {
	return e.Encode(Event{Type: EventToolCall, Value: name})
}

func (e *Encoder) Error(msg string) error {
	return e.Encode(Event{Type: EventError, Value: msg})
}

// ServerError writes the terminal event.
func (e *Encoder) ServerError(msg string) error {
	return e.Encode(Event{Type: EventServerError, Value: msg})
}

// Closed reports whether a server-error event has been written.
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
