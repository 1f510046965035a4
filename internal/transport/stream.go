package transport

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/vnmchuo/advisor-gateway/internal/metrics"
	"github.com/vnmchuo/advisor-gateway/internal/pricing"
	"github.com/vnmchuo/advisor-gateway/internal/provider"
)

var errEmptyStream = errors.New("stream closed before first event")

// Finish describes a stream after its last event. Token counts are
// estimated when the backend did not report usage.
type Finish struct {
	Model        string
	FellBack     bool
	Text         string
	ToolCalls    []string
	InputTokens  int
	OutputTokens int
	Estimated    bool
	Err          error
}

// Streamer relays a streaming completion to an Encoder.
type Streamer struct {
	backend provider.Provider
	timeout time.Duration
}

func NewStreamer(backend provider.Provider, timeout time.Duration) *Streamer {
	return &Streamer{backend: backend, timeout: timeout}
}

// Stream opens req.Model and relays its events. If the model fails before
// producing its first event, fallback is tried once. A failure after that,
// or of the fallback, ends the stream with a server-error event. onFinish
// runs after the last event, on every path.
func (s *Streamer) Stream(ctx context.Context, enc *Encoder, req provider.Request, fallback string, onFinish func(Finish)) error {
	var cancel context.CancelFunc
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	// aborts the upstream call on every return path
	defer cancel()

	_ = enc.Debug("Stream started")

	fin := Finish{Model: req.Model}
	ch, first, model, fellBack, err := s.open(ctx, req, fallback)
	fin.Model, fin.FellBack = model, fellBack
	if err != nil {
		fin.Err = err
		s.fail(ctx, enc, &fin)
		finish(onFinish, fin)
		return err
	}

	var text strings.Builder
	var usage *provider.Usage
	chunk := first
	for {
		stop := false
		switch {
		case chunk.Err != nil:
			fin.Err = chunk.Err
			stop = true
		case chunk.Usage != nil:
			usage = chunk.Usage
		case chunk.ToolCall != "":
			fin.ToolCalls = append(fin.ToolCalls, chunk.ToolCall)
			fin.Err = enc.ToolCall(chunk.ToolCall)
		case chunk.Done:
			stop = true
		default:
			text.WriteString(chunk.Delta)
			fin.Err = enc.TextDelta(chunk.Delta)
		}
		if stop || fin.Err != nil {
			break
		}

		var ok bool
		select {
		case chunk, ok = <-ch:
			if !ok {
				fin.Err = ctx.Err()
				chunk = &provider.Chunk{Done: true}
			}
		case <-ctx.Done():
			fin.Err = ctx.Err()
		}
		if fin.Err != nil {
			break
		}
	}

	fin.Text = text.String()
	if usage != nil {
		fin.InputTokens, fin.OutputTokens = usage.InputTokens, usage.OutputTokens
	} else {
		fin.InputTokens = pricing.EstimateTokens(promptText(req))
		fin.OutputTokens = pricing.EstimateTokens(fin.Text)
		fin.Estimated = true
	}

	if fin.Err != nil {
		s.fail(ctx, enc, &fin)
	} else {
		if fin.Text == "" && len(fin.ToolCalls) == 0 {
			_ = enc.Error("model returned an empty response")
		}
		_ = enc.Debug("Stream finished")
	}
	finish(onFinish, fin)
	return fin.Err
}

// open starts the primary model and, on failure, the fallback. Only the
// first chunk is awaited so mid-stream failures never trigger a retry.
func (s *Streamer) open(ctx context.Context, req provider.Request, fallback string) (<-chan *provider.Chunk, *provider.Chunk, string, bool, error) {
	models := []string{req.Model}
	if fallback != "" && fallback != req.Model {
		models = append(models, fallback)
	}

	var lastErr error
	for i, model := range models {
		if i > 0 {
			if ctx.Err() != nil {
				break
			}
			slog.WarnContext(ctx, "primary model failed, using fallback",
				"model", models[0], "fallback", model, "error", lastErr)
			metrics.RecordModelCall(models[0], "fallback")
		}
		r := req
		r.Model = model
		ch, first, err := s.start(ctx, &r)
		if err == nil {
			return ch, first, model, i > 0, nil
		}
		lastErr = err
	}
	return nil, nil, models[len(models)-1], len(models) > 1, lastErr
}

func (s *Streamer) start(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, *provider.Chunk, error) {
	ch, err := s.backend.CompleteStream(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	select {
	case first, ok := <-ch:
		if !ok {
			return nil, nil, &provider.CallError{Provider: s.backend.Name(), Model: req.Model, Err: errEmptyStream}
		}
		if first.Err != nil {
			go drain(ch)
			return nil, nil, first.Err
		}
		return ch, first, nil
	case <-ctx.Done():
		go drain(ch)
		return nil, nil, ctx.Err()
	}
}

func (s *Streamer) fail(ctx context.Context, enc *Encoder, fin *Finish) {
	if errors.Is(ctx.Err(), context.Canceled) {
		// client went away; nobody is reading
		slog.InfoContext(ctx, "stream canceled by client", "model", fin.Model)
		return
	}
	msg := "model call failed"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(fin.Err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	slog.ErrorContext(ctx, "stream failed", "model", fin.Model, "fell_back", fin.FellBack, "error", fin.Err)
	_ = enc.ServerError(msg)
}

func finish(onFinish func(Finish), fin Finish) {
	if onFinish != nil {
		onFinish(fin)
	}
}

func drain(ch <-chan *provider.Chunk) {
	for range ch {
	}
}

func promptText(req provider.Request) string {
	var b strings.Builder
	b.WriteString(req.System)
	for _, m := range req.Messages {
		b.WriteByte('\n')
		b.WriteString(m.Content)
	}
	return b.String()
}
