package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vnmchuo/advisor-gateway/internal/metrics"
	"github.com/vnmchuo/advisor-gateway/internal/provider"
)

var (
	ErrNoBackend   = errors.New("no backend serves model")
	ErrBackendOpen = errors.New("backend circuit open")
)

// Router dispatches a request to the backend that serves its model. Each
// backend sits behind its own circuit breaker. Router is itself a Provider,
// so callers never pick a backend by hand.
type Router struct {
	providers []provider.Provider
	byModel   map[string]provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers []provider.Provider) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	byModel := make(map[string]provider.Provider)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: backendHealthy,
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
		for _, m := range p.SupportedModels() {
			// first registration wins
			if _, ok := byModel[m]; !ok {
				byModel[m] = p
			}
		}
	}
	return &Router{
		providers: providers,
		byModel:   byModel,
		breakers:  breakers,
	}
}

func (r *Router) Name() string { return "router" }

func (r *Router) SupportedModels() []string {
	var models []string
	for _, p := range r.providers {
		for _, m := range p.SupportedModels() {
			if r.byModel[m] == p {
				models = append(models, m)
			}
		}
	}
	return models
}

// Route returns the backend for model, skipping backends whose breaker is open.
func (r *Router) Route(model string) (provider.Provider, error) {
	p, ok := r.byModel[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBackend, model)
	}
	if r.breakers[p.Name()].State() == gobreaker.StateOpen {
		return nil, &provider.CallError{Provider: p.Name(), Model: model, Err: ErrBackendOpen}
	}
	return p, nil
}

func (r *Router) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	p, err := r.Route(req.Model)
	if err != nil {
		return nil, err
	}
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		metrics.RecordModelCall(req.Model, "error")
		return nil, callErr(p, req.Model, err)
	}
	metrics.RecordModelCall(req.Model, "ok")
	return result.(*provider.Response), nil
}

func (r *Router) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	p, err := r.Route(req.Model)
	if err != nil {
		return nil, err
	}
	cb := r.breakers[p.Name()]

	origCh, err := p.CompleteStream(ctx, req)
	if err != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		metrics.RecordModelCall(req.Model, "error")
		return nil, callErr(p, req.Model, err)
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		failed := false
		for chunk := range origCh {
			if chunk.Err != nil {
				failed = true
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				metrics.RecordModelCall(req.Model, "canceled")
				return
			}
		}
		if failed {
			metrics.RecordModelCall(req.Model, "error")
			return
		}
		_, _ = cb.Execute(func() (interface{}, error) { return nil, nil })
		metrics.RecordModelCall(req.Model, "ok")
	}()

	return wrappedCh, nil
}

// Embed forwards to the backend serving model when it can embed.
func (r *Router) Embed(ctx context.Context, model, input string) ([]float32, error) {
	p, err := r.Route(model)
	if err != nil {
		return nil, err
	}
	e, ok := p.(provider.Embedder)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot embed", ErrNoBackend, p.Name())
	}
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return e.Embed(ctx, model, input)
	})
	if err != nil {
		return nil, callErr(p, model, err)
	}
	return result.([]float32), nil
}

// backendHealthy keeps cancellations and expired request budgets off the
// breaker's failure count. They say nothing about the backend.
func backendHealthy(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func callErr(p provider.Provider, model string, err error) error {
	var ce *provider.CallError
	if errors.As(err, &ce) {
		return err
	}
	return &provider.CallError{Provider: p.Name(), Model: model, Err: err}
}
