// Package worker persists usage records in the background so that ledger
// writes never block or fail a request.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vnmchuo/advisor-gateway/internal/billing"
)

var (
	ErrQueueFull   = errors.New("usage queue full")
	ErrQueueClosed = errors.New("usage queue closed")
)

const writeTimeout = 5 * time.Second

type Queue interface {
	Enqueue(rec *billing.UsageRecord) error
	Process(ctx context.Context) error // starts the worker loop
}

// Failure is reported on the error channel for every record that could not
// be persisted.
type Failure struct {
	Record *billing.UsageRecord
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("usage record for org %s model %s: %v", f.Record.OrgID, f.Record.Model, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// UsageQueue is a bounded queue drained by a fixed pool of workers.
type UsageQueue struct {
	store   billing.Store
	jobs    chan *billing.UsageRecord
	errs    chan error
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewUsageQueue(store billing.Store, size, workers int) *UsageQueue {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &UsageQueue{
		store:   store,
		jobs:    make(chan *billing.UsageRecord, size),
		errs:    make(chan error, size),
		workers: workers,
	}
}

// Enqueue never blocks. A full or closed queue rejects the record.
func (q *UsageQueue) Enqueue(rec *billing.UsageRecord) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

// Errors reports persistence failures. Failures are dropped when nobody is
// reading and the channel is full.
func (q *UsageQueue) Errors() <-chan error {
	return q.errs
}

// Process runs the workers until Close is called and the queue has drained.
// Cancelling ctx stops the workers without draining.
func (q *UsageQueue) Process(ctx context.Context) error {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run(ctx)
	}
	q.wg.Wait()
	return ctx.Err()
}

// Close stops accepting records. Queued records are still written.
func (q *UsageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

func (q *UsageQueue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-q.jobs:
			if !ok {
				return
			}
			q.write(rec)
		}
	}
}

func (q *UsageQueue) write(rec *billing.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := q.store.Append(ctx, rec); err != nil {
		slog.Error("usage record not persisted",
			"org_id", rec.OrgID,
			"feature", rec.Feature,
			"model", rec.Model,
			"input_tokens", rec.InputTokens,
			"output_tokens", rec.OutputTokens,
			"cost_usd", rec.CostUSD,
			"error", err,
		)
		select {
		case q.errs <- Failure{Record: rec, Err: err}:
		default:
		}
	}
}
