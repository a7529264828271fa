// Package iterator provides the ResponseIterator family: the consumer-
// visible streaming abstraction over a ResponseQueue. Grounded on the
// teacher's request_queue.go Execute method (ctx-aware blocking wait) and
// retry.go's backoff timing, reused here for the selective-retry variant's
// per-id timers.
package iterator

import (
	"context"

	"go.uber.org/atomic"

	"github.com/czy880816/norbert/src/core"
	"github.com/czy880816/norbert/src/queue"
)

// ResponseIterator is the consumer-visible streaming result of a fan-out
// send. All three family members satisfy it.
type ResponseIterator[R any] interface {
	// HasNext reports whether a further call to Next could still return a
	// result: true while the expected count hasn't been reached or the
	// queue already holds buffered results.
	HasNext() bool
	// Next blocks for the next result. Returns core.ErrCancelled if the
	// iterator has been closed, or ctx's error if ctx is done first.
	Next(ctx context.Context) (R, error)
	// Close is idempotent; it releases every blocked Next with
	// core.ErrCancelled.
	Close()
}

// FixedIterator expects exactly `expected` results and never resizes.
type FixedIterator[R any] struct {
	remaining atomic.Int64
	q         *queue.ResponseQueue[R]
}

// NewFixed creates a FixedIterator over q, expecting `expected` results.
func NewFixed[R any](expected int, q *queue.ResponseQueue[R]) *FixedIterator[R] {
	it := &FixedIterator[R]{q: q}
	it.remaining.Store(int64(expected))
	return it
}

func (it *FixedIterator[R]) HasNext() bool {
	return it.remaining.Load() > 0 || it.q.Len() > 0
}

func (it *FixedIterator[R]) Next(ctx context.Context) (R, error) {
	var zero R
	res, err := it.q.Take(ctx)
	if err != nil {
		return zero, err
	}
	it.remaining.Dec()
	if res.Err != nil {
		return zero, res.Err
	}
	return res.Value, nil
}

func (it *FixedIterator[R]) Close() {
	it.q.Close()
}

// DynamicIterator additionally supports AddAndGet, letting the retry
// engine grow the expected count when a retry spawns more sub-requests
// than it replaces. Per spec §9, a caller must call AddAndGet before
// submitting the additional sub-requests it accounts for, so no consumer
// can race past the true expected count — atomic.Int64's Add establishes
// that happens-before edge against the subsequent Push into the queue.
type DynamicIterator[R any] struct {
	remaining atomic.Int64
	q         *queue.ResponseQueue[R]
}

// NewDynamic creates a DynamicIterator over q, initially expecting
// `expected` results.
func NewDynamic[R any](expected int, q *queue.ResponseQueue[R]) *DynamicIterator[R] {
	it := &DynamicIterator[R]{q: q}
	it.remaining.Store(int64(expected))
	return it
}

// AddAndGet atomically adjusts the expected count by delta and returns the
// new value.
func (it *DynamicIterator[R]) AddAndGet(delta int64) int64 {
	return it.remaining.Add(delta)
}

func (it *DynamicIterator[R]) HasNext() bool {
	return it.remaining.Load() > 0 || it.q.Len() > 0
}

func (it *DynamicIterator[R]) Next(ctx context.Context) (R, error) {
	var zero R
	res, err := it.q.Take(ctx)
	if err != nil {
		return zero, err
	}
	it.remaining.Dec()
	if res.Err != nil {
		return zero, res.Err
	}
	return res.Value, nil
}

func (it *DynamicIterator[R]) Close() {
	it.q.Close()
}

// blockingAggregate drains it until exhausted, folding results with fold.
// Grounded on spec §4.1's "aggregation (synchronous wrapper that blocks on
// the iterator)" convenience variant.
func blockingAggregate[R, A any](ctx context.Context, it ResponseIterator[R], acc A, fold func(A, R) (A, error)) (A, error) {
	for it.HasNext() {
		r, err := it.Next(ctx)
		if err != nil {
			if err == core.ErrCancelled {
				break
			}
			return acc, err
		}
		acc, err = fold(acc, r)
		if err != nil {
			return acc, err
		}
	}
	return acc, nil
}

// Aggregate drains it to completion, folding every result with fold,
// starting from init. It is the blocking synchronous adapter spec §4.1
// and §5 describe.
func Aggregate[R, A any](ctx context.Context, it ResponseIterator[R], init A, fold func(A, R) (A, error)) (A, error) {
	return blockingAggregate(ctx, it, init, fold)
}
