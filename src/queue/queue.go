// Package queue provides ResponseQueue, the thread-safe FIFO of completed
// sub-results that response iterators drain. Grounded on the teacher's
// request_queue.go (mutex-guarded slice) and on franz-go's metawait
// pattern (other_examples) for waking blocked consumers via sync.Cond.
package queue

import (
	"context"
	"sync"

	"github.com/czy880816/norbert/src/core"
)

// Result is either a successful response or a failure, mirroring the
// source's Either/Result type.
type Result[R any] struct {
	Value R
	Err   error
}

// Ok wraps a successful value.
func Ok[R any](v R) Result[R] {
	return Result[R]{Value: v}
}

// Failed wraps a failure.
func Failed[R any](err error) Result[R] {
	return Result[R]{Err: err}
}

// ResponseQueue is a FIFO of Result[R]. Push never blocks; when capacity
// is bounded and full, Push drops the newest item silently (spec §5:
// "bounded queue => push is allowed to drop silently" once a consumer has
// stopped draining, e.g. after the owning iterator is closed).
type ResponseQueue[R any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []Result[R]
	capacity int // 0 means unbounded
	closed   bool
}

// New creates a ResponseQueue. capacity <= 0 means unbounded.
func New[R any](capacity int) *ResponseQueue[R] {
	q := &ResponseQueue[R]{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a result to the queue and wakes one blocked consumer. It
// never blocks the producer (the transport callback or a retry timer).
func (q *ResponseQueue[R]) Push(r Result[R]) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return
	}
	q.items = append(q.items, r)
	q.cond.Signal()
}

// Take blocks until a result is available, ctx is cancelled, or the queue
// is closed. Closing the queue unblocks every waiter with core.ErrCancelled.
func (q *ResponseQueue[R]) Take(ctx context.Context) (Result[R], error) {
	q.mu.Lock()

	// Bridge ctx cancellation into the condvar by waking every waiter
	// when ctx.Done fires; each waiter re-checks its own cancellation.
	done := make(chan struct{})
	stopWatcher := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stopWatcher:
		}
		close(done)
	}()
	defer func() {
		close(stopWatcher)
		<-done
	}()

	for len(q.items) == 0 && !q.closed {
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return Result[R]{}, err
		}
		q.cond.Wait()
	}

	if len(q.items) == 0 {
		q.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return Result[R]{}, err
		}
		return Result[R]{}, core.ErrCancelled
	}

	item := q.items[0]
	q.items = q.items[1:]
	q.mu.Unlock()
	return item, nil
}

// Close releases every blocked Take with core.ErrCancelled. Idempotent.
func (q *ResponseQueue[R]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Len reports the number of buffered, undelivered results.
func (q *ResponseQueue[R]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
