package iterator

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/czy880816/norbert/src/core"
	"github.com/czy880816/norbert/src/queue"
)

// idPhase is the per-partition-id state machine of spec §4.5.
type idPhase int

const (
	phaseAwaiting idPhase = iota
	phaseSatisfied
	phaseRetrying
	phaseExhausted
)

type idTracker struct {
	phase     idPhase
	attempt   int
	contacted map[core.Node]struct{}
	timer     core.Canceler
	group     int
}

// groupState tracks how many ids of one originally-submitted sub-request
// (one node, possibly several ids) are still outstanding. remaining only
// decrements once the whole group has reached a terminal phase, whichever
// mix of original-response and per-id retry resolved each of its ids.
type groupState struct {
	remaining int
}

// Rerouter re-places a still-outstanding id onto a node other than one it
// has already been contacted through, per the retry router variant
// (spec §4.2's CalculateExcluding). Returning an error means no
// unexcluded node could be found.
type Rerouter[T comparable] func(ctx context.Context, id T, excluded map[core.Node]struct{}) (core.Node, error)

// Submitter builds and submits a new single-id sub-request to node at the
// given attempt number, wiring callback as its completion callback.
type Submitter[T comparable, R any] func(ctx context.Context, node core.Node, id T, attempt int, callback func(queue.Result[R])) error

type taggedResult[T comparable, R any] struct {
	ids    map[T]struct{}
	result queue.Result[R]
}

// SelectiveRetryIterator multiplexes responses for a fan-out where only
// the partition ids still outstanding after a per-id timeout get retried,
// against alternate replicas, rather than retrying the whole sub-request.
type SelectiveRetryIterator[T comparable, R any] struct {
	mu           sync.Mutex
	remaining    atomic.Int64
	q            *queue.ResponseQueue[taggedResult[T, R]]
	states       map[T]*idTracker
	groups       map[int]*groupState
	strategy     core.RetryStrategy
	scheduler    core.Scheduler
	reroute      Rerouter[T]
	submit       Submitter[T, R]
	duplicatesOk bool
	ctx          context.Context
	logger       core.Logger
}

// NewSelectiveRetry creates a SelectiveRetryIterator. groups is the
// dispatcher's original node -> id-subset fan-out: one sub-request, and
// therefore one slot counted by remaining, per map entry — regardless of
// how many of its ids later resolve independently via per-id retry rather
// than together in the original response.
func NewSelectiveRetry[T comparable, R any](
	ctx context.Context,
	groups map[core.Node]map[T]struct{},
	strategy core.RetryStrategy,
	scheduler core.Scheduler,
	reroute Rerouter[T],
	submit Submitter[T, R],
	duplicatesOk bool,
	logger core.Logger,
) *SelectiveRetryIterator[T, R] {
	if scheduler == nil {
		scheduler = core.TimeScheduler
	}
	if logger == nil {
		logger = core.NopLogger{}
	}

	idCount := 0
	for _, ids := range groups {
		idCount += len(ids)
	}

	it := &SelectiveRetryIterator[T, R]{
		q:            queue.New[taggedResult[T, R]](0),
		states:       make(map[T]*idTracker, idCount),
		groups:       make(map[int]*groupState, len(groups)),
		strategy:     strategy,
		scheduler:    scheduler,
		reroute:      reroute,
		submit:       submit,
		duplicatesOk: duplicatesOk,
		ctx:          ctx,
		logger:       logger,
	}
	it.remaining.Store(int64(len(groups)))

	gid := 0
	for node, ids := range groups {
		it.groups[gid] = &groupState{remaining: len(ids)}
		for id := range ids {
			tr := &idTracker{phase: phaseAwaiting, contacted: map[core.Node]struct{}{node: {}}, group: gid}
			it.states[id] = tr
			tr.timer = scheduler.AfterFunc(strategy.InitialTimeout(), it.onTimeout(id))
		}
		gid++
	}
	return it
}

func (it *SelectiveRetryIterator[T, R]) onTimeout(id T) func() {
	return func() {
		it.mu.Lock()
		tr, ok := it.states[id]
		if !ok || tr.phase == phaseSatisfied || tr.phase == phaseExhausted {
			it.mu.Unlock()
			return
		}

		next, more := it.strategy.NextTimeout(tr.attempt)
		if !more {
			it.mu.Unlock()
			it.transition(map[T]struct{}{id: {}}, queue.Failed[R](core.ErrTimeout), phaseExhausted)
			return
		}

		excluded := make(map[core.Node]struct{}, len(tr.contacted))
		for n := range tr.contacted {
			excluded[n] = struct{}{}
		}
		tr.phase = phaseRetrying
		tr.attempt++
		attempt := tr.attempt
		it.mu.Unlock()

		node, err := it.reroute(it.ctx, id, excluded)
		if err != nil {
			it.logger.Warn("selective retry: reroute failed", "id", id, "error", err)
			it.finishOne(map[T]struct{}{id: {}}, queue.Failed[R](err))
			return
		}

		it.mu.Lock()
		if tr2, ok := it.states[id]; ok && tr2 == tr {
			tr.contacted[node] = struct{}{}
			tr.timer = it.scheduler.AfterFunc(next, it.onTimeout(id))
		}
		it.mu.Unlock()

		// The retry replaces the timed-out original one-for-one: the
		// original sub-request's slot in `remaining` is inherited by this
		// new one rather than counted again, since the original may never
		// itself complete (the node it was sent to could be dead).
		cb := func(result queue.Result[R]) {
			it.finishOne(map[T]struct{}{id: {}}, result)
		}
		if err := it.submit(it.ctx, node, id, attempt, cb); err != nil {
			cb(queue.Failed[R](err))
		}
	}
}

// Deliver is called when a sub-request completes, covering ids (more than
// one if the initial fan-out batched several ids onto one node). It
// satisfies each still-outstanding id; remaining decrements once for each
// original node group whose last outstanding id this call resolves.
func (it *SelectiveRetryIterator[T, R]) Deliver(ids map[T]struct{}, result queue.Result[R]) {
	it.finishOne(ids, result)
}

// finishOne delivers a successful or failed sub-request result, marking
// every still-outstanding id in ids as phaseSatisfied.
func (it *SelectiveRetryIterator[T, R]) finishOne(ids map[T]struct{}, result queue.Result[R]) {
	it.transition(ids, result, phaseSatisfied)
}

// transition marks every still-outstanding id in ids with terminal (one of
// phaseSatisfied or phaseExhausted) and pushes result to the queue on that
// first resolution (or always, when duplicates are permitted). remaining
// only decrements once per originally-submitted node group, the moment its
// last still-outstanding id reaches a terminal phase — not once per
// transition() call — since one group's ids can resolve across several
// separate calls (its own Deliver plus any per-id retries that raced it).
func (it *SelectiveRetryIterator[T, R]) transition(ids map[T]struct{}, result queue.Result[R], terminal idPhase) {
	it.mu.Lock()
	anyFresh := false
	groupsResolved := 0
	for id := range ids {
		tr, ok := it.states[id]
		if !ok {
			continue
		}
		if tr.phase == phaseSatisfied || tr.phase == phaseExhausted {
			continue
		}
		if tr.timer != nil {
			tr.timer.Stop()
		}
		tr.phase = terminal
		anyFresh = true

		grp := it.groups[tr.group]
		grp.remaining--
		if grp.remaining == 0 {
			groupsResolved++
		}
	}
	shouldPush := anyFresh || it.duplicatesOk
	it.mu.Unlock()

	// remaining counts outstanding node-group slots, not individual ids; a
	// duplicate delivery (a late original arriving after its retry already
	// won, or a second Deliver for an already-satisfied id) must not
	// decrement it again.
	if groupsResolved > 0 {
		it.remaining.Sub(int64(groupsResolved))
	}
	if shouldPush {
		it.q.Push(queue.Ok(taggedResult[T, R]{ids: ids, result: result}))
	}
}

func (it *SelectiveRetryIterator[T, R]) HasNext() bool {
	return it.remaining.Load() > 0 || it.q.Len() > 0
}

func (it *SelectiveRetryIterator[T, R]) Next(ctx context.Context) (R, error) {
	var zero R
	wrapped, err := it.q.Take(ctx)
	if err != nil {
		return zero, err
	}
	if wrapped.Err != nil {
		return zero, wrapped.Err
	}
	if wrapped.Value.result.Err != nil {
		return zero, wrapped.Value.result.Err
	}
	return wrapped.Value.result.Value, nil
}

func (it *SelectiveRetryIterator[T, R]) Close() {
	it.mu.Lock()
	for _, tr := range it.states {
		if tr.timer != nil {
			tr.timer.Stop()
		}
	}
	it.mu.Unlock()
	it.q.Close()
}
