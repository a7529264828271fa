package retry

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/czy880816/norbert/src/core"
	"github.com/czy880816/norbert/src/iterator"
	"github.com/czy880816/norbert/src/queue"
	"github.com/czy880816/norbert/src/router"
)

// SubRequestInfo describes the sub-request a completion callback fired
// for — the minimum the whole-sub-request RetryEngine needs to reroute a
// failure, standing in for the source's direct back-reference to the
// originating PartitionedRequest (spec §9's cycle-avoidance guidance).
type SubRequestInfo[T comparable] struct {
	Node    core.Node
	Ids     map[T]struct{}
	Attempt int
	Cap     core.Capability
	Pcap    core.Capability
}

// Resubmitter builds and submits a new sub-request for (node, ids) at the
// given attempt number, wiring callback as its completion callback. It is
// the dispatcher's hook into "build a PartitionedRequest and hand it to
// the transport" — the retry engine never touches the transport directly.
type Resubmitter[T comparable, R any] func(ctx context.Context, node core.Node, ids map[T]struct{}, attempt int, callback func(queue.Result[R])) error

// Engine implements the whole-sub-request retry discipline of spec §4.6.
type Engine[T comparable, R any] struct {
	router     *router.Router[T]
	resubmit   Resubmitter[T, R]
	maxRetry   int
	maxReroute int // maxAttempts passed to the excluding router, per spec "maxAttempts=3"
	limiter    *rate.Limiter
	logger     core.Logger
}

// NewEngine creates a retry Engine. limiter bounds how fast rerouted
// retries are allowed to be issued against the cluster, grounded on the
// teacher's RateLimiter (a large-scale partial outage degrades to bounded
// retry pressure instead of a retry storm). A nil limiter disables
// rate-limiting.
func NewEngine[T comparable, R any](rt *router.Router[T], resubmit Resubmitter[T, R], maxRetry int, limiter *rate.Limiter, logger core.Logger) *Engine[T, R] {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Engine[T, R]{
		router:     rt,
		resubmit:   resubmit,
		maxRetry:   maxRetry,
		maxReroute: 3,
		limiter:    limiter,
		logger:     logger,
	}
}

// Callback builds the completion callback for one sub-request: on success
// it invokes underlying directly; on failure it decides, per spec §4.6,
// whether to reroute and resubmit or propagate the failure. it is the
// parent iterator if it's a *iterator.DynamicIterator (retries only grow a
// dynamic iterator's expected count); pass nil for fixed iterators, which
// disables retry growth and always propagates.
func (e *Engine[T, R]) Callback(ctx context.Context, info SubRequestInfo[T], it *iterator.DynamicIterator[R], underlying func(queue.Result[R])) func(queue.Result[R]) {
	if e.maxRetry <= 0 {
		return underlying
	}

	return func(result queue.Result[R]) {
		if result.Err == nil {
			underlying(result)
			return
		}

		subErr, ok := result.Err.(*core.SubRequestError)
		if !ok || !subErr.HasRequestAccess || info.Attempt >= e.maxRetry || it == nil {
			underlying(result)
			return
		}

		e.reroute(ctx, info, it, underlying, result)
	}
}

func (e *Engine[T, R]) reroute(ctx context.Context, info SubRequestInfo[T], it *iterator.DynamicIterator[R], underlying func(queue.Result[R]), original queue.Result[R]) {
	excluded := map[core.Node]struct{}{info.Node: {}}
	nodes, err := e.router.CalculateExcluding(ctx, info.Ids, excluded, e.maxReroute, info.Cap, info.Pcap)
	if err != nil {
		// Rerouting itself failed: surface the *original* failure, never
		// retry-of-retry-failure churn (spec §7).
		e.logger.Warn("retry engine: reroute failed, propagating original failure", "node", info.Node, "error", err)
		underlying(original)
		return
	}

	if len(nodes) > 1 {
		it.AddAndGet(int64(len(nodes) - 1))
	}

	attempt := info.Attempt + 1
	for node, ids := range nodes {
		node, ids := node, ids
		go e.submitOne(ctx, node, ids, attempt, info.Cap, info.Pcap, it, underlying)
	}
}

func (e *Engine[T, R]) submitOne(ctx context.Context, node core.Node, ids map[T]struct{}, attempt int, cap, pcap core.Capability, it *iterator.DynamicIterator[R], underlying func(queue.Result[R])) {
	if e.limiter != nil {
		// Rate-limit reroute issuance so a large failed fan-out degrades
		// to bounded retry pressure; errors here mean ctx was cancelled
		// while waiting, which we treat as a delivery failure for this id
		// set rather than blocking the retry goroutine forever.
		if waitErr := e.limiter.Wait(ctx); waitErr != nil {
			underlying(queue.Failed[R](waitErr))
			return
		}
	}

	info := SubRequestInfo[T]{Node: node, Ids: ids, Attempt: attempt, Cap: cap, Pcap: pcap}
	cb := e.Callback(ctx, info, it, underlying)
	if err := e.resubmit(ctx, node, ids, attempt, cb); err != nil {
		// Synchronous submission failure still counts toward the
		// iterator's expected results (spec §4.1 step 3).
		cb(queue.Failed[R](err))
	}
}

// DefaultRateLimiter builds a rate.Limiter suitable for bounding retry
// issuance: up to burst reroutes immediately, refilling at ratePerSecond
// thereafter. Non-positive values default to 50 per second and a burst of
// 10.
func DefaultRateLimiter(ratePerSecond float64, burst int) *rate.Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 50
	}
	if burst <= 0 {
		burst = 10
	}
	return rate.NewLimiter(rate.Limit(ratePerSecond), burst)
}
