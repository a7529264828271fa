// Package dispatch provides the public send surface: Dispatcher wires the
// router, retry engine, transport and serializers together into the
// multi-id fan-out algorithm of spec §4.1. Grounded on the teacher's
// client.go top-level request orchestration, generalized from one LLM
// provider call to an arbitrary cluster fan-out.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/czy880816/norbert/src/balancer"
	"github.com/czy880816/norbert/src/core"
	"github.com/czy880816/norbert/src/iterator"
	"github.com/czy880816/norbert/src/queue"
	"github.com/czy880816/norbert/src/retry"
	"github.com/czy880816/norbert/src/router"
	"github.com/czy880816/norbert/src/serialize"
	"github.com/czy880816/norbert/src/transport"
)

// BuildRequest renders the request body for one sub-request: the set of
// ids a single node will be asked about, at a given retry attempt.
type BuildRequest[T comparable, Req any] func(node core.Node, ids map[T]struct{}, attempt int) Req

// BuildPartitionsRequest renders the request body for one sub-request of
// the one-replica/to-partitions paths (spec §4.3): a single id's partition
// numbers assigned to one node.
type BuildPartitionsRequest[T comparable, Req any] func(node core.Node, id T, partitions map[int]struct{}, attempt int) Req

// Dispatcher is the generic, per-request-shape send surface. One
// Dispatcher instance is built per (PartitionedId, Request, Response)
// triple a caller needs to send.
type Dispatcher[T comparable, Req any, R any] struct {
	router          *router.Router[T]
	tr              transport.Transport
	reqSer          serialize.Serializer[Req]
	respSer         serialize.Serializer[R]
	build           BuildRequest[T, Req]
	buildPartitions BuildPartitionsRequest[T, Req]

	retryEngine *retry.Engine[T, R]
	strategy    core.RetryStrategy
	scheduler   core.Scheduler
	configs     core.RoutingConfigs
	rng         balancer.Rand
	logger      core.Logger
}

// Config bundles the knobs New needs beyond the wiring dependencies
// themselves.
type Config struct {
	Routing      core.RoutingConfigs
	MaxWholeRetry int // whole-sub-request retry attempts (spec §4.6); 0 disables
	RerouteLimiter *rate.Limiter
	SelectiveStrategy core.RetryStrategy // used when Routing.SelectiveRetry; nil falls back to whole-sub-request retry
	Scheduler    core.Scheduler
	// Rand seeds the §4.4 ReplicaConsistency repair pass SendToOneReplica
	// and SendToPartitions apply; nil uses balancer.DefaultRand.
	Rand balancer.Rand
}

// New builds a Dispatcher over an already-constructed Router and
// Transport, with the serializers for a single request/response shape.
// buildPartitions may be nil if the caller never uses SendToOneReplica or
// SendToPartitions.
func New[T comparable, Req any, R any](
	rt *router.Router[T],
	tr transport.Transport,
	reqSer serialize.Serializer[Req],
	respSer serialize.Serializer[R],
	build BuildRequest[T, Req],
	buildPartitions BuildPartitionsRequest[T, Req],
	cfg Config,
	logger core.Logger,
) *Dispatcher[T, Req, R] {
	if logger == nil {
		logger = core.NopLogger{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = core.TimeScheduler
	}

	d := &Dispatcher[T, Req, R]{
		router:          rt,
		tr:              tr,
		reqSer:          reqSer,
		respSer:         respSer,
		build:           build,
		buildPartitions: buildPartitions,
		strategy:        cfg.SelectiveStrategy,
		scheduler:       cfg.Scheduler,
		configs:         cfg.Routing,
		rng:             cfg.Rand,
		logger:          logger,
	}

	resubmit := retry.Resubmitter[T, R](func(ctx context.Context, node core.Node, ids map[T]struct{}, attempt int, callback func(queue.Result[R])) error {
		go d.submitOnce(ctx, node, ids, attempt, callback)
		return nil
	})
	d.retryEngine = retry.NewEngine(rt, resubmit, cfg.MaxWholeRetry, cfg.RerouteLimiter, logger)
	return d
}

// Send is the generic multi-id entrypoint: route every id to its owning
// node, fan out one sub-request per node, and return a streaming iterator
// over the per-node responses (spec §4.1).
func (d *Dispatcher[T, Req, R]) Send(ctx context.Context, ids map[T]struct{}, cap, pcap core.Capability) (iterator.ResponseIterator[R], error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("dispatch: ids must be non-empty: %w", core.ErrNullArgument)
	}

	nodes, err := d.router.Standard(ctx, ids, cap, pcap)
	if err != nil {
		return nil, err
	}
	return d.sendToNodes(ctx, nodes, cap, pcap)
}

// SendToOneReplica asks the balancer for the single-replica partition-number
// assignment of one id, applies §4.4 consistency repair, and sends one
// sub-request per (node, partitions), returning a fixed-size iterator
// (spec §4.3).
func (d *Dispatcher[T, Req, R]) SendToOneReplica(ctx context.Context, id T, cap, pcap core.Capability) (iterator.ResponseIterator[R], error) {
	if d.buildPartitions == nil {
		return nil, fmt.Errorf("dispatch: one-replica send requires a BuildPartitionsRequest: %w", core.ErrIllegalArgument)
	}
	assignment, err := d.router.OneReplica(ctx, id, cap, pcap)
	if err != nil {
		return nil, err
	}
	return d.sendPartitioned(ctx, id, assignment), nil
}

// SendToReplicas fans out to n replicas per id (spec §4.2's
// NodesForPartitionedIdsInNReplicas), useful for read-repair or quorum
// reads.
func (d *Dispatcher[T, Req, R]) SendToReplicas(ctx context.Context, ids map[T]struct{}, n int, cap, pcap core.Capability) (iterator.ResponseIterator[R], error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("dispatch: ids must be non-empty: %w", core.ErrNullArgument)
	}
	nodes, err := d.router.NReplicas(ctx, ids, n, cap, pcap)
	if err != nil {
		return nil, err
	}
	return d.sendToNodes(ctx, nodes, cap, pcap)
}

// SendToCluster pins every id to a single named cluster (spec §4.2's
// cluster-pinned routing), e.g. for a cross-datacenter deployment where a
// request must stay within one cluster.
func (d *Dispatcher[T, Req, R]) SendToCluster(ctx context.Context, ids map[T]struct{}, clusterID string, cap, pcap core.Capability) (iterator.ResponseIterator[R], error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("dispatch: ids must be non-empty: %w", core.ErrNullArgument)
	}
	nodes, err := d.router.ClusterPinned(ctx, ids, clusterID, cap, pcap)
	if err != nil {
		return nil, err
	}
	return d.sendToNodes(ctx, nodes, cap, pcap)
}

// SendToPartitions sends one id's already-known partition subset, asks the
// balancer which nodes own those specific partitions (spec §4.2's
// NodesForPartitions), applies §4.4 consistency repair, and sends one
// sub-request per (node, partitions), returning a fixed-size iterator
// (spec §4.3) — the one SendToPartitions arity the source exposes (spec
// §9's open question resolved against a single-id signature, since a
// multi-id variant collapses to repeated single-id calls with no extra
// semantics).
func (d *Dispatcher[T, Req, R]) SendToPartitions(ctx context.Context, id T, partitions map[int]struct{}, cap, pcap core.Capability) (iterator.ResponseIterator[R], error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("dispatch: partitions must be non-empty: %w", core.ErrNullArgument)
	}
	if d.buildPartitions == nil {
		return nil, fmt.Errorf("dispatch: partitioned send requires a BuildPartitionsRequest: %w", core.ErrIllegalArgument)
	}
	assignment, err := d.router.Partitions(ctx, id, partitions, cap, pcap)
	if err != nil {
		return nil, err
	}
	return d.sendPartitioned(ctx, id, assignment), nil
}

// sendPartitioned implements the shared tail of SendToOneReplica and
// SendToPartitions (spec §4.3): repair any duplicate partition claims
// (spec §4.4), then fan out one sub-request per (node, partitions) over a
// FixedIterator.
func (d *Dispatcher[T, Req, R]) sendPartitioned(ctx context.Context, id T, assignment map[core.Node]map[int]struct{}) iterator.ResponseIterator[R] {
	repaired := balancer.RepairDuplicates(assignment, d.rng, d.logger)

	q := queue.New[R](0)
	it := iterator.NewFixed[R](len(repaired), q)
	for node, partitions := range repaired {
		node, partitions := node, partitions
		go d.submitPartitions(ctx, node, id, partitions, q)
	}
	return it
}

// SendOne is the single-id convenience variant of Send.
func (d *Dispatcher[T, Req, R]) SendOne(ctx context.Context, id T, cap, pcap core.Capability) (iterator.ResponseIterator[R], error) {
	return d.Send(ctx, map[T]struct{}{id: {}}, cap, pcap)
}

// sendToNodes submits one sub-request per node and returns the iterator
// matching the configured retry discipline: whole-sub-request retry
// (DynamicIterator + retry.Engine) xor selective per-id retry
// (SelectiveRetryIterator) — spec §4.5 requires exactly one of the two be
// active per send, never both.
func (d *Dispatcher[T, Req, R]) sendToNodes(ctx context.Context, nodes map[core.Node]map[T]struct{}, cap, pcap core.Capability) (iterator.ResponseIterator[R], error) {
	if d.build == nil {
		return nil, fmt.Errorf("dispatch: send requires a BuildRequest: %w", core.ErrNullArgument)
	}
	// Spec §4.1 step 2: selective retry requires a RetryStrategy; absent
	// one, fall back to the whole-sub-request DynamicIterator path rather
	// than failing the send outright.
	if d.configs.SelectiveRetry && d.strategy != nil {
		return d.sendSelective(ctx, nodes, cap, pcap), nil
	}
	return d.sendWholeRetry(ctx, nodes, cap, pcap), nil
}

func (d *Dispatcher[T, Req, R]) sendWholeRetry(ctx context.Context, nodes map[core.Node]map[T]struct{}, cap, pcap core.Capability) iterator.ResponseIterator[R] {
	q := queue.New[R](0)
	it := iterator.NewDynamic[R](len(nodes), q)

	underlying := func(r queue.Result[R]) { q.Push(r) }
	for node, ids := range nodes {
		node, ids := node, ids
		info := retry.SubRequestInfo[T]{Node: node, Ids: ids, Attempt: 0, Cap: cap, Pcap: pcap}
		cb := d.retryEngine.Callback(ctx, info, it, underlying)
		go d.submitOnce(ctx, node, ids, 0, cb)
	}
	return it
}

func (d *Dispatcher[T, Req, R]) sendSelective(ctx context.Context, nodes map[core.Node]map[T]struct{}, cap, pcap core.Capability) iterator.ResponseIterator[R] {
	reroute := func(ctx context.Context, id T, excluded map[core.Node]struct{}) (core.Node, error) {
		placed, err := d.router.CalculateExcluding(ctx, map[T]struct{}{id: {}}, excluded, 3, cap, pcap)
		if err != nil {
			return core.Node{}, err
		}
		for node := range placed {
			return node, nil
		}
		return core.Node{}, &core.NoNodesAvailableError{Ids: []string{fmt.Sprint(id)}}
	}

	submit := iterator.Submitter[T, R](func(ctx context.Context, node core.Node, id T, attempt int, callback func(queue.Result[R])) error {
		go d.submitOnce(ctx, node, map[T]struct{}{id: {}}, attempt, callback)
		return nil
	})

	it := iterator.NewSelectiveRetry[T, R](ctx, nodes, d.strategy, d.scheduler, reroute, submit, d.configs.DuplicatesOk, d.logger)

	for node, ids := range nodes {
		node, ids := node, ids
		go d.submitOnce(ctx, node, ids, 0, func(r queue.Result[R]) { it.Deliver(ids, r) })
	}
	return it
}

// submitOnce marshals, sends, and unmarshals one sub-request, invoking cb
// exactly once with the outcome. It never blocks its caller's goroutine
// beyond the transport round-trip itself — callers always run it via go.
func (d *Dispatcher[T, Req, R]) submitOnce(ctx context.Context, node core.Node, ids map[T]struct{}, attempt int, cb func(queue.Result[R])) {
	req := d.build(node, ids, attempt)
	payload, err := d.reqSer.Marshal(req)
	if err != nil {
		cb(queue.Failed[R](err))
		return
	}

	requestID := uuid.NewString()
	respBytes, err := d.tr.Send(ctx, node, payload)
	if err != nil {
		var subErr *core.SubRequestError
		if !errors.As(err, &subErr) {
			err = &core.SubRequestError{Cause: err, RequestID: requestID, Node: node, Attempt: attempt, HasRequestAccess: true}
		}
		cb(queue.Failed[R](err))
		return
	}

	resp, err := d.respSer.Unmarshal(respBytes)
	if err != nil {
		cb(queue.Failed[R](err))
		return
	}
	cb(queue.Ok(resp))
}

// submitPartitions is submitOnce's counterpart for the one-replica/to-
// partitions paths (spec §4.3): it builds a request from a single id's
// partition-number subset rather than an id set, and pushes the outcome
// straight onto q instead of taking a retry-aware callback — neither path
// retries (spec §4.3 names only a fixed iterator for both).
func (d *Dispatcher[T, Req, R]) submitPartitions(ctx context.Context, node core.Node, id T, partitions map[int]struct{}, q *queue.ResponseQueue[R]) {
	req := d.buildPartitions(node, id, partitions, 0)
	payload, err := d.reqSer.Marshal(req)
	if err != nil {
		q.Push(queue.Failed[R](err))
		return
	}

	requestID := uuid.NewString()
	respBytes, err := d.tr.Send(ctx, node, payload)
	if err != nil {
		var subErr *core.SubRequestError
		if !errors.As(err, &subErr) {
			err = &core.SubRequestError{Cause: err, RequestID: requestID, Node: node, HasRequestAccess: true}
		}
		q.Push(queue.Failed[R](err))
		return
	}

	resp, err := d.respSer.Unmarshal(respBytes)
	if err != nil {
		q.Push(queue.Failed[R](err))
		return
	}
	q.Push(queue.Ok(resp))
}
