// Package router turns a set of partition ids into per-node assignments
// under the three routing policies spec §4.2 names, plus the exclusion-
// aware retry variant used by the selective-retry iterator and the
// whole-sub-request retry engine.
package router

import (
	"context"
	"fmt"

	"github.com/czy880816/norbert/src/balancer"
	"github.com/czy880816/norbert/src/core"
)

// Router computes node -> id-subset assignments from a LoadBalancer. It is
// purely functional over the balancer's observations within one call — it
// holds no state of its own.
type Router[T comparable] struct {
	lb     balancer.LoadBalancer[T]
	logger core.Logger
}

// New creates a Router over lb.
func New[T comparable](lb balancer.LoadBalancer[T], logger core.Logger) *Router[T] {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Router[T]{lb: lb, logger: logger}
}

// Standard folds over ids, consulting LoadBalancer.NextNode for each and
// grouping ids by assigned node. A missing assignment fails the whole call
// with *core.NoNodesAvailableError.
func (r *Router[T]) Standard(ctx context.Context, ids map[T]struct{}, cap, pcap core.Capability) (map[core.Node]map[T]struct{}, error) {
	out := make(map[core.Node]map[T]struct{})
	var missing []string
	for id := range ids {
		node, ok, err := r.lb.NextNode(ctx, id, cap, pcap)
		if err != nil {
			return nil, fmt.Errorf("router: next node for id %v: %w", id, err)
		}
		if !ok {
			missing = append(missing, fmt.Sprint(id))
			continue
		}
		if out[node] == nil {
			out[node] = make(map[T]struct{})
		}
		out[node][id] = struct{}{}
	}
	if len(missing) > 0 {
		return nil, &core.NoNodesAvailableError{Ids: missing}
	}
	return out, nil
}

// OneReplica delegates to LoadBalancer.NodesForOneReplica, returning the
// single-replica partition-number assignment for one id (spec §4.3).
func (r *Router[T]) OneReplica(ctx context.Context, id T, cap, pcap core.Capability) (map[core.Node]map[int]struct{}, error) {
	out, err := r.lb.NodesForOneReplica(ctx, id, cap, pcap)
	if err != nil {
		return nil, fmt.Errorf("router: one-replica routing for id %v: %w", id, err)
	}
	return out, nil
}

// NReplicas delegates to LoadBalancer.NodesForPartitionedIdsInNReplicas.
func (r *Router[T]) NReplicas(ctx context.Context, ids map[T]struct{}, n int, cap, pcap core.Capability) (map[core.Node]map[T]struct{}, error) {
	out, err := r.lb.NodesForPartitionedIdsInNReplicas(ctx, ids, n, cap, pcap)
	if err != nil {
		return nil, fmt.Errorf("router: n-replica routing: %w", err)
	}
	return out, nil
}

// ClusterPinned delegates to LoadBalancer.NodesForPartitionedIdsInOneCluster.
func (r *Router[T]) ClusterPinned(ctx context.Context, ids map[T]struct{}, clusterID string, cap, pcap core.Capability) (map[core.Node]map[T]struct{}, error) {
	out, err := r.lb.NodesForPartitionedIdsInOneCluster(ctx, ids, clusterID, cap, pcap)
	if err != nil {
		return nil, fmt.Errorf("router: cluster-pinned routing: %w", err)
	}
	return out, nil
}

// Partitions delegates to LoadBalancer.NodesForPartitions, splitting one
// id's already-known partition numbers across the nodes that own them.
func (r *Router[T]) Partitions(ctx context.Context, id T, partitions map[int]struct{}, cap, pcap core.Capability) (map[core.Node]map[int]struct{}, error) {
	out, err := r.lb.NodesForPartitions(ctx, id, partitions, cap, pcap)
	if err != nil {
		return nil, fmt.Errorf("router: partition routing: %w", err)
	}
	return out, nil
}

// CalculateExcluding is the retry variant (spec §4.2): for each id, it
// examines up to maxAttempts of the id's replicas (from
// NodesForPartitionedId, see findExcluding) and accepts the first whose
// node is not in excluded. maxAttempts <= 0 is a programmer error.
func (r *Router[T]) CalculateExcluding(ctx context.Context, ids map[T]struct{}, excluded map[core.Node]struct{}, maxAttempts int, cap, pcap core.Capability) (map[core.Node]map[T]struct{}, error) {
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("router: maxAttempts must be > 0: %w", core.ErrIllegalArgument)
	}

	out := make(map[core.Node]map[T]struct{})
	var unplaced []string
	for id := range ids {
		node, ok, err := r.findExcluding(ctx, id, excluded, maxAttempts, cap, pcap)
		if err != nil {
			return nil, err
		}
		if !ok {
			unplaced = append(unplaced, fmt.Sprint(id))
			continue
		}
		if out[node] == nil {
			out[node] = make(map[T]struct{})
		}
		out[node][id] = struct{}{}
	}
	if len(unplaced) > 0 {
		return nil, &core.NoNodesAvailableError{Ids: unplaced}
	}
	return out, nil
}

// findExcluding consults the full replica set for id rather than
// repeatedly calling NextNode — NextNode is deterministic for a fixed
// balancer state, so retrying it directly would just return the same
// node every time and never find an alternative.
func (r *Router[T]) findExcluding(ctx context.Context, id T, excluded map[core.Node]struct{}, maxAttempts int, cap, pcap core.Capability) (core.Node, bool, error) {
	replicas, err := r.lb.NodesForPartitionedId(ctx, id, cap, pcap)
	if err != nil {
		return core.Node{}, false, fmt.Errorf("router: replica set for id %v: %w", id, err)
	}

	attempt := 0
	for node := range replicas {
		if attempt >= maxAttempts {
			break
		}
		attempt++
		if _, isExcluded := excluded[node]; !isExcluded {
			return node, true, nil
		}
		r.logger.Debug("router: candidate node excluded, trying next replica", "id", fmt.Sprint(id), "node", node, "attempt", attempt)
	}
	return core.Node{}, false, nil
}
