package balancer

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/dgryski/go-rendezvous"

	"github.com/czy880816/norbert/src/core"
)

// RendezvousBalancer is the default LoadBalancer: rendezvous (highest
// random weight) hashing over live endpoints. It has the classic
// minimal-disruption property — removing one node only reassigns the ids
// that were mapped to it — which keeps retries cheap: excluding a failed
// node from a retry's candidate set touches no other id's placement.
//
// It is a reference implementation for tests and the dispatchctl demo, not
// a production load balancer (spec §1 keeps "load-balancer construction
// policy" an external collaborator's contract).
type RendezvousBalancer[T comparable] struct {
	mu    sync.RWMutex
	rv    *rendezvous.Rendezvous
	nodes map[string]core.Node
}

func rendezvousHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// NewRendezvousBalancer builds a balancer over the live endpoints in the
// given set. Returns a *core.InvalidClusterError if no endpoint is live.
func NewRendezvousBalancer[T comparable](endpoints map[core.Endpoint]struct{}) (*RendezvousBalancer[T], error) {
	names := make([]string, 0, len(endpoints))
	nodes := make(map[string]core.Node, len(endpoints))
	for ep := range endpoints {
		if !ep.Live {
			continue
		}
		names = append(names, ep.Node.ID)
		nodes[ep.Node.ID] = ep.Node
	}
	if len(names) == 0 {
		return nil, &core.InvalidClusterError{Cause: fmt.Errorf("no live endpoints")}
	}
	return &RendezvousBalancer[T]{
		rv:    rendezvous.New(names, rendezvousHash),
		nodes: nodes,
	}, nil
}

// idKey renders a partition id plus a disambiguating suffix (used to pick
// the Nth-ranked node for an id) into the string key rendezvous hashes on.
func idKey[T comparable](id T, suffix string) string {
	return fmt.Sprintf("%v#%s", id, suffix)
}

func (b *RendezvousBalancer[T]) liveNodeIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		out = append(out, id)
	}
	return out
}

// lookupN returns up to n distinct nodes for id, ranked by rendezvous
// weight, by repeatedly removing the previous winner from a scratch
// balancer copy. Capability is accepted for interface symmetry with the
// LoadBalancer contract but is opaque to this reference implementation —
// a real balancer would use it to filter the candidate node set.
func (b *RendezvousBalancer[T]) lookupN(id T, n int) []core.Node {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.nodes) == 0 || n <= 0 {
		return nil
	}
	remaining := make(map[string]core.Node, len(b.nodes))
	for k, v := range b.nodes {
		remaining[k] = v
	}

	out := make([]core.Node, 0, n)
	for i := 0; i < n && len(remaining) > 0; i++ {
		names := make([]string, 0, len(remaining))
		for name := range remaining {
			names = append(names, name)
		}
		rv := rendezvous.New(names, rendezvousHash)
		winner := rv.Lookup(idKey(id, fmt.Sprint(i)))
		out = append(out, remaining[winner])
		delete(remaining, winner)
	}
	return out
}

func (b *RendezvousBalancer[T]) NextNode(_ context.Context, id T, _, _ core.Capability) (core.Node, bool, error) {
	nodes := b.lookupN(id, 1)
	if len(nodes) == 0 {
		return core.Node{}, false, nil
	}
	return nodes[0], true, nil
}

func (b *RendezvousBalancer[T]) NodesForOneReplica(_ context.Context, id T, _, _ core.Capability) (map[core.Node]map[int]struct{}, error) {
	nodes := b.lookupN(id, 1)
	if len(nodes) == 0 {
		return nil, &core.NoNodesAvailableError{Ids: []string{fmt.Sprint(id)}}
	}
	return map[core.Node]map[int]struct{}{nodes[0]: {0: {}}}, nil
}

func (b *RendezvousBalancer[T]) NodesForPartitionedId(_ context.Context, id T, _, _ core.Capability) (map[core.Node]struct{}, error) {
	nodes := b.lookupN(id, len(b.liveNodeIDs()))
	if len(nodes) == 0 {
		return nil, &core.NoNodesAvailableError{Ids: []string{fmt.Sprint(id)}}
	}
	out := make(map[core.Node]struct{}, len(nodes))
	for _, n := range nodes {
		out[n] = struct{}{}
	}
	return out, nil
}

func (b *RendezvousBalancer[T]) NodesForPartitions(_ context.Context, id T, partitions map[int]struct{}, _, _ core.Capability) (map[core.Node]map[int]struct{}, error) {
	nodes := b.lookupN(id, 1)
	if len(nodes) == 0 {
		return nil, &core.NoNodesAvailableError{Ids: []string{fmt.Sprint(id)}}
	}
	ps := make(map[int]struct{}, len(partitions))
	for p := range partitions {
		ps[p] = struct{}{}
	}
	return map[core.Node]map[int]struct{}{nodes[0]: ps}, nil
}

func (b *RendezvousBalancer[T]) NodesForPartitionedIdsInNReplicas(_ context.Context, ids map[T]struct{}, n int, _, _ core.Capability) (map[core.Node]map[T]struct{}, error) {
	out := make(map[core.Node]map[T]struct{})
	for id := range ids {
		nodes := b.lookupN(id, n)
		if len(nodes) == 0 {
			return nil, &core.NoNodesAvailableError{Ids: []string{fmt.Sprint(id)}}
		}
		for _, node := range nodes {
			if out[node] == nil {
				out[node] = make(map[T]struct{})
			}
			out[node][id] = struct{}{}
		}
	}
	return out, nil
}

func (b *RendezvousBalancer[T]) NodesForPartitionedIdsInOneCluster(_ context.Context, ids map[T]struct{}, clusterID string, _, _ core.Capability) (map[core.Node]map[T]struct{}, error) {
	b.mu.RLock()
	clusterNodes := make(map[string]core.Node)
	for k, v := range b.nodes {
		if v.ClusterID == clusterID {
			clusterNodes[k] = v
		}
	}
	b.mu.RUnlock()

	if len(clusterNodes) == 0 {
		return nil, &core.NoNodesAvailableError{Ids: []string{fmt.Sprintf("cluster=%s", clusterID)}}
	}

	names := make([]string, 0, len(clusterNodes))
	for name := range clusterNodes {
		names = append(names, name)
	}
	rv := rendezvous.New(names, rendezvousHash)

	out := make(map[core.Node]map[T]struct{})
	for id := range ids {
		winner := rv.Lookup(idKey(id, "0"))
		node := clusterNodes[winner]
		if out[node] == nil {
			out[node] = make(map[T]struct{})
		}
		out[node][id] = struct{}{}
	}
	return out, nil
}

// rendezvousFactory adapts NewRendezvousBalancer to the Factory interface.
type rendezvousFactory[T comparable] struct{}

// NewRendezvousFactory returns a Factory producing RendezvousBalancer
// instances, suitable to pass to balancer.NewCache.
func NewRendezvousFactory[T comparable]() Factory[T] {
	return rendezvousFactory[T]{}
}

func (rendezvousFactory[T]) NewLoadBalancer(endpoints map[core.Endpoint]struct{}) (LoadBalancer[T], error) {
	return NewRendezvousBalancer[T](endpoints)
}
