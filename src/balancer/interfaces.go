// Package balancer defines the LoadBalancer contract (an external
// collaborator per spec §6), the LoadBalancerCache that holds the current
// balancer or a cached connection error, a default rendezvous-hashing
// implementation, and the replica-consistency repair routine.
package balancer

import (
	"context"

	"github.com/czy880816/norbert/src/core"
)

// LoadBalancer maps partition ids to nodes. Implementations are free to be
// non-deterministic across calls; every method here is generic over the
// caller-defined partition id type T.
type LoadBalancer[T comparable] interface {
	// NextNode returns the node assigned to id, or ok=false if no node is
	// currently available for it.
	NextNode(ctx context.Context, id T, cap, pcap core.Capability) (node core.Node, ok bool, err error)
	// NodesForOneReplica returns, for a single id, the set of partition
	// numbers assigned to each node holding one replica.
	NodesForOneReplica(ctx context.Context, id T, cap, pcap core.Capability) (map[core.Node]map[int]struct{}, error)
	// NodesForPartitionedId returns every replica node for id.
	NodesForPartitionedId(ctx context.Context, id T, cap, pcap core.Capability) (map[core.Node]struct{}, error)
	// NodesForPartitions returns the node assignment for an explicit
	// partition-number subset of id.
	NodesForPartitions(ctx context.Context, id T, partitions map[int]struct{}, cap, pcap core.Capability) (map[core.Node]map[int]struct{}, error)
	// NodesForPartitionedIdsInNReplicas places each id on up to n
	// distinct replicas, subject to availability.
	NodesForPartitionedIdsInNReplicas(ctx context.Context, ids map[T]struct{}, n int, cap, pcap core.Capability) (map[core.Node]map[T]struct{}, error)
	// NodesForPartitionedIdsInOneCluster restricts placement to clusterID.
	NodesForPartitionedIdsInOneCluster(ctx context.Context, ids map[T]struct{}, clusterID string, cap, pcap core.Capability) (map[core.Node]map[T]struct{}, error)
}

// Factory constructs a LoadBalancer from a membership snapshot. May return
// an *core.InvalidClusterError-wrapped error (or any error, which the cache
// then wraps) if the endpoint set cannot form a valid balancer.
type Factory[T comparable] interface {
	NewLoadBalancer(endpoints map[core.Endpoint]struct{}) (LoadBalancer[T], error)
}
