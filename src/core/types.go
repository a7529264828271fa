// Package core provides the shared types and error taxonomy for the
// partitioned RPC dispatch core: nodes, capabilities, routing configuration
// and the Logger contract every other package is built on.
package core

import "fmt"

// Node identifies a cluster node. The core treats it as opaque beyond
// equality and hashing, both of which a comparable struct gives for free.
type Node struct {
	ID      string
	Address string
	// ClusterID optionally names the cluster this node belongs to, used
	// by cluster-pinned routing (spec §4.2). Empty if the deployment
	// doesn't partition nodes into clusters.
	ClusterID string
}

func (n Node) String() string {
	return fmt.Sprintf("%s(%s)", n.ID, n.Address)
}

// Endpoint pairs a node with the liveness flag supplied by the cluster
// membership collaborator.
type Endpoint struct {
	Node Node
	Live bool
}

// Capability is an opaque 64-bit constraint narrowing which nodes may serve
// a request. A nil Capability means "no constraint".
type Capability *uint64

// NewCapability wraps a value as a Capability.
func NewCapability(v uint64) Capability {
	return &v
}

// RoutingConfigs governs retry discipline and response deduplication.
type RoutingConfigs struct {
	// SelectiveRetry enables per-id retry against alternate replicas
	// instead of whole-sub-request retry.
	SelectiveRetry bool
	// DuplicatesOk allows the selective-retry iterator to deliver more
	// than one response covering the same partition id.
	DuplicatesOk bool
}
