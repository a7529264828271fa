// Package transport provides the wire-level Transport contract the
// dispatcher sends serialized sub-requests through, plus a reference
// PooledHTTPTransport implementation adapted from the teacher's
// provider/core connection pool manager.
package transport

import (
	"context"

	"github.com/czy880816/norbert/src/core"
)

// Transport sends a serialized sub-request payload to node and returns the
// serialized response payload. Implementations own their own connection
// reuse, timeouts and TLS configuration; the dispatcher never touches a
// socket directly (spec §5, "I/O model is pluggable").
type Transport interface {
	Send(ctx context.Context, node core.Node, payload []byte) ([]byte, error)
}

// PartitionedRequest is the immutable description of one sub-request,
// covering one or more partition ids routed to the same node (spec §3).
// T is the PartitionedId type, R the response type. Transport.Send does
// not take it: a Transport receives only the node and the serialized
// payload.
type PartitionedRequest[T comparable, R any] struct {
	RequestID string
	Node      core.Node
	Ids       map[T]struct{}
	Attempt   int
	Cap       core.Capability
	Pcap      core.Capability
}
