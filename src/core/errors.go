package core

import "errors"

// Sentinel errors for the dispatch core's error taxonomy (spec §7).
var (
	// ErrNotConnected is returned when no load balancer has been
	// published to the cache yet.
	ErrNotConnected = errors.New("norbert: not connected: no load balancer available")
	// ErrNullArgument is a programmer error from the public send surface.
	ErrNullArgument = errors.New("norbert: null argument")
	// ErrIllegalArgument covers programmer errors such as maxAttempts <= 0.
	ErrIllegalArgument = errors.New("norbert: illegal argument")
	// ErrCancelled is returned by an iterator once it has been closed.
	ErrCancelled = errors.New("norbert: iterator cancelled")
	// ErrTimeout is returned when a blocking wait exceeds its deadline.
	ErrTimeout = errors.New("norbert: timed out waiting for response")
)

// InvalidClusterError wraps the failure to construct a load balancer from
// an endpoint set. It is cached by LoadBalancerCache and rethrown on every
// read until the next successful update.
type InvalidClusterError struct {
	Cause error
}

func (e *InvalidClusterError) Error() string {
	return "norbert: invalid cluster: " + e.Cause.Error()
}

func (e *InvalidClusterError) Unwrap() error {
	return e.Cause
}

// NoNodesAvailableError is returned when the router cannot place one or
// more partition ids, or the retry router cannot find an unexcluded
// replacement.
type NoNodesAvailableError struct {
	// Ids is a human-readable rendering of the ids that could not be
	// placed. Kept as strings since the router is generic over the id
	// type and an error type cannot itself carry a type parameter.
	Ids []string
}

func (e *NoNodesAvailableError) Error() string {
	if len(e.Ids) == 0 {
		return "norbert: no nodes available"
	}
	return "norbert: no nodes available for ids: " + joinIds(e.Ids)
}

func joinIds(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}

// SubRequestError is the failure surfaced in a sub-request's completion
// callback. It optionally carries RequestID/Node/Attempt — the
// "RequestAccess" capability from spec §9 — which the whole-sub-request
// RetryEngine inspects to decide whether a failure is retriable, without
// the retry engine needing a generic handle back to the originating
// PartitionedRequest.
type SubRequestError struct {
	Cause     error
	RequestID string
	Node      Node
	Attempt   int
	// HasRequestAccess mirrors the source's "failure exposes the
	// originating request" capability check.
	HasRequestAccess bool
}

func (e *SubRequestError) Error() string {
	return "norbert: sub-request failed: " + e.Cause.Error()
}

func (e *SubRequestError) Unwrap() error {
	return e.Cause
}
