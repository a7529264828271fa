package balancer

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/czy880816/norbert/src/core"
)

type cellState int

const (
	stateAbsent cellState = iota
	stateInvalid
	stateValid
)

type cell[T comparable] struct {
	state cellState
	err   error
	lb    LoadBalancer[T]
}

// Cache holds the current load balancer (or a cached invalid-cluster
// error) in a single memory location, updated atomically on membership
// change. Readers observe the most recently published value with
// sequential consistency: any Read that begins after an Update(E) call
// returns is guaranteed to observe a balancer built from at least E or a
// later snapshot, because atomic.Value's Store/Load pair establishes a
// happens-before edge the same way the teacher's connection pool manager
// swaps its transport under a single atomic boundary.
type Cache[T comparable] struct {
	factory Factory[T]
	logger  core.Logger
	value   atomic.Value
}

// NewCache creates a Cache backed by factory. The cache starts absent.
func NewCache[T comparable](factory Factory[T], logger core.Logger) *Cache[T] {
	if logger == nil {
		logger = core.NopLogger{}
	}
	c := &Cache[T]{factory: factory, logger: logger}
	c.value.Store(&cell[T]{state: stateAbsent})
	return c
}

// Update publishes a new balancer built from endpoints. An empty endpoint
// set stores the absent state. A factory error is wrapped as
// *core.InvalidClusterError (unless it already is one) and cached so every
// subsequent Read rethrows it until the next successful Update.
func (c *Cache[T]) Update(endpoints map[core.Endpoint]struct{}) {
	if len(endpoints) == 0 {
		c.logger.Info("load balancer cache: endpoints empty, marking absent")
		c.value.Store(&cell[T]{state: stateAbsent})
		return
	}

	lb, err := c.factory.NewLoadBalancer(endpoints)
	if err != nil {
		wrapped, ok := err.(*core.InvalidClusterError)
		if !ok {
			wrapped = &core.InvalidClusterError{Cause: err}
		}
		c.logger.Error("load balancer cache: failed to build balancer", "error", wrapped)
		c.value.Store(&cell[T]{state: stateInvalid, err: wrapped})
		return
	}

	c.logger.Info("load balancer cache: published new balancer", "endpoints", len(endpoints))
	c.value.Store(&cell[T]{state: stateValid, lb: lb})
}

// Read returns the current balancer, core.ErrNotConnected if absent, or
// the cached *core.InvalidClusterError if the last update failed.
func (c *Cache[T]) Read() (LoadBalancer[T], error) {
	cur, ok := c.value.Load().(*cell[T])
	if !ok || cur == nil {
		return nil, core.ErrNotConnected
	}
	switch cur.state {
	case stateAbsent:
		return nil, core.ErrNotConnected
	case stateInvalid:
		return nil, cur.err
	case stateValid:
		return cur.lb, nil
	default:
		return nil, fmt.Errorf("norbert: unknown load balancer cache state %d", cur.state)
	}
}
