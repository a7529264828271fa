package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czy880816/norbert/src/core"
	"github.com/czy880816/norbert/src/retry"
	"github.com/czy880816/norbert/src/router"
	"github.com/czy880816/norbert/src/serialize"
)

// fakeBalancer assigns ids to nodes from a fixed table, for dispatch tests
// that care about fan-out shape rather than hashing specifics.
type fakeBalancer struct {
	assignment map[string]core.Node
	replicas   map[string][]core.Node
	oneReplica map[string]map[core.Node]map[int]struct{}
	partitions map[string]map[core.Node]map[int]struct{}
	routeErr   error
}

func (f *fakeBalancer) NextNode(_ context.Context, id string, _, _ core.Capability) (core.Node, bool, error) {
	n, ok := f.assignment[id]
	return n, ok, nil
}

func (f *fakeBalancer) NodesForOneReplica(_ context.Context, id string, _, _ core.Capability) (map[core.Node]map[int]struct{}, error) {
	if f.routeErr != nil {
		return nil, f.routeErr
	}
	return f.oneReplica[id], nil
}

func (f *fakeBalancer) NodesForPartitionedId(_ context.Context, id string, _, _ core.Capability) (map[core.Node]struct{}, error) {
	out := make(map[core.Node]struct{})
	for _, n := range f.replicas[id] {
		out[n] = struct{}{}
	}
	return out, nil
}

func (f *fakeBalancer) NodesForPartitions(_ context.Context, id string, _ map[int]struct{}, _, _ core.Capability) (map[core.Node]map[int]struct{}, error) {
	if f.routeErr != nil {
		return nil, f.routeErr
	}
	return f.partitions[id], nil
}

func (f *fakeBalancer) NodesForPartitionedIdsInNReplicas(context.Context, map[string]struct{}, int, core.Capability, core.Capability) (map[core.Node]map[string]struct{}, error) {
	return nil, nil
}

func (f *fakeBalancer) NodesForPartitionedIdsInOneCluster(context.Context, map[string]struct{}, string, core.Capability, core.Capability) (map[core.Node]map[string]struct{}, error) {
	return nil, nil
}

// fakeTransport dispatches Send calls to a caller-supplied function, letting
// each test script exactly the sub-request outcomes it wants.
type fakeTransport struct {
	mu   sync.Mutex
	fn   func(node core.Node, payload []byte) ([]byte, error)
	seen []core.Node
}

func (f *fakeTransport) Send(_ context.Context, node core.Node, payload []byte) ([]byte, error) {
	f.mu.Lock()
	f.seen = append(f.seen, node)
	f.mu.Unlock()
	return f.fn(node, payload)
}

type testReq struct {
	Ids []string
}

type testResp struct {
	Node string
}

func build(node core.Node, ids map[string]struct{}, attempt int) testReq {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return testReq{Ids: out}
}

func buildPartitions(node core.Node, id string, partitions map[int]struct{}, attempt int) testReq {
	return testReq{Ids: []string{id}}
}

var nodeA = core.Node{ID: "a", Address: "a:1"}
var nodeB = core.Node{ID: "b", Address: "b:1"}

func newDispatcher(lb *fakeBalancer, tr *fakeTransport, cfg Config) *Dispatcher[string, testReq, testResp] {
	rt := router.New[string](lb, nil)
	return New[string, testReq, testResp](rt, tr, serialize.NewJSONSerializer[testReq](), serialize.NewJSONSerializer[testResp](), build, buildPartitions, cfg, nil)
}

func TestDispatcher_SingleIdOneNode(t *testing.T) {
	lb := &fakeBalancer{assignment: map[string]core.Node{"x": nodeA}}
	tr := &fakeTransport{fn: func(node core.Node, payload []byte) ([]byte, error) {
		return []byte(`{"Node":"` + node.ID + `"}`), nil
	}}
	d := newDispatcher(lb, tr, Config{})

	it, err := d.SendOne(context.Background(), "x", nil, nil)
	require.NoError(t, err)

	v, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", v.Node)
	assert.False(t, it.HasNext())
}

func TestDispatcher_ThreeIdsTwoNodes(t *testing.T) {
	lb := &fakeBalancer{assignment: map[string]core.Node{"x": nodeA, "y": nodeA, "z": nodeB}}
	tr := &fakeTransport{fn: func(node core.Node, payload []byte) ([]byte, error) {
		return []byte(`{"Node":"` + node.ID + `"}`), nil
	}}
	d := newDispatcher(lb, tr, Config{})

	it, err := d.Send(context.Background(), map[string]struct{}{"x": {}, "y": {}, "z": {}}, nil, nil)
	require.NoError(t, err)

	var got []string
	for it.HasNext() {
		v, err := it.Next(context.Background())
		require.NoError(t, err)
		got = append(got, v.Node)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestDispatcher_NoNodesAvailableFailsFast(t *testing.T) {
	lb := &fakeBalancer{assignment: map[string]core.Node{}}
	tr := &fakeTransport{fn: func(core.Node, []byte) ([]byte, error) { return nil, nil }}
	d := newDispatcher(lb, tr, Config{})

	_, err := d.SendOne(context.Background(), "x", nil, nil)
	require.Error(t, err)
	var notAvailable *core.NoNodesAvailableError
	assert.ErrorAs(t, err, &notAvailable)
}

func TestDispatcher_RetriesWholeSubRequestOnRetriableFailure(t *testing.T) {
	lb := &fakeBalancer{
		assignment: map[string]core.Node{"x": nodeA},
		replicas:   map[string][]core.Node{"x": {nodeA, nodeB}},
	}
	tr := &fakeTransport{fn: func(node core.Node, payload []byte) ([]byte, error) {
		if node == nodeA {
			return nil, errors.New("connection refused")
		}
		return []byte(`{"Node":"` + node.ID + `"}`), nil
	}}
	d := newDispatcher(lb, tr, Config{MaxWholeRetry: 1})

	it, err := d.SendOne(context.Background(), "x", nil, nil)
	require.NoError(t, err)

	v, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", v.Node, "the failed sub-request must be rerouted to the other replica")
}

func TestDispatcher_WholeRetryPropagatesFailureWhenRetryDisabled(t *testing.T) {
	lb := &fakeBalancer{assignment: map[string]core.Node{"x": nodeA}}
	boom := errors.New("connection refused")
	tr := &fakeTransport{fn: func(node core.Node, payload []byte) ([]byte, error) {
		return nil, boom
	}}
	d := newDispatcher(lb, tr, Config{}) // MaxWholeRetry defaults to 0: retry disabled

	it, err := d.SendOne(context.Background(), "x", nil, nil)
	require.NoError(t, err)

	_, err = it.Next(context.Background())
	require.Error(t, err)
	var subErr *core.SubRequestError
	assert.ErrorAs(t, err, &subErr)
}

func TestDispatcher_SelectiveRetrySucceedsWithoutTimingOut(t *testing.T) {
	lb := &fakeBalancer{assignment: map[string]core.Node{"x": nodeA, "y": nodeB}}
	tr := &fakeTransport{fn: func(node core.Node, payload []byte) ([]byte, error) {
		return []byte(`{"Node":"` + node.ID + `"}`), nil
	}}
	cfg := Config{
		Routing:           core.RoutingConfigs{SelectiveRetry: true, DuplicatesOk: false},
		SelectiveStrategy: retry.NewExponentialStrategy(time.Hour, time.Hour, 2.0, 3),
	}
	d := newDispatcher(lb, tr, cfg)

	it, err := d.Send(context.Background(), map[string]struct{}{"x": {}, "y": {}}, nil, nil)
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for i := 0; i < 2; i++ {
		v, err := it.Next(context.Background())
		require.NoError(t, err)
		got = append(got, v.Node)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestDispatcher_SelectiveRetryFallsBackToWholeRetryWithoutStrategy(t *testing.T) {
	lb := &fakeBalancer{assignment: map[string]core.Node{"x": nodeA}}
	tr := &fakeTransport{fn: func(node core.Node, payload []byte) ([]byte, error) {
		return []byte(`{"Node":"` + node.ID + `"}`), nil
	}}
	cfg := Config{Routing: core.RoutingConfigs{SelectiveRetry: true}} // no SelectiveStrategy set
	d := newDispatcher(lb, tr, cfg)

	it, err := d.SendOne(context.Background(), "x", nil, nil)
	require.NoError(t, err)

	v, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", v.Node)
}

func TestDispatcher_SendToOneReplicaSingleClaimantNeedsNoRepair(t *testing.T) {
	lb := &fakeBalancer{
		oneReplica: map[string]map[core.Node]map[int]struct{}{
			"x": {nodeA: {0: {}, 1: {}}},
		},
	}
	tr := &fakeTransport{fn: func(node core.Node, payload []byte) ([]byte, error) {
		return []byte(`{"Node":"` + node.ID + `"}`), nil
	}}
	d := newDispatcher(lb, tr, Config{})

	it, err := d.SendToOneReplica(context.Background(), "x", nil, nil)
	require.NoError(t, err)

	v, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", v.Node)
	assert.False(t, it.HasNext())
	assert.Len(t, tr.seen, 1)
}

func TestDispatcher_SendToOneReplicaRepairsDuplicatePartitionClaim(t *testing.T) {
	lb := &fakeBalancer{
		oneReplica: map[string]map[core.Node]map[int]struct{}{
			// both nodes claim partition 0: RepairDuplicates must hand it to
			// exactly one of them, so exactly one sub-request is sent.
			"x": {nodeA: {0: {}}, nodeB: {0: {}}},
		},
	}
	tr := &fakeTransport{fn: func(node core.Node, payload []byte) ([]byte, error) {
		return []byte(`{"Node":"` + node.ID + `"}`), nil
	}}
	d := newDispatcher(lb, tr, Config{})

	it, err := d.SendToOneReplica(context.Background(), "x", nil, nil)
	require.NoError(t, err)

	v, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, v.Node)
	assert.False(t, it.HasNext(), "the duplicate claim must be repaired to a single sub-request")
	assert.Len(t, tr.seen, 1, "only one node should ever be contacted for the repaired partition")
}

func TestDispatcher_SendToOneReplicaRequiresBuildPartitions(t *testing.T) {
	lb := &fakeBalancer{oneReplica: map[string]map[core.Node]map[int]struct{}{"x": {nodeA: {0: {}}}}}
	tr := &fakeTransport{fn: func(core.Node, []byte) ([]byte, error) { return nil, nil }}
	rt := router.New[string](lb, nil)
	d := New[string, testReq, testResp](rt, tr, serialize.NewJSONSerializer[testReq](), serialize.NewJSONSerializer[testResp](), build, nil, Config{}, nil)

	_, err := d.SendToOneReplica(context.Background(), "x", nil, nil)
	assert.ErrorIs(t, err, core.ErrIllegalArgument)
}

// fixedRand is a deterministic balancer.Rand test double, picking the
// candidate at a fixed sorted index rather than a real random one.
type fixedRand struct{ idx int }

func (r fixedRand) Intn(n int) int { return r.idx % n }

func TestDispatcher_SendToPartitionsRepairsDuplicateClaimAndFansOut(t *testing.T) {
	lb := &fakeBalancer{
		partitions: map[string]map[core.Node]map[int]struct{}{
			"x": {nodeA: {0: {}, 1: {}}, nodeB: {1: {}}},
		},
	}
	tr := &fakeTransport{fn: func(node core.Node, payload []byte) ([]byte, error) {
		return []byte(`{"Node":"` + node.ID + `"}`), nil
	}}
	// nodeA and nodeB sort as [a, b]; index 1 picks nodeB as partition 1's
	// winner, so partition 0 (nodeA, uncontested) and partition 1 (nodeB,
	// repaired) land as two distinct sub-requests.
	d := newDispatcher(lb, tr, Config{Rand: fixedRand{idx: 1}})

	it, err := d.SendToPartitions(context.Background(), "x", map[int]struct{}{0: {}, 1: {}}, nil, nil)
	require.NoError(t, err)

	var got []string
	for it.HasNext() {
		v, err := it.Next(context.Background())
		require.NoError(t, err)
		got = append(got, v.Node)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, got, "partition 1's conflicting claim must resolve to exactly one winner, never both")
}

func TestDispatcher_SendToPartitionsRejectsEmptyPartitions(t *testing.T) {
	lb := &fakeBalancer{}
	tr := &fakeTransport{fn: func(core.Node, []byte) ([]byte, error) { return nil, nil }}
	d := newDispatcher(lb, tr, Config{})

	_, err := d.SendToPartitions(context.Background(), "x", map[int]struct{}{}, nil, nil)
	assert.ErrorIs(t, err, core.ErrNullArgument)
}

func TestDispatcher_SendRejectsEmptyIds(t *testing.T) {
	lb := &fakeBalancer{}
	tr := &fakeTransport{fn: func(core.Node, []byte) ([]byte, error) { return nil, nil }}
	d := newDispatcher(lb, tr, Config{})

	_, err := d.Send(context.Background(), map[string]struct{}{}, nil, nil)
	assert.ErrorIs(t, err, core.ErrNullArgument)
}
