package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czy880816/norbert/src/core"
)

// fakeBalancer maps ids to nodes from a fixed table, for router unit
// tests that shouldn't depend on rendezvous hashing specifics.
type fakeBalancer struct {
	assignment map[string]core.Node
	replicas   map[string][]core.Node
}

func (f *fakeBalancer) NextNode(_ context.Context, id string, _, _ core.Capability) (core.Node, bool, error) {
	n, ok := f.assignment[id]
	return n, ok, nil
}

func (f *fakeBalancer) NodesForOneReplica(context.Context, string, core.Capability, core.Capability) (map[core.Node]map[int]struct{}, error) {
	return nil, nil
}

func (f *fakeBalancer) NodesForPartitionedId(_ context.Context, id string, _, _ core.Capability) (map[core.Node]struct{}, error) {
	out := make(map[core.Node]struct{})
	for _, n := range f.replicas[id] {
		out[n] = struct{}{}
	}
	return out, nil
}

func (f *fakeBalancer) NodesForPartitions(_ context.Context, id string, partitions map[int]struct{}, _, _ core.Capability) (map[core.Node]map[int]struct{}, error) {
	n := f.assignment[id]
	return map[core.Node]map[int]struct{}{n: partitions}, nil
}

func (f *fakeBalancer) NodesForPartitionedIdsInNReplicas(_ context.Context, ids map[string]struct{}, n int, _, _ core.Capability) (map[core.Node]map[string]struct{}, error) {
	out := make(map[core.Node]map[string]struct{})
	for id := range ids {
		for i, node := range f.replicas[id] {
			if i >= n {
				break
			}
			if out[node] == nil {
				out[node] = make(map[string]struct{})
			}
			out[node][id] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeBalancer) NodesForPartitionedIdsInOneCluster(_ context.Context, ids map[string]struct{}, clusterID string, _, _ core.Capability) (map[core.Node]map[string]struct{}, error) {
	out := make(map[core.Node]map[string]struct{})
	for id := range ids {
		n := f.assignment[id]
		if n.ClusterID != clusterID {
			continue
		}
		if out[n] == nil {
			out[n] = make(map[string]struct{})
		}
		out[n][id] = struct{}{}
	}
	return out, nil
}

var nodeA = core.Node{ID: "a", Address: "a:1"}
var nodeB = core.Node{ID: "b", Address: "b:1"}

func TestRouter_StandardSingleIdOneNode(t *testing.T) {
	lb := &fakeBalancer{assignment: map[string]core.Node{"x": nodeA}}
	r := New[string](lb, nil)

	out, err := r.Standard(context.Background(), map[string]struct{}{"x": {}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[core.Node]map[string]struct{}{nodeA: {"x": {}}}, out)
}

func TestRouter_StandardThreeIdsTwoNodes(t *testing.T) {
	lb := &fakeBalancer{assignment: map[string]core.Node{"x": nodeA, "y": nodeA, "z": nodeB}}
	r := New[string](lb, nil)

	out, err := r.Standard(context.Background(), map[string]struct{}{"x": {}, "y": {}, "z": {}}, nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, map[string]struct{}{"x": {}, "y": {}}, out[nodeA])
	assert.Equal(t, map[string]struct{}{"z": {}}, out[nodeB])
}

func TestRouter_StandardNoNodesAvailable(t *testing.T) {
	lb := &fakeBalancer{assignment: map[string]core.Node{}}
	r := New[string](lb, nil)

	_, err := r.Standard(context.Background(), map[string]struct{}{"x": {}}, nil, nil)
	require.Error(t, err)
	var notAvailable *core.NoNodesAvailableError
	assert.ErrorAs(t, err, &notAvailable)
}

func TestRouter_CalculateExcludingSkipsExcludedReplica(t *testing.T) {
	lb := &fakeBalancer{replicas: map[string][]core.Node{"x": {nodeA, nodeB}}}
	r := New[string](lb, nil)

	out, err := r.CalculateExcluding(context.Background(), map[string]struct{}{"x": {}}, map[core.Node]struct{}{nodeA: {}}, 3, nil, nil)
	require.NoError(t, err)
	require.Contains(t, out, nodeB)
	assert.NotContains(t, out, nodeA)
}

func TestRouter_CalculateExcludingAllReplicasExcludedFails(t *testing.T) {
	lb := &fakeBalancer{replicas: map[string][]core.Node{"x": {nodeA, nodeB}}}
	r := New[string](lb, nil)

	_, err := r.CalculateExcluding(context.Background(), map[string]struct{}{"x": {}}, map[core.Node]struct{}{nodeA: {}, nodeB: {}}, 3, nil, nil)
	require.Error(t, err)
	var notAvailable *core.NoNodesAvailableError
	assert.ErrorAs(t, err, &notAvailable)
}

func TestRouter_CalculateExcludingRejectsNonPositiveMaxAttempts(t *testing.T) {
	lb := &fakeBalancer{}
	r := New[string](lb, nil)

	_, err := r.CalculateExcluding(context.Background(), map[string]struct{}{"x": {}}, nil, 0, nil, nil)
	assert.ErrorIs(t, err, core.ErrIllegalArgument)
}
