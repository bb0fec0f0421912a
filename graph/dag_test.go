package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond is the classic fan-out fan-in shape: 1 -> {2,3} -> 4
func diamond() Adjacency {
	return Adjacency{
		1: {2, 3},
		2: {4},
		3: {4},
	}
}

// TestValidate tests cycle rejection at bind time
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		adj     Adjacency
		wantErr bool
	}{
		{name: "Empty", adj: Adjacency{}, wantErr: false},
		{name: "SingleNode", adj: Adjacency{7: nil}, wantErr: false},
		{name: "Chain", adj: Adjacency{1: {2}, 2: {3}}, wantErr: false},
		{name: "Diamond", adj: diamond(), wantErr: false},
		{name: "SelfLoop", adj: Adjacency{1: {1}}, wantErr: true},
		{name: "TwoCycle", adj: Adjacency{1: {2}, 2: {1}}, wantErr: true},
		{name: "CycleBehindChain", adj: Adjacency{1: {2}, 2: {3}, 3: {4}, 4: {2}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.adj)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestTopologicalOrder tests Kahn ordering with deterministic tie-break
func TestTopologicalOrder(t *testing.T) {
	order, err := TopologicalOrder(diamond())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, order)

	// disconnected components still sort, lowest ID first
	order, err = TopologicalOrder(Adjacency{10: {11}, 2: {3}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 10, 3, 11}, order)

	_, err = TopologicalOrder(Adjacency{1: {2}, 2: {1}})
	assert.Error(t, err)
}

// TestDownstream tests transitive closure excluding the roots
func TestDownstream(t *testing.T) {
	adj := Adjacency{
		1: {2, 3},
		2: {4},
		3: {4},
		4: {5},
		8: {9},
	}

	assert.Equal(t, []int64{2, 3, 4, 5}, Downstream(adj, []int64{1}))
	assert.Equal(t, []int64{5}, Downstream(adj, []int64{4}))
	assert.Empty(t, Downstream(adj, []int64{5}))
	assert.Equal(t, []int64{2, 3, 9, 4, 5}, Downstream(adj, []int64{1, 8}))

	// root already in closure is not repeated
	assert.Equal(t, []int64{4, 5}, Downstream(adj, []int64{2, 3}))
}

// TestUpstream tests the reverse closure
func TestUpstream(t *testing.T) {
	adj := diamond()

	assert.Equal(t, []int64{2, 3, 1}, Upstream(adj, []int64{4}))
	assert.Equal(t, []int64{1}, Upstream(adj, []int64{2}))
	assert.Empty(t, Upstream(adj, []int64{1}))
}
