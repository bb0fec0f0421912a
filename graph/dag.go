// Package graph provides directed acyclic graph (DAG) utilities for workflow
// dependency management. Adjacency maps a node ID to the IDs of its direct
// downstream nodes. The zero value of a missing key means "no outgoing edges",
// so callers only record nodes that actually fan out.
package graph

import (
	"fmt"
	"sort"
)

// Adjacency maps a node ID to its direct downstream node IDs.
type Adjacency map[int64][]int64

// nodeSet collects every node mentioned by the adjacency, sources and
// targets alike.
func nodeSet(adj Adjacency) map[int64]bool {
	nodes := make(map[int64]bool, len(adj))
	for up, downs := range adj {
		nodes[up] = true
		for _, down := range downs {
			nodes[down] = true
		}
	}
	return nodes
}

// Validate checks the adjacency for circular dependencies. A workflow DAG is
// rejected at bind time rather than discovered deadlocked at run time.
func Validate(adj Adjacency) error {
	_, err := TopologicalOrder(adj)
	return err
}

// TopologicalOrder returns all node IDs sorted so that every node appears
// after its upstream dependencies, using Kahn's algorithm. Ties are broken
// by ascending ID so the order is deterministic.
func TopologicalOrder(adj Adjacency) ([]int64, error) {
	nodes := nodeSet(adj)

	inDegree := make(map[int64]int, len(nodes))
	for id := range nodes {
		inDegree[id] = 0
	}
	for _, downs := range adj {
		for _, down := range downs {
			inDegree[down]++
		}
	}

	var queue []int64
	for id := range nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i] < queue[j] })

	result := make([]int64, 0, len(nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		ready := make([]int64, 0, len(adj[current]))
		for _, down := range adj[current] {
			inDegree[down]--
			if inDegree[down] == 0 {
				ready = append(ready, down)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		queue = append(queue, ready...)
	}

	if len(result) != len(nodes) {
		return nil, fmt.Errorf("circular dependency detected in workflow graph")
	}
	return result, nil
}

// Downstream returns the transitive downstream closure of the given roots,
// excluding the roots themselves, in deterministic breadth-first order.
func Downstream(adj Adjacency, roots []int64) []int64 {
	seen := make(map[int64]bool, len(roots))
	for _, id := range roots {
		seen[id] = true
	}

	frontier := append([]int64(nil), roots...)
	var result []int64
	for len(frontier) > 0 {
		var next []int64
		for _, id := range frontier {
			for _, down := range adj[id] {
				if !seen[down] {
					seen[down] = true
					next = append(next, down)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		result = append(result, next...)
		frontier = next
	}
	return result
}

// Upstream returns the transitive upstream closure of the given roots,
// excluding the roots themselves.
func Upstream(adj Adjacency, roots []int64) []int64 {
	reversed := make(Adjacency, len(adj))
	for up, downs := range adj {
		for _, down := range downs {
			reversed[down] = append(reversed[down], up)
		}
	}
	return Downstream(reversed, roots)
}
