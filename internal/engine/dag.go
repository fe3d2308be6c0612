package engine

import (
	"slices"

	"github.com/rendis/flowcore/pkg/schema"
)

// dagEdge declares that node From must complete before node To starts.
type dagEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// topoOrder returns the execution order of a dag step's nodes.
// It validates the edges and sorts with Kahn's algorithm; ties are broken by
// node name so the order is deterministic for a given definition.
func topoOrder(nodes []string, edges []dagEdge) ([]string, error) {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n] = true
	}

	inDegree := make(map[string]int, len(nodes))
	reverse := make(map[string][]string, len(nodes))
	seen := make(map[dagEdge]bool, len(edges))
	for _, e := range edges {
		if !known[e.From] {
			return nil, schema.NewErrorf(schema.ErrCodeStepValidation, "dag edge references unknown node: %s", e.From)
		}
		if !known[e.To] {
			return nil, schema.NewErrorf(schema.ErrCodeStepValidation, "dag edge references unknown node: %s", e.To)
		}
		if e.From == e.To {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "dag node %s depends on itself", e.From)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		inDegree[e.To]++
		reverse[e.From] = append(reverse[e.From], e.To)
	}

	// Queue nodes with in-degree 0 (roots), sorted for deterministic ordering.
	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	slices.Sort(queue)

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := slices.Clone(reverse[node])
		slices.Sort(dependents)

		var ready []string
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		// Newly ready nodes join the queue in name order.
		queue = append(queue, ready...)
		slices.Sort(queue)
	}

	if len(sorted) != len(nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "dag contains a cycle")
	}
	return sorted, nil
}
