package orchestrator

import (
	"sort"

	"github.com/jllopis/fabula/pkg/errors"
)

// topologicalOrder sorts nodes with Kahn's algorithm. Among nodes that are
// ready at the same time, declaration order wins, so a graph already declared
// in dependency order runs unchanged.
func topologicalOrder(nodes []*TaskNode, index map[string]*TaskNode) ([]*TaskNode, error) {
	position := make(map[string]int, len(nodes))
	for i, n := range nodes {
		position[n.Name] = i
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		seen := make(map[string]bool, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if _, inGraph := index[dep]; !inGraph || seen[dep] {
				continue
			}
			seen[dep] = true
			indegree[n.Name]++
			dependents[dep] = append(dependents[dep], n.Name)
		}
	}

	var ready []string
	for _, n := range nodes {
		if indegree[n.Name] == 0 {
			ready = append(ready, n.Name)
		}
	}

	order := make([]*TaskNode, 0, len(nodes))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, index[name])
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.SliceStable(ready, func(i, j int) bool {
			return position[ready[i]] < position[ready[j]]
		})
	}

	if len(order) != len(nodes) {
		var blocked []string
		for _, n := range nodes {
			if indegree[n.Name] > 0 {
				blocked = append(blocked, n.Name)
			}
		}
		return nil, errors.Newf(errors.CodeCycleDetected, "task graph has a cycle through %v", blocked).
			WithContext("nodes", blocked)
	}
	return order, nil
}
