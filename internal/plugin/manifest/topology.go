package manifest

import (
	"fmt"
	"sort"
)

// TopologyResult carries the computed startup order. On a cycle, Order holds
// the resolvable prefix and Cycle the trace of the stuck plugins.
type TopologyResult struct {
	Order []string
	Cycle []string
}

// Sort computes a topological startup order over the manifest map using
// Kahn's algorithm. Ties break core tier before extension tier, then id
// lexicographic ascending. References to missing dependencies and ids that
// differ from their map key are errors.
func Sort(manifests map[string]*Manifest) (*TopologyResult, error) {
	for key, m := range manifests {
		if m.ID != key {
			return nil, fmt.Errorf("manifest id %q does not match its key %q", m.ID, key)
		}
		for _, dep := range m.Dependencies {
			if _, ok := manifests[dep]; !ok {
				return nil, fmt.Errorf("plugin %s depends on missing plugin %s", m.ID, dep)
			}
		}
	}

	indegree := make(map[string]int, len(manifests))
	dependents := make(map[string][]string, len(manifests))
	for id, m := range manifests {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range m.Dependencies {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	ready := make([]string, 0, len(manifests))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	result := &TopologyResult{Order: make([]string, 0, len(manifests))}
	for len(ready) > 0 {
		sortReady(ready, manifests)
		next := ready[0]
		ready = ready[1:]
		result.Order = append(result.Order, next)
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(result.Order) < len(manifests) {
		for id, deg := range indegree {
			if deg > 0 {
				result.Cycle = append(result.Cycle, id)
			}
		}
		sort.Strings(result.Cycle)
	}
	return result, nil
}

// sortReady orders the ready set: core tier first, then id ascending.
func sortReady(ready []string, manifests map[string]*Manifest) {
	sort.Slice(ready, func(i, j int) bool {
		a, b := manifests[ready[i]], manifests[ready[j]]
		if a.Tier != b.Tier {
			return a.Tier == TierCore
		}
		return a.ID < b.ID
	})
}
