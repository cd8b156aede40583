package store

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// ValidateGraph checks the dependency graph: every referenced dependency
// must exist and the graph must be acyclic. Returns a topological order of
// task IDs.
func (s *TaskStore) ValidateGraph() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tasks {
		for _, depID := range t.DependsOn {
			if _, exists := s.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, depID)
			}
		}
	}

	var edges []toposort.Edge
	for id, t := range s.tasks {
		if len(t.DependsOn) == 0 {
			// Root tasks get a nil-source edge so they appear in the sort.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range t.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(s.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for id := range s.tasks {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
