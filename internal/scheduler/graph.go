package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

var (
	// ErrCycleDetected indicates an edge would close a dependency cycle.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrSelfDependency indicates a task was made to depend on itself.
	ErrSelfDependency = errors.New("task cannot depend on itself")
)

// Edge is a hard precedence constraint: TaskID cannot start before DependsOnID completes.
type Edge struct {
	TaskID      string
	DependsOnID string
}

// Graph is an adjacency structure over task IDs. It is not safe for concurrent
// mutation; callers build one per operation from persisted edges.
type Graph struct {
	nodes map[string]struct{}
	deps  map[string][]string // taskID -> IDs it depends on
}

// NewGraph builds a graph from edges without validating them.
func NewGraph(edges []Edge) *Graph {
	g := &Graph{
		nodes: make(map[string]struct{}),
		deps:  make(map[string][]string),
	}
	for _, e := range edges {
		g.AddNode(e.TaskID)
		g.AddNode(e.DependsOnID)
		g.deps[e.TaskID] = append(g.deps[e.TaskID], e.DependsOnID)
	}
	return g
}

// AddNode registers a task with no edges. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	g.nodes[id] = struct{}{}
}

// Reaches reports whether from transitively depends on to.
// Uses an explicit stack so deep hierarchies cannot exhaust the goroutine stack.
func (g *Graph) Reaches(from, to string) bool {
	if from == to {
		return true
	}

	visited := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, next := range g.deps[current] {
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// CheckEdge returns an error if adding taskID -> dependsOnID would break acyclicity.
func (g *Graph) CheckEdge(taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return fmt.Errorf("%w: %s", ErrSelfDependency, taskID)
	}
	if g.Reaches(dependsOnID, taskID) {
		return fmt.Errorf("%w: %s already depends on %s", ErrCycleDetected, dependsOnID, taskID)
	}
	return nil
}

// AddEdge validates and inserts an edge. On error the graph is unchanged.
func (g *Graph) AddEdge(taskID, dependsOnID string) error {
	if err := g.CheckEdge(taskID, dependsOnID); err != nil {
		return err
	}
	for _, existing := range g.deps[taskID] {
		if existing == dependsOnID {
			return nil
		}
	}
	g.AddNode(taskID)
	g.AddNode(dependsOnID)
	g.deps[taskID] = append(g.deps[taskID], dependsOnID)
	return nil
}

// Edges returns all edges sorted by (task, dependency).
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for taskID, deps := range g.deps {
		for _, depID := range deps {
			edges = append(edges, Edge{TaskID: taskID, DependsOnID: depID})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].TaskID != edges[j].TaskID {
			return edges[i].TaskID < edges[j].TaskID
		}
		return edges[i].DependsOnID < edges[j].DependsOnID
	})
	return edges
}

// Order runs a topological sort using gammazero/toposort.
// Dependencies come before their dependents. Returns an error on a cycle.
func (g *Graph) Order() ([]string, error) {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Build edges for topological sort
	var edges []toposort.Edge
	for _, id := range ids {
		deps := g.deps[id]
		if len(deps) == 0 {
			// Isolated or root task - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range deps {
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Verify every node made it into the result
	if len(order) != len(g.nodes) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, id := range ids {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
