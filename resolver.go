package plugrun

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyResolver builds a dependency graph over configured modules,
// detects cycles and missing dependencies, and produces a topological
// load order. A resolver is transient: build one per resolution call.
type DependencyResolver struct {
	nodes  map[string]*graphNode
	order  []string // insertion order, for deterministic iteration
	logger Logger
}

type graphNode struct {
	id         string
	deps       []string
	dependents []string
}

// NewDependencyResolver creates an empty resolver.
func NewDependencyResolver(logger Logger) *DependencyResolver {
	return &DependencyResolver{
		nodes:  make(map[string]*graphNode),
		logger: logger,
	}
}

// AddNode registers a module and its declared dependency ids. Adding the
// same id twice replaces the earlier dependency list.
func (r *DependencyResolver) AddNode(id string, deps []string) {
	if _, exists := r.nodes[id]; !exists {
		r.order = append(r.order, id)
	}
	r.nodes[id] = &graphNode{id: id, deps: append([]string(nil), deps...)}
}

// Resolve validates the graph and returns a load order in which every
// module appears strictly after all of its dependencies.
//
// All missing dependencies are collected and reported together. A cycle
// fails immediately with the offending path. Ordering is deterministic:
// among modules whose dependencies are all satisfied, ids load in
// lexicographic order.
func (r *DependencyResolver) Resolve() ([]string, error) {
	if err := r.checkMissing(); err != nil {
		return nil, err
	}
	if err := r.checkCycles(); err != nil {
		return nil, err
	}

	// Kahn's algorithm. In-degree counts unresolved dependencies; a
	// module enters the output once its in-degree reaches zero.
	inDegree := make(map[string]int, len(r.nodes))
	for id, node := range r.nodes {
		inDegree[id] = len(node.deps)
		node.dependents = nil
	}
	for _, node := range r.nodes {
		for _, dep := range node.deps {
			r.nodes[dep].dependents = append(r.nodes[dep].dependents, node.id)
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	result := make([]string, 0, len(r.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		result = append(result, id)

		var unlocked []string
		for _, dependent := range r.nodes[id].dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	if len(result) != len(r.nodes) {
		// Unreachable after checkCycles, kept as a guard.
		return nil, ErrCircularDependency
	}

	r.logger.Debug("Resolved module load order", "order", result)
	return result, nil
}

// checkMissing collects every dependency edge pointing outside the graph.
func (r *DependencyResolver) checkMissing() error {
	var missing []string
	for _, id := range r.order {
		for _, dep := range r.nodes[id].deps {
			if _, ok := r.nodes[dep]; !ok {
				missing = append(missing, fmt.Sprintf("%s requires %s", id, dep))
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, "; "))
	}
	return nil
}

// checkCycles runs a depth-first search with unvisited/visiting/visited
// marks. A back-edge to a node still on the recursion stack is a cycle.
func (r *DependencyResolver) checkCycles() error {
	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		if visiting[id] {
			start := 0
			for i, s := range stack {
				if s == id {
					start = i
					break
				}
			}
			path := append(append([]string(nil), stack[start:]...), id)
			return fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(path, " -> "))
		}
		if visited[id] {
			return nil
		}
		visiting[id] = true
		stack = append(stack, id)
		for _, dep := range r.nodes[id].deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		visiting[id] = false
		visited[id] = true
		return nil
	}

	for _, id := range r.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// DependencyChain returns the full transitive dependency set of a module,
// dependencies before dependents, guarded against revisits.
func (r *DependencyResolver) DependencyChain(id string) []string {
	visited := make(map[string]bool)
	var chain []string
	var walk func(string)
	walk = func(current string) {
		node, ok := r.nodes[current]
		if !ok || visited[current] {
			return
		}
		visited[current] = true
		for _, dep := range node.deps {
			walk(dep)
			if _, ok := r.nodes[dep]; ok && !containsString(chain, dep) {
				chain = append(chain, dep)
			}
		}
	}
	walk(id)
	return chain
}

// DirectDependents returns modules that declare a direct dependency on id.
func (r *DependencyResolver) DirectDependents(id string) []string {
	var dependents []string
	for _, nodeID := range r.order {
		if containsString(r.nodes[nodeID].deps, id) {
			dependents = append(dependents, nodeID)
		}
	}
	sort.Strings(dependents)
	return dependents
}

// DependsOn reports whether a depends on b, directly or transitively.
func (r *DependencyResolver) DependsOn(a, b string) bool {
	return containsString(r.DependencyChain(a), b)
}

// DescribeGraph renders the graph for diagnostics, one module per line.
func (r *DependencyResolver) DescribeGraph() string {
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		node := r.nodes[id]
		if len(node.deps) == 0 {
			fmt.Fprintf(&b, "%s (no dependencies)\n", id)
			continue
		}
		fmt.Fprintf(&b, "%s -> %s\n", id, strings.Join(node.deps, ", "))
	}
	return b.String()
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

// mergeSorted merges two sorted string slices, preserving order.
func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	merged := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			merged = append(merged, a[i])
			i++
		} else {
			merged = append(merged, b[j])
			j++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	return merged
}
