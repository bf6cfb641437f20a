// Package dag implements the model dependency graph.
//
// Vertices are model names; a directed edge A->B means A depends on B
// (B must run first). Batches come from Kahn's algorithm: vertices with
// in-degree zero form a batch, are removed, and the process repeats. Ties
// within a batch break alphabetically so the emitted sequence is
// deterministic across runs.
package dag

import (
	"sort"

	"github.com/quarryql/quarryql/internal/errs"
)

// Graph is a directed acyclic graph of model names.
type Graph struct {
	// children[A] = {B : A depends on B}  (A -> B edge, B must run before A)
	children map[string]map[string]struct{}
	// parents[B] = {A : A depends on B}
	parents map[string]map[string]struct{}

	depsMemo     map[string][]string // transitive dependency cache
	dependentMemo map[string][]string // transitive dependent cache
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		children: make(map[string]map[string]struct{}),
		parents:  make(map[string]map[string]struct{}),
	}
}

// AddVertex ensures a model name exists as a node, even if it has no edges.
func (g *Graph) AddVertex(name string) {
	if _, ok := g.children[name]; !ok {
		g.children[name] = make(map[string]struct{})
	}
	if _, ok := g.parents[name]; !ok {
		g.parents[name] = make(map[string]struct{})
	}
	g.invalidate()
}

// AddEdge records that `from` depends on `to` (an edge from->to in the
// dependency sense; `to` must execute before `from`). Both vertices must
// already exist via AddVertex: every edge target must exist in the registry.
func (g *Graph) AddEdge(from, to string) error {
	if _, ok := g.children[from]; !ok {
		return errs.NewMissingModelError(errs.Context{Operation: "dag.AddEdge", ModelName: from}, from)
	}
	if _, ok := g.children[to]; !ok {
		return errs.NewMissingModelError(errs.Context{Operation: "dag.AddEdge", ModelName: to}, to)
	}
	g.children[from][to] = struct{}{}
	g.parents[to][from] = struct{}{}
	g.invalidate()
	return nil
}

// RemoveVertex deletes a model and all edges touching it.
func (g *Graph) RemoveVertex(name string) {
	for child := range g.children[name] {
		delete(g.parents[child], name)
	}
	for parent := range g.parents[name] {
		delete(g.children[parent], name)
	}
	delete(g.children, name)
	delete(g.parents, name)
	g.invalidate()
}

func (g *Graph) invalidate() {
	g.depsMemo = nil
	g.dependentMemo = nil
}

// Vertices returns all model names, sorted.
func (g *Graph) Vertices() []string {
	out := make([]string, 0, len(g.children))
	for name := range g.children {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dependencies returns the direct dependencies of a model, sorted.
func (g *Graph) Dependencies(name string) []string {
	return sortedKeys(g.children[name])
}

// Dependents returns the direct dependents of a model, sorted.
func (g *Graph) Dependents(name string) []string {
	return sortedKeys(g.parents[name])
}

// TransitiveDependencies returns every model `name` depends on, directly or
// indirectly, memoised until the next mutation.
func (g *Graph) TransitiveDependencies(name string) []string {
	if g.depsMemo == nil {
		g.depsMemo = make(map[string][]string)
	}
	if cached, ok := g.depsMemo[name]; ok {
		return cached
	}
	seen := make(map[string]struct{})
	g.walk(name, g.children, seen)
	delete(seen, name)
	result := setToSorted(seen)
	g.depsMemo[name] = result
	return result
}

// TransitiveDependents returns every model that transitively depends on
// `name`, memoised until the next mutation.
func (g *Graph) TransitiveDependents(name string) []string {
	if g.dependentMemo == nil {
		g.dependentMemo = make(map[string][]string)
	}
	if cached, ok := g.dependentMemo[name]; ok {
		return cached
	}
	seen := make(map[string]struct{})
	g.walk(name, g.parents, seen)
	delete(seen, name)
	result := setToSorted(seen)
	g.dependentMemo[name] = result
	return result
}

func (g *Graph) walk(start string, edges map[string]map[string]struct{}, seen map[string]struct{}) {
	if _, ok := seen[start]; ok {
		return
	}
	seen[start] = struct{}{}
	for next := range edges[start] {
		g.walk(next, edges, seen)
	}
}

// TopologicalBatches runs Kahn's algorithm over the whole graph: vertices
// with in-degree zero (no unresolved dependencies) form the next batch, are
// removed, and the process repeats until no vertices remain. Returns
// CycleError if a cycle prevents full drainage.
func (g *Graph) TopologicalBatches() ([][]string, error) {
	return g.topologicalBatches(g.Vertices())
}

// TopologicalBatchesFor is the same algorithm restricted to a subset of
// vertices.
func (g *Graph) TopologicalBatchesFor(subset []string) ([][]string, error) {
	return g.topologicalBatches(subset)
}

func (g *Graph) topologicalBatches(vertices []string) ([][]string, error) {
	include := make(map[string]struct{}, len(vertices))
	for _, v := range vertices {
		include[v] = struct{}{}
	}

	indegree := make(map[string]int, len(vertices))
	for _, v := range vertices {
		count := 0
		for dep := range g.children[v] {
			if _, ok := include[dep]; ok {
				count++
			}
		}
		indegree[v] = count
	}

	remaining := len(vertices)
	var batches [][]string

	for remaining > 0 {
		var ready []string
		for v, deg := range indegree {
			if deg == 0 {
				ready = append(ready, v)
			}
		}
		if len(ready) == 0 {
			cycle := g.findCycle(indegree)
			return nil, errs.NewCycleError(errs.Context{Operation: "dag.TopologicalBatches"}, cycle)
		}
		sort.Strings(ready)
		batches = append(batches, ready)

		for _, v := range ready {
			delete(indegree, v)
			remaining--
		}
		// Decrement in-degree of dependents that are still in play.
		for v := range indegree {
			for _, r := range ready {
				if _, dependsOnR := g.children[v][r]; dependsOnR {
					indegree[v]--
				}
			}
		}
	}

	return batches, nil
}

// findCycle returns the names of the vertices still stuck with a non-zero
// in-degree once Kahn's algorithm can make no further progress — by
// construction every such vertex sits on (or behind) a cycle.
func (g *Graph) findCycle(stuck map[string]int) []string {
	names := make([]string, 0, len(stuck))
	for v := range stuck {
		names = append(names, v)
	}
	sort.Strings(names)
	return names
}

// Subgraph returns a new graph containing only the given vertices and the
// edges between them (used by selective runs over a subset of models).
func (g *Graph) Subgraph(vertices []string) *Graph {
	sub := New()
	set := make(map[string]struct{}, len(vertices))
	for _, v := range vertices {
		set[v] = struct{}{}
		sub.AddVertex(v)
	}
	for _, v := range vertices {
		for dep := range g.children[v] {
			if _, ok := set[dep]; ok {
				_ = sub.AddEdge(v, dep)
			}
		}
	}
	return sub
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func setToSorted(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
