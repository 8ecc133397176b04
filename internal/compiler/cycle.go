package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/tokenflow/internal/ir"
)

// CycleWarning describes a loop in a workflow net that has an exit.
//
// Such loops are legal (retry, rework, iteration) and only reported so an
// author can confirm they are intended. Loops without an exit that contain
// an XOR-join are rejected by Validate as deadlocks.
type CycleWarning struct {
	Path    []string `json:"path"`    // ["review", "rework", "review"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "info" or "warning"
}

// AnalyzeCycles reports every loop of a specification.
//
// The algorithm:
//  1. Build the node graph (tasks and conditions) from the edge arena
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or a self-loop
//
// Loops through an XOR-join are "info" (the usual retry shape); loops whose
// tasks only synchronise are "warning" since an AND-join inside a loop waits
// for a token the loop may never deliver again.
func AnalyzeCycles(spec *ir.Specification) []CycleWarning {
	g := buildNodeGraph(spec)
	warnings := []CycleWarning{}

	for _, scc := range orderedSCCs(g) {
		if len(scc) == 1 && !g.hasSelfLoop(scc[0]) {
			continue
		}
		path := g.reconstructCyclePath(scc)
		names := make([]string, len(path))
		for i, n := range path {
			names[i] = spec.NodeID(spec.NodeAt(n))
		}

		level := "warning"
		for _, n := range scc {
			ref := spec.NodeAt(n)
			if ref.IsTask() && spec.Tasks[ref.Index].Join == ir.JoinXOR {
				level = "info"
				break
			}
		}
		warnings = append(warnings, CycleWarning{
			Path:    names,
			Message: fmt.Sprintf("Loop detected: %s", strings.Join(names, " → ")),
			Level:   level,
		})
	}
	return warnings
}

// nodeGraph maps node ordinal → successor ordinals, in edge declaration order.
type nodeGraph [][]int

func buildNodeGraph(spec *ir.Specification) nodeGraph {
	g := make(nodeGraph, spec.NodeCount())
	for _, e := range spec.Edges {
		from := spec.NodeOrdinal(e.Source)
		g[from] = append(g[from], spec.NodeOrdinal(e.Target))
	}
	return g
}

// reverse returns the graph with every edge flipped.
func (g nodeGraph) reverse() nodeGraph {
	r := make(nodeGraph, len(g))
	for v, succ := range g {
		for _, w := range succ {
			r[w] = append(r[w], v)
		}
	}
	return r
}

// reachable marks every node reachable from start with an iterative DFS.
func (g nodeGraph) reachable(start int) []bool {
	seen := make([]bool, len(g))
	stack := []int{start}
	seen[start] = true
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, w := range g[v] {
			if !seen[w] {
				seen[w] = true
				stack = append(stack, w)
			}
		}
	}
	return seen
}

// hasSelfLoop checks if a node has an edge to itself.
func (g nodeGraph) hasSelfLoop(v int) bool {
	return slices.Contains(g[v], v)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs, where each SCC is a list of node ordinals.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(g nodeGraph) [][]int {
	var (
		index   = 0
		stack   []int
		indices = make([]int, len(g))
		lowlink = make([]int, len(g))
		onStack = make([]bool, len(g))
		sccs    [][]int
	)
	for i := range indices {
		indices[i] = -1
	}

	var strongConnect func(int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g[v] {
			if indices[w] < 0 {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack and emit an SCC
		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for v := range g {
		if indices[v] < 0 {
			strongConnect(v)
		}
	}
	return sccs
}

// orderedSCCs returns the SCCs with members ascending and components
// ordered by their smallest member, so results follow declaration order.
func orderedSCCs(g nodeGraph) [][]int {
	sccs := tarjanSCC(g)
	for _, scc := range sccs {
		slices.Sort(scc)
	}
	slices.SortFunc(sccs, func(a, b []int) int { return a[0] - b[0] })
	return sccs
}

// hasExit reports whether any edge leaves the component.
func (g nodeGraph) hasExit(scc []int) bool {
	member := make(map[int]bool, len(scc))
	for _, v := range scc {
		member[v] = true
	}
	for _, v := range scc {
		for _, w := range g[v] {
			if !member[w] {
				return true
			}
		}
	}
	return false
}

// reconstructCyclePath builds a cycle path from an SCC.
//
// Strategy: Start at first node in SCC, follow edges to other SCC members,
// continue until we return to start node.
func (g nodeGraph) reconstructCyclePath(scc []int) []int {
	if len(scc) == 0 {
		return []int{}
	}

	member := make(map[int]bool, len(scc))
	for _, v := range scc {
		member[v] = true
	}

	start := scc[0]
	current := start
	path := []int{current}
	visited := make(map[int]bool)

	for {
		visited[current] = true

		next := -1
		for _, w := range g[current] {
			if member[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next < 0 {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
