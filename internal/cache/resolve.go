package cache

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/roach88/tokenflow/internal/compiler"
	"github.com/roach88/tokenflow/internal/guard"
	"github.com/roach88/tokenflow/internal/ir"
)

// Resolved is everything the executor reads for one specification. It is
// built once at admission and never mutated.
type Resolved struct {
	Spec   *ir.Specification
	Guards guard.Set

	// OrUpstream is indexed by edge and set only for edges entering an
	// OR-join task.
	OrUpstream []*Upstream

	// CancelEdges lists, per task, the edges whose tokens are removed when
	// the task completes.
	CancelEdges [][]int32

	Cycles []compiler.CycleWarning
}

// Upstream is the part of the net that can still deliver a token to one
// incoming edge of an OR-join without passing through the join itself.
type Upstream struct {
	Edges *bitset.BitSet
	Tasks *bitset.BitSet
}

// Resolve validates a frozen specification and precomputes its guards,
// OR-join upstream sets and cancellation sets.
func Resolve(spec *ir.Specification) (*Resolved, error) {
	if !spec.Frozen() {
		return nil, fmt.Errorf("resolve %s: specification is not frozen", spec.Root)
	}
	if err := compiler.Validate(spec); err != nil {
		return nil, err
	}
	guards, err := guard.CompileSpec(spec)
	if err != nil {
		return nil, err
	}

	r := &Resolved{
		Spec:        spec,
		Guards:      guards,
		OrUpstream:  make([]*Upstream, len(spec.Edges)),
		CancelEdges: make([][]int32, len(spec.Tasks)),
		Cycles:      compiler.AnalyzeCycles(spec),
	}

	for i, t := range spec.Tasks {
		if t.Join == ir.JoinOR {
			for _, e := range t.Incoming {
				r.OrUpstream[e] = upstreamOf(spec, e, ir.TaskRef(int32(i)))
			}
		}
		r.CancelEdges[i] = cancelEdges(spec, t.Cancels)
	}
	return r, nil
}

// upstreamOf walks backwards from the source of edge, never entering join.
func upstreamOf(spec *ir.Specification, edge int32, join ir.NodeRef) *Upstream {
	up := &Upstream{
		Edges: bitset.New(uint(len(spec.Edges))),
		Tasks: bitset.New(uint(len(spec.Tasks))),
	}

	seen := make([]bool, spec.NodeCount())
	seen[spec.NodeOrdinal(join)] = true
	stack := []ir.NodeRef{spec.Edges[edge].Source}
	seen[spec.NodeOrdinal(stack[0])] = true

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.IsTask() {
			up.Tasks.Set(uint(n.Index))
		}
		for _, in := range spec.Incoming(n) {
			up.Edges.Set(uint(in))
			src := spec.Edges[in].Source
			if o := spec.NodeOrdinal(src); !seen[o] {
				seen[o] = true
				stack = append(stack, src)
			}
		}
	}
	return up
}

// cancelEdges collects the edges holding tokens "in" the cancelled nodes:
// the incoming edges of a task, and for a condition its incoming edges and
// the offers on its outgoing edges.
func cancelEdges(spec *ir.Specification, region []ir.NodeRef) []int32 {
	if len(region) == 0 {
		return nil
	}
	seen := make(map[int32]bool)
	var out []int32
	add := func(edges []int32) {
		for _, e := range edges {
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	for _, n := range region {
		add(spec.Incoming(n))
		if n.IsCondition() {
			add(spec.Outgoing(n))
		}
	}
	return out
}

// Live reports whether any part of the upstream region can still produce a
// token: an edge holding a token or a task that has started executing.
func (u *Upstream) Live(inst *ir.ProcessInstance) bool {
	for e, ok := u.Edges.NextSet(0); ok; e, ok = u.Edges.NextSet(e + 1) {
		if inst.Tokens[e] > 0 {
			return true
		}
	}
	for t, ok := u.Tasks.NextSet(0); ok; t, ok = u.Tasks.NextSet(t + 1) {
		if inst.TaskStates[t] == ir.TaskExecuting {
			return true
		}
	}
	return false
}
