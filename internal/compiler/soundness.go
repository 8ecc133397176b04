package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/tokenflow/internal/ir"
)

// SoundnessKind classifies a structural defect.
type SoundnessKind string

const (
	MissingStart     SoundnessKind = "MissingStart"
	MissingEnd       SoundnessKind = "MissingEnd"
	MultipleStart    SoundnessKind = "MultipleStart"
	MultipleEnd      SoundnessKind = "MultipleEnd"
	StartHasIncoming SoundnessKind = "StartHasIncoming"
	EndHasOutgoing   SoundnessKind = "EndHasOutgoing"
	OrphanedTask     SoundnessKind = "OrphanedTask"
	DeadEndTask      SoundnessKind = "DeadEndTask"
	Deadlock         SoundnessKind = "Deadlock"
)

// SoundnessError reports the first structural defect found by Validate.
type SoundnessError struct {
	Kind  SoundnessKind `json:"kind"`
	Node  string        `json:"node,omitempty"`  // offending task or condition
	Cycle []string      `json:"cycle,omitempty"` // task ids for Deadlock, declaration order
}

// Error implements the error interface.
func (e *SoundnessError) Error() string {
	switch {
	case e.Kind == Deadlock:
		return fmt.Sprintf("%s: cycle [%s] has an XOR-join and no exit", e.Kind, strings.Join(e.Cycle, " "))
	case e.Node != "":
		return fmt.Sprintf("%s(%s)", e.Kind, e.Node)
	default:
		return string(e.Kind)
	}
}

// Validate checks a frozen specification for soundness, failing fast in
// this order:
//  1. exactly one start and one end condition; start has no incoming edges
//     and end has no outgoing edges
//  2. every task is reachable from start
//  3. every task can reach end
//  4. no strongly connected component containing an XOR-join lacks an exit
//
// Tasks of an exit-less XOR-join cycle are dead ends too. When every dead-end
// task lies in such a cycle the first cycle is reported as a Deadlock;
// otherwise the first dead end outside any such cycle is reported.
//
// Validate runs once per specification admission, never per instance.
func Validate(spec *ir.Specification) error {
	if err := checkTerminals(spec); err != nil {
		return err
	}

	g := buildNodeGraph(spec)

	fromStart := g.reachable(spec.NodeOrdinal(ir.ConditionRef(spec.Start)))
	for i := range spec.Tasks {
		if !fromStart[i] {
			return &SoundnessError{Kind: OrphanedTask, Node: spec.Tasks[i].ID}
		}
	}

	toEnd := g.reverse().reachable(spec.NodeOrdinal(ir.ConditionRef(spec.End)))
	var deadEnds []int
	for i := range spec.Tasks {
		if !toEnd[i] {
			deadEnds = append(deadEnds, i)
		}
	}
	if len(deadEnds) == 0 {
		return nil
	}

	cycles := deadlockedCycles(spec, g)
	inCycle := make(map[int]bool)
	for _, c := range cycles {
		for _, t := range c {
			inCycle[t] = true
		}
	}
	for _, i := range deadEnds {
		if !inCycle[i] {
			return &SoundnessError{Kind: DeadEndTask, Node: spec.Tasks[i].ID}
		}
	}

	ids := make([]string, len(cycles[0]))
	for i, t := range cycles[0] {
		ids[i] = spec.Tasks[t].ID
	}
	return &SoundnessError{Kind: Deadlock, Cycle: ids}
}

func checkTerminals(spec *ir.Specification) error {
	var starts, ends []int
	for i, c := range spec.Conditions {
		if c.IsStart {
			starts = append(starts, i)
		}
		if c.IsEnd {
			ends = append(ends, i)
		}
	}

	switch {
	case len(starts) == 0:
		return &SoundnessError{Kind: MissingStart}
	case len(starts) > 1:
		return &SoundnessError{Kind: MultipleStart, Node: spec.Conditions[starts[1]].ID}
	case len(ends) == 0:
		return &SoundnessError{Kind: MissingEnd}
	case len(ends) > 1:
		return &SoundnessError{Kind: MultipleEnd, Node: spec.Conditions[ends[1]].ID}
	}

	start := spec.Conditions[starts[0]]
	if len(start.Incoming) > 0 {
		return &SoundnessError{Kind: StartHasIncoming, Node: start.ID}
	}
	end := spec.Conditions[ends[0]]
	if len(end.Outgoing) > 0 {
		return &SoundnessError{Kind: EndHasOutgoing, Node: end.ID}
	}
	return nil
}

// deadlockedCycles returns the task indices of every non-trivial SCC
// (ordered by its earliest declared node) that contains an XOR-join task and
// has no edge leaving it.
func deadlockedCycles(spec *ir.Specification, g nodeGraph) [][]int {
	var cycles [][]int
	for _, scc := range orderedSCCs(g) {
		if len(scc) == 1 && !g.hasSelfLoop(scc[0]) {
			continue
		}

		var tasks []int
		xorJoin := false
		for _, n := range scc {
			ref := spec.NodeAt(n)
			if !ref.IsTask() {
				continue
			}
			tasks = append(tasks, int(ref.Index))
			if spec.Tasks[ref.Index].Join == ir.JoinXOR {
				xorJoin = true
			}
		}
		if xorJoin && !g.hasExit(scc) {
			cycles = append(cycles, tasks)
		}
	}
	return cycles
}
