package ir

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// JoinKind is the rule that decides when a task may start executing.
// The zero value is invalid: every task declares exactly one join kind.
type JoinKind uint8

const (
	JoinInvalid JoinKind = iota
	JoinAND
	JoinXOR
	JoinOR
)

// SplitKind is the rule that decides which outgoing edges receive a token
// once a task completes. The zero value is invalid.
type SplitKind uint8

const (
	SplitInvalid SplitKind = iota
	SplitAND
	SplitXOR
	SplitOR
)

var kindNames = [...]string{"", "AND", "XOR", "OR"}

func (k JoinKind) String() string {
	if int(k) < len(kindNames) && k != JoinInvalid {
		return kindNames[k]
	}
	return fmt.Sprintf("JoinKind(%d)", k)
}

func (k SplitKind) String() string {
	if int(k) < len(kindNames) && k != SplitInvalid {
		return kindNames[k]
	}
	return fmt.Sprintf("SplitKind(%d)", k)
}

// Valid reports whether k is one of AND, XOR or OR.
func (k JoinKind) Valid() bool { return k >= JoinAND && k <= JoinOR }

// Valid reports whether k is one of AND, XOR or OR.
func (k SplitKind) Valid() bool { return k >= SplitAND && k <= SplitOR }

// ParseJoinKind parses "AND", "XOR" or "OR" (case-insensitive).
func ParseJoinKind(s string) (JoinKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AND":
		return JoinAND, true
	case "XOR":
		return JoinXOR, true
	case "OR":
		return JoinOR, true
	}
	return JoinInvalid, false
}

// ParseSplitKind parses "AND", "XOR" or "OR" (case-insensitive).
func ParseSplitKind(s string) (SplitKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AND":
		return SplitAND, true
	case "XOR":
		return SplitXOR, true
	case "OR":
		return SplitOR, true
	}
	return SplitInvalid, false
}

// NodeKind distinguishes the two node arenas of a Specification.
type NodeKind uint8

const (
	NodeTask NodeKind = iota + 1
	NodeCondition
)

// NodeRef addresses a task or a condition by arena index.
type NodeRef struct {
	Kind  NodeKind
	Index int32
}

// TaskRef returns a reference to the task at index i.
func TaskRef(i int32) NodeRef { return NodeRef{Kind: NodeTask, Index: i} }

// ConditionRef returns a reference to the condition at index i.
func ConditionRef(i int32) NodeRef { return NodeRef{Kind: NodeCondition, Index: i} }

// IsTask reports whether r addresses a task.
func (r NodeRef) IsTask() bool { return r.Kind == NodeTask }

// IsCondition reports whether r addresses a condition.
func (r NodeRef) IsCondition() bool { return r.Kind == NodeCondition }

// AllocationPolicy names what a resource must offer before a task may run.
type AllocationPolicy struct {
	Roles        []string `json:"roles,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Task is a unit of work. Immutable once the owning Specification is frozen;
// per-instance state lives in ProcessInstance.
type Task struct {
	ID           string
	Name         string
	Join         JoinKind
	Split        SplitKind
	Incoming     []int32 // edge indices, declared order
	Outgoing     []int32 // edge indices, sorted by Edge.Order then declaration
	Budget       *uint64 // nil = unbounded
	HotPath      bool
	Allocation   *AllocationPolicy
	SpanTemplate string
	Cancels      []NodeRef // cancellation region
	Pattern      Pattern
}

// Condition is a passive place between tasks.
type Condition struct {
	ID       string
	Name     string
	IsStart  bool
	IsEnd    bool
	Incoming []int32
	Outgoing []int32
}

// Edge is a directed control-flow arc.
type Edge struct {
	ID        string
	Source    NodeRef
	Target    NodeRef
	Guard     string
	IsDefault bool
	Order     int
}

// Variable is a workflow variable with its initial binding.
type Variable struct {
	Name    string
	Initial Value
}

// Specification is the closure of tasks, conditions and edges of one workflow.
//
// Build it by filling the arenas and calling Freeze. After Freeze the value is
// read-only and may be shared between goroutines without locking.
type Specification struct {
	Root       string
	Name       string
	Hash       string
	Tasks      []Task
	Conditions []Condition
	Edges      []Edge
	Start      int32 // condition index, -1 when absent
	End        int32 // condition index, -1 when absent
	Variables  []Variable

	taskIndex      map[string]int32
	conditionIndex map[string]int32
	edgeIndex      map[string]int32
	frozen         bool
}

// Freeze derives adjacency lists, index maps, start/end and task patterns
// from the arenas. Calling it again is a no-op.
func (s *Specification) Freeze() {
	if s.frozen {
		return
	}

	s.taskIndex = make(map[string]int32, len(s.Tasks))
	for i := range s.Tasks {
		s.taskIndex[s.Tasks[i].ID] = int32(i)
		s.Tasks[i].Incoming = nil
		s.Tasks[i].Outgoing = nil
	}
	s.conditionIndex = make(map[string]int32, len(s.Conditions))
	s.Start, s.End = -1, -1
	for i := range s.Conditions {
		c := &s.Conditions[i]
		s.conditionIndex[c.ID] = int32(i)
		c.Incoming = nil
		c.Outgoing = nil
		if c.IsStart && s.Start < 0 {
			s.Start = int32(i)
		}
		if c.IsEnd && s.End < 0 {
			s.End = int32(i)
		}
	}

	s.edgeIndex = make(map[string]int32, len(s.Edges))
	for i := range s.Edges {
		e := &s.Edges[i]
		s.edgeIndex[e.ID] = int32(i)
		s.appendAdjacency(e.Source, int32(i), false)
		s.appendAdjacency(e.Target, int32(i), true)
	}

	byOrder := func(a, b int32) int {
		if c := cmp.Compare(s.Edges[a].Order, s.Edges[b].Order); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	}
	for i := range s.Tasks {
		t := &s.Tasks[i]
		slices.SortStableFunc(t.Outgoing, byOrder)
		if t.Join.Valid() && t.Split.Valid() {
			t.Pattern = LookupPattern(t.Join, t.Split)
			if len(t.Incoming) == 1 && len(t.Outgoing) == 1 {
				t.Pattern = t.Pattern.AsSequence()
			}
		}
	}
	for i := range s.Conditions {
		slices.SortStableFunc(s.Conditions[i].Outgoing, byOrder)
	}

	s.frozen = true
}

func (s *Specification) appendAdjacency(ref NodeRef, edge int32, incoming bool) {
	switch ref.Kind {
	case NodeTask:
		if ref.Index < 0 || int(ref.Index) >= len(s.Tasks) {
			return
		}
		t := &s.Tasks[ref.Index]
		if incoming {
			t.Incoming = append(t.Incoming, edge)
		} else {
			t.Outgoing = append(t.Outgoing, edge)
		}
	case NodeCondition:
		if ref.Index < 0 || int(ref.Index) >= len(s.Conditions) {
			return
		}
		c := &s.Conditions[ref.Index]
		if incoming {
			c.Incoming = append(c.Incoming, edge)
		} else {
			c.Outgoing = append(c.Outgoing, edge)
		}
	}
}

// Frozen reports whether Freeze has run.
func (s *Specification) Frozen() bool { return s.frozen }

// TaskIndex returns the arena index of the task with the given id.
func (s *Specification) TaskIndex(id string) (int32, bool) {
	i, ok := s.taskIndex[id]
	return i, ok
}

// ConditionIndex returns the arena index of the condition with the given id.
func (s *Specification) ConditionIndex(id string) (int32, bool) {
	i, ok := s.conditionIndex[id]
	return i, ok
}

// EdgeIndex returns the arena index of the edge with the given id.
func (s *Specification) EdgeIndex(id string) (int32, bool) {
	i, ok := s.edgeIndex[id]
	return i, ok
}

// Lookup resolves an id to a task or condition reference.
// Tasks shadow conditions; the extractor rejects such collisions anyway.
func (s *Specification) Lookup(id string) (NodeRef, bool) {
	if i, ok := s.taskIndex[id]; ok {
		return TaskRef(i), true
	}
	if i, ok := s.conditionIndex[id]; ok {
		return ConditionRef(i), true
	}
	return NodeRef{}, false
}

// NodeID returns the identifier of the referenced node.
func (s *Specification) NodeID(ref NodeRef) string {
	switch ref.Kind {
	case NodeTask:
		return s.Tasks[ref.Index].ID
	case NodeCondition:
		return s.Conditions[ref.Index].ID
	}
	return ""
}

// Incoming returns the incoming edge indices of a node.
func (s *Specification) Incoming(ref NodeRef) []int32 {
	if ref.IsTask() {
		return s.Tasks[ref.Index].Incoming
	}
	return s.Conditions[ref.Index].Incoming
}

// Outgoing returns the outgoing edge indices of a node in evaluation order.
func (s *Specification) Outgoing(ref NodeRef) []int32 {
	if ref.IsTask() {
		return s.Tasks[ref.Index].Outgoing
	}
	return s.Conditions[ref.Index].Outgoing
}

// NodeCount returns the number of nodes; tasks come first, then conditions.
// NodeOrdinal and NodeAt convert between NodeRef and this dense numbering.
func (s *Specification) NodeCount() int { return len(s.Tasks) + len(s.Conditions) }

// NodeOrdinal maps a node reference onto [0, NodeCount).
func (s *Specification) NodeOrdinal(ref NodeRef) int {
	if ref.IsTask() {
		return int(ref.Index)
	}
	return len(s.Tasks) + int(ref.Index)
}

// NodeAt is the inverse of NodeOrdinal.
func (s *Specification) NodeAt(ordinal int) NodeRef {
	if ordinal < len(s.Tasks) {
		return TaskRef(int32(ordinal))
	}
	return ConditionRef(int32(ordinal - len(s.Tasks)))
}

// InitialBindings returns a fresh object holding every declared variable's
// initial value.
func (s *Specification) InitialBindings() Object {
	obj := make(Object, len(s.Variables))
	for _, v := range s.Variables {
		obj[v.Name] = v.Initial
	}
	return obj
}
