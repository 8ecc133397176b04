package compiler

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/c360studio/semstreams/message"

	"github.com/roach88/tokenflow/internal/ir"
	"github.com/roach88/tokenflow/internal/vocab"
)

// Extraction error codes (E201-E299)
const (
	ErrMissingJoin         = "E201" // task declares no join kind
	ErrMissingSplit        = "E202" // task declares no split kind
	ErrInvalidKind         = "E203" // join/split kind is not AND, XOR or OR
	ErrDanglingEdge        = "E204" // flow endpoint names no task or condition
	ErrMissingStart        = "E205" // no start condition
	ErrMissingEnd          = "E206" // no end condition
	ErrDuplicateDefault    = "E207" // more than one default flow from one source
	ErrUnguardedXorBranch  = "E208" // XOR-split flow with neither guard nor default
	ErrDuplicateID         = "E209" // two elements share an id
	ErrUnknownRoot         = "E210" // root is not a workflow entity
	ErrInvalidBudget       = "E211" // budget is not a non-negative integer
	ErrUnknownCancelTarget = "E212" // cancellation region names an unknown element
	ErrInvalidFlow         = "E213" // flow connects two conditions
	ErrMalformedValue      = "E214" // predicate object has the wrong type
)

// ExtractionError reports a malformed source model. A specification that
// fails extraction is never admitted.
type ExtractionError struct {
	Code    string `json:"code"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Subject, e.Message)
}

func extractErr(code, subject, format string, args ...any) *ExtractionError {
	return &ExtractionError{Code: code, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

// subjectIndex groups triples by subject, preserving input order.
type subjectIndex map[string][]message.Triple

func indexTriples(triples []message.Triple) subjectIndex {
	idx := make(subjectIndex)
	for _, t := range triples {
		idx[t.Subject] = append(idx[t.Subject], t)
	}
	return idx
}

// first returns the object of the first triple with the predicate.
func (idx subjectIndex) first(subject, predicate string) (any, bool) {
	for _, t := range idx[subject] {
		if t.Predicate == predicate {
			return t.Object, true
		}
	}
	return nil, false
}

// all returns the objects of every triple with the predicate.
func (idx subjectIndex) all(subject, predicate string) []any {
	var out []any
	for _, t := range idx[subject] {
		if t.Predicate == predicate {
			out = append(out, t.Object)
		}
	}
	return out
}

func (idx subjectIndex) str(subject, predicate string) (string, bool, error) {
	obj, ok := idx.first(subject, predicate)
	if !ok {
		return "", false, nil
	}
	s, isStr := obj.(string)
	if !isStr {
		return "", false, extractErr(ErrMalformedValue, subject, "%s must be a string, got %T", predicate, obj)
	}
	return s, true, nil
}

func (idx subjectIndex) boolean(subject, predicate string) (bool, error) {
	obj, ok := idx.first(subject, predicate)
	if !ok {
		return false, nil
	}
	switch v := obj.(type) {
	case bool:
		return v, nil
	case string:
		switch v {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, extractErr(ErrMalformedValue, subject, "%s must be a boolean, got %v", predicate, obj)
}

// toInt64 accepts the integer shapes produced by the CUE front end and by
// JSON-decoded triples.
func toInt64(obj any) (int64, bool) {
	switch v := obj.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// Extract builds a frozen Specification from triples. It performs the
// structural queries (tasks, conditions, flows, start/end markers and
// variables of root) and enforces the model invariants. It has no side
// effects; the caller sets Hash.
func Extract(triples []message.Triple, root string) (*ir.Specification, error) {
	idx := indexTriples(triples)

	typ, _ := idx.first(root, vocab.Type)
	if typ != vocab.TypeWorkflow {
		return nil, extractErr(ErrUnknownRoot, root, "not a workflow root")
	}

	spec := &ir.Specification{Root: root}
	if name, ok, err := idx.str(root, vocab.Name); err != nil {
		return nil, err
	} else if ok {
		spec.Name = name
	} else {
		spec.Name = root
	}

	seen := make(map[string]string) // local id -> subject
	claim := func(subject string) (string, error) {
		id, ok, err := idx.str(subject, vocab.ID)
		if err != nil {
			return "", err
		}
		if !ok || id == "" {
			return "", extractErr(ErrMalformedValue, subject, "element has no id")
		}
		if prev, dup := seen[id]; dup {
			return "", extractErr(ErrDuplicateID, subject, "id %q already used by %s", id, prev)
		}
		seen[id] = subject
		return id, nil
	}

	for _, obj := range idx.all(root, vocab.HasCondition) {
		subject, _ := obj.(string)
		id, err := claim(subject)
		if err != nil {
			return nil, err
		}
		c := ir.Condition{ID: id}
		if c.Name, _, err = idx.str(subject, vocab.Name); err != nil {
			return nil, err
		}
		if c.IsStart, err = idx.boolean(subject, vocab.ConditionStart); err != nil {
			return nil, err
		}
		if c.IsEnd, err = idx.boolean(subject, vocab.ConditionEnd); err != nil {
			return nil, err
		}
		spec.Conditions = append(spec.Conditions, c)
	}

	taskSubjects := make([]string, 0)
	for _, obj := range idx.all(root, vocab.HasTask) {
		subject, _ := obj.(string)
		id, err := claim(subject)
		if err != nil {
			return nil, err
		}
		task, err := extractTask(idx, subject, id)
		if err != nil {
			return nil, err
		}
		spec.Tasks = append(spec.Tasks, task)
		taskSubjects = append(taskSubjects, subject)
	}

	// Flows and cancellation targets may name any node, so resolve them
	// against a lookup built from both arenas.
	nodes := make(map[string]ir.NodeRef, len(spec.Tasks)+len(spec.Conditions))
	for i, t := range spec.Tasks {
		nodes[t.ID] = ir.TaskRef(int32(i))
	}
	for i, c := range spec.Conditions {
		nodes[c.ID] = ir.ConditionRef(int32(i))
	}

	for i, subject := range taskSubjects {
		for _, obj := range idx.all(subject, vocab.TaskCancels) {
			target, _ := obj.(string)
			ref, ok := nodes[target]
			if !ok {
				return nil, extractErr(ErrUnknownCancelTarget, subject, "cancellation target %q is not a task or condition", target)
			}
			spec.Tasks[i].Cancels = append(spec.Tasks[i].Cancels, ref)
		}
	}

	for _, obj := range idx.all(root, vocab.HasFlow) {
		subject, _ := obj.(string)
		id, err := claim(subject)
		if err != nil {
			return nil, err
		}
		edge, err := extractFlow(idx, subject, id, nodes)
		if err != nil {
			return nil, err
		}
		spec.Edges = append(spec.Edges, edge)
	}

	for _, obj := range idx.all(root, vocab.HasVariable) {
		subject, _ := obj.(string)
		name, ok, err := idx.str(subject, vocab.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, extractErr(ErrMalformedValue, subject, "variable has no name")
		}
		raw, ok := idx.first(subject, vocab.VariableInitial)
		if !ok {
			return nil, extractErr(ErrMalformedValue, subject, "variable %q has no initial value", name)
		}
		initial, err := ir.FromGo(raw)
		if err != nil {
			return nil, extractErr(ErrMalformedValue, subject, "variable %q: %v", name, err)
		}
		spec.Variables = append(spec.Variables, ir.Variable{Name: name, Initial: initial})
	}

	spec.Freeze()

	if spec.Start < 0 {
		return nil, extractErr(ErrMissingStart, root, "no start condition")
	}
	if spec.End < 0 {
		return nil, extractErr(ErrMissingEnd, root, "no end condition")
	}
	if err := checkBranches(spec); err != nil {
		return nil, err
	}

	return spec, nil
}

func extractTask(idx subjectIndex, subject, id string) (ir.Task, error) {
	task := ir.Task{ID: id}
	var err error

	if task.Name, _, err = idx.str(subject, vocab.Name); err != nil {
		return task, err
	}

	join, ok, err := idx.str(subject, vocab.TaskJoin)
	if err != nil {
		return task, err
	}
	if !ok {
		return task, extractErr(ErrMissingJoin, subject, "task %q declares no join kind", id)
	}
	if task.Join, ok = ir.ParseJoinKind(join); !ok {
		return task, extractErr(ErrInvalidKind, subject, "invalid join kind %q", join)
	}

	split, ok, err := idx.str(subject, vocab.TaskSplit)
	if err != nil {
		return task, err
	}
	if !ok {
		return task, extractErr(ErrMissingSplit, subject, "task %q declares no split kind", id)
	}
	if task.Split, ok = ir.ParseSplitKind(split); !ok {
		return task, extractErr(ErrInvalidKind, subject, "invalid split kind %q", split)
	}

	if raw, ok := idx.first(subject, vocab.TaskBudget); ok {
		n, isInt := toInt64(raw)
		if !isInt || n < 0 {
			return task, extractErr(ErrInvalidBudget, subject, "budget must be a non-negative integer, got %v", raw)
		}
		budget := uint64(n)
		task.Budget = &budget
	}

	if task.HotPath, err = idx.boolean(subject, vocab.TaskHotPath); err != nil {
		return task, err
	}
	if task.SpanTemplate, _, err = idx.str(subject, vocab.TaskSpan); err != nil {
		return task, err
	}

	roles := stringsOf(idx.all(subject, vocab.TaskRole))
	caps := stringsOf(idx.all(subject, vocab.TaskCapability))
	if len(roles) > 0 || len(caps) > 0 {
		task.Allocation = &ir.AllocationPolicy{Roles: roles, Capabilities: caps}
	}
	return task, nil
}

func extractFlow(idx subjectIndex, subject, id string, nodes map[string]ir.NodeRef) (ir.Edge, error) {
	edge := ir.Edge{ID: id}

	from, ok, err := idx.str(subject, vocab.FlowFrom)
	if err != nil {
		return edge, err
	}
	if edge.Source, ok = lookupNode(nodes, from, ok); !ok {
		return edge, extractErr(ErrDanglingEdge, subject, "flow %q source %q does not exist", id, from)
	}
	to, ok, err := idx.str(subject, vocab.FlowTo)
	if err != nil {
		return edge, err
	}
	if edge.Target, ok = lookupNode(nodes, to, ok); !ok {
		return edge, extractErr(ErrDanglingEdge, subject, "flow %q target %q does not exist", id, to)
	}
	if edge.Source.IsCondition() && edge.Target.IsCondition() {
		return edge, extractErr(ErrInvalidFlow, subject, "flow %q connects condition %q to condition %q", id, from, to)
	}

	if edge.Guard, _, err = idx.str(subject, vocab.FlowGuard); err != nil {
		return edge, err
	}
	if edge.IsDefault, err = idx.boolean(subject, vocab.FlowDefault); err != nil {
		return edge, err
	}
	if raw, ok := idx.first(subject, vocab.FlowOrder); ok {
		n, isInt := toInt64(raw)
		if !isInt {
			return edge, extractErr(ErrMalformedValue, subject, "order must be an integer, got %v", raw)
		}
		edge.Order = int(n)
	}
	return edge, nil
}

func lookupNode(nodes map[string]ir.NodeRef, id string, present bool) (ir.NodeRef, bool) {
	if !present {
		return ir.NodeRef{}, false
	}
	ref, ok := nodes[id]
	return ref, ok
}

func stringsOf(objs []any) []string {
	var out []string
	for _, o := range objs {
		if s, ok := o.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// checkBranches enforces the default-edge and XOR guard invariants. A
// single outgoing edge of an XOR-split is implicitly the default.
func checkBranches(spec *ir.Specification) error {
	check := func(ref ir.NodeRef, out []int32) error {
		defaults := 0
		for _, e := range out {
			if spec.Edges[e].IsDefault {
				defaults++
			}
		}
		if defaults > 1 {
			return extractErr(ErrDuplicateDefault, spec.NodeID(ref), "%d default flows, at most one allowed", defaults)
		}
		return nil
	}

	for i := range spec.Tasks {
		t := &spec.Tasks[i]
		if err := check(ir.TaskRef(int32(i)), t.Outgoing); err != nil {
			return err
		}
		if t.Split != ir.SplitXOR || len(t.Outgoing) < 2 {
			continue
		}
		for _, e := range t.Outgoing {
			edge := spec.Edges[e]
			if edge.Guard == "" && !edge.IsDefault {
				return extractErr(ErrUnguardedXorBranch, t.ID, "flow %q has neither a guard nor the default flag", edge.ID)
			}
		}
	}
	for i := range spec.Conditions {
		if err := check(ir.ConditionRef(int32(i)), spec.Conditions[i].Outgoing); err != nil {
			return err
		}
	}
	return nil
}
