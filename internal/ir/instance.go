package ir

import (
	"fmt"
	"slices"
)

// InstanceState is the execution state of a process instance.
type InstanceState uint8

const (
	StateCreated InstanceState = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

var instanceStateNames = [...]string{"created", "running", "completed", "failed", "cancelled"}

func (s InstanceState) String() string {
	if int(s) < len(instanceStateNames) {
		return instanceStateNames[s]
	}
	return fmt.Sprintf("InstanceState(%d)", s)
}

// Terminal reports whether no further transitions are possible.
func (s InstanceState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ParseInstanceState parses the lowercase state name.
func ParseInstanceState(s string) (InstanceState, error) {
	for i, name := range instanceStateNames {
		if name == s {
			return InstanceState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown instance state %q", s)
}

// TaskState is the state of one task within one instance.
type TaskState uint8

const (
	TaskDisabled TaskState = iota
	TaskEnabled
	TaskExecuting
	TaskCompleted
	TaskCancelled
)

var taskStateNames = [...]string{"disabled", "enabled", "executing", "completed", "cancelled"}

func (s TaskState) String() string {
	if int(s) < len(taskStateNames) {
		return taskStateNames[s]
	}
	return fmt.Sprintf("TaskState(%d)", s)
}

// ParseTaskState parses the lowercase task state name.
func ParseTaskState(s string) (TaskState, error) {
	for i, name := range taskStateNames {
		if name == s {
			return TaskState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", s)
}

// Fault is the error recorded against a failed instance.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Task    string `json:"task,omitempty"`
}

// BudgetReport records a non-fatal budget overrun.
type BudgetReport struct {
	Task   string `json:"task"`
	Budget uint64 `json:"budget"`
	Actual uint64 `json:"actual"`
	Seq    int64  `json:"seq"`
}

// ProcessInstance is the mutable state of one execution of a Specification.
//
// Every slice is sized once from the specification arenas and indexed by
// edge or task index. The arrived-from set of an edge e is Tokens[e] > 0.
// Callers must hold the instance's slot lock while reading or writing it.
type ProcessInstance struct {
	ID            string
	SpecHash      string
	State         InstanceState
	Variables     Object
	Tokens        []uint32      // per edge
	TaskStates    []TaskState   // per task
	Completions   []uint32      // per task
	Fault         *Fault
	BudgetReports []BudgetReport
	Seq           int64  // logical step counter
	Withdrawn     uint32 // tokens removed when the instance ended
}

// NewInstance allocates an instance for spec. The declared variables are
// bound to their initial values and then overridden by vars.
func NewInstance(id string, spec *Specification, vars Object) *ProcessInstance {
	bindings := spec.InitialBindings()
	bindings.Merge(vars)
	return &ProcessInstance{
		ID:          id,
		SpecHash:    spec.Hash,
		State:       StateCreated,
		Variables:   bindings,
		Tokens:      make([]uint32, len(spec.Edges)),
		TaskStates:  make([]TaskState, len(spec.Tasks)),
		Completions: make([]uint32, len(spec.Tasks)),
	}
}

// Arrived reports whether edge e currently holds a token.
func (p *ProcessInstance) Arrived(e int32) bool { return p.Tokens[e] > 0 }

// TokenCount returns the number of tokens held across all edges.
func (p *ProcessInstance) TokenCount() uint32 {
	var n uint32
	for _, t := range p.Tokens {
		n += t
	}
	return n
}

// TasksIn returns the indices of tasks in the given state, ascending.
func (p *ProcessInstance) TasksIn(state TaskState) []int32 {
	var out []int32
	for i, s := range p.TaskStates {
		if s == state {
			out = append(out, int32(i))
		}
	}
	return out
}

// Clone returns a deep copy suitable for handing to readers outside the
// slot lock.
func (p *ProcessInstance) Clone() *ProcessInstance {
	out := *p
	out.Variables = p.Variables.Clone()
	out.Tokens = slices.Clone(p.Tokens)
	out.TaskStates = slices.Clone(p.TaskStates)
	out.Completions = slices.Clone(p.Completions)
	out.BudgetReports = slices.Clone(p.BudgetReports)
	if p.Fault != nil {
		f := *p.Fault
		out.Fault = &f
	}
	return &out
}

// TaskRecord is the persisted per-task state.
type TaskRecord struct {
	State       string `json:"state"`
	Completions uint32 `json:"completions"`
}

// InstanceRecord is the identifier-keyed form of a ProcessInstance. It does
// not depend on arena layout, so it survives a re-extraction of the same
// source document.
type InstanceRecord struct {
	Version       string                `json:"version"`
	ID            string                `json:"id"`
	SpecHash      string                `json:"spec_hash"`
	State         string                `json:"state"`
	Variables     Object                `json:"variables"`
	Tokens        map[string]uint32     `json:"tokens"`
	Tasks         map[string]TaskRecord `json:"tasks"`
	Fault         *Fault                `json:"fault,omitempty"`
	BudgetReports []BudgetReport        `json:"budget_reports"`
	Seq           int64                 `json:"seq"`
	Withdrawn     uint32                `json:"withdrawn"`
}

// Record converts the instance into its persisted form. Only edges holding
// tokens and tasks that left the disabled state (or completed before) appear.
func (p *ProcessInstance) Record(spec *Specification) *InstanceRecord {
	rec := &InstanceRecord{
		Version:       RecordVersion,
		ID:            p.ID,
		SpecHash:      p.SpecHash,
		State:         p.State.String(),
		Variables:     p.Variables.Clone(),
		Tokens:        make(map[string]uint32),
		Tasks:         make(map[string]TaskRecord),
		BudgetReports: slices.Clone(p.BudgetReports),
		Seq:           p.Seq,
		Withdrawn:     p.Withdrawn,
	}
	if rec.BudgetReports == nil {
		rec.BudgetReports = []BudgetReport{}
	}
	for e, n := range p.Tokens {
		if n > 0 {
			rec.Tokens[spec.Edges[e].ID] = n
		}
	}
	for i, s := range p.TaskStates {
		if s != TaskDisabled || p.Completions[i] > 0 {
			rec.Tasks[spec.Tasks[i].ID] = TaskRecord{State: s.String(), Completions: p.Completions[i]}
		}
	}
	if p.Fault != nil {
		f := *p.Fault
		rec.Fault = &f
	}
	return rec
}

// Restore rebuilds a ProcessInstance from a record against spec.
func Restore(rec *InstanceRecord, spec *Specification) (*ProcessInstance, error) {
	if rec.SpecHash != spec.Hash {
		return nil, fmt.Errorf("record %s belongs to spec %s, not %s", rec.ID, rec.SpecHash, spec.Hash)
	}
	state, err := ParseInstanceState(rec.State)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}

	vars := rec.Variables
	if vars == nil {
		vars = Object{}
	}
	p := &ProcessInstance{
		ID:            rec.ID,
		SpecHash:      rec.SpecHash,
		State:         state,
		Variables:     vars.Clone(),
		Tokens:        make([]uint32, len(spec.Edges)),
		TaskStates:    make([]TaskState, len(spec.Tasks)),
		Completions:   make([]uint32, len(spec.Tasks)),
		Seq:           rec.Seq,
		Withdrawn:     rec.Withdrawn,
	}
	if len(rec.BudgetReports) > 0 {
		p.BudgetReports = slices.Clone(rec.BudgetReports)
	}
	for id, n := range rec.Tokens {
		e, ok := spec.EdgeIndex(id)
		if !ok {
			return nil, fmt.Errorf("record %s: unknown edge %q", rec.ID, id)
		}
		p.Tokens[e] = n
	}
	for id, tr := range rec.Tasks {
		t, ok := spec.TaskIndex(id)
		if !ok {
			return nil, fmt.Errorf("record %s: unknown task %q", rec.ID, id)
		}
		ts, err := ParseTaskState(tr.State)
		if err != nil {
			return nil, fmt.Errorf("record %s task %s: %w", rec.ID, id, err)
		}
		p.TaskStates[t] = ts
		p.Completions[t] = tr.Completions
	}
	if rec.Fault != nil {
		f := *rec.Fault
		p.Fault = &f
	}
	return p, nil
}

// MarshalCanonical returns the canonical JSON bytes of the record.
func (rec *InstanceRecord) MarshalCanonical() ([]byte, error) {
	return MarshalCanonical(rec.canonicalObject())
}

func (rec *InstanceRecord) canonicalObject() map[string]any {
	tokens := make(map[string]any, len(rec.Tokens))
	for k, v := range rec.Tokens {
		tokens[k] = v
	}
	tasks := make(map[string]any, len(rec.Tasks))
	for k, v := range rec.Tasks {
		tasks[k] = map[string]any{"state": v.State, "completions": v.Completions}
	}
	reports := make([]any, len(rec.BudgetReports))
	for i, r := range rec.BudgetReports {
		reports[i] = map[string]any{
			"task":   r.Task,
			"budget": r.Budget,
			"actual": r.Actual,
			"seq":    r.Seq,
		}
	}
	vars := rec.Variables
	if vars == nil {
		vars = Object{}
	}

	obj := map[string]any{
		"version":        rec.Version,
		"id":             rec.ID,
		"spec_hash":      rec.SpecHash,
		"state":          rec.State,
		"variables":      vars,
		"tokens":         tokens,
		"tasks":          tasks,
		"budget_reports": reports,
		"seq":            rec.Seq,
		"withdrawn":      rec.Withdrawn,
	}
	if rec.Fault != nil {
		fault := map[string]any{"code": rec.Fault.Code, "message": rec.Fault.Message}
		if rec.Fault.Task != "" {
			fault["task"] = rec.Fault.Task
		}
		obj["fault"] = fault
	}
	return obj
}
