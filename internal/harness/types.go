package harness

import (
	"github.com/roach88/tokenflow/internal/engine"
	"github.com/roach88/tokenflow/internal/ir"
)

// TraceEvent is one observed transition of the scenario's instance.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Node   string `json:"node,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// String renders the event the way engine.Transition does.
func (e TraceEvent) String() string {
	return engine.Transition{
		Seq:    e.Seq,
		Kind:   engine.TransitionKind(e.Kind),
		Node:   e.Node,
		Detail: e.Detail,
	}.String()
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// InstanceID is the id of the instance the scenario drove.
	InstanceID string `json:"instance_id,omitempty"`

	// Trace contains every transition in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final is the instance record as persisted after the last step.
	Final *ir.InstanceRecord `json:"final,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTransition appends an engine transition to the trace.
func (r *Result) AddTransition(t engine.Transition) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    t.Seq,
		Kind:   string(t.Kind),
		Node:   t.Node,
		Detail: t.Detail,
	})
}

// Lines renders the trace one transition per line.
func (r *Result) Lines() []string {
	out := make([]string, len(r.Trace))
	for i, ev := range r.Trace {
		out[i] = ev.String()
	}
	return out
}
