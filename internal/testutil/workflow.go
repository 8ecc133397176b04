package testutil

import (
	"fmt"

	"github.com/c360studio/semstreams/message"

	"github.com/roach88/tokenflow/internal/vocab"
)

// Workflow builds the triple form of a workflow for tests.
//
// Example:
//
//	wf := testutil.NewWorkflow("seq").
//		Start("start").End("end").
//		Task("T1", "AND", "AND").
//		Flow("start", "T1").
//		Flow("T1", "end")
//	spec, err := compiler.Extract(wf.Triples(), wf.Root())
//
// Elements are emitted in call order, which becomes declaration order.
type Workflow struct {
	root    string
	triples []message.Triple
}

// NewWorkflow starts a workflow with the given root identifier.
func NewWorkflow(root string) *Workflow {
	w := &Workflow{root: root}
	w.add(root, vocab.Type, vocab.TypeWorkflow)
	return w
}

// Root returns the workflow root identifier.
func (w *Workflow) Root() string { return w.root }

// Triples returns the accumulated triples.
func (w *Workflow) Triples() []message.Triple {
	out := make([]message.Triple, len(w.triples))
	copy(out, w.triples)
	return out
}

// Raw appends an arbitrary triple. Used to build malformed input.
func (w *Workflow) Raw(subject, predicate string, object any) *Workflow {
	w.add(subject, predicate, object)
	return w
}

func (w *Workflow) add(subject, predicate string, object any) {
	w.triples = append(w.triples, message.Triple{
		Subject:    subject,
		Predicate:  predicate,
		Object:     object,
		Source:     "testutil",
		Confidence: 1.0,
	})
}

func (w *Workflow) element(kind, rel, id string) string {
	subject := vocab.EntityID(w.root, kind, id)
	w.add(w.root, rel, subject)
	w.add(subject, vocab.Type, kind)
	w.add(subject, vocab.ID, id)
	return subject
}

// Start declares the start condition.
func (w *Workflow) Start(id string) *Workflow {
	s := w.element(vocab.TypeCondition, vocab.HasCondition, id)
	w.add(s, vocab.ConditionStart, true)
	return w
}

// End declares the end condition.
func (w *Workflow) End(id string) *Workflow {
	s := w.element(vocab.TypeCondition, vocab.HasCondition, id)
	w.add(s, vocab.ConditionEnd, true)
	return w
}

// Condition declares an intermediate condition.
func (w *Workflow) Condition(id string) *Workflow {
	w.element(vocab.TypeCondition, vocab.HasCondition, id)
	return w
}

// TaskOption decorates a task's triples.
type TaskOption func(w *Workflow, subject string)

// Budget sets the task's cycle budget.
func Budget(n int64) TaskOption {
	return func(w *Workflow, s string) { w.add(s, vocab.TaskBudget, n) }
}

// HotPath marks the task as hot-path tier.
func HotPath() TaskOption {
	return func(w *Workflow, s string) { w.add(s, vocab.TaskHotPath, true) }
}

// Span sets the task's telemetry span template.
func Span(template string) TaskOption {
	return func(w *Workflow, s string) { w.add(s, vocab.TaskSpan, template) }
}

// Cancels adds elements to the task's cancellation region.
func Cancels(ids ...string) TaskOption {
	return func(w *Workflow, s string) {
		for _, id := range ids {
			w.add(s, vocab.TaskCancels, id)
		}
	}
}

// Allocate sets the task's allocation policy.
func Allocate(roles, capabilities []string) TaskOption {
	return func(w *Workflow, s string) {
		for _, r := range roles {
			w.add(s, vocab.TaskRole, r)
		}
		for _, c := range capabilities {
			w.add(s, vocab.TaskCapability, c)
		}
	}
}

// Task declares a task. Empty join or split kinds are omitted from the
// triples so extraction errors can be exercised.
func (w *Workflow) Task(id, join, split string, opts ...TaskOption) *Workflow {
	s := w.element(vocab.TypeTask, vocab.HasTask, id)
	if join != "" {
		w.add(s, vocab.TaskJoin, join)
	}
	if split != "" {
		w.add(s, vocab.TaskSplit, split)
	}
	for _, opt := range opts {
		opt(w, s)
	}
	return w
}

// FlowOption decorates a flow's triples.
type FlowOption func(w *Workflow, subject string)

// Guard sets the flow's guard expression.
func Guard(expr string) FlowOption {
	return func(w *Workflow, s string) { w.add(s, vocab.FlowGuard, expr) }
}

// Default marks the flow as its source's default.
func Default() FlowOption {
	return func(w *Workflow, s string) { w.add(s, vocab.FlowDefault, true) }
}

// Order sets the flow's evaluation order.
func Order(n int64) FlowOption {
	return func(w *Workflow, s string) { w.add(s, vocab.FlowOrder, n) }
}

// Flow declares a flow with an id derived from its endpoints.
func (w *Workflow) Flow(from, to string, opts ...FlowOption) *Workflow {
	return w.FlowID(fmt.Sprintf("%s->%s", from, to), from, to, opts...)
}

// FlowID declares a flow with an explicit id.
func (w *Workflow) FlowID(id, from, to string, opts ...FlowOption) *Workflow {
	s := w.element(vocab.TypeFlow, vocab.HasFlow, id)
	w.add(s, vocab.FlowFrom, from)
	w.add(s, vocab.FlowTo, to)
	for _, opt := range opts {
		opt(w, s)
	}
	return w
}

// Variable declares a workflow variable.
func (w *Workflow) Variable(name string, initial any) *Workflow {
	s := w.element(vocab.TypeVariable, vocab.HasVariable, name)
	w.add(s, vocab.VariableInitial, initial)
	return w
}
