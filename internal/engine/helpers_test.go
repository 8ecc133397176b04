package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenflow/internal/ir"
	"github.com/roach88/tokenflow/internal/testutil"
)

// recorder collects transitions from an engine observer.
type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) observe(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.transitions))
	for i, t := range r.transitions {
		out[i] = t.String()
	}
	return out
}

func (r *recorder) count(kind TransitionKind, node string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.transitions {
		if t.Kind == kind && t.Node == node {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	base := []Option{
		WithIDGenerator(NewFixedGenerator("case-1", "case-2", "case-3", "case-4", "case-5", "case-6")),
		WithObserver(rec.observe),
	}
	return New(append(base, opts...)...), rec
}

// load admits wf under a hash derived from its root and returns the hash.
func load(t *testing.T, e *Engine, wf *testutil.Workflow) string {
	t.Helper()
	hash := "hash-" + wf.Root()
	_, _, err := e.Load(context.Background(), hash, wf.Triples(), wf.Root())
	require.NoError(t, err)
	return hash
}

func snapshot(t *testing.T, e *Engine, id string) *ir.ProcessInstance {
	t.Helper()
	inst, err := e.Snapshot(id)
	require.NoError(t, err)
	return inst
}

// taskState returns the state of the named task in inst.
func taskState(t *testing.T, e *Engine, inst *ir.ProcessInstance, taskID string) ir.TaskState {
	t.Helper()
	spec, err := e.Specification(inst.ID)
	require.NoError(t, err)
	i, ok := spec.TaskIndex(taskID)
	require.True(t, ok, taskID)
	return inst.TaskStates[i]
}

func completions(t *testing.T, e *Engine, inst *ir.ProcessInstance, taskID string) uint32 {
	t.Helper()
	spec, err := e.Specification(inst.ID)
	require.NoError(t, err)
	i, ok := spec.TaskIndex(taskID)
	require.True(t, ok, taskID)
	return inst.Completions[i]
}

func tokens(t *testing.T, e *Engine, inst *ir.ProcessInstance, edgeID string) uint32 {
	t.Helper()
	spec, err := e.Specification(inst.ID)
	require.NoError(t, err)
	i, ok := spec.EdgeIndex(edgeID)
	require.True(t, ok, edgeID)
	return inst.Tokens[i]
}

func pending(context.Context, TaskInput) (TaskResult, error) {
	return TaskResult{Pending: true}, nil
}

func set(vars ir.Object) TaskFunc {
	return func(context.Context, TaskInput) (TaskResult, error) {
		return TaskResult{Set: vars}, nil
	}
}
