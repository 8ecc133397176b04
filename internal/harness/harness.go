package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/tokenflow/internal/alloc"
	"github.com/roach88/tokenflow/internal/compiler"
	"github.com/roach88/tokenflow/internal/engine"
	"github.com/roach88/tokenflow/internal/ir"
	"github.com/roach88/tokenflow/internal/store"
	"github.com/roach88/tokenflow/internal/testutil"
)

// scenarioBackoff keeps allocation retries from slowing scenarios down.
var scenarioBackoff = alloc.Backoff{
	InitialInterval: time.Millisecond,
	MaxInterval:     time.Millisecond,
}

// Harness is the state of one scenario execution.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	counter  *testutil.FakeCounter
	logger   *slog.Logger
	roots    map[string]string // workflow root -> spec hash
	instance string
}

// Run executes a scenario against a real engine and returns the result.
//
// Each scenario runs on a fresh in-memory store with a fixed instance id
// and a fake cycle counter, so the trace is reproducible.
//
// Execution flow:
//  1. Create an in-memory store and an engine bound to the scenario's tasks
//  2. Compile and admit the scenario's workflow documents
//  3. Apply the flow steps, checking each expect clause
//  4. Load the persisted record and evaluate the assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	result := NewResult()
	h := &Harness{
		store:   st,
		counter: testutil.NewFakeCounter(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		roots:   make(map[string]string),
	}

	eng, err := h.newEngine(scenario, result)
	if err != nil {
		return nil, err
	}
	h.engine = eng

	ctx := context.Background()
	if err := h.loadSpecs(ctx, scenario.Specs); err != nil {
		return nil, fmt.Errorf("failed to load specs: %w", err)
	}

	for i, step := range scenario.Flow {
		err := h.apply(ctx, step, result)
		if errors.Is(err, errScenario) {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Action(), err)
		}
		h.check(i, step, err, result)
	}

	rec, err := st.LoadInstance(ctx, h.instance)
	if err != nil {
		return nil, fmt.Errorf("failed to load final record: %w", err)
	}
	result.Final = rec

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// errScenario marks errors in the scenario itself rather than in the
// behaviour under test.
var errScenario = errors.New("scenario error")

func (h *Harness) newEngine(s *Scenario, result *Result) (*engine.Engine, error) {
	id := s.InstanceID
	if id == "" {
		id = DefaultInstanceID
	}

	opts := []engine.Option{
		engine.WithStore(h.store),
		engine.WithCounter(h.counter),
		engine.WithIDGenerator(engine.NewFixedGenerator(id)),
		engine.WithObserver(result.AddTransition),
		engine.WithLogger(h.logger),
	}
	if s.OrJoin != "" {
		mode, err := engine.ParseOrJoinMode(s.OrJoin)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithOrJoin(mode))
	}
	if s.MaxSteps > 0 {
		opts = append(opts, engine.WithMaxSteps(s.MaxSteps))
	}
	if len(s.Resources) > 0 {
		opts = append(opts, engine.WithAllocator(alloc.NewPool(0, s.Resources...), scenarioBackoff))
	}
	for taskID, b := range s.Tasks {
		fn, err := h.taskFunc(b)
		if err != nil {
			return nil, fmt.Errorf("tasks.%s: %w", taskID, err)
		}
		if b.Triggered {
			opts = append(opts, engine.WithTriggeredTask(taskID, fn))
		} else {
			opts = append(opts, engine.WithTask(taskID, fn))
		}
	}
	return engine.New(opts...), nil
}

// taskFunc turns a scripted binding into task logic.
func (h *Harness) taskFunc(b TaskBinding) (engine.TaskFunc, error) {
	set, err := ir.ObjectFromGo(b.Set)
	if err != nil {
		return nil, fmt.Errorf("set: %w", err)
	}
	return func(_ context.Context, _ engine.TaskInput) (engine.TaskResult, error) {
		h.counter.Advance(b.Cycles)
		if b.Fail != "" {
			return engine.TaskResult{}, errors.New(b.Fail)
		}
		return engine.TaskResult{
			Set:      set.Clone(),
			Branches: b.Branches,
			Pending:  b.Pending,
		}, nil
	}, nil
}

func (h *Harness) loadSpecs(ctx context.Context, paths []string) error {
	for _, path := range paths {
		doc, err := compiler.LoadDocument(path)
		if err != nil {
			return err
		}
		if _, _, err := h.engine.LoadDocument(ctx, doc); err != nil {
			return err
		}
		h.roots[doc.Root] = doc.Hash
		h.logger.Info("spec loaded", "path", path, "root", doc.Root, "hash", doc.Hash)
	}
	return nil
}

// apply performs one flow step. The returned error is the engine's answer
// to the step, or wraps errScenario when the step cannot be performed.
func (h *Harness) apply(ctx context.Context, step FlowStep, result *Result) error {
	switch {
	case step.Start != "":
		hash, ok := h.roots[step.Start]
		if !ok {
			return fmt.Errorf("%w: workflow %q is not in the scenario specs", errScenario, step.Start)
		}
		vars, err := ir.ObjectFromGo(step.Variables)
		if err != nil {
			return fmt.Errorf("%w: variables: %v", errScenario, err)
		}
		id, err := h.engine.Start(ctx, hash, vars)
		h.instance = id
		result.InstanceID = id
		return err

	case step.Signal != "", step.Fire != "":
		sig := engine.Signal{InstanceID: h.instance, TaskID: step.Signal, Kind: engine.SignalComplete}
		if step.Fire != "" {
			sig.TaskID, sig.Kind = step.Fire, engine.SignalFire
		}
		set, err := ir.ObjectFromGo(step.Set)
		if err != nil {
			return fmt.Errorf("%w: set: %v", errScenario, err)
		}
		sig.Set, sig.Branches, sig.Failure = set, step.Branches, step.Failure
		return h.engine.Signal(ctx, sig)

	case step.Cancel:
		return h.engine.Cancel(ctx, h.instance)
	}
	return fmt.Errorf("%w: empty step", errScenario)
}

// check validates a step's outcome against its expect clause.
func (h *Harness) check(i int, step FlowStep, err error, result *Result) {
	prefix := fmt.Sprintf("flow[%d] %s", i, step.Action())

	want := ""
	if step.Expect != nil {
		want = step.Expect.Error
	}
	got := string(engine.CodeOf(err))
	switch {
	case want == "" && err != nil:
		result.AddError(fmt.Sprintf("%s: unexpected error: %v", prefix, err))
	case want != "" && got != want:
		result.AddError(fmt.Sprintf("%s: expected error %s, got %q", prefix, want, got))
	}

	if step.Expect == nil {
		return
	}
	inst, serr := h.engine.Snapshot(h.instance)
	if serr != nil {
		result.AddError(fmt.Sprintf("%s: %v", prefix, serr))
		return
	}
	if step.Expect.State != "" && inst.State.String() != step.Expect.State {
		result.AddError(fmt.Sprintf("%s: expected state %s, got %s", prefix, step.Expect.State, inst.State))
	}
	if len(step.Expect.Tasks) == 0 {
		return
	}
	spec, serr := h.engine.Specification(h.instance)
	if serr != nil {
		result.AddError(fmt.Sprintf("%s: %v", prefix, serr))
		return
	}
	for _, taskID := range sortedKeys(step.Expect.Tasks) {
		wantState := step.Expect.Tasks[taskID]
		t, ok := spec.TaskIndex(taskID)
		if !ok {
			result.AddError(fmt.Sprintf("%s: task %s is not in %s", prefix, taskID, spec.Root))
			continue
		}
		if gotState := inst.TaskStates[t].String(); gotState != wantState {
			result.AddError(fmt.Sprintf("%s: expected task %s %s, got %s", prefix, taskID, wantState, gotState))
		}
	}
}
