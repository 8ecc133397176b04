package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenflow/internal/guard"
	"github.com/roach88/tokenflow/internal/ir"
	"github.com/roach88/tokenflow/internal/testutil"
)

// start → T1 → end with T1 AND-join/AND-split.
func TestSequenceCompletes(t *testing.T) {
	e, rec := newTestEngine(t)
	hash := load(t, e, testutil.SequenceWorkflow())

	id, err := e.Start(context.Background(), hash, nil)
	require.NoError(t, err)
	assert.Equal(t, "case-1", id)

	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateCompleted, inst.State)
	assert.Equal(t, uint32(1), completions(t, e, inst, "T1"))
	assert.Equal(t, uint32(0), inst.TokenCount())
	assert.Equal(t, uint32(0), inst.Withdrawn)
	assert.Nil(t, inst.Fault)

	assert.Equal(t, []string{
		"1 instance_started sequence",
		"2 enabled T1",
		"3 executing T1",
		"4 completed T1 T1->end",
		"5 instance_completed withdrawn=0",
	}, rec.lines())
	assert.Equal(t, int64(5), inst.Seq)
}

// T1 AND-splits to T2 and T3, AND-joined into T4. T4 becomes
// enabled exactly once whichever branch completes first.
func TestAndJoinEnabledOnce(t *testing.T) {
	for _, order := range [][]string{{"T2", "T3"}, {"T3", "T2"}} {
		t.Run(order[0]+"-first", func(t *testing.T) {
			e, rec := newTestEngine(t, WithTask("T2", pending), WithTask("T3", pending))
			hash := load(t, e, testutil.ParallelWorkflow())
			ctx := context.Background()

			id, err := e.Start(ctx, hash, nil)
			require.NoError(t, err)

			inst := snapshot(t, e, id)
			assert.Equal(t, ir.StateRunning, inst.State)
			assert.Equal(t, ir.TaskExecuting, taskState(t, e, inst, "T2"))
			assert.Equal(t, ir.TaskExecuting, taskState(t, e, inst, "T3"))
			assert.Equal(t, ir.TaskDisabled, taskState(t, e, inst, "T4"))

			require.NoError(t, e.Signal(ctx, Signal{InstanceID: id, TaskID: order[0]}))
			inst = snapshot(t, e, id)
			assert.Equal(t, ir.TaskEnabled, taskState(t, e, inst, "T4"))
			assert.Equal(t, uint32(0), completions(t, e, inst, "T4"))

			require.NoError(t, e.Signal(ctx, Signal{InstanceID: id, TaskID: order[1]}))
			inst = snapshot(t, e, id)
			assert.Equal(t, ir.StateCompleted, inst.State)
			assert.Equal(t, uint32(1), completions(t, e, inst, "T4"))
			assert.Equal(t, 1, rec.count(TaskEnabled, "T4"))
			assert.Equal(t, 1, rec.count(InstanceCompleted, ""))
			assert.Equal(t, uint32(0), inst.Withdrawn)
		})
	}
}

func TestXorSplitIsDeterministic(t *testing.T) {
	e, _ := newTestEngine(t)
	hash := load(t, e, testutil.ChoiceWorkflow())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := e.Start(ctx, hash, ir.Object{"amount": ir.Int(150)})
		require.NoError(t, err)
		inst := snapshot(t, e, id)
		assert.Equal(t, ir.StateCompleted, inst.State)
		assert.Equal(t, uint32(1), completions(t, e, inst, "high"))
		assert.Equal(t, uint32(0), completions(t, e, inst, "low"))
	}

	id, err := e.Start(ctx, hash, ir.Object{"amount": ir.Int(50)})
	require.NoError(t, err)
	inst := snapshot(t, e, id)
	assert.Equal(t, uint32(0), completions(t, e, inst, "high"))
	assert.Equal(t, uint32(1), completions(t, e, inst, "low"))
}

func TestXorSplitNoMatchingBranch(t *testing.T) {
	wf := testutil.NewWorkflow("nomatch").
		Start("start").End("end").
		Variable("amount", int64(0)).
		Task("T1", "AND", "XOR").
		Task("A", "XOR", "AND").
		Task("B", "XOR", "AND").
		Task("T4", "XOR", "AND").
		Flow("start", "T1").
		Flow("T1", "A", testutil.Guard("amount > 100")).
		Flow("T1", "B", testutil.Guard("amount < 0")).
		Flow("A", "T4").
		Flow("B", "T4").
		Flow("T4", "end")

	e, rec := newTestEngine(t)
	hash := load(t, e, wf)

	id, err := e.Start(context.Background(), hash, ir.Object{"amount": ir.Int(50)})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNoMatchingBranch), err.Error())

	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateFailed, inst.State)
	require.NotNil(t, inst.Fault)
	assert.Equal(t, "NO_MATCHING_BRANCH", inst.Fault.Code)
	assert.Equal(t, "T1", inst.Fault.Task)
	assert.Equal(t, 1, rec.count(InstanceFailed, "T1"))
}

// orWorkflow: T1 OR-splits on a and b; A feeds the OR-join J directly, B goes
// through C first.
func orWorkflow() *testutil.Workflow {
	return testutil.NewWorkflow("or").
		Start("start").End("end").
		Task("T1", "XOR", "OR").
		Task("A", "XOR", "AND").
		Task("B", "XOR", "AND").
		Task("C", "XOR", "AND").
		Task("J", "OR", "AND").
		Flow("start", "T1").
		Flow("T1", "A", testutil.Guard("a")).
		Flow("T1", "B", testutil.Guard("b")).
		Flow("A", "J").
		Flow("B", "C").
		Flow("C", "J").
		Flow("J", "end")
}

func TestOrSplit(t *testing.T) {
	e, _ := newTestEngine(t)
	hash := load(t, e, orWorkflow())
	ctx := context.Background()

	id, err := e.Start(ctx, hash, ir.Object{"a": ir.Bool(true), "b": ir.Bool(false)})
	require.NoError(t, err)
	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateCompleted, inst.State)
	assert.Equal(t, uint32(1), completions(t, e, inst, "A"))
	assert.Equal(t, uint32(0), completions(t, e, inst, "B"))
	assert.Equal(t, uint32(1), completions(t, e, inst, "J"))

	_, err = e.Start(ctx, hash, ir.Object{"a": ir.Bool(false), "b": ir.Bool(false)})
	assert.True(t, IsCode(err, ErrCodeNoMatchingBranch))
}

func TestOrJoinEager(t *testing.T) {
	e, _ := newTestEngine(t, WithTask("C", pending))
	hash := load(t, e, orWorkflow())
	ctx := context.Background()

	id, err := e.Start(ctx, hash, ir.Object{"a": ir.Bool(true), "b": ir.Bool(true)})
	require.NoError(t, err)

	// J fires on A's token without waiting for C.
	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateCompleted, inst.State)
	assert.Equal(t, uint32(1), completions(t, e, inst, "J"))
	assert.Equal(t, ir.TaskCancelled, taskState(t, e, inst, "C"))

	err = e.Signal(ctx, Signal{InstanceID: id, TaskID: "C"})
	assert.True(t, IsCode(err, ErrCodeInstanceTerminal))
}

func TestOrJoinSynchronizing(t *testing.T) {
	e, rec := newTestEngine(t, WithOrJoin(OrJoinSynchronizing), WithTask("C", pending))
	hash := load(t, e, orWorkflow())
	ctx := context.Background()

	id, err := e.Start(ctx, hash, ir.Object{"a": ir.Bool(true), "b": ir.Bool(true)})
	require.NoError(t, err)

	// C is still executing upstream of C->J, so J waits.
	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateRunning, inst.State)
	assert.Equal(t, ir.TaskEnabled, taskState(t, e, inst, "J"))
	assert.Equal(t, uint32(1), tokens(t, e, inst, "A->J"))

	require.NoError(t, e.Signal(ctx, Signal{InstanceID: id, TaskID: "C"}))
	inst = snapshot(t, e, id)
	assert.Equal(t, ir.StateCompleted, inst.State)
	assert.Equal(t, uint32(1), completions(t, e, inst, "J"))
	assert.Equal(t, 1, rec.count(TaskExecuting, "J"))
	assert.Equal(t, uint32(0), inst.Withdrawn)
}

func TestOrJoinSynchronizingFiresWhenBranchNotTaken(t *testing.T) {
	e, _ := newTestEngine(t, WithOrJoin(OrJoinSynchronizing), WithTask("C", pending))
	hash := load(t, e, orWorkflow())

	id, err := e.Start(context.Background(), hash, ir.Object{"a": ir.Bool(true), "b": ir.Bool(false)})
	require.NoError(t, err)
	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateCompleted, inst.State)
	assert.Equal(t, uint32(1), completions(t, e, inst, "J"))
}

func TestXorJoinMultiMergeWithdrawsRemainder(t *testing.T) {
	wf := testutil.NewWorkflow("merge").
		Start("start").End("end").
		Task("T1", "XOR", "AND").
		Task("T2", "XOR", "AND").
		Task("T3", "XOR", "AND").
		Task("T4", "XOR", "AND").
		Flow("start", "T1").
		Flow("T1", "T2").
		Flow("T1", "T3").
		Flow("T2", "T4").
		Flow("T3", "T4").
		Flow("T4", "end")

	e, _ := newTestEngine(t)
	hash := load(t, e, wf)

	id, err := e.Start(context.Background(), hash, nil)
	require.NoError(t, err)
	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateCompleted, inst.State)
	assert.Equal(t, uint32(1), completions(t, e, inst, "T4"))
	assert.Equal(t, uint32(1), inst.Withdrawn)
	assert.Equal(t, uint32(0), inst.TokenCount())
}

func deferredChoiceWorkflow() *testutil.Workflow {
	return testutil.NewWorkflow("deferred").
		Start("start").End("end").
		Condition("pick").
		Task("T0", "XOR", "AND").
		Task("A", "XOR", "AND").
		Task("B", "XOR", "AND").
		Flow("start", "T0").
		Flow("T0", "pick").
		Flow("pick", "A").
		Flow("pick", "B").
		Flow("A", "end").
		Flow("B", "end")
}

func TestDeferredChoice(t *testing.T) {
	noop := func(context.Context, TaskInput) (TaskResult, error) { return TaskResult{}, nil }
	e, rec := newTestEngine(t, WithTriggeredTask("A", noop), WithTriggeredTask("B", noop))
	hash := load(t, e, deferredChoiceWorkflow())
	ctx := context.Background()

	id, err := e.Start(ctx, hash, nil)
	require.NoError(t, err)

	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateRunning, inst.State)
	assert.Equal(t, ir.TaskEnabled, taskState(t, e, inst, "A"))
	assert.Equal(t, ir.TaskEnabled, taskState(t, e, inst, "B"))
	assert.Equal(t, uint32(1), tokens(t, e, inst, "pick->A"))
	assert.Equal(t, uint32(1), tokens(t, e, inst, "pick->B"))

	require.NoError(t, e.Signal(ctx, Signal{InstanceID: id, TaskID: "B", Kind: SignalFire}))

	inst = snapshot(t, e, id)
	assert.Equal(t, ir.StateCompleted, inst.State)
	assert.Equal(t, uint32(1), completions(t, e, inst, "B"))
	assert.Equal(t, uint32(0), completions(t, e, inst, "A"))
	assert.Equal(t, ir.TaskDisabled, taskState(t, e, inst, "A"))
	assert.Equal(t, 1, rec.count(TaskWithdrawn, "A"))
	assert.Equal(t, uint32(0), inst.Withdrawn)

	err = e.Signal(ctx, Signal{InstanceID: id, TaskID: "A", Kind: SignalFire})
	assert.True(t, IsCode(err, ErrCodeInstanceTerminal))
}

func TestFireSignalRequiresSatisfiedJoin(t *testing.T) {
	e, _ := newTestEngine(t, WithTask("T2", pending), WithTriggeredTask("T3", pending))
	hash := load(t, e, testutil.ParallelWorkflow())
	ctx := context.Background()

	id, err := e.Start(ctx, hash, nil)
	require.NoError(t, err)

	err = e.Signal(ctx, Signal{InstanceID: id, TaskID: "T4", Kind: SignalFire})
	assert.True(t, IsCode(err, ErrCodeInvalidSignal))

	// An invalid signal leaves the instance untouched.
	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateRunning, inst.State)
	assert.Nil(t, inst.Fault)
	assert.Equal(t, ir.TaskEnabled, taskState(t, e, inst, "T3"))
}

func TestCancellationRegion(t *testing.T) {
	wf := testutil.NewWorkflow("region").
		Start("start").End("end").
		Task("T1", "XOR", "AND").
		Task("A", "XOR", "AND").
		Task("B", "XOR", "AND", testutil.Cancels("A")).
		Task("C", "XOR", "AND").
		Flow("start", "T1").
		Flow("T1", "A").
		Flow("T1", "B").
		Flow("A", "end").
		Flow("B", "C").
		Flow("C", "end")

	e, rec := newTestEngine(t, WithTask("A", pending), WithTask("C", pending))
	hash := load(t, e, wf)
	ctx := context.Background()

	id, err := e.Start(ctx, hash, nil)
	require.NoError(t, err)

	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateRunning, inst.State)
	assert.Equal(t, ir.TaskCancelled, taskState(t, e, inst, "A"))
	assert.Equal(t, ir.TaskExecuting, taskState(t, e, inst, "C"))
	assert.Contains(t, rec.lines(), "10 cancelled A region of B")

	err = e.Signal(ctx, Signal{InstanceID: id, TaskID: "A"})
	assert.True(t, IsCode(err, ErrCodeInvalidSignal))

	require.NoError(t, e.Signal(ctx, Signal{InstanceID: id, TaskID: "C"}))
	inst = snapshot(t, e, id)
	assert.Equal(t, ir.StateCompleted, inst.State)
	assert.Equal(t, uint32(0), completions(t, e, inst, "A"))
}

func TestCancellationRegionRemovesTokens(t *testing.T) {
	wf := testutil.NewWorkflow("region-tokens").
		Start("start").End("end").
		Task("T1", "XOR", "AND").
		Task("A", "XOR", "AND").
		Task("B", "XOR", "AND", testutil.Cancels("A")).
		Task("C", "XOR", "AND").
		Flow("start", "T1").
		Flow("T1", "A").
		Flow("T1", "B").
		Flow("A", "end").
		Flow("B", "C").
		Flow("C", "end")

	noop := func(context.Context, TaskInput) (TaskResult, error) { return TaskResult{}, nil }
	e, _ := newTestEngine(t, WithTriggeredTask("A", noop), WithTask("C", pending))
	hash := load(t, e, wf)

	id, err := e.Start(context.Background(), hash, nil)
	require.NoError(t, err)

	// A was enabled with a token on T1->A; B's completion removed it.
	inst := snapshot(t, e, id)
	assert.Equal(t, uint32(0), tokens(t, e, inst, "T1->A"))
	assert.Equal(t, ir.TaskCancelled, taskState(t, e, inst, "A"))
}

func TestPinnedBranches(t *testing.T) {
	pin := func(branches ...string) TaskFunc {
		return func(context.Context, TaskInput) (TaskResult, error) {
			return TaskResult{Branches: branches}, nil
		}
	}
	ctx := context.Background()

	e, _ := newTestEngine(t, WithTask("T1", pin("low")))
	hash := load(t, e, testutil.ChoiceWorkflow())
	id, err := e.Start(ctx, hash, ir.Object{"amount": ir.Int(500)})
	require.NoError(t, err)
	inst := snapshot(t, e, id)
	assert.Equal(t, uint32(1), completions(t, e, inst, "low"))
	assert.Equal(t, uint32(0), completions(t, e, inst, "high"))

	e, _ = newTestEngine(t, WithTask("T1", pin("T1->high")))
	hash = load(t, e, testutil.ChoiceWorkflow())
	id, err = e.Start(ctx, hash, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), completions(t, e, snapshot(t, e, id), "high"))

	e, _ = newTestEngine(t, WithTask("T1", pin("nowhere")))
	hash = load(t, e, testutil.ChoiceWorkflow())
	_, err = e.Start(ctx, hash, nil)
	assert.True(t, IsCode(err, ErrCodeNoMatchingBranch))

	e, _ = newTestEngine(t, WithTask("T1", pin("low", "high")))
	hash = load(t, e, testutil.ChoiceWorkflow())
	_, err = e.Start(ctx, hash, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one branch")
}

func reworkWorkflow() *testutil.Workflow {
	return testutil.NewWorkflow("rework").
		Start("start").End("end").
		Variable("approved", false).
		Task("review", "XOR", "XOR").
		Task("rework", "XOR", "AND").
		Flow("start", "review").
		Flow("review", "rework", testutil.Guard("!approved")).
		Flow("review", "end", testutil.Default()).
		Flow("rework", "review")
}

func TestLoopRunsUntilGuardTurnsFalse(t *testing.T) {
	rework := func(_ context.Context, in TaskInput) (TaskResult, error) {
		if in.Completion == 1 {
			return TaskResult{Set: ir.Object{"approved": ir.Bool(true)}}, nil
		}
		return TaskResult{}, nil
	}
	e, _ := newTestEngine(t, WithTask("rework", rework))
	hash := load(t, e, reworkWorkflow())

	id, err := e.Start(context.Background(), hash, nil)
	require.NoError(t, err)
	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateCompleted, inst.State)
	assert.Equal(t, uint32(3), completions(t, e, inst, "review"))
	assert.Equal(t, uint32(2), completions(t, e, inst, "rework"))
	assert.Equal(t, ir.Bool(true), inst.Variables["approved"])
}

func TestMaxStepsFailsRunawayLoop(t *testing.T) {
	e, _ := newTestEngine(t, WithMaxSteps(10))
	hash := load(t, e, reworkWorkflow())

	id, err := e.Start(context.Background(), hash, nil)
	require.Error(t, err)
	assert.True(t, IsStepsExceededError(err))

	var se *StepsExceededError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 11, se.Steps)
	assert.Equal(t, 10, se.Limit)

	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateFailed, inst.State)
	assert.Equal(t, "STEPS_EXCEEDED", inst.Fault.Code)
}

func TestGuardFailureIsFatal(t *testing.T) {
	wf := testutil.NewWorkflow("badguard").
		Start("start").End("end").
		Task("T1", "AND", "XOR").
		Task("A", "XOR", "AND").
		Flow("start", "T1").
		Flow("T1", "A", testutil.Guard("missing > 1")).
		Flow("T1", "end", testutil.Default()).
		Flow("A", "end")

	e, _ := newTestEngine(t)
	hash := load(t, e, wf)

	id, err := e.Start(context.Background(), hash, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeGuardFailed))

	var ge *guard.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "T1->A", ge.Edge)
	assert.Equal(t, ir.StateFailed, snapshot(t, e, id).State)
}

func TestTaskFailure(t *testing.T) {
	boom := errors.New("boom")
	e, _ := newTestEngine(t, WithTask("T1", func(context.Context, TaskInput) (TaskResult, error) {
		return TaskResult{}, boom
	}))
	hash := load(t, e, testutil.SequenceWorkflow())

	id, err := e.Start(context.Background(), hash, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTaskFailed))
	assert.ErrorIs(t, err, boom)

	inst := snapshot(t, e, id)
	assert.Equal(t, ir.StateFailed, inst.State)
	assert.Equal(t, "TASK_FAILED", inst.Fault.Code)
	assert.Equal(t, "T1", inst.Fault.Task)
	assert.Contains(t, inst.Fault.Message, "boom")
}

func TestTaskSeesBindingsAndSetsThem(t *testing.T) {
	var seen ir.Object
	e, _ := newTestEngine(t,
		WithTask("T1", func(_ context.Context, in TaskInput) (TaskResult, error) {
			seen = in.Variables
			in.Variables["scratch"] = ir.Bool(true)
			return TaskResult{Set: ir.Object{"amount": ir.Int(500)}}, nil
		}))
	hash := load(t, e, testutil.ChoiceWorkflow())

	id, err := e.Start(context.Background(), hash, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.Int(0), seen["amount"])

	inst := snapshot(t, e, id)
	assert.Equal(t, ir.Int(500), inst.Variables["amount"])
	assert.NotContains(t, inst.Variables, "scratch")
	assert.Equal(t, uint32(1), completions(t, e, inst, "high"))
}
