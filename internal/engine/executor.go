package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/tokenflow/internal/alloc"
	"github.com/roach88/tokenflow/internal/cache"
	"github.com/roach88/tokenflow/internal/ir"
)

// errAborted stops a batch that observed the cancellation flag. The batch
// then cancels the instance itself.
var errAborted = errors.New("transition aborted by cancellation")

// run is the state of one batch of transitions on one instance. The slot
// lock is held for its whole lifetime.
type run struct {
	e    *Engine
	slot *cache.Slot
	r    *cache.Resolved
	spec *ir.Specification
	inst *ir.ProcessInstance
}

func (e *Engine) newRun(slot *cache.Slot) *run {
	return &run{
		e:    e,
		slot: slot,
		r:    slot.Resolved,
		spec: slot.Resolved.Spec,
		inst: slot.Instance,
	}
}

// advance fires ready tasks, lowest index first, until none is ready or the
// instance finishes. Triggered tasks are left for SignalFire.
func (x *run) advance(ctx context.Context) error {
	quota := NewQuotaEnforcer(x.e.maxSteps)
	for !x.inst.State.Terminal() {
		if x.slot.Cancelled() {
			return errAborted
		}
		t, consume, ok := x.next()
		if !ok {
			break
		}
		if err := quota.Check(x.inst.ID); err != nil {
			x.e.logger.Error("max steps quota exceeded",
				"instance_id", x.inst.ID,
				"task_id", x.spec.Tasks[t].ID,
				"steps", quota.Current(),
				"limit", quota.MaxSteps(),
			)
			return err
		}
		if err := x.fire(ctx, t, consume); err != nil {
			return err
		}
	}

	if x.inst.State == ir.StateRunning && !x.waiting() {
		x.e.logger.Warn("instance stalled",
			"instance_id", x.inst.ID,
			"tokens", x.inst.TokenCount(),
		)
	}
	return nil
}

func (x *run) next() (int32, []int32, bool) {
	for i := range x.spec.Tasks {
		t := int32(i)
		if x.inst.TaskStates[t] != ir.TaskEnabled {
			continue
		}
		if x.e.bindingFor(x.spec.Tasks[t].ID).triggered {
			continue
		}
		if consume, ok := x.ready(t); ok {
			return t, consume, true
		}
	}
	return 0, nil, false
}

// waiting reports whether something outside the engine can still move the
// instance: a pending task or an enabled triggered task.
func (x *run) waiting() bool {
	for i, s := range x.inst.TaskStates {
		if s == ir.TaskExecuting {
			return true
		}
		if s == ir.TaskEnabled && x.e.bindingFor(x.spec.Tasks[i].ID).triggered {
			return true
		}
	}
	return false
}

// ready evaluates the join of task t and returns the edges whose tokens
// firing it consumes.
func (x *run) ready(t int32) ([]int32, bool) {
	if x.inst.TaskStates[t] != ir.TaskEnabled {
		return nil, false
	}
	task := &x.spec.Tasks[t]

	switch task.Join {
	case ir.JoinAND:
		for _, in := range task.Incoming {
			if !x.inst.Arrived(in) {
				return nil, false
			}
		}
		return task.Incoming, true

	case ir.JoinXOR:
		for _, in := range task.Incoming {
			if x.inst.Arrived(in) {
				return []int32{in}, true
			}
		}
		return nil, false

	case ir.JoinOR:
		var arrived []int32
		for _, in := range task.Incoming {
			if x.inst.Arrived(in) {
				arrived = append(arrived, in)
				continue
			}
			if x.e.orJoin == OrJoinSynchronizing {
				if up := x.r.OrUpstream[in]; up != nil && up.Live(x.inst) {
					return nil, false
				}
			}
		}
		return arrived, len(arrived) > 0
	}
	return nil, false
}

// fire allocates a resource if the task needs one, consumes the join's
// tokens and runs the task logic under the budget enforcer.
func (x *run) fire(ctx context.Context, t int32, consume []int32) error {
	e := x.e
	task := &x.spec.Tasks[t]
	b := e.bindingFor(task.ID)

	var handle alloc.Handle
	if task.Allocation != nil && e.allocator != nil {
		h, err := alloc.Acquire(ctx, e.allocator, alloc.Request{
			InstanceID:           x.inst.ID,
			TaskID:               task.ID,
			RequiredRoles:        task.Allocation.Roles,
			RequiredCapabilities: task.Allocation.Capabilities,
		}, e.backoff, e.logger)
		if err != nil {
			return &RuntimeError{
				Code:       ErrCodeResourceUnavailable,
				Message:    "allocation failed",
				InstanceID: x.inst.ID,
				TaskID:     task.ID,
				Err:        err,
			}
		}
		handle = h
		if _, ok := e.allocator.(alloc.Releaser); ok {
			e.held.hold(x.inst.ID, t, h)
		}
	}

	x.consume(consume)
	x.setTask(t, ir.TaskExecuting, handle.Resource)

	in := TaskInput{
		InstanceID: x.inst.ID,
		Task:       task,
		Variables:  x.inst.Variables.Clone(),
		Resource:   handle,
		Completion: x.inst.Completions[t],
	}

	spanCtx, scope := e.tracer.Start(ctx, x.inst.ID, task)
	var (
		res    TaskResult
		runErr error
	)
	started := time.Now()
	cycles, over := e.budget.Measure(task, func() {
		res, runErr = b.fn(spanCtx, in)
	})
	elapsed := time.Since(started)

	outcome := "completed"
	var spanErr error
	switch {
	case runErr != nil:
		outcome, spanErr = "failed", runErr
	case over != nil && over.HotPath:
		outcome, spanErr = "over_budget", over
	case res.Pending:
		outcome = "pending"
	}
	scope.End(outcome, cycles, spanErr)
	e.metrics.TaskDuration(outcome, elapsed)

	if runErr != nil {
		return &RuntimeError{
			Code:       ErrCodeTaskFailed,
			Message:    "task logic failed",
			InstanceID: x.inst.ID,
			TaskID:     task.ID,
			Err:        runErr,
		}
	}

	if over != nil {
		e.metrics.BudgetOverrun(over.HotPath)
		x.emit(TaskOverBudget, task.ID, fmt.Sprintf("actual=%d budget=%d", over.Actual, over.Budget))
		if over.HotPath {
			e.logger.Error("hot-path budget exceeded",
				"instance_id", x.inst.ID,
				"task_id", task.ID,
				"budget", over.Budget,
				"actual", over.Actual,
			)
			return over
		}
		x.inst.BudgetReports = append(x.inst.BudgetReports, ir.BudgetReport{
			Task:   task.ID,
			Budget: over.Budget,
			Actual: over.Actual,
			Seq:    x.inst.Seq,
		})
		e.logger.Warn("budget exceeded",
			"instance_id", x.inst.ID,
			"task_id", task.ID,
			"budget", over.Budget,
			"actual", over.Actual,
		)
	}

	if res.Pending {
		x.emit(TaskPending, task.ID, "")
		return nil
	}
	return x.complete(t, res)
}

// complete applies a task's result: bindings first, then the split, the
// cancellation region and finally the downstream tokens.
func (x *run) complete(t int32, res TaskResult) error {
	if len(res.Set) > 0 {
		x.inst.Variables.Merge(res.Set)
	}
	if x.slot.Cancelled() {
		return errAborted
	}

	edges, err := x.split(t, res.Branches)
	if err != nil {
		return err
	}
	x.cancelRegion(t)

	x.inst.Completions[t]++
	x.setTask(t, ir.TaskCompleted, x.edgeList(edges))
	for _, e := range edges {
		if x.inst.State.Terminal() {
			break
		}
		x.deliver(e)
	}
	if x.inst.State == ir.StateRunning && x.inst.TaskStates[t] == ir.TaskCompleted && x.hasToken(t) {
		x.setTask(t, ir.TaskEnabled, "")
	}
	return nil
}

// split selects the outgoing edges of task t that receive a token.
func (x *run) split(t int32, branches []string) ([]int32, error) {
	task := &x.spec.Tasks[t]
	if task.Split == ir.SplitAND {
		return task.Outgoing, nil
	}
	if len(branches) > 0 {
		return x.pinned(t, branches)
	}

	var selected []int32
	def := int32(-1)
	for _, e := range task.Outgoing {
		if x.spec.Edges[e].IsDefault {
			def = e
			continue
		}
		ok, err := x.r.Guards.Eval(x.spec, e, x.inst.Variables)
		if err != nil {
			return nil, &RuntimeError{
				Code:       ErrCodeGuardFailed,
				Message:    "guard evaluation failed",
				InstanceID: x.inst.ID,
				TaskID:     task.ID,
				Err:        err,
			}
		}
		if !ok {
			continue
		}
		if task.Split == ir.SplitXOR {
			return []int32{e}, nil
		}
		selected = append(selected, e)
	}

	if len(selected) > 0 {
		return selected, nil
	}
	if def >= 0 {
		return []int32{def}, nil
	}
	return nil, newError(ErrCodeNoMatchingBranch, x.inst.ID, task.ID,
		"%s split: no guard matched and no default edge", task.Split)
}

func (x *run) pinned(t int32, branches []string) ([]int32, error) {
	task := &x.spec.Tasks[t]
	var selected []int32
	for _, name := range branches {
		found := int32(-1)
		for _, e := range task.Outgoing {
			edge := &x.spec.Edges[e]
			if edge.ID == name || x.spec.NodeID(edge.Target) == name {
				found = e
				break
			}
		}
		if found < 0 {
			return nil, newError(ErrCodeNoMatchingBranch, x.inst.ID, task.ID,
				"branch %q is not an outgoing edge", name)
		}
		if !slices.Contains(selected, found) {
			selected = append(selected, found)
		}
	}
	if task.Split == ir.SplitXOR && len(selected) != 1 {
		return nil, newError(ErrCodeNoMatchingBranch, x.inst.ID, task.ID,
			"XOR split needs exactly one branch, got %d", len(selected))
	}
	return selected, nil
}

// offer places a token on a condition. At the end condition it completes
// the instance; elsewhere it is offered on every outgoing edge.
func (x *run) offer(c ir.NodeRef) {
	if c.Index == x.spec.End {
		x.finishInstance()
		return
	}
	for _, e := range x.spec.Conditions[c.Index].Outgoing {
		x.inst.Tokens[e]++
		x.enable(x.spec.Edges[e].Target)
	}
}

// deliver emits a token along edge e.
func (x *run) deliver(e int32) {
	target := x.spec.Edges[e].Target
	if target.IsCondition() {
		x.offer(target)
		return
	}
	x.inst.Tokens[e]++
	x.enable(target)
}

func (x *run) enable(ref ir.NodeRef) {
	if !ref.IsTask() {
		return
	}
	switch x.inst.TaskStates[ref.Index] {
	case ir.TaskDisabled, ir.TaskCompleted, ir.TaskCancelled:
		x.setTask(ref.Index, ir.TaskEnabled, "")
	}
}

// consume takes one token from each edge. Taking an offer from a condition
// withdraws the same token's offers on the condition's other edges.
func (x *run) consume(edges []int32) {
	for _, e := range edges {
		if x.inst.Tokens[e] == 0 {
			continue
		}
		x.inst.Tokens[e]--
		src := x.spec.Edges[e].Source
		if !src.IsCondition() {
			continue
		}
		out := x.spec.Conditions[src.Index].Outgoing
		if len(out) < 2 {
			continue
		}
		for _, s := range out {
			if s == e || x.inst.Tokens[s] == 0 {
				continue
			}
			x.inst.Tokens[s]--
			if tgt := x.spec.Edges[s].Target; tgt.IsTask() {
				x.refresh(tgt.Index)
			}
		}
	}
}

// refresh disables an enabled task that no longer holds any token.
func (x *run) refresh(t int32) {
	if x.inst.TaskStates[t] == ir.TaskEnabled && !x.hasToken(t) {
		x.setTask(t, ir.TaskDisabled, "")
	}
}

func (x *run) hasToken(t int32) bool {
	for _, in := range x.spec.Tasks[t].Incoming {
		if x.inst.Arrived(in) {
			return true
		}
	}
	return false
}

// cancelRegion removes the tokens held in the cancellation region of task t
// and cancels the region's enabled or executing tasks.
func (x *run) cancelRegion(t int32) {
	for _, n := range x.spec.Tasks[t].Cancels {
		if !n.IsTask() || n.Index == t {
			continue
		}
		switch x.inst.TaskStates[n.Index] {
		case ir.TaskEnabled, ir.TaskExecuting:
			x.setTask(n.Index, ir.TaskCancelled, "region of "+x.spec.Tasks[t].ID)
		}
	}
	for _, e := range x.r.CancelEdges[t] {
		if x.inst.Tokens[e] == 0 {
			continue
		}
		x.inst.Tokens[e] = 0
		if tgt := x.spec.Edges[e].Target; tgt.IsTask() {
			x.refresh(tgt.Index)
		}
	}
}

// finishInstance completes the instance once a token reaches the end
// condition. Tokens still in the net are withdrawn and counted.
func (x *run) finishInstance() {
	withdrawn := x.clearTokens(ir.TaskDisabled)
	x.inst.Withdrawn = withdrawn
	x.inst.State = ir.StateCompleted
	x.emit(InstanceCompleted, "", fmt.Sprintf("withdrawn=%d", withdrawn))
	x.e.metrics.Instance(ir.StateCompleted.String())
	x.e.logger.Info("instance completed",
		"instance_id", x.inst.ID,
		"seq", x.inst.Seq,
		"withdrawn", withdrawn,
	)
}

func (x *run) cancelInstance() {
	withdrawn := x.clearTokens(ir.TaskCancelled)
	x.inst.Withdrawn = withdrawn
	x.inst.State = ir.StateCancelled
	x.emit(InstanceCancelled, "", fmt.Sprintf("withdrawn=%d", withdrawn))
	x.e.metrics.Instance(ir.StateCancelled.String())
	x.e.logger.Info("instance cancelled",
		"instance_id", x.inst.ID,
		"seq", x.inst.Seq,
		"withdrawn", withdrawn,
	)
}

// clearTokens removes every token. Enabled tasks move to enabledTo and
// executing tasks are cancelled.
func (x *run) clearTokens(enabledTo ir.TaskState) uint32 {
	n := x.inst.TokenCount()
	clear(x.inst.Tokens)
	for i, s := range x.inst.TaskStates {
		switch s {
		case ir.TaskEnabled:
			x.setTask(int32(i), enabledTo, "")
		case ir.TaskExecuting:
			x.setTask(int32(i), ir.TaskCancelled, "")
		}
	}
	return n
}

func (x *run) failInstance(err error) {
	code := faultCode(err)
	fault := &ir.Fault{Code: string(code), Message: err.Error()}
	var re *RuntimeError
	var be *BudgetExceededError
	switch {
	case errors.As(err, &re):
		fault.Task = re.TaskID
	case errors.As(err, &be):
		fault.Task = be.TaskID
	}

	x.inst.State = ir.StateFailed
	x.inst.Fault = fault
	x.e.releaseInstance(x.inst.ID)
	x.emit(InstanceFailed, fault.Task, string(code))
	x.e.metrics.Instance(ir.StateFailed.String())
	x.e.logger.Error("instance failed",
		"instance_id", x.inst.ID,
		"task_id", fault.Task,
		"code", fault.Code,
		"error", err,
	)
}

var taskKinds = [...]TransitionKind{
	ir.TaskDisabled:  TaskWithdrawn,
	ir.TaskEnabled:   TaskEnabled,
	ir.TaskExecuting: TaskExecuting,
	ir.TaskCompleted: TaskCompleted,
	ir.TaskCancelled: TaskCancelled,
}

func (x *run) setTask(t int32, state ir.TaskState, detail string) {
	prev := x.inst.TaskStates[t]
	if prev == state {
		return
	}
	x.inst.TaskStates[t] = state
	if prev == ir.TaskExecuting {
		x.e.releaseTask(x.inst.ID, t)
	}
	x.e.metrics.Transition(state.String())
	x.emit(taskKinds[state], x.spec.Tasks[t].ID, detail)
}

func (x *run) emit(kind TransitionKind, node, detail string) {
	x.inst.Seq++
	if x.e.observer != nil {
		x.e.observer(Transition{
			Seq:        x.inst.Seq,
			InstanceID: x.inst.ID,
			Kind:       kind,
			Node:       node,
			Detail:     detail,
		})
	}
}

func (x *run) edgeList(edges []int32) string {
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = x.spec.Edges[e].ID
	}
	return strings.Join(ids, ",")
}
