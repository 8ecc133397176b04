package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/semstreams/message"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/tokenflow/internal/alloc"
	"github.com/roach88/tokenflow/internal/cache"
	"github.com/roach88/tokenflow/internal/compiler"
	"github.com/roach88/tokenflow/internal/ir"
	"github.com/roach88/tokenflow/internal/metrics"
	"github.com/roach88/tokenflow/internal/store"
	"github.com/roach88/tokenflow/internal/telemetry"
)

// DefaultMaxSteps is the default maximum number of task firings per batch.
const DefaultMaxSteps = 1000

// DefaultWorkers is the default number of Run workers.
const DefaultWorkers = 4

// OrJoinMode selects when an OR-join fires.
type OrJoinMode string

const (
	// OrJoinEager fires as soon as one incoming edge holds a token.
	OrJoinEager OrJoinMode = "eager"
	// OrJoinSynchronizing also waits until no empty incoming edge can still
	// receive a token.
	OrJoinSynchronizing OrJoinMode = "synchronizing"
)

// ParseOrJoinMode parses "eager" or "synchronizing".
func ParseOrJoinMode(s string) (OrJoinMode, error) {
	switch m := OrJoinMode(s); m {
	case OrJoinEager, OrJoinSynchronizing:
		return m, nil
	}
	return "", fmt.Errorf("unknown or-join mode %q (want eager or synchronizing)", s)
}

// TaskFunc is the logic of a task. It receives a copy of the bindings and
// returns the changes to apply.
type TaskFunc func(ctx context.Context, in TaskInput) (TaskResult, error)

// TaskInput is what a TaskFunc sees.
type TaskInput struct {
	InstanceID string
	Task       *ir.Task
	Variables  ir.Object
	Resource   alloc.Handle // zero unless the task declares an allocation policy
	Completion uint32       // times the task completed before in this instance
}

// TaskResult is what a TaskFunc returns.
type TaskResult struct {
	// Set is merged into the instance's bindings.
	Set ir.Object

	// Branches pins the outgoing edges of an XOR or OR split, by edge id or
	// target id, instead of evaluating guards. Ignored by AND splits.
	Branches []string

	// Pending leaves the task executing until a SignalComplete arrives.
	Pending bool
}

type binding struct {
	fn        TaskFunc
	triggered bool
}

// Engine advances process instances through admitted specifications.
//
// Thread-safety model:
//   - Start, Signal, Cancel, Snapshot: safe from any goroutine. Work on one
//     instance is serialised by that instance's slot lock; unrelated
//     instances never contend.
//   - Enqueue: safe from any goroutine.
//   - Run: call once; it starts the worker goroutines itself.
type Engine struct {
	cache     *cache.Cache
	store     *store.Store
	clock     *Clock
	ids       IDGenerator
	budget    *BudgetEnforcer
	orJoin    OrJoinMode
	maxSteps  int
	allocator alloc.Allocator
	backoff   alloc.Backoff
	held      heldResources
	restores  singleflight.Group
	tracer    *telemetry.Tracer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	observer  Observer

	tasksMu  sync.RWMutex
	tasks    map[string]binding
	fallback TaskFunc

	workers   int
	queues    []*eventQueue
	queueOnce sync.Once
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithMaxSteps sets the maximum task firings per batch.
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.maxSteps = n }
}

// WithOrJoin selects the OR-join semantics. Default: OrJoinEager.
func WithOrJoin(mode OrJoinMode) Option {
	return func(e *Engine) { e.orJoin = mode }
}

// WithCounter sets the cycle counter of the budget enforcer.
// Default: a TickCounter with a 1ns tick.
func WithCounter(c CycleCounter) Option {
	return func(e *Engine) { e.budget = NewBudgetEnforcer(c) }
}

// WithStore persists every instance after each batch and every admitted
// document.
func WithStore(s *store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithCache sets the execution context cache. Default: cache.New().
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithMetrics records transitions, durations and overruns.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer opens a span around every task execution.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithAllocator asks a for a resource before running any task that declares
// an allocation policy.
func WithAllocator(a alloc.Allocator, b alloc.Backoff) Option {
	return func(e *Engine) {
		e.allocator = a
		e.backoff = b
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIDGenerator sets the instance id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithObserver receives every transition.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithWorkers sets the number of Run workers.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithTask binds logic to every task with the given id.
func WithTask(taskID string, fn TaskFunc) Option {
	return func(e *Engine) { e.tasks[taskID] = binding{fn: fn} }
}

// WithTriggeredTask binds logic to a task that, once enabled, waits for a
// SignalFire instead of firing on its own. Sibling tasks offered the same
// token form a deferred choice decided by whichever is fired first.
func WithTriggeredTask(taskID string, fn TaskFunc) Option {
	return func(e *Engine) { e.tasks[taskID] = binding{fn: fn, triggered: true} }
}

// WithDefaultTask sets the logic of tasks with no binding. Default: complete
// immediately without changing bindings.
func WithDefaultTask(fn TaskFunc) Option {
	return func(e *Engine) { e.fallback = fn }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock:    NewClock(),
		ids:      UUIDv7Generator{},
		orJoin:   OrJoinEager,
		maxSteps: DefaultMaxSteps,
		logger:   slog.Default(),
		tasks:    make(map[string]binding),
		workers:  DefaultWorkers,
		fallback: func(context.Context, TaskInput) (TaskResult, error) {
			return TaskResult{}, nil
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = cache.New(cache.WithLogger(e.logger), cache.WithMetrics(e.metrics))
	}
	if e.budget == nil {
		e.budget = NewBudgetEnforcer(NewTickCounter(0))
	}
	if e.tracer == nil {
		e.tracer = telemetry.NewTracer(nil)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	return e
}

// Cache returns the engine's execution context cache.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Bind binds logic to a task id after construction. Bindings made while
// instances run take effect at the next firing.
func (e *Engine) Bind(taskID string, fn TaskFunc, triggered bool) {
	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()
	e.tasks[taskID] = binding{fn: fn, triggered: triggered}
}

func (e *Engine) bindingFor(taskID string) binding {
	e.tasksMu.RLock()
	defer e.tasksMu.RUnlock()
	if b, ok := e.tasks[taskID]; ok {
		return b
	}
	return binding{fn: e.fallback}
}

// Load admits the specification extracted from triples under hash. A hash
// already admitted is a cache hit and nothing is re-extracted or
// re-validated.
func (e *Engine) Load(ctx context.Context, hash string, triples []message.Triple, root string) (*cache.Resolved, bool, error) {
	return e.cache.Admit(ctx, hash, func(context.Context) (*ir.Specification, error) {
		return compiler.Extract(triples, root)
	})
}

// LoadDocument admits a compiled source document and, when a store is
// configured, records its source for recovery.
func (e *Engine) LoadDocument(ctx context.Context, doc *compiler.Document) (*cache.Resolved, bool, error) {
	r, hit, err := e.Load(ctx, doc.Hash, doc.Triples, doc.Root)
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", doc.Path, err)
	}
	if e.store != nil && !hit {
		if err := e.store.SaveDocument(ctx, store.Document{
			Hash:   doc.Hash,
			Root:   doc.Root,
			Path:   doc.Path,
			Source: doc.Bytes,
		}); err != nil {
			return nil, false, fmt.Errorf("save document %s: %w", doc.Path, err)
		}
	}
	return r, hit, nil
}

// NewInstanceID returns a fresh id for an EventTypeStart event.
func (e *Engine) NewInstanceID() string {
	return e.ids.Generate()
}

// Start creates an instance of the specification admitted under specHash,
// places a token on its start condition and advances it as far as it goes
// without external signals. vars override the declared initial bindings.
//
// The id is returned even when the first batch fails the instance; the
// error is then the fault that failed it.
func (e *Engine) Start(ctx context.Context, specHash string, vars ir.Object) (string, error) {
	id := e.ids.Generate()
	return id, e.start(ctx, id, specHash, vars)
}

func (e *Engine) start(ctx context.Context, id, specHash string, vars ir.Object) error {
	r, ok := e.cache.Specification(specHash)
	if !ok {
		return specNotFound(specHash)
	}
	if _, exists := e.cache.Instance(id); exists {
		return fmt.Errorf("start %s: instance already exists", id)
	}

	inst := ir.NewInstance(id, r.Spec, vars)
	slot := cache.NewSlot(inst, r)
	slot.Lock()
	defer slot.Unlock()
	e.cache.Put(slot)

	x := e.newRun(slot)
	inst.State = ir.StateRunning
	x.emit(InstanceStarted, "", r.Spec.Root)
	e.metrics.Instance(ir.StateRunning.String())
	e.logger.Info("instance started",
		"instance_id", id,
		"root", r.Spec.Root,
		"spec_hash", specHash,
	)

	x.offer(ir.ConditionRef(r.Spec.Start))
	err := x.advance(ctx)
	return e.finishBatch(ctx, slot, err)
}

// SignalKind selects what a Signal does.
type SignalKind uint8

const (
	// SignalComplete completes a task left executing by a pending result.
	SignalComplete SignalKind = iota
	// SignalFire fires an enabled task whose join is satisfied. Used for
	// triggered tasks.
	SignalFire
)

func (k SignalKind) String() string {
	if k == SignalFire {
		return "fire"
	}
	return "complete"
}

// Signal is an external event for one task of one instance.
type Signal struct {
	InstanceID string
	TaskID     string
	Kind       SignalKind

	// Set and Branches complete the task as a TaskResult would.
	Set      ir.Object
	Branches []string

	// Failure, when non-empty, fails the task instead of completing it.
	Failure string
}

// Signal applies sig and advances the instance as far as it goes.
func (e *Engine) Signal(ctx context.Context, sig Signal) error {
	slot, err := e.lookup(ctx, sig.InstanceID)
	if err != nil {
		return err
	}
	slot.Lock()
	defer slot.Unlock()

	inst := slot.Instance
	if inst.State.Terminal() {
		return newError(ErrCodeInstanceTerminal, inst.ID, sig.TaskID, "instance is %s", inst.State)
	}
	spec := slot.Resolved.Spec
	t, ok := spec.TaskIndex(sig.TaskID)
	if !ok {
		return newError(ErrCodeTaskNotFound, inst.ID, sig.TaskID, "task not in specification %s", spec.Root)
	}

	x := e.newRun(slot)
	switch sig.Kind {
	case SignalComplete:
		if inst.TaskStates[t] != ir.TaskExecuting {
			return newError(ErrCodeInvalidSignal, inst.ID, sig.TaskID,
				"complete signal for %s task", inst.TaskStates[t])
		}
		if sig.Failure != "" {
			err = newError(ErrCodeTaskFailed, inst.ID, sig.TaskID, "%s", sig.Failure)
			break
		}
		err = x.complete(t, TaskResult{Set: sig.Set, Branches: sig.Branches})
	case SignalFire:
		consume, ready := x.ready(t)
		if !ready {
			return newError(ErrCodeInvalidSignal, inst.ID, sig.TaskID,
				"fire signal for %s task whose join is not satisfied", inst.TaskStates[t])
		}
		err = x.fire(ctx, t, consume)
	default:
		return newError(ErrCodeInvalidSignal, inst.ID, sig.TaskID, "unknown signal kind %d", sig.Kind)
	}
	if err == nil {
		err = x.advance(ctx)
	}
	return e.finishBatch(ctx, slot, err)
}

// Cancel cancels an instance: every token is removed and every enabled or
// executing task is cancelled. Cancelling twice, or cancelling a finished
// instance, is a no-op.
//
// The cancellation flag is raised before the instance lock is taken, so a
// transition in flight either finishes first or sees the flag and stops
// before emitting downstream tokens.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	slot, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !slot.MarkCancelled() {
		return nil
	}

	slot.Lock()
	defer slot.Unlock()

	inst := slot.Instance
	if inst.State.Terminal() {
		e.logger.Debug("cancel ignored", "instance_id", id, "state", inst.State.String())
		return nil
	}
	x := e.newRun(slot)
	x.cancelInstance()
	return e.finishBatch(ctx, slot, nil)
}

// Snapshot returns a copy of a live instance.
func (e *Engine) Snapshot(id string) (*ir.ProcessInstance, error) {
	slot, ok := e.cache.Instance(id)
	if !ok {
		return nil, caseNotFound(id)
	}
	slot.Lock()
	defer slot.Unlock()
	return slot.Instance.Clone(), nil
}

// Specification returns the specification a live instance runs against.
func (e *Engine) Specification(id string) (*ir.Specification, error) {
	slot, ok := e.cache.Instance(id)
	if !ok {
		return nil, caseNotFound(id)
	}
	return slot.Resolved.Spec, nil
}

// Restore reloads one persisted instance into the cache. Its specification
// must already be admitted.
func (e *Engine) Restore(ctx context.Context, id string) (*ir.ProcessInstance, error) {
	if e.store == nil {
		return nil, errors.New("restore requires a store")
	}
	rec, err := e.store.LoadInstance(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, caseNotFound(id)
		}
		return nil, fmt.Errorf("restore %s: %w", id, err)
	}
	return e.restore(rec)
}

func (e *Engine) restore(rec *ir.InstanceRecord) (*ir.ProcessInstance, error) {
	slot, err := e.restoreSlot(rec)
	if err != nil {
		return nil, err
	}
	return slot.Instance.Clone(), nil
}

func (e *Engine) restoreSlot(rec *ir.InstanceRecord) (*cache.Slot, error) {
	r, ok := e.cache.Specification(rec.SpecHash)
	if !ok {
		err := specNotFound(rec.SpecHash)
		err.InstanceID = rec.ID
		return nil, err
	}
	inst, err := ir.Restore(rec, r.Spec)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", rec.ID, err)
	}
	slot := cache.NewSlot(inst, r)
	if inst.State == ir.StateCancelled {
		slot.MarkCancelled()
	}
	e.cache.Put(slot)
	return slot, nil
}

// lookup returns the slot of instance id. An instance evicted from the cache
// is reloaded from the store when one is configured; concurrent misses on
// the same id share one reload.
func (e *Engine) lookup(ctx context.Context, id string) (*cache.Slot, error) {
	if slot, ok := e.cache.Instance(id); ok {
		return slot, nil
	}
	if e.store == nil {
		return nil, caseNotFound(id)
	}
	v, err, _ := e.restores.Do(id, func() (any, error) {
		if slot, ok := e.cache.Instance(id); ok {
			return slot, nil
		}
		rec, err := e.store.LoadInstance(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, caseNotFound(id)
			}
			return nil, fmt.Errorf("restore %s: %w", id, err)
		}
		slot, err := e.restoreSlot(rec)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("instance restored from store",
			"instance_id", id,
			"state", slot.Instance.State.String(),
			"seq", slot.Instance.Seq,
		)
		return slot, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cache.Slot), nil
}

// finishBatch records a fatal error against the instance, refreshes the
// cache entry and persists the record. Callers hold the slot lock.
func (e *Engine) finishBatch(ctx context.Context, slot *cache.Slot, err error) error {
	inst := slot.Instance
	if errors.Is(err, errAborted) {
		x := e.newRun(slot)
		x.cancelInstance()
		err = nil
	}
	if err != nil && !inst.State.Terminal() {
		x := e.newRun(slot)
		x.failInstance(err)
	}

	e.cache.Put(slot)
	if e.store != nil {
		rec := inst.Record(slot.Resolved.Spec)
		if serr := e.store.SaveInstance(ctx, rec); serr != nil {
			e.logger.Error("persist instance failed",
				"instance_id", inst.ID,
				"seq", inst.Seq,
				"error", serr,
			)
			if err == nil {
				err = fmt.Errorf("persist %s: %w", inst.ID, serr)
			}
		}
	}
	return err
}

// Enqueue submits an event for processing by the Run loop. Events are
// routed by instance id, so one instance's events are handled in order.
//
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(ev Event) bool {
	e.initQueues()
	ev.Seq = e.clock.Next()
	q := e.queues[cache.ShardOf(ev.InstanceID, len(e.queues))]
	return q.Enqueue(ev)
}

func (e *Engine) initQueues() {
	e.queueOnce.Do(func() {
		e.queues = make([]*eventQueue, e.workers)
		for i := range e.queues {
			e.queues[i] = newEventQueue(e.metrics)
		}
	})
}

// QueueLen returns the number of events not yet processed.
func (e *Engine) QueueLen() int {
	e.initQueues()
	n := 0
	for _, q := range e.queues {
		n += q.Len()
	}
	return n
}

// Run starts the workers and blocks until ctx is cancelled or Stop is
// called.
//
// A failed event is logged with its context and processing continues;
// the instance it belonged to carries the fault.
func (e *Engine) Run(ctx context.Context) error {
	e.initQueues()
	e.logger.Info("engine starting", "workers", len(e.queues))

	g, ctx := errgroup.WithContext(ctx)
	for i, q := range e.queues {
		g.Go(func() error {
			return e.work(ctx, i, q)
		})
	}
	return g.Wait()
}

func (e *Engine) work(ctx context.Context, worker int, q *eventQueue) error {
	for {
		if ev, ok := q.TryDequeue(); ok {
			err := e.processEvent(ctx, ev)
			if err != nil {
				e.logEventError(ev, err)
			}
			if ev.Done != nil {
				ev.Done <- err
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine worker stopping: context cancelled", "worker", worker)
			q.Close()
			return ctx.Err()

		case _, open := <-q.Wait():
			// The signal channel is closed by Close; drain what is left
			// before returning.
			if !open && q.Len() == 0 {
				e.logger.Info("engine worker stopping: queue closed", "worker", worker)
				return nil
			}
		}
	}
}

// Stop closes every queue; Run returns once workers drain them.
func (e *Engine) Stop() {
	e.initQueues()
	for _, q := range e.queues {
		q.Close()
	}
}

func (e *Engine) processEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventTypeStart:
		return e.start(ctx, ev.InstanceID, ev.SpecHash, ev.Variables)

	case EventTypeSignal:
		if ev.Signal == nil {
			return fmt.Errorf("signal event missing signal data")
		}
		sig := *ev.Signal
		sig.InstanceID = ev.InstanceID
		return e.Signal(ctx, sig)

	case EventTypeCancel:
		return e.Cancel(ctx, ev.InstanceID)

	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}
}

// logEventError logs an event processing failure with full context.
func (e *Engine) logEventError(ev Event, err error) {
	args := []any{
		"error", err,
		"event_type", ev.Type.String(),
		"instance_id", ev.InstanceID,
		"seq", ev.Seq,
	}
	switch ev.Type {
	case EventTypeStart:
		args = append(args, "spec_hash", ev.SpecHash)
	case EventTypeSignal:
		if ev.Signal != nil {
			args = append(args, "task_id", ev.Signal.TaskID, "signal", ev.Signal.Kind.String())
		}
	}
	e.logger.Error("event processing failed", args...)
}
