package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tokenflow/internal/ir"
)

// CycleCounter is sampled immediately before and after each task callback.
type CycleCounter interface {
	Cycles() uint64
}

// TickCounter counts elapsed monotonic time in ticks of a fixed duration.
type TickCounter struct {
	origin time.Time
	tick   time.Duration
}

// NewTickCounter creates a counter with the given tick. A tick of zero or
// less means one nanosecond.
func NewTickCounter(tick time.Duration) *TickCounter {
	if tick <= 0 {
		tick = time.Nanosecond
	}
	return &TickCounter{origin: time.Now(), tick: tick}
}

// Cycles returns the ticks elapsed since the counter was created.
func (c *TickCounter) Cycles() uint64 {
	return uint64(time.Since(c.origin) / c.tick)
}

// BudgetEnforcer measures task callbacks against their declared budgets.
type BudgetEnforcer struct {
	counter CycleCounter
}

// NewBudgetEnforcer creates an enforcer sampling counter.
func NewBudgetEnforcer(counter CycleCounter) *BudgetEnforcer {
	return &BudgetEnforcer{counter: counter}
}

// Measure runs fn and returns the cycles it took. When the task declares a
// budget and fn took more, the overrun is returned as well; the caller
// decides whether it is fatal.
func (b *BudgetEnforcer) Measure(task *ir.Task, fn func()) (uint64, *BudgetExceededError) {
	before := b.counter.Cycles()
	fn()
	after := b.counter.Cycles()

	var actual uint64
	if after > before {
		actual = after - before
	}
	if task.Budget == nil || actual <= *task.Budget {
		return actual, nil
	}
	return actual, &BudgetExceededError{
		TaskID:  task.ID,
		Budget:  *task.Budget,
		Actual:  actual,
		HotPath: task.HotPath,
	}
}

// BudgetExceededError reports a task that ran longer than its budget.
// Fatal when HotPath is set; otherwise recorded and the instance continues.
type BudgetExceededError struct {
	TaskID  string
	Budget  uint64
	Actual  uint64
	HotPath bool
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	tier := "task"
	if e.HotPath {
		tier = "hot-path task"
	}
	return fmt.Sprintf("%s %s exceeded cycle budget: %d > %d", tier, e.TaskID, e.Actual, e.Budget)
}

// IsBudgetError returns true if the error is a BudgetExceededError.
func IsBudgetError(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}
