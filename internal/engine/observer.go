package engine

import "fmt"

// TransitionKind names a state change of an instance or one of its tasks.
type TransitionKind string

const (
	InstanceStarted   TransitionKind = "instance_started"
	InstanceCompleted TransitionKind = "instance_completed"
	InstanceFailed    TransitionKind = "instance_failed"
	InstanceCancelled TransitionKind = "instance_cancelled"

	TaskEnabled    TransitionKind = "enabled"
	TaskWithdrawn  TransitionKind = "withdrawn" // last offer taken by a sibling
	TaskExecuting  TransitionKind = "executing"
	TaskPending    TransitionKind = "pending"
	TaskCompleted  TransitionKind = "completed"
	TaskCancelled  TransitionKind = "cancelled"
	TaskOverBudget TransitionKind = "budget_exceeded"
)

// Transition is one observed state change. Seq is the instance's logical
// step after the change, so transitions of one instance are totally ordered.
type Transition struct {
	Seq        int64
	InstanceID string
	Kind       TransitionKind
	Node       string // task id; empty for instance transitions
	Detail     string
}

func (t Transition) String() string {
	s := fmt.Sprintf("%d %s", t.Seq, t.Kind)
	if t.Node != "" {
		s += " " + t.Node
	}
	if t.Detail != "" {
		s += " " + t.Detail
	}
	return s
}

// Observer receives every transition. It is called while the instance lock
// is held and must not call back into the engine.
type Observer func(Transition)
