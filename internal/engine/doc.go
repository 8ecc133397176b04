// Package engine implements the tokenflow pattern executor.
//
// The engine advances process instances through admitted specifications.
// Every operation on an instance (Start, Signal, Cancel) runs one batch of
// transitions while holding that instance's slot lock; nothing else in the
// engine is shared between instances.
//
// ARCHITECTURE:
//
// Token Game:
// A token is a count on an edge. A token reaching a condition is offered on
// each of the condition's outgoing edges; the first task to consume an offer
// withdraws the others (deferred choice). A token reaching the end
// condition completes the instance and withdraws whatever is left.
//
// Batch Processing Flow:
//  1. Find the lowest-index enabled task whose join is satisfied
//  2. Allocate a resource if the task declares a policy (retried with backoff)
//  3. Consume the join's tokens; the task becomes executing
//  4. Run the task logic inside a span scope and the budget enforcer
//  5. Merge bindings, evaluate the split, apply the cancellation region
//  6. Emit downstream tokens and repeat until nothing is ready
//
// A pending task stays executing until a SignalComplete; a triggered task
// stays enabled until a SignalFire. Neither holds a goroutine while waiting.
//
// Joins:
//   - AND fires once every incoming edge holds a token.
//   - XOR fires per token, consuming the first arrived edge.
//   - OR fires on any arrived edge (OrJoinEager), or once no empty incoming
//     edge can still be reached by a live token (OrJoinSynchronizing).
//
// Failure:
// NoMatchingBranch, GuardFailed, ResourceUnavailable, TaskFailed,
// StepsExceeded and a hot-path BudgetExceeded move the instance to failed
// and record a Fault. Tokens are left in place for inspection.
//
// Event Loop:
// Run starts one worker per queue. Enqueue routes an event by a hash of
// its instance id, so one instance's events are processed in order while
// unrelated instances proceed in parallel.
package engine
