// Package ir provides the in-memory model of a workflow net and of the
// process instances that run it.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Tasks, conditions and edges live in flat arenas; relations are int32
//     indices, never pointers, so the graph has no ownership cycles
//   - A Specification is immutable after Freeze and shared by every instance
//   - NO float types in bindings; use int64 for numbers
//   - All JSON tags use snake_case
//   - Logical step counters (seq) only, never wall-clock timestamps
package ir
