// Package harness runs workflow scenarios against the engine and checks the
// transitions they produce.
//
// A scenario loads one or more workflow documents, binds behaviour to
// tasks, drives a single instance through start, signal and cancel steps
// and finally asserts on the transition trace and the persisted instance
// record.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: approval_large_amount
//	description: "Large requests are escalated before archiving"
//	specs:
//	  - ../../compiler/testdata/approval.cue
//	or_join: eager            # optional, eager | synchronizing
//	resources:                # optional, served by an alloc.Pool
//	  - id: alice
//	    roles: [approver]
//	tasks:
//	  review:
//	    pending: true         # stays executing until signalled
//	    cycles: 3             # cycles the task spends against its budget
//	flow:
//	  - start: approval
//	    variables: { amount: 5000 }
//	    expect: { state: running }
//	  - signal: review
//	    set: { approved: true }
//	    expect: { state: completed }
//	assertions:
//	  - type: trace_contains
//	    kind: completed
//	    node: escalate
//	  - type: trace_order
//	    nodes: [review, escalate, archive]
//	  - type: trace_count
//	    kind: enabled
//	    node: review
//	    count: 1
//	  - type: final_state
//	    expect:
//	      state: completed
//	      tasks: { escalate: { state: completed } }
//
// # Assertion Types
//
//   - trace_contains: a transition of the given kind (and node, detail) occurred
//   - trace_order: the nodes reached the given kind in this order (default completed)
//   - trace_count: transitions of the kind (and node) occurred exactly N times
//   - final_state: subset match against the stored instance record
//
// # Deterministic Testing
//
// Every scenario runs on a fresh in-memory SQLite store with a fixed
// instance id and a fake cycle counter, so traces are identical across runs
// and can be compared against golden files in testdata/golden.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/approval.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
