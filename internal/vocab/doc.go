// Package vocab provides the predicates of the triple form of a workflow.
//
// A workflow document is flattened into triples before extraction:
//
//	approve                 workflow.meta.type     "workflow"
//	approve                 workflow.rel.has_task  "approve.task.review"
//	approve.task.review     workflow.meta.id       "review"
//	approve.task.review     workflow.task.join     "XOR"
//	approve.flow.f1         workflow.flow.from     "review"
//
// Predicates use three-level dotted notation and are registered with the
// semstreams vocabulary registry in init().
package vocab
