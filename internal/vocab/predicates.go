package vocab

import "github.com/c360studio/semstreams/vocabulary"

// Entity type predicate.
const (
	// Type identifies the entity kind.
	// Values: "workflow", "task", "condition", "flow", "variable"
	Type = "workflow.meta.type"

	// ID is the local identifier of a workflow element, unique within its
	// workflow. Flows and cancellation sets refer to elements by this id.
	ID = "workflow.meta.id"

	// Name is the display name of any workflow element.
	Name = "workflow.meta.name"
)

// Entity types.
const (
	TypeWorkflow  = "workflow"
	TypeTask      = "task"
	TypeCondition = "condition"
	TypeFlow      = "flow"
	TypeVariable  = "variable"
)

// Relationship predicates linking a workflow root to its elements.
// Domain: workflow entity, Range: element entity
const (
	HasTask      = "workflow.rel.has_task"
	HasCondition = "workflow.rel.has_condition"
	HasFlow      = "workflow.rel.has_flow"
	HasVariable  = "workflow.rel.has_variable"
)

// Task predicates.
const (
	// TaskJoin and TaskSplit take "AND", "XOR" or "OR".
	TaskJoin  = "workflow.task.join"
	TaskSplit = "workflow.task.split"

	// TaskBudget is the cycle budget, a non-negative integer.
	TaskBudget = "workflow.task.budget"

	// TaskHotPath marks a task whose budget overrun is fatal.
	TaskHotPath = "workflow.task.hot_path"

	// TaskSpan is an opaque telemetry span template.
	TaskSpan = "workflow.task.span"

	// TaskCancels names an element removed when the task completes.
	// Repeated once per element.
	TaskCancels = "workflow.task.cancels"

	// TaskRole and TaskCapability form the allocation policy.
	// Repeated once per role/capability.
	TaskRole       = "workflow.task.role"
	TaskCapability = "workflow.task.capability"
)

// Flow predicates.
const (
	FlowFrom    = "workflow.flow.from"
	FlowTo      = "workflow.flow.to"
	FlowGuard   = "workflow.flow.guard"
	FlowDefault = "workflow.flow.default"
	FlowOrder   = "workflow.flow.order"
)

// Variable predicates.
const (
	// VariableInitial is the initial binding: string, integer or boolean.
	VariableInitial = "workflow.variable.initial"
)

// Condition predicates. A workflow has exactly one condition of each.
const (
	ConditionStart = "workflow.condition.start"
	ConditionEnd   = "workflow.condition.end"
)

func init() {
	register(Type, "Workflow entity kind: workflow, task, condition, flow, variable", "string", "type")
	register(ID, "Local identifier of a workflow element", "string", "id")
	register(Name, "Display name of a workflow element", "string", "name")

	register(HasTask, "Links a workflow to one of its tasks", "entity", "hasTask")
	register(HasCondition, "Links a workflow to one of its conditions", "entity", "hasCondition")
	register(HasFlow, "Links a workflow to one of its control-flow edges", "entity", "hasFlow")
	register(HasVariable, "Links a workflow to one of its variables", "entity", "hasVariable")

	register(TaskJoin, "Join kind: AND, XOR or OR", "string", "joinKind")
	register(TaskSplit, "Split kind: AND, XOR or OR", "string", "splitKind")
	register(TaskBudget, "Per-task cycle budget", "int", "cycleBudget")
	register(TaskHotPath, "Budget overrun is fatal for this task", "bool", "hotPath")
	register(TaskSpan, "Telemetry span template", "string", "spanTemplate")
	register(TaskCancels, "Element removed when the task completes", "string", "cancels")
	register(TaskRole, "Role a resource must hold", "string", "requiredRole")
	register(TaskCapability, "Capability a resource must offer", "string", "requiredCapability")

	register(FlowFrom, "Local id of the flow source", "string", "from")
	register(FlowTo, "Local id of the flow target", "string", "to")
	register(FlowGuard, "Guard predicate expression", "string", "guard")
	register(FlowDefault, "Flow taken when no guard matches", "bool", "isDefault")
	register(FlowOrder, "Evaluation order among sibling flows", "int", "order")

	register(VariableInitial, "Initial variable binding", "any", "initialValue")

	register(ConditionStart, "Marks the start condition", "bool", "isStart")
	register(ConditionEnd, "Marks the end condition", "bool", "isEnd")
}

func register(predicate, description, dataType, iri string) {
	vocabulary.Register(predicate,
		vocabulary.WithDescription(description),
		vocabulary.WithDataType(dataType),
		vocabulary.WithIRI(Namespace+iri))
}
