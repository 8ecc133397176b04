package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tokenflow/internal/alloc"
	"github.com/roach88/tokenflow/internal/engine"
)

// DefaultInstanceID is the id given to the scenario's instance when the
// scenario does not name one.
const DefaultInstanceID = "scenario-1"

// Scenario drives one instance through a workflow and asserts on the
// resulting trace and final record.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs lists workflow documents to admit, relative to the scenario file.
	Specs []string `yaml:"specs"`

	// OrJoin selects the OR-join semantics. Default eager.
	OrJoin string `yaml:"or_join,omitempty"`

	// MaxSteps bounds task firings per batch. Zero keeps the engine default.
	MaxSteps int `yaml:"max_steps,omitempty"`

	// InstanceID fixes the instance id. Default DefaultInstanceID.
	InstanceID string `yaml:"instance_id,omitempty"`

	// Resources, when present, are served to tasks with an allocation
	// policy by a pool that does not retry.
	Resources []alloc.Resource `yaml:"resources,omitempty"`

	// Tasks binds behaviour to task ids. Unbound tasks complete at once.
	Tasks map[string]TaskBinding `yaml:"tasks,omitempty"`

	// Flow contains the steps applied to the instance, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and record.
	Assertions []Assertion `yaml:"assertions"`
}

// TaskBinding is the scripted behaviour of one task.
type TaskBinding struct {
	// Triggered tasks wait for a fire step once enabled.
	Triggered bool `yaml:"triggered,omitempty"`

	// Pending leaves the task executing until a signal step completes it.
	Pending bool `yaml:"pending,omitempty"`

	// Set is merged into the bindings when the task completes.
	Set map[string]any `yaml:"set,omitempty"`

	// Branches pins the outgoing edges of an XOR or OR split.
	Branches []string `yaml:"branches,omitempty"`

	// Fail makes the task logic return an error with this message.
	Fail string `yaml:"fail,omitempty"`

	// Cycles is charged to the task's budget each time it runs.
	Cycles uint64 `yaml:"cycles,omitempty"`
}

// FlowStep is one action on the instance. Exactly one of Start, Signal,
// Fire and Cancel is set.
type FlowStep struct {
	// Start names the workflow root to instantiate.
	Start string `yaml:"start,omitempty"`

	// Variables override the declared initial bindings (start only).
	Variables map[string]any `yaml:"variables,omitempty"`

	// Signal completes the named pending task.
	Signal string `yaml:"signal,omitempty"`

	// Fire fires the named triggered task.
	Fire string `yaml:"fire,omitempty"`

	// Cancel cancels the instance.
	Cancel bool `yaml:"cancel,omitempty"`

	// Set, Branches and Failure are carried by signal steps.
	Set      map[string]any `yaml:"set,omitempty"`
	Branches []string       `yaml:"branches,omitempty"`
	Failure  string         `yaml:"failure,omitempty"`

	// Expect checks the step's outcome. If nil the step must not error.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Action returns a short description of the step for messages.
func (s FlowStep) Action() string {
	switch {
	case s.Start != "":
		return "start " + s.Start
	case s.Signal != "":
		return "signal " + s.Signal
	case s.Fire != "":
		return "fire " + s.Fire
	case s.Cancel:
		return "cancel"
	}
	return "unknown"
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// State is the expected instance state after the step.
	State string `yaml:"state,omitempty"`

	// Error is the expected error code, e.g. TASK_FAILED. Empty means the
	// step must succeed.
	Error string `yaml:"error,omitempty"`

	// Tasks maps task ids to their expected state after the step.
	Tasks map[string]string `yaml:"tasks,omitempty"`
}

// Assertion validates the trace or the final record.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type"`

	// Kind is the transition kind (trace_contains, trace_count, trace_order).
	Kind string `yaml:"kind,omitempty"`

	// Node is the task id of the transition. Empty matches instance
	// transitions for trace_contains and any node for trace_count.
	Node string `yaml:"node,omitempty"`

	// Detail, when set, must equal the transition detail (trace_contains).
	Detail string `yaml:"detail,omitempty"`

	// Nodes is the expected order (trace_order).
	Nodes []string `yaml:"nodes,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Expect is matched as a subset of the final record (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Spec paths are
// resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving spec paths relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, specPath := range scenario.Specs {
		if !filepath.IsAbs(specPath) && basePath != "" {
			scenario.Specs[i] = filepath.Join(basePath, specPath)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Specs) == 0 {
		return fmt.Errorf("specs list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.OrJoin != "" {
		if _, err := engine.ParseOrJoinMode(s.OrJoin); err != nil {
			return err
		}
	}
	if s.MaxSteps < 0 {
		return fmt.Errorf("max_steps must not be negative")
	}

	for _, specPath := range s.Specs {
		if _, err := os.Stat(specPath); os.IsNotExist(err) {
			return fmt.Errorf("spec file not found: %s", specPath)
		}
	}

	for id, b := range s.Tasks {
		if b.Triggered && b.Pending {
			return fmt.Errorf("tasks.%s: triggered and pending are exclusive", id)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	if s.Flow[0].Start == "" {
		return fmt.Errorf("flow[0]: first step must start the instance")
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *FlowStep) error {
	n := 0
	for _, set := range []bool{step.Start != "", step.Signal != "", step.Fire != "", step.Cancel} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("flow[%d]: exactly one of start, signal, fire, cancel is required", index)
	}
	if index > 0 && step.Start != "" {
		return fmt.Errorf("flow[%d]: a scenario starts one instance", index)
	}
	if step.Variables != nil && step.Start == "" {
		return fmt.Errorf("flow[%d]: variables only apply to start", index)
	}
	if step.Signal == "" && (step.Set != nil || step.Branches != nil || step.Failure != "") {
		return fmt.Errorf("flow[%d]: set, branches and failure only apply to signal", index)
	}
	if step.Expect != nil && step.Expect.State == "" && step.Expect.Error == "" && len(step.Expect.Tasks) == 0 {
		return fmt.Errorf("flow[%d].expect: state, error or tasks is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Nodes) == 0 {
			return fmt.Errorf("assertions[%d]: nodes list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
