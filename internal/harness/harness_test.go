package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenflow/internal/alloc"
)

const approvalSpec = "../compiler/testdata/approval.cue"

func approvalScenario(flow ...FlowStep) *Scenario {
	return &Scenario{
		Name:        "approval",
		Description: "approval scenario",
		Specs:       []string{approvalSpec},
		Flow:        flow,
		Assertions:  []Assertion{{Type: AssertTraceContains, Kind: "instance_started"}},
	}
}

func TestRun_SmallAmountSkipsEscalation(t *testing.T) {
	s := approvalScenario(FlowStep{
		Start:     "approval",
		Variables: map[string]any{"amount": 200},
		Expect:    &ExpectClause{State: "completed", Tasks: map[string]string{"escalate": "disabled"}},
	})

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, DefaultInstanceID, result.InstanceID)
	assert.Equal(t, []string{
		"1 instance_started approval",
		"2 enabled review",
		"3 executing review",
		"4 completed review small",
		"5 enabled archive",
		"6 executing archive",
		"7 completed archive f5",
		"8 instance_completed withdrawn=0",
	}, result.Lines())

	require.NotNil(t, result.Final)
	assert.Equal(t, "completed", result.Final.State)
	assert.Equal(t, int64(8), result.Final.Seq)
}

func TestRun_InstanceID(t *testing.T) {
	s := approvalScenario(FlowStep{Start: "approval"})
	s.InstanceID = "req-42"

	result, err := Run(s)
	require.NoError(t, err)
	assert.Equal(t, "req-42", result.InstanceID)
	assert.Equal(t, "req-42", result.Final.ID)
}

func TestRun_TaskFailure(t *testing.T) {
	s := approvalScenario(FlowStep{
		Start:  "approval",
		Expect: &ExpectClause{Error: "TASK_FAILED", State: "failed"},
	})
	s.Tasks = map[string]TaskBinding{"review": {Fail: "reviewer unavailable"}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.NotNil(t, result.Final.Fault)
	assert.Equal(t, "TASK_FAILED", result.Final.Fault.Code)
	assert.Contains(t, result.Final.Fault.Message, "reviewer unavailable")
}

func TestRun_SignalFailure(t *testing.T) {
	s := approvalScenario(
		FlowStep{Start: "approval"},
		FlowStep{
			Signal:  "review",
			Failure: "rejected by auditor",
			Expect:  &ExpectClause{Error: "TASK_FAILED", State: "failed"},
		},
	)
	s.Tasks = map[string]TaskBinding{"review": {Pending: true}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "review", result.Final.Fault.Task)
}

func TestRun_PinnedBranchOverridesGuard(t *testing.T) {
	s := approvalScenario(FlowStep{
		Start:     "approval",
		Variables: map[string]any{"amount": 200},
		Expect:    &ExpectClause{Tasks: map[string]string{"escalate": "completed"}},
	})
	s.Tasks = map[string]TaskBinding{"review": {Branches: []string{"escalate"}}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.Lines(), "4 completed review big")
}

func TestRun_UnavailableResourceFailsInstance(t *testing.T) {
	s := approvalScenario(FlowStep{
		Start:  "approval",
		Expect: &ExpectClause{Error: "RESOURCE_UNAVAILABLE", State: "failed"},
	})
	s.Resources = []alloc.Resource{{ID: "bob", Roles: []string{"manager"}}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{
		"1 instance_started approval",
		"2 enabled review",
		"3 instance_failed review RESOURCE_UNAVAILABLE",
	}, result.Lines())
}

func TestRun_ExpectationMismatchFails(t *testing.T) {
	s := approvalScenario(FlowStep{
		Start:  "approval",
		Expect: &ExpectClause{State: "running", Tasks: map[string]string{"review": "executing", "nosuch": "enabled"}},
	})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "expected state running, got completed")
	assert.Contains(t, result.Errors[1], "task nosuch is not in approval")
	assert.Contains(t, result.Errors[2], "expected task review executing, got completed")
}

func TestRun_UnexpectedError(t *testing.T) {
	s := approvalScenario(
		FlowStep{Start: "approval"},
		FlowStep{Signal: "review"},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "flow[1] signal review: unexpected error")
	assert.Contains(t, result.Errors[0], "INSTANCE_TERMINAL")
}

func TestRun_ExpectedErrorMissing(t *testing.T) {
	s := approvalScenario(FlowStep{
		Start:  "approval",
		Expect: &ExpectClause{Error: "TASK_FAILED"},
	})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], `expected error TASK_FAILED, got ""`)
}

func TestRun_UnknownWorkflow(t *testing.T) {
	_, err := Run(approvalScenario(FlowStep{Start: "payroll"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `workflow "payroll" is not in the scenario specs`)
}

func TestRun_InvalidSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.cue")
	require.NoError(t, os.WriteFile(path, []byte("workflow: {"), 0644))

	s := approvalScenario(FlowStep{Start: "approval"})
	s.Specs = []string{path}
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load specs")
}

func TestRun_FloatBindingIsRejected(t *testing.T) {
	s := approvalScenario(FlowStep{Start: "approval", Variables: map[string]any{"amount": 1.5}})
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are not allowed")
}

func TestRun_IsDeterministic(t *testing.T) {
	s := approvalScenario(FlowStep{Start: "approval", Variables: map[string]any{"amount": 5000}})

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)
	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.Final, second.Final)
}
