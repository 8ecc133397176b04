package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tokenflow/internal/ir"
)

// TraceSnapshot captures the observable outcome of a scenario execution.
// It is serialized as canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string
	InstanceID   string
	State        string
	Trace        []TraceEvent
}

// NewTraceSnapshot builds the snapshot of a result.
func NewTraceSnapshot(name string, result *Result) TraceSnapshot {
	s := TraceSnapshot{
		ScenarioName: name,
		InstanceID:   result.InstanceID,
		Trace:        result.Trace,
	}
	if result.Final != nil {
		s.State = result.Final.State
	}
	return s
}

// MarshalCanonical renders the snapshot with one trace line per transition,
// which keeps golden diffs readable.
func (s TraceSnapshot) MarshalCanonical() ([]byte, error) {
	lines := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		lines[i] = ev.String()
	}
	obj := map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         lines,
	}
	if s.InstanceID != "" {
		obj["instance_id"] = s.InstanceID
	}
	if s.State != "" {
		obj["state"] = s.State
	}
	return ir.MarshalCanonical(obj)
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns an error if the scenario cannot be executed. A trace mismatch
// fails t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against the golden file of
// scenarioName without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewTraceSnapshot(scenarioName, result).MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
