package harness

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/tokenflow/internal/engine"
	"github.com/roach88/tokenflow/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}
	return buf.String()
}

func (a Assertion) matches(ev TraceEvent) bool {
	return ev.Kind == a.Kind && ev.Node == a.Node && (a.Detail == "" || ev.Detail == a.Detail)
}

// assertTraceContains checks that a transition of the given kind, node and
// (when set) detail occurred.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if assertion.matches(event) {
			return nil
		}
	}

	want := assertion.Kind
	if assertion.Node != "" {
		want += " " + assertion.Node
	}
	if assertion.Detail != "" {
		want += " " + assertion.Detail
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("transition %q", want),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the nodes first reached the assertion's kind
// (default completed) in the given order. Intervening transitions are
// allowed.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	kind := assertion.Kind
	if kind == "" {
		kind = string(engine.TaskCompleted)
	}

	positions := make(map[string]int)
	for i, event := range trace {
		if event.Kind != kind || !slices.Contains(assertion.Nodes, event.Node) {
			continue
		}
		if positions[event.Node] == 0 {
			positions[event.Node] = i + 1 // 1-indexed so zero means absent
		}
	}

	for _, node := range assertion.Nodes {
		if positions[node] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all nodes %s: %v", kind, assertion.Nodes),
				Actual:   fmt.Sprintf("%s never %s", node, kind),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Nodes); i++ {
		prev := assertion.Nodes[i-1]
		curr := assertion.Nodes[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("nodes %s in order: %v", kind, assertion.Nodes),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that transitions of the kind (on the node, when
// set) occurred exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Kind == assertion.Kind && (assertion.Node == "" || event.Node == assertion.Node) {
			count++
		}
	}

	if count != assertion.Count {
		target := assertion.Kind
		if assertion.Node != "" {
			target += " " + assertion.Node
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, target),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState matches the expectation as a subset of the final record
// in its canonical JSON form, so keys follow the persisted layout: state,
// seq, withdrawn, variables, tokens, tasks.<id>.state, fault.code and so on.
func assertFinalState(result *Result, assertion Assertion) error {
	if result.Final == nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: "a persisted instance record",
			Actual:   "no record",
		}
	}

	actual, err := canonicalTree(result.Final)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}
	expected, err := jsonTree(assertion.Expect)
	if err != nil {
		return fmt.Errorf("final_state: expect: %w", err)
	}

	if path, ok := subsetMatch(expected, actual, ""); !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s = %v", path, lookup(expected, path)),
			Actual:   fmt.Sprintf("%s = %v", path, lookup(actual, path)),
		}
	}
	return nil
}

// canonicalTree decodes the canonical JSON of the record into plain Go
// values.
func canonicalTree(rec *ir.InstanceRecord) (any, error) {
	data, err := rec.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// jsonTree normalizes YAML-decoded values to what encoding/json produces.
func jsonTree(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// subsetMatch reports whether every key of expected is present in actual
// with an equal value, recursing into objects. On mismatch it returns the
// dotted path of the first difference, in sorted key order.
func subsetMatch(expected, actual any, path string) (string, bool) {
	expMap, ok := expected.(map[string]any)
	if !ok {
		return path, reflect.DeepEqual(expected, actual)
	}
	actMap, ok := actual.(map[string]any)
	if !ok {
		return path, false
	}
	for _, key := range sortedKeys(expMap) {
		child := key
		if path != "" {
			child = path + "." + key
		}
		actVal, exists := actMap[key]
		if !exists {
			return child, false
		}
		if p, ok := subsetMatch(expMap[key], actVal, child); !ok {
			return p, false
		}
	}
	return path, true
}

func lookup(tree any, path string) any {
	if path == "" {
		return tree
	}
	for _, key := range strings.Split(path, ".") {
		m, ok := tree.(map[string]any)
		if !ok {
			return nil
		}
		tree = m[key]
	}
	return tree
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
