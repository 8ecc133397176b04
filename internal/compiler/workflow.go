package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/c360studio/semstreams/message"

	"github.com/roach88/tokenflow/internal/vocab"
)

// tripleSource tags every triple produced by the CUE front end.
const tripleSource = "tokenflow.compile"

// CompileWorkflow flattens a CUE workflow value into triples and returns them
// together with the workflow root identifier.
//
// The CUE value should be the workflow struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`workflow: approve: { ... }`)
//	triples, root, err := CompileWorkflow(v.LookupPath(cue.ParsePath("workflow.approve")))
//
// Only the document shape is checked here. Structural rules (join kinds,
// dangling flows, start/end) are left to Extract so that triples from any
// producer are held to the same rules.
func CompileWorkflow(v cue.Value) ([]message.Triple, string, error) {
	if err := v.Err(); err != nil {
		return nil, "", formatCUEError(err)
	}

	labels := v.Path().Selectors()
	if len(labels) == 0 {
		return nil, "", &CompileError{Field: "workflow", Message: "workflow must be a labelled struct", Pos: v.Pos()}
	}
	root := labels[len(labels)-1].String()

	b := &tripleBuilder{root: root}
	b.add(root, vocab.Type, vocab.TypeWorkflow)

	if name, ok, err := optionalString(v, "name"); err != nil {
		return nil, "", err
	} else if ok {
		b.add(root, vocab.Name, name)
	}

	start, err := requiredString(v, "start")
	if err != nil {
		return nil, "", err
	}
	end, err := requiredString(v, "end")
	if err != nil {
		return nil, "", err
	}

	if err := b.conditions(v, start, end); err != nil {
		return nil, "", err
	}
	if err := b.tasks(v); err != nil {
		return nil, "", err
	}
	if err := b.flows(v); err != nil {
		return nil, "", err
	}
	if err := b.variables(v); err != nil {
		return nil, "", err
	}

	return b.triples, root, nil
}

type tripleBuilder struct {
	root    string
	triples []message.Triple
}

func (b *tripleBuilder) add(subject, predicate string, object any) {
	b.triples = append(b.triples, message.Triple{
		Subject:    subject,
		Predicate:  predicate,
		Object:     object,
		Source:     tripleSource,
		Confidence: 1.0,
	})
}

// element emits the type, id and membership triples of a workflow element.
func (b *tripleBuilder) element(kind, rel, id string) string {
	subject := vocab.EntityID(b.root, kind, id)
	b.add(b.root, rel, subject)
	b.add(subject, vocab.Type, kind)
	b.add(subject, vocab.ID, id)
	return subject
}

// conditions emits the declared conditions. Start and end are emitted even
// when the conditions block omits them.
func (b *tripleBuilder) conditions(v cue.Value, start, end string) error {
	seen := make(map[string]bool)
	emit := func(id string, body cue.Value) error {
		subject := b.element(vocab.TypeCondition, vocab.HasCondition, id)
		if body.Exists() {
			name, ok, err := optionalString(body, "name")
			if err != nil {
				return err
			}
			if ok {
				b.add(subject, vocab.Name, name)
			}
		}
		if id == start {
			b.add(subject, vocab.ConditionStart, true)
		}
		if id == end {
			b.add(subject, vocab.ConditionEnd, true)
		}
		seen[id] = true
		return nil
	}

	condVal := v.LookupPath(cue.ParsePath("conditions"))
	if condVal.Exists() {
		iter, err := condVal.Fields()
		if err != nil {
			return formatCUEError(err)
		}
		for iter.Next() {
			if err := emit(iter.Label(), iter.Value()); err != nil {
				return err
			}
		}
	}

	for _, id := range []string{start, end} {
		if !seen[id] {
			if err := emit(id, cue.Value{}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *tripleBuilder) tasks(v cue.Value) error {
	tasksVal := v.LookupPath(cue.ParsePath("tasks"))
	if !tasksVal.Exists() {
		return &CompileError{Field: "tasks", Message: "at least one task is required", Pos: v.Pos()}
	}
	iter, err := tasksVal.Fields()
	if err != nil {
		return formatCUEError(err)
	}

	for iter.Next() {
		id := iter.Label()
		body := iter.Value()
		subject := b.element(vocab.TypeTask, vocab.HasTask, id)

		for _, f := range []struct{ field, predicate string }{
			{"name", vocab.Name},
			{"join", vocab.TaskJoin},
			{"split", vocab.TaskSplit},
			{"span", vocab.TaskSpan},
		} {
			s, ok, err := optionalString(body, f.field)
			if err != nil {
				return err
			}
			if ok {
				b.add(subject, f.predicate, s)
			}
		}

		budgetVal := body.LookupPath(cue.ParsePath("budget"))
		if budgetVal.Exists() {
			n, err := budgetVal.Int64()
			if err != nil {
				return formatCUEError(err)
			}
			b.add(subject, vocab.TaskBudget, n)
		}

		hotVal := body.LookupPath(cue.ParsePath("hot_path"))
		if hotVal.Exists() {
			hot, err := hotVal.Bool()
			if err != nil {
				return formatCUEError(err)
			}
			b.add(subject, vocab.TaskHotPath, hot)
		}

		cancels, err := stringList(body, "cancels")
		if err != nil {
			return err
		}
		for _, c := range cancels {
			b.add(subject, vocab.TaskCancels, c)
		}

		roles, err := stringList(body, "allocation.roles")
		if err != nil {
			return err
		}
		for _, r := range roles {
			b.add(subject, vocab.TaskRole, r)
		}
		caps, err := stringList(body, "allocation.capabilities")
		if err != nil {
			return err
		}
		for _, c := range caps {
			b.add(subject, vocab.TaskCapability, c)
		}
	}
	return nil
}

func (b *tripleBuilder) flows(v cue.Value) error {
	flowsVal := v.LookupPath(cue.ParsePath("flows"))
	if !flowsVal.Exists() {
		return nil
	}
	iter, err := flowsVal.List()
	if err != nil {
		return formatCUEError(err)
	}

	for i := 0; iter.Next(); i++ {
		body := iter.Value()

		id, ok, err := optionalString(body, "id")
		if err != nil {
			return err
		}
		if !ok {
			id = fmt.Sprintf("f%d", i+1)
		}
		subject := b.element(vocab.TypeFlow, vocab.HasFlow, id)

		from, err := requiredString(body, "from")
		if err != nil {
			return err
		}
		to, err := requiredString(body, "to")
		if err != nil {
			return err
		}
		b.add(subject, vocab.FlowFrom, from)
		b.add(subject, vocab.FlowTo, to)

		if guard, ok, err := optionalString(body, "guard"); err != nil {
			return err
		} else if ok {
			b.add(subject, vocab.FlowGuard, guard)
		}

		defVal := body.LookupPath(cue.ParsePath("default"))
		if defVal.Exists() {
			def, err := defVal.Bool()
			if err != nil {
				return formatCUEError(err)
			}
			b.add(subject, vocab.FlowDefault, def)
		}

		orderVal := body.LookupPath(cue.ParsePath("order"))
		if orderVal.Exists() {
			n, err := orderVal.Int64()
			if err != nil {
				return formatCUEError(err)
			}
			b.add(subject, vocab.FlowOrder, n)
		}
	}
	return nil
}

func (b *tripleBuilder) variables(v cue.Value) error {
	varsVal := v.LookupPath(cue.ParsePath("variables"))
	if !varsVal.Exists() {
		return nil
	}
	iter, err := varsVal.Fields()
	if err != nil {
		return formatCUEError(err)
	}

	for iter.Next() {
		name := iter.Label()
		val := iter.Value()
		subject := b.element(vocab.TypeVariable, vocab.HasVariable, name)

		var initial any
		switch val.IncompleteKind() {
		case cue.StringKind:
			initial, err = val.String()
		case cue.IntKind:
			initial, err = val.Int64()
		case cue.BoolKind:
			initial, err = val.Bool()
		case cue.FloatKind, cue.NumberKind:
			return &CompileError{
				Field:   "variables." + name,
				Message: "float values are forbidden - use int instead",
				Pos:     val.Pos(),
			}
		default:
			return &CompileError{
				Field:   "variables." + name,
				Message: fmt.Sprintf("unsupported variable kind: %v", val.IncompleteKind()),
				Pos:     val.Pos(),
			}
		}
		if err != nil {
			return formatCUEError(err)
		}
		b.add(subject, vocab.VariableInitial, initial)
	}
	return nil
}

func requiredString(v cue.Value, field string) (string, error) {
	s, ok, err := optionalString(v, field)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", false, nil
	}
	s, err := fv.String()
	if err != nil {
		return "", false, formatCUEError(err)
	}
	return s, true, nil
}

func stringList(v cue.Value, path string) ([]string, error) {
	lv := v.LookupPath(cue.ParsePath(path))
	if !lv.Exists() {
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
