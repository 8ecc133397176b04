// Package guard compiles and evaluates edge guard predicates.
//
// Guards are HCL expressions evaluated against the instance bindings, which
// are exposed as top-level variables:
//
//	amount > 100
//	region == "eu" && !approved
//	contains(tags, "urgent")
//
// Every guard of a specification is parsed once when the specification is
// admitted; the executor only evaluates.
package guard

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/roach88/tokenflow/internal/ir"
)

// functions available to every guard.
var functions = map[string]function.Function{
	"contains": stdlib.ContainsFunc,
	"length":   stdlib.LengthFunc,
	"lower":    stdlib.LowerFunc,
	"upper":    stdlib.UpperFunc,
	"max":      stdlib.MaxFunc,
	"min":      stdlib.MinFunc,
}

// Error reports a guard that failed to parse or evaluate.
type Error struct {
	Edge  string // edge id, empty for a standalone Compile
	Guard string
	Err   error
}

func (e *Error) Error() string {
	if e.Edge != "" {
		return fmt.Sprintf("guard %q on edge %s: %v", e.Guard, e.Edge, e.Err)
	}
	return fmt.Sprintf("guard %q: %v", e.Guard, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Predicate is a parsed guard expression.
type Predicate struct {
	source string
	expr   hcl.Expression
	vars   []string
}

// Compile parses a guard expression.
func Compile(source string) (*Predicate, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(source), "guard", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, &Error{Guard: source, Err: diags}
	}

	var vars []string
	for _, traversal := range expr.Variables() {
		name := traversal.RootName()
		if !slices.Contains(vars, name) {
			vars = append(vars, name)
		}
	}
	slices.Sort(vars)

	return &Predicate{source: source, expr: expr, vars: vars}, nil
}

// Source returns the expression text.
func (p *Predicate) Source() string {
	return p.source
}

// Variables returns the sorted names of the bindings the guard reads.
func (p *Predicate) Variables() []string {
	return p.vars
}

// Eval evaluates the guard against bindings. The expression must produce a
// known, non-null bool.
func (p *Predicate) Eval(bindings ir.Object) (bool, error) {
	vars := make(map[string]cty.Value, len(p.vars))
	for _, name := range p.vars {
		v, ok := bindings[name]
		if !ok {
			continue
		}
		cv, err := ToCty(v)
		if err != nil {
			return false, &Error{Guard: p.source, Err: fmt.Errorf("binding %s: %w", name, err)}
		}
		vars[name] = cv
	}

	val, diags := p.expr.Value(&hcl.EvalContext{Variables: vars, Functions: functions})
	if diags.HasErrors() {
		return false, &Error{Guard: p.source, Err: diags}
	}
	if !val.IsKnown() || val.IsNull() {
		return false, &Error{Guard: p.source, Err: fmt.Errorf("result is null or unknown")}
	}
	if val.Type() != cty.Bool {
		return false, &Error{Guard: p.source, Err: fmt.Errorf("result is %s, want bool", val.Type().FriendlyName())}
	}
	return val.True(), nil
}

// Set holds the compiled guard of every edge of a specification, indexed by
// edge. Unguarded edges have a nil entry.
type Set []*Predicate

// CompileSpec compiles every guard of spec.
func CompileSpec(spec *ir.Specification) (Set, error) {
	set := make(Set, len(spec.Edges))
	for i, e := range spec.Edges {
		if e.Guard == "" {
			continue
		}
		p, err := Compile(e.Guard)
		if err != nil {
			var ge *Error
			if errors.As(err, &ge) {
				ge.Edge = e.ID
			}
			return nil, err
		}
		set[i] = p
	}
	return set, nil
}

// Guarded reports whether edge carries a guard.
func (s Set) Guarded(edge int32) bool {
	return int(edge) < len(s) && s[edge] != nil
}

// Eval evaluates the guard of edge. Unguarded edges evaluate to true.
func (s Set) Eval(spec *ir.Specification, edge int32, bindings ir.Object) (bool, error) {
	if !s.Guarded(edge) {
		return true, nil
	}
	ok, err := s[edge].Eval(bindings)
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) {
			ge.Edge = spec.Edges[edge].ID
		}
		return false, err
	}
	return ok, nil
}
