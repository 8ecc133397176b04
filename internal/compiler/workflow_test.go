package compiler

import (
	"errors"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenflow/internal/ir"
	"github.com/roach88/tokenflow/internal/vocab"
)

func compileString(t *testing.T, src, path string) ([]tripleView, string, error) {
	t.Helper()
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	require.NoError(t, v.Err())
	triples, root, err := CompileWorkflow(v.LookupPath(cue.ParsePath(path)))
	views := make([]tripleView, len(triples))
	for i, tr := range triples {
		views[i] = tripleView{tr.Subject, tr.Predicate, tr.Object}
	}
	return views, root, err
}

type tripleView struct {
	Subject   string
	Predicate string
	Object    any
}

func TestCompileWorkflowBasic(t *testing.T) {
	triples, root, err := compileString(t, `
		workflow: seq: {
			start: "in"
			end: "out"
			tasks: T1: { join: "AND", split: "AND" }
			flows: [
				{from: "in", to: "T1"},
				{from: "T1", to: "out"},
			]
		}
	`, "workflow.seq")
	require.NoError(t, err)
	assert.Equal(t, "seq", root)

	assert.Contains(t, triples, tripleView{"seq", vocab.Type, vocab.TypeWorkflow})
	assert.Contains(t, triples, tripleView{"seq.condition.in", vocab.ConditionStart, true})
	assert.Contains(t, triples, tripleView{"seq.condition.out", vocab.ConditionEnd, true})
	assert.Contains(t, triples, tripleView{"seq.task.T1", vocab.TaskJoin, "AND"})
	assert.Contains(t, triples, tripleView{"seq.flow.f1", vocab.FlowFrom, "in"})
	assert.Contains(t, triples, tripleView{"seq.flow.f2", vocab.FlowTo, "out"})
}

func TestCompileWorkflowRequiresStartAndEnd(t *testing.T) {
	_, _, err := compileString(t, `
		workflow: w: {
			end: "out"
			tasks: T1: { join: "AND", split: "AND" }
		}
	`, "workflow.w")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start is required")

	_, _, err = compileString(t, `
		workflow: w: {
			start: "in"
			tasks: T1: { join: "AND", split: "AND" }
		}
	`, "workflow.w")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "end is required")
}

func TestCompileWorkflowRequiresTasks(t *testing.T) {
	_, _, err := compileString(t, `
		workflow: w: { start: "in", end: "out" }
	`, "workflow.w")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one task")
}

func TestCompileWorkflowRejectsFloatVariable(t *testing.T) {
	_, _, err := compileString(t, `
		workflow: w: {
			start: "in"
			end: "out"
			tasks: T1: { join: "AND", split: "AND" }
			variables: rate: 1.5
		}
	`, "workflow.w")
	require.Error(t, err)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "variables.rate", ce.Field)
	assert.Contains(t, ce.Message, "float")
}

func TestCompileWorkflowRejectsNonStringJoin(t *testing.T) {
	_, _, err := compileString(t, `
		workflow: w: {
			start: "in"
			end: "out"
			tasks: T1: { join: 3, split: "AND" }
		}
	`, "workflow.w")
	require.Error(t, err)
}

func TestLoadDocument(t *testing.T) {
	doc, err := LoadDocument(filepath.Join("testdata", "approval.cue"))
	require.NoError(t, err)

	assert.Equal(t, "approval", doc.Root)
	assert.Equal(t, ir.SpecHash(doc.Bytes), doc.Hash)
	assert.Len(t, doc.Hash, 64)

	spec, err := Extract(doc.Triples, doc.Root)
	require.NoError(t, err)
	require.NoError(t, Validate(spec))

	assert.Equal(t, "Purchase approval", spec.Name)
	assert.Len(t, spec.Tasks, 3)
	assert.Len(t, spec.Conditions, 2)
	assert.Len(t, spec.Edges, 5)
	assert.Equal(t, "submitted", spec.Conditions[spec.Start].ID)
	assert.Equal(t, "closed", spec.Conditions[spec.End].ID)

	review := spec.Tasks[0]
	assert.Equal(t, "review", review.ID)
	require.NotNil(t, review.Budget)
	assert.Equal(t, uint64(8), *review.Budget)
	assert.True(t, review.HotPath)
	assert.Equal(t, "approval.review", review.SpanTemplate)
	assert.Equal(t, []string{"approver"}, review.Allocation.Roles)
	assert.Equal(t, "big", spec.Edges[review.Outgoing[0]].ID)
	assert.Equal(t, "small", spec.Edges[review.Outgoing[1]].ID)

	escalate := spec.Tasks[1]
	assert.Equal(t, []string{"sign:large"}, escalate.Allocation.Capabilities)

	archive := spec.Tasks[2]
	assert.Equal(t, []ir.NodeRef{ir.TaskRef(1)}, archive.Cancels)

	assert.Equal(t, ir.Object{"amount": ir.Int(0), "region": ir.String("eu"), "approved": ir.Bool(false)},
		spec.InitialBindings())
}

func TestLoadDocumentMissingFile(t *testing.T) {
	_, err := LoadDocument(filepath.Join("testdata", "missing.cue"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.cue")
}

func TestParseDocumentRequiresExactlyOneWorkflow(t *testing.T) {
	_, err := ParseDocument("two.cue", []byte(`
		workflow: a: { start: "s", end: "e", tasks: T: { join: "AND", split: "AND" } }
		workflow: b: { start: "s", end: "e", tasks: T: { join: "AND", split: "AND" } }
	`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one workflow, found 2")

	_, err = ParseDocument("none.cue", []byte(`other: 1`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares no workflow")
}

func TestParseDocumentSyntaxError(t *testing.T) {
	_, err := ParseDocument("broken.cue", []byte(`workflow: a: {`))
	require.Error(t, err)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Error(), "broken.cue")
}

func TestParseDocumentHashIsContentAddressed(t *testing.T) {
	src := []byte(`workflow: a: { start: "s", end: "e", tasks: T: { join: "AND", split: "AND" } }`)
	d1, err := ParseDocument("a.cue", src)
	require.NoError(t, err)
	d2, err := ParseDocument("elsewhere/b.cue", src)
	require.NoError(t, err)
	assert.Equal(t, d1.Hash, d2.Hash)

	d3, err := ParseDocument("a.cue", append(src, '\n'))
	require.NoError(t, err)
	assert.NotEqual(t, d1.Hash, d3.Hash)
}

func TestCompileErrorFormat(t *testing.T) {
	err := &CompileError{Field: "tasks", Message: "at least one task is required"}
	assert.Equal(t, "tasks: at least one task is required", err.Error())
}
