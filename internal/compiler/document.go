package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/c360studio/semstreams/message"

	"github.com/roach88/tokenflow/internal/ir"
)

// Document is a compiled workflow source document.
type Document struct {
	Path    string
	Bytes   []byte
	Hash    string // ir.SpecHash of Bytes
	Root    string
	Triples []message.Triple
}

// LoadDocument reads and compiles a .cue workflow document.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseDocument(path, data)
}

// ParseDocument compiles workflow source held in memory. The document must
// declare exactly one workflow under the top-level "workflow" field.
func ParseDocument(path string, data []byte) (*Document, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	wfVal := v.LookupPath(cue.ParsePath("workflow"))
	if !wfVal.Exists() {
		return nil, &CompileError{Field: "workflow", Message: "document declares no workflow", Pos: v.Pos()}
	}
	iter, err := wfVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var workflow cue.Value
	count := 0
	for iter.Next() {
		workflow = iter.Value()
		count++
	}
	if count != 1 {
		return nil, &CompileError{
			Field:   "workflow",
			Message: fmt.Sprintf("document must declare exactly one workflow, found %d", count),
			Pos:     wfVal.Pos(),
		}
	}

	triples, root, err := CompileWorkflow(workflow)
	if err != nil {
		return nil, err
	}

	return &Document{
		Path:    path,
		Bytes:   data,
		Hash:    ir.SpecHash(data),
		Root:    root,
		Triples: triples,
	}, nil
}
