package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue/token"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/roach88/tokenflow/internal/compiler"
)

// DocumentPattern selects workflow documents below a directory argument.
const DocumentPattern = "**/*.cue"

// LoadMode controls how errors are handled during document loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadError represents an error that occurred during document loading.
type LoadError struct {
	Code    string
	Path    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Line returns the source line of the error, or 0.
func (e *LoadError) Line() int {
	if e.Pos.IsValid() {
		return e.Pos.Line()
	}
	return 0
}

// FindDocuments expands the path arguments into workflow document paths.
// A file is taken as is; a directory contributes every .cue file below it
// in lexical order.
func FindDocuments(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("path not found: %s", p)}
		}
		if err != nil {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing %s: %v", p, err)}
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(p), DocumentPattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning %s: %v", p, err)}
		}
		for _, m := range matches {
			files = append(files, filepath.Join(p, filepath.FromSlash(m)))
		}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no workflow documents found in %v", paths)}
	}
	return files, nil
}

// LoadDocuments finds and compiles the workflow documents named by paths.
//
// In LoadModeFailFast the first compile error is returned alone. In
// LoadModeCollectAll every document is attempted and the documents that
// compiled are returned alongside the errors of those that did not. A
// failure to find any document is always returned with a nil slice.
func LoadDocuments(paths []string, mode LoadMode) ([]*compiler.Document, []error) {
	files, err := FindDocuments(paths)
	if err != nil {
		return nil, []error{err}
	}

	var (
		docs []*compiler.Document
		errs []error
	)
	for _, path := range files {
		doc, err := compiler.LoadDocument(path)
		if err != nil {
			errs = append(errs, convertCompileError(err, path))
			if mode == LoadModeFailFast {
				return docs, errs
			}
			continue
		}
		docs = append(docs, doc)
	}
	return docs, errs
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, path string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    ErrCodeCompile,
			Path:    path,
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeCompile,
		Path:    path,
		Message: err.Error(),
	}
}
