package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tokenflow/internal/cache"
	"github.com/roach88/tokenflow/internal/compiler"
	"github.com/roach88/tokenflow/internal/guard"
)

// ValidationIssue is one reason a document was rejected.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// DocumentReport is the validation outcome of one workflow document.
type DocumentReport struct {
	Path   string                  `json:"path"`
	Root   string                  `json:"root,omitempty"`
	Hash   string                  `json:"hash,omitempty"`
	Tasks  int                     `json:"tasks,omitempty"`
	Valid  bool                    `json:"valid"`
	Errors []ValidationIssue       `json:"errors,omitempty"`
	Cycles []compiler.CycleWarning `json:"cycles,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool             `json:"valid"`
	Documents []DocumentReport `json:"documents"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate workflow documents",
		Long: `Validate CUE workflow documents without executing them.

Each path is a .cue document or a directory searched for documents. Every
document is compiled, extracted into a specification, checked for soundness
and has its guards compiled, exactly as the engine does on admission. Loops
that have an exit are reported with --verbose.

Exit codes:
  0 - All documents valid
  1 - One or more documents invalid
  2 - Command error (path not found, no documents, etc.)`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.resolve(cmd); err != nil {
				return err
			}
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	files, err := FindDocuments(paths)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
			return NewExitError(ExitCommandError, loadErr.Error())
		}
		return WrapExitError(ExitCommandError, "failed to find documents", err)
	}
	formatter.VerboseLog("Found %d workflow document(s)", len(files))

	result := ValidationResult{Valid: true, Documents: make([]DocumentReport, 0, len(files))}
	for _, path := range files {
		report := ValidateDocument(path)
		result.Documents = append(result.Documents, report)
		if !report.Valid {
			result.Valid = false
		}
	}

	return outputValidation(formatter, result)
}

// ValidateDocument runs the admission pipeline over one document: compile,
// extract, soundness, guards. It stops at the first failing stage.
func ValidateDocument(path string) DocumentReport {
	report := DocumentReport{Path: path}

	doc, err := compiler.LoadDocument(path)
	if err != nil {
		loadErr := convertCompileError(err, path)
		report.Errors = append(report.Errors, ValidationIssue{
			Code:    loadErr.Code,
			Message: loadErr.Message,
			Line:    loadErr.Line(),
		})
		return report
	}
	report.Root = doc.Root
	report.Hash = doc.Hash

	spec, err := compiler.Extract(doc.Triples, doc.Root)
	if err != nil {
		report.Errors = append(report.Errors, issueOf(err))
		return report
	}
	report.Tasks = len(spec.Tasks)

	r, err := cache.Resolve(spec)
	if err != nil {
		report.Errors = append(report.Errors, issueOf(err))
		return report
	}
	report.Cycles = r.Cycles
	report.Valid = true
	return report
}

// issueOf maps an admission error to its report code.
func issueOf(err error) ValidationIssue {
	var (
		extractErr   *compiler.ExtractionError
		soundnessErr *compiler.SoundnessError
		guardErr     *guard.Error
	)
	switch {
	case errors.As(err, &extractErr):
		return ValidationIssue{Code: extractErr.Code, Message: fmt.Sprintf("%s: %s", extractErr.Subject, extractErr.Message)}
	case errors.As(err, &soundnessErr):
		return ValidationIssue{Code: ErrCodeSoundness, Message: soundnessErr.Error()}
	case errors.As(err, &guardErr):
		return ValidationIssue{Code: ErrCodeGuard, Message: guardErr.Error()}
	}
	return ValidationIssue{Code: ErrCodeGeneric, Message: err.Error()}
}

func outputValidation(formatter *OutputFormatter, result ValidationResult) error {
	invalid := 0
	for _, d := range result.Documents {
		if !d.Valid {
			invalid++
		}
	}

	if formatter.JSON() {
		if result.Valid {
			return formatter.Success(result)
		}
		first := firstIssue(result)
		if err := formatter.Failure(first.Code, first.Message, result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed for %d document(s)", invalid))
	}

	w := formatter.Writer
	for _, d := range result.Documents {
		if d.Valid {
			fmt.Fprintf(w, "✓ %s (%s, %d tasks)\n", d.Path, d.Root, d.Tasks)
			if formatter.Verbose {
				for _, c := range d.Cycles {
					fmt.Fprintf(w, "  %s: loop %s\n", c.Level, strings.Join(c.Path, " -> "))
				}
			}
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", d.Path)
		for _, issue := range d.Errors {
			if issue.Line > 0 {
				fmt.Fprintf(w, "  line %d\n", issue.Line)
			}
			fmt.Fprintf(w, "  %s: %s\n", issue.Code, issue.Message)
		}
	}

	if !result.Valid {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "✗ Validation failed")
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed for %d document(s)", invalid))
	}
	fmt.Fprintln(w, "✓ All workflows valid")
	return nil
}

func firstIssue(result ValidationResult) ValidationIssue {
	for _, d := range result.Documents {
		if len(d.Errors) > 0 {
			return d.Errors[0]
		}
	}
	return ValidationIssue{Code: ErrCodeGeneric, Message: "validation failed"}
}
