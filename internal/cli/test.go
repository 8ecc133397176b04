package cli

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tokenflow/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	GoldenDir string // compare traces against golden files here
	Update    bool   // regenerate golden files
}

// TestResult holds the overall test result.
type TestResult struct {
	Total    int                       `json:"total"`
	Passed   int                       `json:"passed"`
	Failed   int                       `json:"failed"`
	Updated  int                       `json:"updated,omitempty"`
	Failures []harness.ScenarioFailure `json:"failures,omitempty"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scenario harness",
		Long: `Run the YAML scenarios found below a directory.

Each scenario admits its workflow documents, drives one instance through
its flow steps against a real engine and checks its assertions. Spec paths
are resolved relative to the scenario file.

With --golden, every trace is also compared with <golden>/<name>.golden;
--update rewrites those files from the current traces instead.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, no scenarios, etc.)

Examples:
  tokenflow test ./scenarios
  tokenflow test ./scenarios --golden ./golden
  tokenflow test ./scenarios --golden ./golden --update
  tokenflow test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.resolve(cmd); err != nil {
				return err
			}
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "directory of golden trace files")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if info, err := os.Stat(scenariosDir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}
	if opts.Update && opts.GoldenDir == "" {
		return NewExitError(ExitCommandError, "--update requires --golden")
	}

	paths, err := harness.DiscoverScenarios(scenariosDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	if len(paths) == 0 {
		if formatter.JSON() {
			return formatter.Success(TestResult{})
		}
		fmt.Fprintln(formatter.Writer, "No scenarios found.")
		return nil
	}
	formatter.VerboseLog("Found %d scenario(s) in %s", len(paths), scenariosDir)

	suite, err := harness.RunSuite(scenariosDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenarios", err)
	}

	result := TestResult{
		Total:    suite.TotalScenarios,
		Passed:   suite.Passed,
		Failed:   suite.Failed,
		Failures: suite.Failures,
	}
	if opts.GoldenDir != "" {
		if err := checkGolden(opts, suite, &result); err != nil {
			return err
		}
	}

	return outputTests(formatter, result)
}

// checkGolden compares or rewrites the golden trace of every scenario that
// ran. A mismatch turns a passing scenario into a failure.
func checkGolden(opts *TestOptions, suite *harness.SuiteResult, result *TestResult) error {
	failed := make(map[string]bool, len(suite.Failures))
	for _, f := range suite.Failures {
		failed[f.Name] = true
	}

	for _, name := range slices.Sorted(maps.Keys(suite.Results)) {
		data, err := harness.NewTraceSnapshot(name, suite.Results[name]).MarshalCanonical()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to marshal trace", err)
		}
		path := filepath.Join(opts.GoldenDir, name+".golden")

		if opts.Update {
			if err := os.MkdirAll(opts.GoldenDir, 0755); err != nil {
				return WrapExitError(ExitCommandError, "failed to create golden directory", err)
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				return WrapExitError(ExitCommandError, "failed to write golden file", err)
			}
			result.Updated++
			continue
		}

		want, err := os.ReadFile(path)
		var msg string
		switch {
		case errors.Is(err, os.ErrNotExist):
			msg = fmt.Sprintf("golden file missing: %s (run with --update to create)", path)
		case err != nil:
			msg = fmt.Sprintf("failed to read golden file: %v", err)
		case !bytes.Equal(want, data):
			msg = "trace does not match golden file (run with --update to regenerate)"
		default:
			continue
		}

		result.Failures = append(result.Failures, harness.ScenarioFailure{Name: name, Error: msg})
		if !failed[name] {
			failed[name] = true
			result.Passed--
			result.Failed++
		}
	}
	return nil
}

func outputTests(formatter *OutputFormatter, result TestResult) error {
	if formatter.JSON() {
		if result.Failed == 0 {
			return formatter.Success(result)
		}
		msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
		if err := formatter.Failure(ErrCodeScenario, msg, result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	w := formatter.Writer
	for _, f := range result.Failures {
		label := f.Name
		if label == "" {
			label = f.ScenarioPath
		}
		fmt.Fprintf(w, "✗ %s\n", label)
		fmt.Fprintf(w, "  %s\n", f.Error)
	}
	if result.Updated > 0 {
		fmt.Fprintf(w, "Updated %d golden file(s)\n", result.Updated)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
