package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tokenflow/internal/compiler"
	"github.com/roach88/tokenflow/internal/engine"
	"github.com/roach88/tokenflow/internal/ir"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database   string
	Vars       []string
	InstanceID string
}

// RunResult is the outcome of running one instance.
type RunResult struct {
	InstanceID string             `json:"instance_id"`
	Root       string             `json:"root"`
	SpecHash   string             `json:"spec_hash"`
	State      string             `json:"state"`
	Trace      []string           `json:"trace"`
	Record     *ir.InstanceRecord `json:"record,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <document>",
		Short: "Run one instance of a workflow",
		Long: `Admit a workflow document and run one instance of it.

Every task completes as soon as it fires, so the instance runs until it
completes or fails. Guards see the declared variables, overridden with
--var. Each transition is printed as it happens.

With --db (or store.path in the config) the document and the final record
are persisted and can be examined with inspect.

Examples:
  tokenflow run ./workflows/approval.cue
  tokenflow run ./workflows/approval.cue --var amount=5000 --var region='"us"'
  tokenflow run ./workflows/approval.cue --db ./tokenflow.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.resolve(cmd); err != nil {
				return err
			}
			return runInstance(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: store.path)")
	cmd.Flags().StringArrayVar(&opts.Vars, "var", nil, "variable override name=value, value in JSON (repeatable)")
	cmd.Flags().StringVar(&opts.InstanceID, "id", "", "instance id (default: generated UUIDv7)")

	return cmd
}

func runInstance(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.Logger

	vars, err := parseVars(opts.Vars)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid --var", err)
	}

	doc, err := compiler.LoadDocument(path)
	if err != nil {
		loadErr := convertCompileError(err, path)
		_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
		return WrapExitError(ExitCommandError, "failed to compile document", loadErr)
	}

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = opts.Config.Store.Path
	}
	st, err := openStore(dbPath)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	result := RunResult{Root: doc.Root, SpecHash: doc.Hash, Trace: []string{}}
	observe := func(t engine.Transition) {
		line := t.String()
		result.Trace = append(result.Trace, line)
		if !formatter.JSON() {
			fmt.Fprintln(formatter.Writer, line)
		}
	}

	extra := []engine.Option{engine.WithObserver(observe)}
	if opts.InstanceID != "" {
		extra = append(extra, engine.WithIDGenerator(engine.NewFixedGenerator(opts.InstanceID)))
	}
	eng, err := newEngine(opts.Config, logger, engineDeps{store: st, extra: extra})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid engine config", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if _, _, err := eng.LoadDocument(ctx, doc); err != nil {
		issue := issueOf(err)
		_ = formatter.Error(issue.Code, issue.Message, nil)
		return WrapExitError(ExitFailure, "workflow rejected", err)
	}
	formatter.VerboseLog("Admitted %s as %s", doc.Root, doc.Hash)

	id, runErr := eng.Start(ctx, doc.Hash, vars)
	result.InstanceID = id

	inst, err := eng.Snapshot(id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read instance", err)
	}
	spec, err := eng.Specification(id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read instance", err)
	}
	result.Record = inst.Record(spec)
	result.State = result.Record.State

	return outputRun(formatter, result, runErr)
}

// parseVars turns name=value pairs into bindings. The value is read as
// JSON; anything that is not valid JSON is taken as a plain string.
func parseVars(pairs []string) (ir.Object, error) {
	raw := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("variable %q: expected name=value", pair)
		}

		dec := json.NewDecoder(bytes.NewReader([]byte(value)))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil || dec.More() {
			v = value
		}
		raw[name] = v
	}
	obj, err := ir.ObjectFromGo(raw)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func outputRun(formatter *OutputFormatter, result RunResult, runErr error) error {
	if runErr == nil && result.Record.Fault == nil {
		if formatter.JSON() {
			return formatter.Success(result)
		}
		fmt.Fprintf(formatter.Writer, "✓ instance %s %s\n", result.InstanceID, result.State)
		return nil
	}

	message := fmt.Sprintf("instance %s %s", result.InstanceID, result.State)
	if f := result.Record.Fault; f != nil {
		message = fmt.Sprintf("%s: %s", message, f.Message)
	} else if runErr != nil {
		message = fmt.Sprintf("%s: %v", message, runErr)
	}

	if formatter.JSON() {
		if err := formatter.Failure(ErrCodeInstance, message, result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "✗ %s\n", message)
	}
	return NewExitError(ExitFailure, message)
}
