package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/tokenflow/internal/ir"
	"github.com/roach88/tokenflow/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database  string
	States    []string
	Documents bool
}

// InstanceList is the JSON payload of inspect without an instance id.
type InstanceList struct {
	Instances []store.InstanceSummary `json:"instances"`
	Total     int                     `json:"total"`
}

// DocumentSummary describes one admitted document without its source.
type DocumentSummary struct {
	Hash string `json:"hash"`
	Root string `json:"root"`
	Path string `json:"path"`
	Size int    `json:"size"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect [instance-id]",
		Short: "Show persisted instances",
		Long: `Show the instance records held in a tokenflow database.

Without an argument, lists every stored instance, optionally filtered by
state. With an instance id, prints that instance's record: state, fault,
variables, tokens per edge, task states and budget reports. With
--documents, lists the admitted workflow documents instead.

Examples:
  tokenflow inspect --db ./tokenflow.db
  tokenflow inspect --db ./tokenflow.db --state running --state failed
  tokenflow inspect --db ./tokenflow.db 0190c6d2-7a4e-7cc1-9f6b-1d2e3f405162
  tokenflow inspect --db ./tokenflow.db --documents --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.resolve(cmd); err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runInspect(opts, id, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: store.path)")
	cmd.Flags().StringArrayVar(&opts.States, "state", nil, "filter listed instances by state (repeatable)")
	cmd.Flags().BoolVar(&opts.Documents, "documents", false, "list admitted documents")

	return cmd
}

func runInspect(opts *InspectOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = opts.Config.Store.Path
	}
	if dbPath == "" {
		return NewExitError(ExitCommandError, "database is required (--db or store.path)")
	}
	// Inspecting never creates a database.
	if _, err := os.Stat(dbPath); err != nil {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("database not found: %s", dbPath), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", dbPath))
	}
	for _, s := range opts.States {
		if _, err := ir.ParseInstanceState(s); err != nil {
			return WrapExitError(ExitCommandError, "invalid --state", err)
		}
	}

	st, err := openStore(dbPath)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch {
	case opts.Documents:
		return inspectDocuments(ctx, st, formatter)
	case id != "":
		return inspectInstance(ctx, st, id, formatter)
	}
	return listInstances(ctx, st, opts.States, formatter)
}

func listInstances(ctx context.Context, st *store.Store, states []string, formatter *OutputFormatter) error {
	sums, err := st.ListInstances(ctx, states...)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list instances", err)
	}
	if sums == nil {
		sums = []store.InstanceSummary{}
	}

	if formatter.JSON() {
		return formatter.Success(InstanceList{Instances: sums, Total: len(sums)})
	}
	if len(sums) == 0 {
		fmt.Fprintln(formatter.Writer, "No instances found.")
		return nil
	}
	tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSEQ\tSPEC")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.State, s.Seq, shortHash(s.SpecHash))
	}
	return tw.Flush()
}

func inspectInstance(ctx context.Context, st *store.Store, id string, formatter *OutputFormatter) error {
	rec, err := st.LoadInstance(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("instance not found: %s", id), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("instance not found: %s", id))
	}
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load instance", err)
	}

	if formatter.JSON() {
		return formatter.Success(rec)
	}
	return writeRecord(formatter.Writer, rec)
}

// writeRecord renders a record for humans. Maps are printed in key order.
func writeRecord(w io.Writer, rec *ir.InstanceRecord) error {
	vars, err := json.Marshal(rec.Variables)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "instance %s\n", rec.ID)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  state:\t%s\n", rec.State)
	fmt.Fprintf(tw, "  spec:\t%s\n", rec.SpecHash)
	fmt.Fprintf(tw, "  seq:\t%d\n", rec.Seq)
	fmt.Fprintf(tw, "  withdrawn:\t%d\n", rec.Withdrawn)
	if f := rec.Fault; f != nil {
		fmt.Fprintf(tw, "  fault:\t%s %s: %s\n", f.Code, f.Task, f.Message)
	}
	fmt.Fprintf(tw, "  variables:\t%s\n", vars)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(rec.Tokens) > 0 {
		fmt.Fprintln(w, "  tokens:")
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, edge := range slices.Sorted(maps.Keys(rec.Tokens)) {
			fmt.Fprintf(tw, "    %s\t%d\n", edge, rec.Tokens[edge])
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(rec.Tasks) > 0 {
		fmt.Fprintln(w, "  tasks:")
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, task := range slices.Sorted(maps.Keys(rec.Tasks)) {
			t := rec.Tasks[task]
			fmt.Fprintf(tw, "    %s\t%s\tx%d\n", task, t.State, t.Completions)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	for _, r := range rec.BudgetReports {
		fmt.Fprintf(w, "  budget: %s used %d of %d at seq %d\n", r.Task, r.Actual, r.Budget, r.Seq)
	}
	return nil
}

func inspectDocuments(ctx context.Context, st *store.Store, formatter *OutputFormatter) error {
	docs, err := st.Documents(ctx)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list documents", err)
	}
	out := make([]DocumentSummary, len(docs))
	for i, d := range docs {
		out[i] = DocumentSummary{Hash: d.Hash, Root: d.Root, Path: d.Path, Size: len(d.Source)}
	}

	if formatter.JSON() {
		return formatter.Success(out)
	}
	if len(out) == 0 {
		fmt.Fprintln(formatter.Writer, "No documents found.")
		return nil
	}
	tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HASH\tROOT\tPATH")
	for _, d := range out {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", shortHash(d.Hash), d.Root, d.Path)
	}
	return tw.Flush()
}

// shortHash trims a content hash for tabular output.
func shortHash(h string) string {
	const n = 12
	if len(h) <= n {
		return h
	}
	return h[:n]
}
