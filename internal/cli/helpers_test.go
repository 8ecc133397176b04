package cli

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenflow/internal/config"
)

const (
	approvalDoc    = "../compiler/testdata/approval.cue"
	scenariosDir   = "../harness/testdata/scenarios"
	goldenDir      = "../harness/testdata/golden"
	approvalTasks  = 3
	approvalRootID = "approval"
)

// gateDoc has two guarded XOR branches and no default, so an amount of zero
// fails the instance with NO_MATCHING_BRANCH.
const gateDoc = `workflow: gate: {
	name:  "Amount gate"
	start: "received"
	end:   "done"

	variables: amount: 0

	tasks: {
		check: {join: "XOR", split: "XOR"}
		large: {join: "XOR", split: "AND"}
		small: {join: "XOR", split: "AND"}
	}

	flows: [
		{from: "received", to: "check"},
		{from: "check", to: "large", guard: "amount > 100"},
		{from: "check", to: "small", guard: "amount > 0"},
		{from: "large", to: "done"},
		{from: "small", to: "done"},
	]
}
`

// orphanDoc compiles and extracts but task b is unreachable from start.
const orphanDoc = `workflow: orphan: {
	start: "received"
	end:   "done"

	tasks: {
		a: {join: "XOR", split: "AND"}
		b: {join: "XOR", split: "AND"}
	}

	flows: [
		{from: "received", to: "a"},
		{from: "a", to: "done"},
		{from: "b", to: "done"},
	]
}
`

// testOptions returns root options that skip config discovery and logging.
// The budget tick is one second so the hot-path review task of approval.cue
// (budget 8) never overruns on a slow machine.
func testOptions(format string) *RootOptions {
	cfg := config.DefaultConfig()
	cfg.Engine.Tick = time.Second
	return &RootOptions{
		Format: format,
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
