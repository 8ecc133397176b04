package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenflow/internal/ir"
	"github.com/roach88/tokenflow/internal/store"
)

func TestRunApproval(t *testing.T) {
	out, err := execute(NewRunCommand(testOptions("text")), approvalDoc, "--id", "run-1")
	require.NoError(t, err)

	want := []string{
		"1 instance_started approval",
		"2 enabled review",
		"3 executing review",
		"4 completed review small",
		"5 enabled archive",
		"6 executing archive",
		"7 completed archive f5",
		"8 instance_completed withdrawn=0",
		"✓ instance run-1 completed",
	}
	assert.Equal(t, want, strings.Split(strings.TrimSpace(out), "\n"))
}

func TestRunApprovalVarOverride(t *testing.T) {
	out, err := execute(NewRunCommand(testOptions("text")), approvalDoc, "--id", "run-2", "--var", "amount=5000")
	require.NoError(t, err)

	assert.Contains(t, out, "4 completed review big")
	assert.Contains(t, out, "escalate")
	assert.NotContains(t, out, "completed review small")
	assert.Contains(t, out, "✓ instance run-2 completed")
}

func TestRunNoMatchingBranch(t *testing.T) {
	path := writeFile(t, t.TempDir(), "gate.cue", gateDoc)

	out, err := execute(NewRunCommand(testOptions("text")), path, "--id", "gate-1")
	require.Error(t, err)

	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "instance_failed check NO_MATCHING_BRANCH")
	assert.Contains(t, out, "✗ instance gate-1 failed")
}

func TestRunNoMatchingBranchResolvedByVar(t *testing.T) {
	path := writeFile(t, t.TempDir(), "gate.cue", gateDoc)

	out, err := execute(NewRunCommand(testOptions("text")), path, "--var", "amount=7")
	require.NoError(t, err)
	assert.Contains(t, out, "completed check")
	assert.Contains(t, out, "enabled small")
	assert.NotContains(t, out, "enabled large")
}

func TestRunJSON(t *testing.T) {
	out, err := execute(NewRunCommand(testOptions("json")), approvalDoc, "--id", "run-json")
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	res := resp.Data
	assert.Equal(t, "run-json", res.InstanceID)
	assert.Equal(t, approvalRootID, res.Root)
	assert.Equal(t, "completed", res.State)
	assert.NotEmpty(t, res.SpecHash)
	require.Len(t, res.Trace, 8)
	assert.Equal(t, "1 instance_started approval", res.Trace[0])

	require.NotNil(t, res.Record)
	assert.Equal(t, "completed", res.Record.State)
	assert.Nil(t, res.Record.Fault)
	assert.Equal(t, ir.Int(0), res.Record.Variables["amount"])
}

func TestRunJSONFailure(t *testing.T) {
	path := writeFile(t, t.TempDir(), "gate.cue", gateDoc)

	out, err := execute(NewRunCommand(testOptions("json")), path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
		Error  *CLIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInstance, resp.Error.Code)
	assert.Equal(t, "failed", resp.Data.State)
	require.NotNil(t, resp.Data.Record)
	require.NotNil(t, resp.Data.Record.Fault)
	assert.Equal(t, "NO_MATCHING_BRANCH", resp.Data.Record.Fault.Code)
	assert.Equal(t, "check", resp.Data.Record.Fault.Task)
}

func TestRunRejectsUnsoundDocument(t *testing.T) {
	path := writeFile(t, t.TempDir(), "orphan.cue", orphanDoc)

	out, err := execute(NewRunCommand(testOptions("text")), path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "workflow rejected")
	assert.Contains(t, out, ErrCodeSoundness)
}

func TestRunCompileError(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.cue", "name: \"no workflow here\"\n")

	_, err := execute(NewRunCommand(testOptions("text")), path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to compile document")
}

func TestRunInvalidVar(t *testing.T) {
	_, err := execute(NewRunCommand(testOptions("text")), approvalDoc, "--var", "amount")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid --var")
}

func TestRunPersistsRecord(t *testing.T) {
	db := filepath.Join(t.TempDir(), "tokenflow.db")

	_, err := execute(NewRunCommand(testOptions("text")), approvalDoc, "--db", db, "--id", "persisted")
	require.NoError(t, err)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	rec, err := st.LoadInstance(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.State)

	docs, err := st.Documents(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, approvalRootID, docs[0].Root)
}

func TestParseVars(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    ir.Object
		wantErr string
	}{
		{name: "none", pairs: nil, want: ir.Object{}},
		{name: "integer", pairs: []string{"amount=5000"}, want: ir.Object{"amount": ir.Int(5000)}},
		{name: "quoted string", pairs: []string{`region="us"`}, want: ir.Object{"region": ir.String("us")}},
		{name: "bare string", pairs: []string{"region=us"}, want: ir.Object{"region": ir.String("us")}},
		{name: "bool", pairs: []string{"approved=true"}, want: ir.Object{"approved": ir.Bool(true)}},
		{name: "list", pairs: []string{`tags=["a",1]`}, want: ir.Object{"tags": ir.List{ir.String("a"), ir.Int(1)}}},
		{name: "value with equals", pairs: []string{"expr=a=b"}, want: ir.Object{"expr": ir.String("a=b")}},
		{name: "trailing garbage is a string", pairs: []string{"n=1 2"}, want: ir.Object{"n": ir.String("1 2")}},
		{name: "last wins", pairs: []string{"amount=1", "amount=2"}, want: ir.Object{"amount": ir.Int(2)}},
		{name: "missing equals", pairs: []string{"amount"}, wantErr: "expected name=value"},
		{name: "empty name", pairs: []string{"=1"}, wantErr: "expected name=value"},
		{name: "float", pairs: []string{"amount=1.5"}, wantErr: "floats are not allowed"},
		{name: "null", pairs: []string{"note=null"}, wantErr: "null is not a valid binding"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVars(tt.pairs)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
