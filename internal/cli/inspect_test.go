package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenflow/internal/ir"
)

// seedDatabase runs one completed and one failed instance into a fresh
// database and returns its path.
func seedDatabase(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "tokenflow.db")
	gate := writeFile(t, dir, "gate.cue", gateDoc)

	_, err := execute(NewRunCommand(testOptions("text")), approvalDoc, "--db", db, "--id", "ok-1")
	require.NoError(t, err)
	_, err = execute(NewRunCommand(testOptions("text")), gate, "--db", db, "--id", "bad-1")
	require.Error(t, err)
	return db
}

func TestInspectList(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(NewInspectCommand(testOptions("text")), "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "STATE")
	assert.Contains(t, out, "ok-1")
	assert.Contains(t, out, "bad-1")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "failed")
}

func TestInspectListFilteredJSON(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(NewInspectCommand(testOptions("json")), "--db", db, "--state", "failed")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   InstanceList `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, "bad-1", resp.Data.Instances[0].ID)
	assert.Equal(t, "failed", resp.Data.Instances[0].State)
}

func TestInspectListEmptyFilter(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(NewInspectCommand(testOptions("text")), "--db", db, "--state", "cancelled")
	require.NoError(t, err)
	assert.Contains(t, out, "No instances found.")
}

func TestInspectInstance(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(NewInspectCommand(testOptions("text")), "--db", db, "bad-1")
	require.NoError(t, err)
	assert.Contains(t, out, "instance bad-1")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "NO_MATCHING_BRANCH check")
	assert.Contains(t, out, `{"amount":0}`)
}

func TestInspectInstanceJSON(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(NewInspectCommand(testOptions("json")), "--db", db, "ok-1")
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   ir.InstanceRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok-1", resp.Data.ID)
	assert.Equal(t, "completed", resp.Data.State)
	assert.Nil(t, resp.Data.Fault)
	assert.Equal(t, uint32(1), resp.Data.Tasks["archive"].Completions)
}

func TestInspectInstanceNotFound(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(NewInspectCommand(testOptions("text")), "--db", db, "ghost")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "instance not found: ghost")
	assert.Contains(t, out, ErrCodeNotFound)
}

func TestInspectDocuments(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(NewInspectCommand(testOptions("json")), "--db", db, "--documents")
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   []DocumentSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)

	roots := []string{resp.Data[0].Root, resp.Data[1].Root}
	assert.ElementsMatch(t, []string{approvalRootID, "gate"}, roots)
	for _, d := range resp.Data {
		assert.NotEmpty(t, d.Hash)
		assert.Positive(t, d.Size)
	}
}

func TestInspectMissingDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "absent.db")

	out, err := execute(NewInspectCommand(testOptions("text")), "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
	assert.Contains(t, out, ErrCodeNotFound)
	assert.NoFileExists(t, db)
}

func TestInspectRequiresDatabase(t *testing.T) {
	_, err := execute(NewInspectCommand(testOptions("text")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is required")
}

func TestInspectInvalidState(t *testing.T) {
	db := seedDatabase(t)

	_, err := execute(NewInspectCommand(testOptions("text")), "--db", db, "--state", "paused")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid --state")
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "abc", shortHash("abc"))
	assert.Equal(t, "0123456789ab", shortHash("0123456789abcdef"))
}
