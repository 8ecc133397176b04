package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/tokenflow/internal/ir"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a running record with one token and one task.
func createTestRecord(id string, seq int64) *ir.InstanceRecord {
	return &ir.InstanceRecord{
		Version:       ir.RecordVersion,
		ID:            id,
		SpecHash:      "spec-hash",
		State:         "running",
		Variables:     ir.Object{"amount": ir.Int(150), "note": ir.String("h\u00e9llo")},
		Tokens:        map[string]uint32{"T1->T2": 1},
		Tasks:         map[string]ir.TaskRecord{"T1": {State: "completed", Completions: 1}},
		BudgetReports: []ir.BudgetReport{},
		Seq:           seq,
	}
}
