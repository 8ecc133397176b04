package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/tokenflow/internal/ir"
)

// marshalRecord converts a record to canonical JSON TEXT and its hash.
func marshalRecord(rec *ir.InstanceRecord) (string, string, error) {
	data, err := rec.MarshalCanonical()
	if err != nil {
		return "", "", fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	hash, err := ir.RecordHash(rec)
	if err != nil {
		return "", "", fmt.Errorf("hash record %s: %w", rec.ID, err)
	}
	return string(data), hash, nil
}

// unmarshalRecord parses a stored record and checks it against its hash.
// ir.Object.UnmarshalJSON keeps integers exact and rejects floats.
func unmarshalRecord(data, wantHash string) (*ir.InstanceRecord, error) {
	var rec ir.InstanceRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	got, err := ir.RecordHash(&rec)
	if err != nil {
		return nil, fmt.Errorf("hash record %s: %w", rec.ID, err)
	}
	if got != wantHash {
		return nil, fmt.Errorf("record %s: hash mismatch (stored %s, computed %s)", rec.ID, wantHash, got)
	}
	return &rec, nil
}
