package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainSpec     = "tokenflow/spec/v1"
	DomainInstance = "tokenflow/instance/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SpecHash computes the content identity of a workflow source document.
// Two loads of byte-identical documents always yield the same hash, which is
// what lets the specification cache skip extraction and validation on a hit.
func SpecHash(document []byte) string {
	return hashWithDomain(DomainSpec, document)
}

// RecordHash computes a digest of a persisted instance record. The store
// keeps it next to the record so a reader can detect torn or edited rows.
func RecordHash(rec *InstanceRecord) (string, error) {
	canonical, err := MarshalCanonical(rec.canonicalObject())
	if err != nil {
		return "", fmt.Errorf("RecordHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainInstance, canonical), nil
}

// MustRecordHash is like RecordHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRecordHash(rec *InstanceRecord) string {
	h, err := RecordHash(rec)
	if err != nil {
		panic(err)
	}
	return h
}
