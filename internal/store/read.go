package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tokenflow/internal/ir"
)

// LoadInstance returns the latest record of an instance, or ErrNotFound.
func (s *Store) LoadInstance(ctx context.Context, id string) (*ir.InstanceRecord, error) {
	var data, hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT record, record_hash FROM instances WHERE id = ?
	`, id).Scan(&data, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return unmarshalRecord(data, hash)
}

// InstanceSummary is the indexed part of a stored record.
type InstanceSummary struct {
	ID       string
	SpecHash string
	State    string
	Seq      int64
}

// ListInstances returns summaries of stored instances, optionally filtered
// by state, ordered by id.
func (s *Store) ListInstances(ctx context.Context, states ...string) ([]InstanceSummary, error) {
	query := `SELECT id, spec_hash, state, seq FROM instances`
	args := make([]any, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `)`
		for i, st := range states {
			args[i] = st
		}
	}
	query += ` ORDER BY id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	out := []InstanceSummary{}
	for rows.Next() {
		var sum InstanceSummary
		if err := rows.Scan(&sum.ID, &sum.SpecHash, &sum.State, &sum.Seq); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

// ActiveInstances returns the records of every instance not yet in a
// terminal state, ordered by id. Used to recover after a restart.
func (s *Store) ActiveInstances(ctx context.Context) ([]*ir.InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record, record_hash FROM instances
		WHERE state IN ('created', 'running')
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query active instances: %w", err)
	}
	defer rows.Close()

	out := []*ir.InstanceRecord{}
	for rows.Next() {
		var data, hash string
		if err := rows.Scan(&data, &hash); err != nil {
			return nil, fmt.Errorf("scan active instance: %w", err)
		}
		rec, err := unmarshalRecord(data, hash)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active instances: %w", err)
	}
	return out, nil
}

// LoadDocument returns an admitted document by hash, or ErrNotFound.
func (s *Store) LoadDocument(ctx context.Context, hash string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, root, path, source FROM documents WHERE hash = ?
	`, hash).Scan(&doc.Hash, &doc.Root, &doc.Path, &doc.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("load document %s: %w", hash, err)
	}
	return doc, nil
}

// Documents returns every admitted document in admission order.
func (s *Store) Documents(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, root, path, source FROM documents
		ORDER BY admitted ASC, hash COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.Hash, &doc.Root, &doc.Path, &doc.Source); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}
