package store

import (
	"context"
	"fmt"

	"github.com/roach88/tokenflow/internal/ir"
)

// SaveInstance writes the latest record of an instance. A record whose seq
// is lower than the stored one is ignored, so a late writer can never roll
// an instance back.
func (s *Store) SaveInstance(ctx context.Context, rec *ir.InstanceRecord) error {
	data, hash, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, spec_hash, state, seq, record, record_hash, engine_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			spec_hash = excluded.spec_hash,
			state = excluded.state,
			seq = excluded.seq,
			record = excluded.record,
			record_hash = excluded.record_hash,
			engine_version = excluded.engine_version
		WHERE excluded.seq >= instances.seq
	`,
		rec.ID,
		rec.SpecHash,
		rec.State,
		rec.Seq,
		data,
		hash,
		ir.EngineVersion,
	)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteInstance removes an instance record. Deleting a missing record is
// not an error.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

// Document is an admitted workflow source.
type Document struct {
	Hash   string
	Root   string
	Path   string
	Source []byte
}

// SaveDocument records an admitted source document. Documents are content
// addressed, so saving the same hash twice keeps the first row.
func (s *Store) SaveDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (hash, root, path, source, admitted)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(admitted), 0) + 1 FROM documents))
		ON CONFLICT(hash) DO NOTHING
	`, doc.Hash, doc.Root, doc.Path, doc.Source)
	if err != nil {
		return fmt.Errorf("save document %s: %w", doc.Hash, err)
	}
	return nil
}
