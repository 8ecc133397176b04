package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tokenflow/internal/compiler"
)

// Recover rebuilds the engine's working set from its store after a restart.
//
// Recovery runs in two passes over the same code paths as normal operation:
//
//  1. Every admitted source document is parsed and admitted again. The
//     content hash is recomputed from the stored bytes, so a document whose
//     bytes changed on disk is unaffected: the stored source is what the
//     instances were started against.
//  2. Every created or running instance record is restored into the
//     instance layer. Records whose specification is not admitted (it was
//     loaded from triples, not a document) are skipped and logged; the
//     caller can Load it and Restore the instance by id.
//
// Terminal instances stay in the store only. Recover returns the number of
// instances restored.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, errors.New("recover requires a store")
	}

	docs, err := e.store.Documents(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover documents: %w", err)
	}
	for _, d := range docs {
		doc, err := compiler.ParseDocument(d.Path, d.Source)
		if err != nil {
			return 0, fmt.Errorf("recover document %s: %w", d.Path, err)
		}
		if doc.Hash != d.Hash {
			return 0, fmt.Errorf("recover document %s: hash %s does not match stored %s", d.Path, doc.Hash, d.Hash)
		}
		if _, _, err := e.LoadDocument(ctx, doc); err != nil {
			return 0, err
		}
	}

	recs, err := e.store.ActiveInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover instances: %w", err)
	}
	restored := 0
	for _, rec := range recs {
		if _, err := e.restore(rec); err != nil {
			if IsCode(err, ErrCodeSpecNotFound) {
				e.logger.Warn("recover skipped instance",
					"instance_id", rec.ID,
					"spec_hash", rec.SpecHash,
				)
				continue
			}
			return restored, err
		}
		restored++
	}

	e.logger.Info("engine recovered",
		"documents", len(docs),
		"instances", restored,
	)
	return restored, nil
}
