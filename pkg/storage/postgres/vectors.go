package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/fennwald/mnemosyne/pkg/storage"
)

// VectorStoreImpl is the vector storage half of the PostgreSQL backend,
// backed by a memories table with a pgvector column and an HNSW index.
//
// Obtain one via [Store.Vectors] rather than constructing directly.
// All methods are safe for concurrent use.
type VectorStoreImpl struct {
	pool *pgxpool.Pool
}

// Put implements [storage.VectorStorage.Put] as an upsert on id.
func (v *VectorStoreImpl) Put(ctx context.Context, rec storage.VectorRecord) error {
	const q = `
		INSERT INTO memories (id, embedding, text, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    embedding = EXCLUDED.embedding,
		    text      = EXCLUDED.text,
		    metadata  = EXCLUDED.metadata`

	vec := pgvector.NewVector(rec.Vector)
	if _, err := v.pool.Exec(ctx, q, rec.ID, vec, rec.Text, rec.Metadata, rec.CreatedAt); err != nil {
		return fmt.Errorf("postgres storage: put vector %q: %w", rec.ID, err)
	}
	return nil
}

// GetAll implements [storage.VectorStorage.GetAll], ordered by created_at.
func (v *VectorStoreImpl) GetAll(ctx context.Context) ([]storage.VectorRecord, error) {
	const q = `SELECT id, embedding, text, metadata, created_at FROM memories ORDER BY created_at`

	rows, err := v.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: get all vectors: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.VectorRecord, error) {
		var (
			rec storage.VectorRecord
			vec pgvector.Vector
		)
		if err := row.Scan(&rec.ID, &vec, &rec.Text, &rec.Metadata, &rec.CreatedAt); err != nil {
			return storage.VectorRecord{}, err
		}
		rec.Vector = vec.Slice()
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres storage: scan vector rows: %w", err)
	}
	if out == nil {
		out = []storage.VectorRecord{}
	}
	return out, nil
}

// Delete implements [storage.VectorStorage.Delete]. Deleting a non-existent
// row is not an error.
func (v *VectorStoreImpl) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM memories WHERE id = $1`
	if _, err := v.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("postgres storage: delete vector %q: %w", id, err)
	}
	return nil
}
