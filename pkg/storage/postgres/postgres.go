// Package postgres provides a PostgreSQL-backed implementation of the
// Mnemosyne storage interfaces: entity records as JSONB rows and semantic
// memory vectors in a pgvector column.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Put(ctx, "character", id, rec) // storage.EntityStorage
//	_ = store.Vectors().Put(ctx, vrec)       // storage.VectorStorage
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/fennwald/mnemosyne/pkg/storage"
)

// Compile-time interface checks.
//
// EntityStorage and VectorStorage both define a method named Put with
// different signatures, so a single struct cannot implement both. The vector
// half is exposed as a sub-type via [Store.Vectors].
var (
	_ storage.EntityStorage = (*Store)(nil)
	_ storage.VectorStorage = (*VectorStoreImpl)(nil)
)

// Store is the central PostgreSQL-backed storage for Mnemosyne. It holds a
// single [pgxpool.Pool]; Store itself implements [storage.EntityStorage] and
// [Store.Vectors] returns the [storage.VectorStorage] half.
//
// All operations are safe for concurrent use.
type Store struct {
	pool    *pgxpool.Pool
	vectors *VectorStoreImpl
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate].
//
// embeddingDimensions must match the output dimension of the configured
// embedding model (e.g., 768 for nomic-embed-text, 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres storage: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres storage: migrate: %w", err)
	}

	return &Store{
		pool:    pool,
		vectors: &VectorStoreImpl{pool: pool},
	}, nil
}

// Vectors returns the vector storage half, which satisfies
// [storage.VectorStorage].
func (s *Store) Vectors() *VectorStoreImpl { return s.vectors }

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Put implements [storage.EntityStorage.Put] as an upsert on (kind, id).
func (s *Store) Put(ctx context.Context, kind, id string, rec storage.Record) error {
	const q = `
		INSERT INTO cards (kind, id, record, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (kind, id) DO UPDATE SET
		    record     = EXCLUDED.record,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, kind, id, rec); err != nil {
		return fmt.Errorf("postgres storage: put %s/%s: %w", kind, id, err)
	}
	return nil
}

// Get implements [storage.EntityStorage.Get].
func (s *Store) Get(ctx context.Context, kind, id string) (storage.Record, error) {
	const q = `SELECT record FROM cards WHERE kind = $1 AND id = $2`

	var rec storage.Record
	err := s.pool.QueryRow(ctx, q, kind, id).Scan(&rec)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres storage: get %s/%s: %w", kind, id, err)
	}
	return rec, nil
}

// List implements [storage.EntityStorage.List]. Rows are returned in
// insertion order (the seq column). A row whose JSONB does not decode into a
// map is surfaced with a nil Record per the interface contract.
func (s *Store) List(ctx context.Context, kind string) ([]storage.StoredEntity, error) {
	const q = `SELECT id, record FROM cards WHERE kind = $1 ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, kind)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: list %q: %w", kind, err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.StoredEntity, error) {
		var se storage.StoredEntity
		if err := row.Scan(&se.ID, &se.Record); err != nil {
			return storage.StoredEntity{}, err
		}
		return se, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres storage: scan rows: %w", err)
	}
	if out == nil {
		out = []storage.StoredEntity{}
	}
	return out, nil
}

// Delete implements [storage.EntityStorage.Delete]. Deleting a non-existent
// row is not an error.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	const q = `DELETE FROM cards WHERE kind = $1 AND id = $2`
	if _, err := s.pool.Exec(ctx, q, kind, id); err != nil {
		return fmt.Errorf("postgres storage: delete %s/%s: %w", kind, id, err)
	}
	return nil
}
