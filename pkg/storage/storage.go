// Package storage defines the durable storage contracts consumed by the
// Mnemosyne memory engine: a record store for entity cards keyed by
// (kind, id), and a vector store for semantic memory records.
//
// Two backends are provided:
//
//   - storage/file: JSON files on local disk with a write-temp → backup →
//     atomic-rename durability pattern. The default for desktop use.
//   - storage/postgres: pgx-backed tables with a pgvector column for
//     embeddings, for users pointing the engine at a server database.
//
// Corrupted records must never abort a load: backends log and surface them
// with a nil Record so the caller can repair or skip (see [StoredEntity]).
//
// All implementations must be safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the requested key.
var ErrNotFound = errors.New("storage: record not found")

// Record is a flat, JSON-compatible representation of a stored entity.
type Record = map[string]any

// StoredEntity pairs a record with its ID as returned by [EntityStorage.List].
// A nil Record indicates the stored bytes could not be decoded into a map;
// the backend has already logged the corruption and the caller decides
// whether to repair or skip.
type StoredEntity struct {
	// ID is the entity's unique identifier.
	ID string

	// Record is the decoded record, or nil when the stored data was corrupt.
	Record Record
}

// EntityStorage is durable key-value storage of entity records, organised by
// kind. Implementations must be safe for concurrent use.
type EntityStorage interface {
	// Put durably stores rec under (kind, id), replacing any existing record.
	Put(ctx context.Context, kind, id string, rec Record) error

	// Get retrieves the record stored under (kind, id).
	// Returns [ErrNotFound] when no such record exists.
	Get(ctx context.Context, kind, id string) (Record, error)

	// List returns all records of the given kind. Corrupt records are
	// returned with a nil Record rather than aborting the listing.
	// Returns an empty (non-nil) slice when the kind holds no records.
	List(ctx context.Context, kind string) ([]StoredEntity, error)

	// Delete removes the record stored under (kind, id).
	// Deleting a non-existent record is not an error.
	Delete(ctx context.Context, kind, id string) error
}

// VectorRecord is a semantic memory record as persisted by [VectorStorage].
type VectorRecord struct {
	// ID is the record's unique identifier.
	ID string `json:"id"`

	// Vector is the embedding of Text.
	Vector []float32 `json:"vector"`

	// Text is the narrative content that was embedded.
	Text string `json:"text"`

	// Metadata carries open key-value metadata (type, timestamp, involved
	// entities, importance). Values must be JSON-compatible.
	Metadata map[string]any `json:"metadata"`

	// CreatedAt is when the record was first stored. Used to keep search
	// tie-breaking stable across reloads.
	CreatedAt time.Time `json:"created_at"`
}

// VectorStorage is durable storage of embedding vectors with metadata.
// Implementations must be safe for concurrent use.
type VectorStorage interface {
	// Put durably stores rec, replacing any existing record with the same ID.
	Put(ctx context.Context, rec VectorRecord) error

	// GetAll returns every stored vector record, ordered by CreatedAt
	// ascending. Corrupt records are logged and skipped.
	// Returns an empty (non-nil) slice when the store is empty.
	GetAll(ctx context.Context) ([]VectorRecord, error)

	// Delete removes the record with the given ID.
	// Deleting a non-existent record is not an error.
	Delete(ctx context.Context, id string) error
}
