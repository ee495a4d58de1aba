package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fennwald/mnemosyne/pkg/storage"
	"github.com/fennwald/mnemosyne/pkg/storage/file"
	"github.com/fennwald/mnemosyne/pkg/storage/postgres"
)

// metadataKind is the entity kind under which campaign metadata records are
// stored in the backend's root entity storage.
const metadataKind = "campaign"

// Backend opens campaign-scoped durable storage. The root entity storage
// returned by Metadata holds one record per campaign under the "campaign"
// kind; entity and vector storage are isolated per campaign.
type Backend interface {
	// OpenCampaign returns the entity and vector storage for the campaign.
	OpenCampaign(ctx context.Context, campaignID string) (storage.EntityStorage, storage.VectorStorage, error)

	// Metadata returns the root entity storage holding campaign metadata.
	Metadata() storage.EntityStorage
}

// ── file backend ──

// FileBackend stores each campaign in its own directory under the data root.
type FileBackend struct {
	root string
	meta storage.EntityStorage
}

// NewFileBackend creates the data root directory and its metadata store.
func NewFileBackend(root string) (*FileBackend, error) {
	meta, err := file.NewStore(root)
	if err != nil {
		return nil, fmt.Errorf("engine: open data root %q: %w", root, err)
	}
	return &FileBackend{root: root, meta: meta}, nil
}

func (b *FileBackend) OpenCampaign(ctx context.Context, campaignID string) (storage.EntityStorage, storage.VectorStorage, error) {
	dir := filepath.Join(b.root, "campaigns", campaignID)
	entities, err := file.NewStore(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: open campaign %q: %w", campaignID, err)
	}
	vectors, err := file.NewVectorStore(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: open campaign vectors %q: %w", campaignID, err)
	}
	return entities, vectors, nil
}

func (b *FileBackend) Metadata() storage.EntityStorage { return b.meta }

// ── postgres backend ──

// PostgresBackend stores every campaign in one database, scoping entity kinds
// with a campaign prefix and vector records with a campaign_id metadata key.
type PostgresBackend struct {
	store *postgres.Store
}

// NewPostgresBackend wraps an open [postgres.Store].
func NewPostgresBackend(store *postgres.Store) *PostgresBackend {
	return &PostgresBackend{store: store}
}

func (b *PostgresBackend) OpenCampaign(ctx context.Context, campaignID string) (storage.EntityStorage, storage.VectorStorage, error) {
	return &scopedEntities{inner: b.store, prefix: campaignID + ":"},
		&scopedVectors{inner: b.store.Vectors(), campaignID: campaignID},
		nil
}

func (b *PostgresBackend) Metadata() storage.EntityStorage { return b.store }

// scopedEntities prefixes every kind with the campaign ID so campaigns share
// one cards table without colliding.
type scopedEntities struct {
	inner  storage.EntityStorage
	prefix string
}

func (s *scopedEntities) Put(ctx context.Context, kind, id string, rec storage.Record) error {
	return s.inner.Put(ctx, s.prefix+kind, id, rec)
}

func (s *scopedEntities) Get(ctx context.Context, kind, id string) (storage.Record, error) {
	return s.inner.Get(ctx, s.prefix+kind, id)
}

func (s *scopedEntities) List(ctx context.Context, kind string) ([]storage.StoredEntity, error) {
	return s.inner.List(ctx, s.prefix+kind)
}

func (s *scopedEntities) Delete(ctx context.Context, kind, id string) error {
	return s.inner.Delete(ctx, s.prefix+kind, id)
}

// scopedVectors tags every record with the campaign ID and filters reads,
// so campaigns share one vector table.
type scopedVectors struct {
	inner      storage.VectorStorage
	campaignID string
}

func (s *scopedVectors) Put(ctx context.Context, rec storage.VectorRecord) error {
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	rec.Metadata["campaign_id"] = s.campaignID
	return s.inner.Put(ctx, rec)
}

func (s *scopedVectors) GetAll(ctx context.Context) ([]storage.VectorRecord, error) {
	all, err := s.inner.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]storage.VectorRecord, 0, len(all))
	for _, rec := range all {
		if rec.Metadata["campaign_id"] == s.campaignID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *scopedVectors) Delete(ctx context.Context, id string) error {
	return s.inner.Delete(ctx, id)
}

var (
	_ Backend = (*FileBackend)(nil)
	_ Backend = (*PostgresBackend)(nil)

	_ storage.EntityStorage = (*scopedEntities)(nil)
	_ storage.VectorStorage = (*scopedVectors)(nil)
)
