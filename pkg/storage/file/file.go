// Package file provides a JSON-file implementation of the storage interfaces.
//
// Entity records live under <root>/<kind>/<id>.json and vector records under
// <root>/vectors/<id>.json. Every write goes through the same durability
// sequence: encode to <path>.tmp, move any existing file to <path>.bak, then
// atomically rename the temp file into place. A crash mid-write therefore
// leaves either the old file, the backup, or the new file — never a truncated
// record.
//
// Corrupted files are logged and surfaced per the [storage.EntityStorage]
// contract (nil Record) or skipped (vector case); they never abort a load.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fennwald/mnemosyne/pkg/storage"
)

// Compile-time interface checks.
var (
	_ storage.EntityStorage = (*Store)(nil)
	_ storage.VectorStorage = (*VectorStore)(nil)
)

// Store is a file-backed [storage.EntityStorage] rooted at a directory.
// All methods are safe for concurrent use.
type Store struct {
	root string
	mu   sync.Mutex // serialises the temp/backup/rename dance per store
}

// NewStore creates the root directory if needed and returns a file-backed
// entity store.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("file storage: root directory must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("file storage: create root %q: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Put implements [storage.EntityStorage.Put].
func (s *Store) Put(ctx context.Context, kind, id string, rec storage.Record) error {
	if err := validateKey(kind, id); err != nil {
		return err
	}
	dir := filepath.Join(s.root, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("file storage: create kind dir %q: %w", dir, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("file storage: encode record %s/%s: %w", kind, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicWrite(filepath.Join(dir, id+".json"), data); err != nil {
		return fmt.Errorf("file storage: write record %s/%s: %w", kind, id, err)
	}
	return nil
}

// Get implements [storage.EntityStorage.Get].
func (s *Store) Get(ctx context.Context, kind, id string) (storage.Record, error) {
	if err := validateKey(kind, id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, kind, id+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("file storage: read record %s/%s: %w", kind, id, err)
	}

	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("file storage: decode record %s/%s: %w", kind, id, err)
	}
	return rec, nil
}

// List implements [storage.EntityStorage.List]. Records whose bytes do not
// decode into a JSON object are returned with a nil Record after logging a
// warning, so the caller can repair or skip them.
func (s *Store) List(ctx context.Context, kind string) ([]storage.StoredEntity, error) {
	dir := filepath.Join(s.root, kind)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []storage.StoredEntity{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file storage: list kind %q: %w", kind, err)
	}

	out := make([]storage.StoredEntity, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			slog.Warn("file storage: unreadable record, surfacing as corrupt",
				"kind", kind, "id", id, "error", err)
			out = append(out, storage.StoredEntity{ID: id})
			continue
		}

		var rec storage.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Warn("file storage: corrupt record, surfacing for repair",
				"kind", kind, "id", id, "error", err)
			out = append(out, storage.StoredEntity{ID: id})
			continue
		}
		out = append(out, storage.StoredEntity{ID: id, Record: rec})
	}
	return out, nil
}

// Delete implements [storage.EntityStorage.Delete].
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	if err := validateKey(kind, id); err != nil {
		return err
	}
	path := filepath.Join(s.root, kind, id+".json")

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file storage: delete record %s/%s: %w", kind, id, err)
	}
	// Best effort: remove a stale backup too.
	_ = os.Remove(path + ".bak")
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Vector store
// ─────────────────────────────────────────────────────────────────────────────

// VectorStore is a file-backed [storage.VectorStorage] keeping one JSON file
// per record under <root>/vectors. All methods are safe for concurrent use.
type VectorStore struct {
	dir string
	mu  sync.Mutex
}

// NewVectorStore creates <root>/vectors if needed and returns a file-backed
// vector store.
func NewVectorStore(root string) (*VectorStore, error) {
	if root == "" {
		return nil, fmt.Errorf("file storage: root directory must not be empty")
	}
	dir := filepath.Join(root, "vectors")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file storage: create vector dir %q: %w", dir, err)
	}
	return &VectorStore{dir: dir}, nil
}

// Put implements [storage.VectorStorage.Put].
func (v *VectorStore) Put(ctx context.Context, rec storage.VectorRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("file storage: vector record id must not be empty")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("file storage: encode vector %q: %w", rec.ID, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := atomicWrite(filepath.Join(v.dir, rec.ID+".json"), data); err != nil {
		return fmt.Errorf("file storage: write vector %q: %w", rec.ID, err)
	}
	return nil
}

// GetAll implements [storage.VectorStorage.GetAll]. Corrupt vector files are
// logged and skipped; ordering is by CreatedAt ascending.
func (v *VectorStore) GetAll(ctx context.Context) ([]storage.VectorRecord, error) {
	entries, err := os.ReadDir(v.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []storage.VectorRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file storage: list vectors: %w", err)
	}

	out := make([]storage.VectorRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(v.dir, name))
		if err != nil {
			slog.Warn("file storage: unreadable vector record, skipping", "file", name, "error", err)
			continue
		}
		var rec storage.VectorRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Warn("file storage: corrupt vector record, skipping", "file", name, "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete implements [storage.VectorStorage.Delete].
func (v *VectorStore) Delete(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	path := filepath.Join(v.dir, id+".json")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file storage: delete vector %q: %w", id, err)
	}
	_ = os.Remove(path + ".bak")
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// atomicWrite writes data to path via the temp/backup/rename sequence.
// The caller must hold the store mutex.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	// Preserve the previous version as a backup before renaming over it.
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			_ = os.Remove(tmp)
			return err
		}
	}

	if err := os.Rename(tmp, path); err != nil {
		// Try to restore the backup so the old data is not lost.
		_ = os.Rename(path+".bak", path)
		return err
	}
	return nil
}

// validateKey rejects kinds/ids that would escape the storage root.
func validateKey(kind, id string) error {
	for _, part := range []string{kind, id} {
		if part == "" {
			return fmt.Errorf("file storage: kind and id must not be empty")
		}
		if strings.ContainsAny(part, `/\`) || strings.Contains(part, "..") {
			return fmt.Errorf("file storage: invalid key component %q", part)
		}
	}
	return nil
}
