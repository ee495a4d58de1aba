package storage

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// Compile-time interface checks.
//
// EntityStorage and VectorStorage both define a method named Put with
// different signatures, so a single struct cannot implement both. The vector
// side is exposed as a sub-type via [MemStorage.Vectors], mirroring how the
// postgres backend splits its layers.
var (
	_ EntityStorage = (*MemStorage)(nil)
	_ VectorStorage = (*MemVectorStorage)(nil)
)

// MemStorage is a thread-safe, in-memory implementation of [EntityStorage].
// It also carries an in-memory [VectorStorage] obtainable via
// [MemStorage.Vectors]. Suitable for tests and throwaway sessions where
// durability is not required.
type MemStorage struct {
	mu       sync.RWMutex
	entities map[string]map[string]Record // kind → id → record
	order    map[string][]string          // kind → insertion-ordered ids
	vectors  *MemVectorStorage
}

// NewMemStorage returns an initialised [MemStorage].
func NewMemStorage() *MemStorage {
	return &MemStorage{
		entities: make(map[string]map[string]Record),
		order:    make(map[string][]string),
		vectors: &MemVectorStorage{
			records: make(map[string]VectorRecord),
		},
	}
}

// Vectors returns the in-memory vector store half, which satisfies
// [VectorStorage].
func (m *MemStorage) Vectors() *MemVectorStorage { return m.vectors }

// Put implements [EntityStorage.Put].
func (m *MemStorage) Put(ctx context.Context, kind, id string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.entities[kind]
	if !ok {
		byID = make(map[string]Record)
		m.entities[kind] = byID
	}
	if _, exists := byID[id]; !exists {
		m.order[kind] = append(m.order[kind], id)
	}
	byID[id] = maps.Clone(rec)
	return nil
}

// Get implements [EntityStorage.Get].
func (m *MemStorage) Get(ctx context.Context, kind, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.entities[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	return maps.Clone(rec), nil
}

// List implements [EntityStorage.List]. Records are returned in insertion
// order.
func (m *MemStorage) List(ctx context.Context, kind string) ([]StoredEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.order[kind]
	out := make([]StoredEntity, 0, len(ids))
	for _, id := range ids {
		out = append(out, StoredEntity{ID: id, Record: maps.Clone(m.entities[kind][id])})
	}
	return out, nil
}

// Delete implements [EntityStorage.Delete].
func (m *MemStorage) Delete(ctx context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if byID, ok := m.entities[kind]; ok {
		delete(byID, id)
	}
	ids := m.order[kind]
	for i, existing := range ids {
		if existing == id {
			m.order[kind] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// MemVectorStorage is a thread-safe, in-memory implementation of
// [VectorStorage]. Obtain one via [MemStorage.Vectors] or use the zero-ready
// [NewMemVectorStorage].
type MemVectorStorage struct {
	mu      sync.RWMutex
	records map[string]VectorRecord
	order   []string
}

// NewMemVectorStorage returns an initialised [MemVectorStorage].
func NewMemVectorStorage() *MemVectorStorage {
	return &MemVectorStorage{records: make(map[string]VectorRecord)}
}

// Put implements [VectorStorage.Put].
func (m *MemVectorStorage) Put(ctx context.Context, rec VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if _, exists := m.records[rec.ID]; !exists {
		m.order = append(m.order, rec.ID)
	}
	m.records[rec.ID] = rec
	return nil
}

// GetAll implements [VectorStorage.GetAll].
func (m *MemVectorStorage) GetAll(ctx context.Context) ([]VectorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]VectorRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete implements [VectorStorage.Delete].
func (m *MemVectorStorage) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}
