// Package memvec implements the semantic memory index.
//
// The index stores short narrative texts ("Mira found the moonblade in the
// crypt") together with their embedding vectors and arbitrary metadata, and
// retrieves them by cosine similarity against a query embedding. It is the
// long-term memory behind context assembly: when a new turn begins, the most
// similar past moments are folded into the scene context.
//
// Entries are held in memory and written through to a
// [storage.VectorStorage] backend; Load restores them at session start.
// Search is a brute-force scan, which is exact and plenty fast for the
// few thousand entries a single campaign accumulates. PostgreSQL deployments
// additionally index the same vectors with HNSW for server-side queries.
package memvec

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fennwald/mnemosyne/pkg/provider/embeddings"
	"github.com/fennwald/mnemosyne/pkg/storage"
)

// ErrNotFound is returned when the requested memory ID is not in the index.
var ErrNotFound = fmt.Errorf("memvec: memory not found")

// entry is one stored memory with its embedding. seq preserves insertion
// order for deterministic tie-breaking in search results.
type entry struct {
	id        string
	seq       int
	vector    []float32
	text      string
	metadata  map[string]any
	createdAt time.Time
}

// Result is a single search hit.
type Result struct {
	// ID is the memory's identifier.
	ID string
	// Text is the stored memory text.
	Text string
	// Score is the cosine similarity against the query, in [-1, 1].
	Score float64
	// Metadata is the metadata stored with the memory.
	Metadata map[string]any
	// CreatedAt is when the memory was stored.
	CreatedAt time.Time
}

// Range is a numeric bound for [Filter.Range]. A nil Min or Max leaves that
// side unbounded.
type Range struct {
	Min *float64
	Max *float64
}

// Filter restricts search to memories whose metadata satisfies every listed
// condition. All maps may be nil; a nil or zero Filter matches everything.
type Filter struct {
	// Equals requires metadata[key] == value for each pair.
	Equals map[string]any

	// AnyOf requires metadata[key] to equal at least one of the listed values.
	// When metadata[key] holds a list (an entity-id membership list, say), the
	// condition passes if any of its elements equals a listed value.
	AnyOf map[string][]any

	// Range requires metadata[key] to be a number within the given bounds.
	Range map[string]Range
}

// Index is the semantic memory index. Safe for concurrent use.
type Index struct {
	provider embeddings.Provider
	backing  storage.VectorStorage

	mu      sync.RWMutex
	entries map[string]*entry
	nextSeq int
}

// New returns an Index embedding with provider and writing through to
// backing. A nil backing keeps the index memory-only.
func New(provider embeddings.Provider, backing storage.VectorStorage) *Index {
	return &Index{
		provider: provider,
		backing:  backing,
		entries:  make(map[string]*entry),
	}
}

// Load replaces the in-memory entries with the backing store's contents.
// Vectors whose length does not match the active provider's dimensions are
// skipped with a warning: they were produced by a different embedding model
// and cannot participate in similarity scoring. The skipped records stay in
// the backing store untouched.
func (ix *Index) Load(ctx context.Context) error {
	if ix.backing == nil {
		return nil
	}
	records, err := ix.backing.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("memvec: load: %w", err)
	}

	dims := ix.provider.Dimensions()
	loaded := make(map[string]*entry, len(records))
	skipped := 0
	seq := 0
	for _, rec := range records {
		if dims > 0 && len(rec.Vector) != dims {
			skipped++
			continue
		}
		loaded[rec.ID] = &entry{
			id:        rec.ID,
			seq:       seq,
			vector:    rec.Vector,
			text:      rec.Text,
			metadata:  rec.Metadata,
			createdAt: rec.CreatedAt,
		}
		seq++
	}
	if skipped > 0 {
		slog.Warn("memvec: skipped memories with mismatched embedding dimensions",
			"skipped", skipped, "model", ix.provider.ModelID(), "dimensions", dims)
	}

	ix.mu.Lock()
	ix.entries = loaded
	ix.nextSeq = seq
	ix.mu.Unlock()
	return nil
}

// Store embeds text, assigns a fresh ID and stores the memory. Returns the
// new memory's ID.
func (ix *Index) Store(ctx context.Context, text string, metadata map[string]any) (string, error) {
	if text == "" {
		return "", fmt.Errorf("memvec: store: text must not be empty")
	}
	vec, err := ix.provider.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("memvec: store: embed: %w", err)
	}

	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("memvec: store: generate id: %w", err)
	}

	e := &entry{
		id:        id,
		vector:    vec,
		text:      text,
		metadata:  cloneMetadata(metadata),
		createdAt: time.Now(),
	}

	ix.mu.Lock()
	e.seq = ix.nextSeq
	ix.nextSeq++
	ix.entries[id] = e
	ix.mu.Unlock()

	ix.persist(ctx, e)
	return id, nil
}

// Update modifies a stored memory in place, keeping its ID and creation time.
// A non-empty text replaces the memory's text and re-embeds it; metadata keys
// are merged into the existing metadata. Returns [ErrNotFound] for unknown IDs.
func (ix *Index) Update(ctx context.Context, id, text string, metadata map[string]any) error {
	var vec []float32
	if text != "" {
		var err error
		vec, err = ix.provider.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("memvec: update: embed: %w", err)
		}
	}

	ix.mu.Lock()
	e, ok := ix.entries[id]
	if !ok {
		ix.mu.Unlock()
		return fmt.Errorf("memvec: update %q: %w", id, ErrNotFound)
	}
	if text != "" {
		e.vector = vec
		e.text = text
	}
	if len(metadata) > 0 {
		if e.metadata == nil {
			e.metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			e.metadata[k] = v
		}
	}
	snapshot := *e
	ix.mu.Unlock()

	ix.persist(ctx, &snapshot)
	return nil
}

// Delete removes the memory from the index and best-effort deletes the
// backing record. Returns [ErrNotFound] for unknown IDs.
func (ix *Index) Delete(ctx context.Context, id string) error {
	ix.mu.Lock()
	_, ok := ix.entries[id]
	if !ok {
		ix.mu.Unlock()
		return fmt.Errorf("memvec: delete %q: %w", id, ErrNotFound)
	}
	delete(ix.entries, id)
	ix.mu.Unlock()

	if ix.backing != nil {
		if err := ix.backing.Delete(ctx, id); err != nil {
			slog.Warn("memvec: failed to delete backing record", "id", id, "error", err)
		}
	}
	return nil
}

// Len returns the number of memories currently in the index.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search embeds query and returns the topK most similar memories matching
// filter, ordered by descending cosine similarity. Ties keep insertion-time
// order (older first), so repeated searches over the same data return the
// same ranking. A topK <= 0 returns nil.
func (ix *Index) Search(ctx context.Context, query string, topK int, filter *Filter) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	qvec, err := ix.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memvec: search: embed: %w", err)
	}

	type scored struct {
		res Result
		seq int
	}

	ix.mu.RLock()
	candidates := make([]scored, 0, len(ix.entries))
	for _, e := range ix.entries {
		if len(e.vector) != len(qvec) {
			continue
		}
		if !matches(filter, e.metadata) {
			continue
		}
		candidates = append(candidates, scored{
			res: Result{
				ID:        e.id,
				Text:      e.text,
				Score:     cosineSimilarity(qvec, e.vector),
				Metadata:  cloneMetadata(e.metadata),
				CreatedAt: e.createdAt,
			},
			seq: e.seq,
		})
	}
	ix.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].res.Score != candidates[j].res.Score {
			return candidates[i].res.Score > candidates[j].res.Score
		}
		return candidates[i].seq < candidates[j].seq
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = c.res
	}
	return out, nil
}

// persist writes the entry through to the backing store, logging failures.
func (ix *Index) persist(ctx context.Context, e *entry) {
	if ix.backing == nil {
		return
	}
	rec := storage.VectorRecord{
		ID:        e.id,
		Vector:    e.vector,
		Text:      e.text,
		Metadata:  e.metadata,
		CreatedAt: e.createdAt,
	}
	if err := ix.backing.Put(ctx, rec); err != nil {
		slog.Warn("memvec: failed to persist memory; in-memory state remains authoritative",
			"id", e.id, "error", err)
	}
}

// matches reports whether metadata satisfies every condition in filter.
func matches(f *Filter, metadata map[string]any) bool {
	if f == nil {
		return true
	}
	for key, want := range f.Equals {
		if metadata[key] != want {
			return false
		}
	}
	for key, allowed := range f.AnyOf {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		if !anyOf(got, allowed) {
			return false
		}
	}
	for key, r := range f.Range {
		num, ok := asNumber(metadata[key])
		if !ok {
			return false
		}
		if r.Min != nil && num < *r.Min {
			return false
		}
		if r.Max != nil && num > *r.Max {
			return false
		}
	}
	return true
}

// anyOf reports whether got, or any element of got when it holds a list,
// equals one of the allowed values. JSON-decoded metadata can hold
// uncomparable values, so equality goes through reflect.DeepEqual.
func anyOf(got any, allowed []any) bool {
	values := []any{got}
	switch list := got.(type) {
	case []any:
		values = list
	case []string:
		values = make([]any, len(list))
		for i, s := range list {
			values[i] = s
		}
	}
	for _, v := range values {
		for _, want := range allowed {
			if reflect.DeepEqual(v, want) {
				return true
			}
		}
	}
	return false
}

// asNumber coerces the numeric types JSON decoding produces into a float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// cosineSimilarity computes the cosine of the angle between a and b.
// Returns 0 when either vector has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// cloneMetadata shallow-copies a metadata map.
func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// generateID produces a random 16-byte hex string using crypto/rand.
func generateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
