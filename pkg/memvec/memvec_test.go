package memvec_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fennwald/mnemosyne/pkg/memvec"
	"github.com/fennwald/mnemosyne/pkg/provider/embeddings/mock"
	"github.com/fennwald/mnemosyne/pkg/storage"
)

// axisEmbedder maps texts onto fixed unit vectors by keyword so similarity
// rankings in tests are fully predictable.
func axisEmbedder() *mock.Provider {
	return &mock.Provider{
		DimensionsValue: 3,
		ModelIDValue:    "test-embed-v1",
		EmbedFunc: func(text string) []float32 {
			switch {
			case strings.Contains(text, "dragon"):
				return []float32{1, 0, 0}
			case strings.Contains(text, "tavern"):
				return []float32{0, 1, 0}
			case strings.Contains(text, "dungeon"):
				// Between dragon and tavern, closer to dragon.
				return []float32{0.9, 0.2, 0}
			default:
				return []float32{0, 0, 1}
			}
		},
	}
}

func TestIndexStoreAndSearch(t *testing.T) {
	ctx := context.Background()
	ix := memvec.New(axisEmbedder(), nil)

	if _, err := ix.Store(ctx, "the dragon circled the peak", map[string]any{"turn": 1}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := ix.Store(ctx, "a quiet night at the tavern", map[string]any{"turn": 2}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := ix.Store(ctx, "deep in the dungeon", map[string]any{"turn": 3}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if ix.Len() != 3 {
		t.Fatalf("Len = %d, want 3", ix.Len())
	}

	results, err := ix.Search(ctx, "where is the dragon", 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !strings.Contains(results[0].Text, "dragon") {
		t.Errorf("top result = %q, want the dragon memory", results[0].Text)
	}
	if !strings.Contains(results[1].Text, "dungeon") {
		t.Errorf("second result = %q, want the dungeon memory", results[1].Text)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("results not in descending score order: %v then %v", results[0].Score, results[1].Score)
	}
}

func TestIndexSearchDeterministicOrder(t *testing.T) {
	ctx := context.Background()
	ix := memvec.New(axisEmbedder(), nil)

	// Identical vectors produce identical scores; ranking must then follow
	// insertion time, making repeated searches stable.
	first, _ := ix.Store(ctx, "dragon sighted in the east", nil)
	ix.Store(ctx, "dragon sighted in the west", nil)

	for i := 0; i < 5; i++ {
		results, err := ix.Search(ctx, "dragon", 2, nil)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(results) != 2 || results[0].ID != first {
			t.Fatalf("run %d: tie not broken by insertion order: %+v", i, results)
		}
	}
}

func TestIndexSearchFilters(t *testing.T) {
	ctx := context.Background()
	ix := memvec.New(axisEmbedder(), nil)

	ix.Store(ctx, "dragon attack on the bridge", map[string]any{"type": "combat", "importance": 0.9})
	ix.Store(ctx, "dragon lore from the library", map[string]any{"type": "lore", "importance": 0.4})
	ix.Store(ctx, "dragon egg rumour", map[string]any{"type": "rumour", "importance": 0.6})

	t.Run("equals", func(t *testing.T) {
		results, err := ix.Search(ctx, "dragon", 10, &memvec.Filter{
			Equals: map[string]any{"type": "lore"},
		})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(results) != 1 || !strings.Contains(results[0].Text, "library") {
			t.Fatalf("equals filter results = %+v", results)
		}
	})

	t.Run("any of", func(t *testing.T) {
		results, err := ix.Search(ctx, "dragon", 10, &memvec.Filter{
			AnyOf: map[string][]any{"type": {"combat", "rumour"}},
		})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("any-of filter returned %d results, want 2", len(results))
		}
	})

	t.Run("range", func(t *testing.T) {
		min := 0.5
		results, err := ix.Search(ctx, "dragon", 10, &memvec.Filter{
			Range: map[string]memvec.Range{"importance": {Min: &min}},
		})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("range filter returned %d results, want 2", len(results))
		}
	})
}

func TestIndexSearchAnyOfListMembership(t *testing.T) {
	ctx := context.Background()
	ix := memvec.New(axisEmbedder(), nil)

	ix.Store(ctx, "dragon burns the mill", map[string]any{"entities": []string{"char-1", "char-2"}})
	ix.Store(ctx, "dragon flees north", map[string]any{"entities": []any{"char-9"}})
	ix.Store(ctx, "dragon egg hatches", map[string]any{"turn": 3})

	results, err := ix.Search(ctx, "dragon", 10, &memvec.Filter{
		AnyOf: map[string][]any{"entities": {"char-1"}},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || !strings.Contains(results[0].Text, "mill") {
		t.Fatalf("list membership filter results = %+v", results)
	}

	// A list-valued condition still rejects memories without the key.
	results, err = ix.Search(ctx, "dragon", 10, &memvec.Filter{
		AnyOf: map[string][]any{"entities": {"char-9", "char-2"}},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
}

func TestIndexUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	ix := memvec.New(axisEmbedder(), nil)

	id, _ := ix.Store(ctx, "a quiet night at the tavern", nil)
	if err := ix.Update(ctx, id, "the dragon burned the tavern down", map[string]any{"type": "combat"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	results, _ := ix.Search(ctx, "dragon", 1, nil)
	if len(results) != 1 || results[0].ID != id {
		t.Fatalf("updated memory not found under new embedding: %+v", results)
	}
	if results[0].Metadata["type"] != "combat" {
		t.Errorf("metadata not replaced: %v", results[0].Metadata)
	}

	if err := ix.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := ix.Delete(ctx, id); !errors.Is(err, memvec.ErrNotFound) {
		t.Fatalf("second Delete: err = %v, want ErrNotFound", err)
	}
	if ix.Len() != 0 {
		t.Errorf("Len = %d, want 0", ix.Len())
	}
}

func TestIndexLoadSkipsMismatchedDimensions(t *testing.T) {
	ctx := context.Background()
	backing := storage.NewMemVectorStorage()

	// A previous session stored one memory with a 3-dim model and one with an
	// older 2-dim model.
	backing.Put(ctx, storage.VectorRecord{ID: "keep", Vector: []float32{1, 0, 0}, Text: "dragon"})
	backing.Put(ctx, storage.VectorRecord{ID: "skip", Vector: []float32{1, 0}, Text: "stale"})

	ix := memvec.New(axisEmbedder(), backing)
	if err := ix.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ix.Len() != 1 {
		t.Fatalf("Len after load = %d, want 1", ix.Len())
	}
	results, _ := ix.Search(ctx, "dragon", 10, nil)
	if len(results) != 1 || results[0].ID != "keep" {
		t.Fatalf("search after load = %+v", results)
	}
}

func TestIndexPersistRoundTrip(t *testing.T) {
	ctx := context.Background()
	backing := storage.NewMemVectorStorage()

	ix := memvec.New(axisEmbedder(), backing)
	id, err := ix.Store(ctx, "the dragon fled north", map[string]any{"turn": 7})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	reloaded := memvec.New(axisEmbedder(), backing)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	results, err := reloaded.Search(ctx, "dragon", 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != id {
		t.Fatalf("reloaded search = %+v, want memory %q", results, id)
	}
}
