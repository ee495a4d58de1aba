package extract_test

import (
	"context"
	"strings"
	"testing"

	"github.com/fennwald/mnemosyne/internal/extract"
	"github.com/fennwald/mnemosyne/pkg/card"
	"github.com/fennwald/mnemosyne/pkg/provider/llm/mock"
)

func seedStore(t *testing.T) (*card.Store, map[string]string) {
	t.Helper()
	ctx := context.Background()
	s := card.NewStore(nil)
	ids := make(map[string]string)

	var err error
	if ids["harbour"], err = s.Create(ctx, card.KindLocation, "Harbour", nil); err != nil {
		t.Fatal(err)
	}
	if ids["mira"], err = s.Create(ctx, card.KindCharacter, "Mira", map[string]any{"location": ids["harbour"]}); err != nil {
		t.Fatal(err)
	}
	if ids["huld"], err = s.Create(ctx, card.KindCharacter, "Dockmaster Huld", nil); err != nil {
		t.Fatal(err)
	}
	if ids["lantern"], err = s.Create(ctx, card.KindItem, "Storm Lantern", map[string]any{"owner": ids["huld"]}); err != nil {
		t.Fatal(err)
	}
	if ids["quest"], err = s.Create(ctx, card.KindStory, "The Missing Shipment", nil); err != nil {
		t.Fatal(err)
	}
	return s, ids
}

func TestExtractResolvesByIDAndName(t *testing.T) {
	store, ids := seedStore(t)
	provider := &mock.Provider{
		ExtractResult: map[string]any{
			"character_changes": []any{
				map[string]any{
					"character_id": ids["mira"],
					"changes":      map[string]any{"status": "injured"},
				},
				map[string]any{
					// Case-insensitive name reference.
					"character_id": "dockmaster huld",
					"changes":      map[string]any{"location": ids["harbour"]},
				},
			},
		},
	}

	e := extract.New(provider, store)
	cs, err := e.Extract(context.Background(), "I duck behind the crates", "A crossbow bolt grazes Mira's arm.", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if len(cs.Characters) != 2 {
		t.Fatalf("character changes = %d, want 2", len(cs.Characters))
	}
	if cs.Characters[0].ID != ids["mira"] || cs.Characters[0].IsNew {
		t.Errorf("first change not resolved to Mira: %+v", cs.Characters[0])
	}
	if cs.Characters[1].ID != ids["huld"] || cs.Characters[1].IsNew {
		t.Errorf("name reference not resolved to Huld: %+v", cs.Characters[1])
	}
	if cs.TotalChanges() != 2 {
		t.Errorf("TotalChanges = %d, want 2", cs.TotalChanges())
	}
}

// A reference that does not resolve must be promoted to a new-entity
// creation even when the LLM claimed is_new=false.
func TestExtractPromotesUnresolvableToNew(t *testing.T) {
	store, _ := seedStore(t)
	provider := &mock.Provider{
		ExtractResult: map[string]any{
			"character_changes": []any{
				map[string]any{
					"character_id": "Captain Vessa",
					"is_new":       false,
					"changes":      map[string]any{"status": "active"},
				},
			},
		},
	}

	e := extract.New(provider, store)
	cs, err := e.Extract(context.Background(), "Who runs this ship?", "Captain Vessa steps out of the shadows.", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if len(cs.Characters) != 1 {
		t.Fatalf("character changes = %d, want 1", len(cs.Characters))
	}
	got := cs.Characters[0]
	if !got.IsNew {
		t.Error("unresolvable reference not promoted to is_new")
	}
	if got.Name != "Captain Vessa" {
		t.Errorf("new entity name = %q, want %q", got.Name, "Captain Vessa")
	}
	if got.ID != "" {
		t.Errorf("new entity carries an ID: %q", got.ID)
	}
}

func TestExtractFuzzyNameResolution(t *testing.T) {
	store, ids := seedStore(t)
	provider := &mock.Provider{
		ExtractResult: map[string]any{
			"character_changes": []any{
				map[string]any{
					// Misspelled but phonetically close to "Dockmaster Huld".
					"character_id": "Dockmaster Huldt",
					"changes":      map[string]any{"status": "injured"},
				},
			},
		},
	}

	e := extract.New(provider, store)
	cs, err := e.Extract(context.Background(), "in", "out", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(cs.Characters) != 1 || cs.Characters[0].ID != ids["huld"] {
		t.Fatalf("fuzzy reference not resolved to Huld: %+v", cs.Characters)
	}
}

func TestExtractDropsUnresolvableRelationships(t *testing.T) {
	store, ids := seedStore(t)
	provider := &mock.Provider{
		ExtractResult: map[string]any{
			"relationship_changes": []any{
				map[string]any{
					"entity1":           "Mira",
					"entity2":           "Dockmaster Huld",
					"relationship_type": "ally",
					"strength":          float64(6),
				},
				map[string]any{
					"entity1":           "Mira",
					"entity2":           "The Unknown Stranger",
					"relationship_type": "enemy",
					"strength":          float64(3),
				},
			},
		},
	}

	e := extract.New(provider, store)
	cs, err := e.Extract(context.Background(), "in", "out", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if len(cs.Relationships) != 1 {
		t.Fatalf("relationships = %d, want 1 (unresolved pair dropped)", len(cs.Relationships))
	}
	rel := cs.Relationships[0]
	if rel.Entity1 != ids["mira"] || rel.Entity2 != ids["huld"] {
		t.Errorf("relationship endpoints = (%q, %q)", rel.Entity1, rel.Entity2)
	}
	if rel.Strength != 6 || !rel.StrengthSet {
		t.Errorf("strength = %d (set=%v), want 6 with the presence flag set", rel.Strength, rel.StrengthSet)
	}
}

func TestExtractOmittedStrengthNotMarkedSet(t *testing.T) {
	store, ids := seedStore(t)
	provider := &mock.Provider{
		ExtractResult: map[string]any{
			"relationship_changes": []any{
				map[string]any{
					"entity1":           "Mira",
					"entity2":           "Dockmaster Huld",
					"relationship_type": "ally",
				},
			},
		},
	}

	e := extract.New(provider, store)
	cs, err := e.Extract(context.Background(), "in", "out", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(cs.Relationships) != 1 {
		t.Fatalf("relationships = %d, want 1", len(cs.Relationships))
	}
	rel := cs.Relationships[0]
	if rel.Entity1 != ids["mira"] || rel.StrengthSet {
		t.Errorf("omitted strength marked set: %+v", rel)
	}
}

func TestExtractResolvesFocusAndDropsDangling(t *testing.T) {
	store, ids := seedStore(t)
	provider := &mock.Provider{
		ExtractResult: map[string]any{
			"current_focus": map[string]any{
				"characters": []any{"Mira", "nobody-at-all"},
				"location":   "Harbour",
				"items":      []any{"Storm Lantern"},
			},
		},
	}

	e := extract.New(provider, store)
	cs, err := e.Extract(context.Background(), "in", "out", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if cs.Focus == nil {
		t.Fatal("focus missing")
	}
	if len(cs.Focus.Characters) != 1 || cs.Focus.Characters[0] != ids["mira"] {
		t.Errorf("focus characters = %v", cs.Focus.Characters)
	}
	if cs.Focus.Location != ids["harbour"] {
		t.Errorf("focus location = %q", cs.Focus.Location)
	}
	if len(cs.Focus.Items) != 1 || cs.Focus.Items[0] != ids["lantern"] {
		t.Errorf("focus items = %v", cs.Focus.Items)
	}
	// Focus alone is a trivial change-set.
	if !cs.IsEmpty() {
		t.Error("focus-only change-set should be empty")
	}
}

func TestExtractRawExtractionFallback(t *testing.T) {
	store, _ := seedStore(t)
	provider := &mock.Provider{
		ExtractResult: map[string]any{
			"raw_extraction": "I could not produce JSON, sorry.",
		},
	}

	e := extract.New(provider, store)
	cs, err := e.Extract(context.Background(), "in", "out", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !cs.IsEmpty() || cs.Focus != nil {
		t.Errorf("raw_extraction reply should yield an empty change-set, got %+v", cs)
	}
}

func TestExtractPromptContainsRoster(t *testing.T) {
	store, ids := seedStore(t)
	provider := &mock.Provider{ExtractResult: map[string]any{}}

	e := extract.New(provider, store)
	if _, err := e.Extract(context.Background(), "hello", "hi", "the scene"); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if len(provider.ExtractCalls) != 1 {
		t.Fatalf("extract calls = %d, want 1", len(provider.ExtractCalls))
	}
	prompt := provider.ExtractCalls[0].Prompt
	for _, want := range []string{"Mira", ids["mira"], "Harbour", "Storm Lantern", "The Missing Shipment", "the scene"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestChangeSetSummaryDeterministic(t *testing.T) {
	cs := &extract.ChangeSet{
		Characters: []extract.EntityChange{
			{ID: "c1", Name: "Mira", Changes: map[string]any{"status": "injured", "location": "harbour"}},
		},
		Relationships: []extract.RelationshipChange{
			{Entity1: "c1", Entity2: "c2", Type: "ally", Strength: 6},
		},
	}

	first := cs.Summary()
	for i := 0; i < 10; i++ {
		if got := cs.Summary(); got != first {
			t.Fatalf("summary not deterministic:\n%s\nvs\n%s", first, got)
		}
	}
	if !strings.Contains(first, "Mira") || !strings.Contains(first, "ally") {
		t.Errorf("summary missing content: %q", first)
	}
	// Sorted key order: location before status.
	if strings.Index(first, "location") > strings.Index(first, "status") {
		t.Errorf("changes not rendered in sorted key order: %q", first)
	}
}
