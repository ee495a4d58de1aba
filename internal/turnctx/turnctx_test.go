package turnctx_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fennwald/mnemosyne/internal/turnctx"
	"github.com/fennwald/mnemosyne/pkg/card"
	"github.com/fennwald/mnemosyne/pkg/memvec"
	embmock "github.com/fennwald/mnemosyne/pkg/provider/embeddings/mock"
	"github.com/fennwald/mnemosyne/pkg/types"
)

// keywordEmbedder maps texts onto unit axes by keyword, so tests control
// which memories a query retrieves.
func keywordEmbedder() *embmock.Provider {
	return &embmock.Provider{
		DimensionsValue: 3,
		ModelIDValue:    "test-embed",
		EmbedFunc: func(text string) []float32 {
			lower := strings.ToLower(text)
			switch {
			case strings.Contains(lower, "dragon"):
				return []float32{1, 0, 0}
			case strings.Contains(lower, "market"):
				return []float32{0, 1, 0}
			default:
				return []float32{0, 0, 1}
			}
		},
	}
}

type world struct {
	store *card.Store
	index *memvec.Index
	ids   map[string]string
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	store := card.NewStore(nil)
	ids := make(map[string]string)

	must := func(id string, err error) string {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		return id
	}

	ids["market"] = must(store.Create(ctx, card.KindLocation, "Night Market", map[string]any{
		"region":     "Lower City",
		"atmosphere": "lantern-lit and crowded",
		"features":   []string{"spice stalls", "canal bridge"},
	}))
	ids["keep"] = must(store.Create(ctx, card.KindLocation, "Dragon Keep", nil))
	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("char%d", i)
		ids[key] = must(store.Create(ctx, card.KindCharacter, fmt.Sprintf("Merchant %d", i), map[string]any{
			"location": ids["market"],
		}))
	}
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("item%d", i)
		ids[key] = must(store.Create(ctx, card.KindItem, fmt.Sprintf("Trinket %d", i), nil))
	}
	ids["heist"] = must(store.Create(ctx, card.KindStory, "The Spice Heist", map[string]any{
		"status":             "active",
		"involved_locations": []string{ids["market"]},
	}))
	ids["siege"] = must(store.Create(ctx, card.KindStory, "Siege of the Keep", map[string]any{
		"status":             "active",
		"involved_locations": []string{ids["keep"]},
	}))

	return &world{store: store, index: memvec.New(keywordEmbedder(), nil), ids: ids}
}

func (w *world) focusOnMarket(chars, items int) types.Focus {
	focus := types.Focus{Location: w.ids["market"]}
	for i := 0; i < chars; i++ {
		focus.Characters = append(focus.Characters, w.ids[fmt.Sprintf("char%d", i)])
	}
	for i := 0; i < items; i++ {
		focus.Items = append(focus.Items, w.ids[fmt.Sprintf("item%d", i)])
	}
	return focus
}

func TestAssembleSectionOrderAndCaps(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	asm := turnctx.New(w.store, w.index, nil)

	if _, err := w.index.Store(ctx, "A deal was struck at the market over saffron", map[string]any{
		"entities": []any{map[string]any{"id": w.ids["market"], "type": "location"}},
	}); err != nil {
		t.Fatal(err)
	}

	history := []types.Turn{
		{User: "first question", AI: "first answer", Timestamp: time.Now()},
		{User: "second question", AI: "second answer", Timestamp: time.Now()},
		{User: "third question", AI: "third answer", Timestamp: time.Now()},
	}
	got, err := asm.Assemble(ctx, "I haggle at the market stalls", history, w.focusOnMarket(7, 4))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	sections := []string{
		"Current location: Night Market",
		"Characters present:",
		"Notable items:",
		"Active storylines:",
		"Relevant memories:",
		"Recent exchanges:",
		"Current situation:",
		"You are the game master.",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(got, s)
		if idx < 0 {
			t.Fatalf("missing section %q in:\n%s", s, got)
		}
		if idx < last {
			t.Errorf("section %q out of order", s)
		}
		last = idx
	}

	// Caps: 5 characters, 3 items, 2 raw turns.
	if strings.Contains(got, "Merchant 5") {
		t.Error("character cap exceeded")
	}
	if !strings.Contains(got, "Merchant 4") {
		t.Error("character under cap was dropped")
	}
	if strings.Contains(got, "Trinket 3") {
		t.Error("item cap exceeded")
	}
	if strings.Contains(got, "first question") {
		t.Error("history cap exceeded")
	}
	if !strings.Contains(got, "second question") || !strings.Contains(got, "third answer") {
		t.Error("recent turns missing")
	}
	// Story relevance: only the market story involves the focus.
	if !strings.Contains(got, "The Spice Heist") {
		t.Error("relevant storyline missing")
	}
	if strings.Contains(got, "Siege of the Keep") {
		t.Error("irrelevant storyline included")
	}
}

func TestAssembleMemoriesFilteredByFocus(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	asm := turnctx.New(w.store, w.index, nil)

	mustStore := func(text string, meta map[string]any) {
		t.Helper()
		if _, err := w.index.Store(ctx, text, meta); err != nil {
			t.Fatal(err)
		}
	}
	mustStore("The market inspector took a bribe", map[string]any{
		"entities": []any{map[string]any{"id": w.ids["market"], "type": "location"}},
	})
	mustStore("Rumours at the market speak of a stranger", map[string]any{
		"entities": []any{map[string]any{"id": w.ids["keep"], "type": "location"}},
	})
	mustStore("The dragon slept beneath the keep", map[string]any{
		"entities": []any{map[string]any{"id": w.ids["market"], "type": "location"}},
	})

	got, err := asm.Assemble(ctx, "back to the market", nil, w.focusOnMarket(1, 0))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(got, "inspector took a bribe") {
		t.Error("focused, relevant memory missing")
	}
	if strings.Contains(got, "speak of a stranger") {
		t.Error("memory about unfocused entity included")
	}
	if strings.Contains(got, "dragon slept") {
		t.Error("memory below relevance threshold included")
	}
}

func TestDeriveFocus(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	asm := turnctx.New(w.store, w.index, nil)

	mustStore := func(text string, meta map[string]any) {
		t.Helper()
		if _, err := w.index.Store(ctx, text, meta); err != nil {
			t.Fatal(err)
		}
	}
	mustStore("Haggling at the market", map[string]any{
		"entities": []any{
			map[string]any{"id": w.ids["market"], "type": "location"},
			map[string]any{"id": w.ids["item0"], "type": "item"},
		},
	})
	mustStore("A second market visit", map[string]any{
		"entities": []any{map[string]any{"id": w.ids["market"], "type": "location"}},
	})
	mustStore("The siege of the keep continued", map[string]any{
		"entities": []any{map[string]any{"id": w.ids["keep"], "type": "location"}},
	})

	focus, err := asm.DeriveFocus(ctx, "I return to the market", nil)
	if err != nil {
		t.Fatalf("DeriveFocus: %v", err)
	}
	if focus.Location != w.ids["market"] {
		t.Errorf("location = %s, want the market (most frequent)", focus.Location)
	}
	if len(focus.Items) != 1 || focus.Items[0] != w.ids["item0"] {
		t.Errorf("items = %v, want [%s]", focus.Items, w.ids["item0"])
	}
	// Characters recorded at the chosen location are pulled in.
	if len(focus.Characters) != 7 {
		t.Errorf("got %d focus characters, want all 7 at the market", len(focus.Characters))
	}
}

func TestDeriveFocusSkipsDanglingRefs(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	asm := turnctx.New(w.store, w.index, nil)

	if _, err := w.index.Store(ctx, "market gossip", map[string]any{
		"entities": []any{map[string]any{"id": "deleted-entity", "type": "character"}},
	}); err != nil {
		t.Fatal(err)
	}

	focus, err := asm.DeriveFocus(ctx, "market", nil)
	if err != nil {
		t.Fatalf("DeriveFocus: %v", err)
	}
	if len(focus.Characters) != 0 {
		t.Errorf("dangling reference survived derivation: %v", focus.Characters)
	}
}

func TestAssembleEmptyWorld(t *testing.T) {
	store := card.NewStore(nil)
	index := memvec.New(keywordEmbedder(), nil)
	asm := turnctx.New(store, index, nil)

	got, err := asm.Assemble(context.Background(), "a blank page", nil, types.Focus{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(got, "a blank page") || !strings.Contains(got, "You are the game master.") {
		t.Errorf("minimal block missing situation or instruction:\n%s", got)
	}
}
