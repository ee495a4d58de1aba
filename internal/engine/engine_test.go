package engine_test

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fennwald/mnemosyne/internal/engine"
	"github.com/fennwald/mnemosyne/pkg/card"
	embmock "github.com/fennwald/mnemosyne/pkg/provider/embeddings/mock"
	llmmock "github.com/fennwald/mnemosyne/pkg/provider/llm/mock"
	"github.com/fennwald/mnemosyne/pkg/storage/file"
)

func newTestEngine(t *testing.T, llm *llmmock.Provider, opts ...engine.Option) *engine.Engine {
	t.Helper()
	backend, err := engine.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	embed := &embmock.Provider{
		EmbedResult:     []float32{1, 0, 0},
		DimensionsValue: 3,
		ModelIDValue:    "test-embed",
	}
	opts = append([]engine.Option{engine.WithMaxHistory(10), engine.WithSaveDebounce(0)}, opts...)
	e := engine.New(llm, embed, backend, opts...)
	t.Cleanup(e.Stop)
	return e
}

// lockedBuffer makes a bytes.Buffer safe to share between the engine's
// background worker and the test goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// tavernSetup seeds a small two-location world.
func tavernSetup() *engine.Setup {
	return &engine.Setup{
		Locations: []engine.SetupLocation{
			{Name: "The Gilded Tankard", Description: "A smoky tavern", Region: "Old Town"},
			{Name: "The Undercroft", Region: "Old Town"},
		},
		Characters: []engine.SetupCharacter{
			{Name: "Merra", Description: "The landlady", Location: "0", Inventory: []string{"ring of keys"}},
			{Name: "Piet", Location: "1"},
		},
		Items: []engine.SetupItem{
			{Name: "Ring of Keys", Owner: "0", Location: "0"},
		},
		InitialFocus: &engine.SetupFocus{
			Characters: []string{"0"},
			Location:   "0",
			Items:      []string{"0"},
		},
	}
}

func TestCreateCampaignWithSetup(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &llmmock.Provider{GenerateResult: "ok"})

	id, err := e.CreateCampaign(ctx, "First Light", tavernSetup())
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	locations, err := e.GetCardsByKind(card.KindLocation)
	if err != nil || len(locations) != 2 {
		t.Fatalf("locations = %v, %v", locations, err)
	}
	characters, _ := e.GetCardsByKind(card.KindCharacter)
	if len(characters) != 2 {
		t.Fatalf("got %d characters, want 2", len(characters))
	}
	// Positional references are translated to real IDs.
	if characters[0].Character.Location != locations[0].ID {
		t.Errorf("Merra's location = %q, want %q", characters[0].Character.Location, locations[0].ID)
	}
	if characters[1].Character.Location != locations[1].ID {
		t.Errorf("Piet's location = %q, want %q", characters[1].Character.Location, locations[1].ID)
	}
	items, _ := e.GetCardsByKind(card.KindItem)
	if len(items) != 1 || items[0].Item.Owner != characters[0].ID || items[0].Item.Location != locations[0].ID {
		t.Errorf("item refs not translated: %+v", items)
	}

	focus := e.CurrentFocus()
	if focus.Location != locations[0].ID {
		t.Errorf("focus location = %q, want %q", focus.Location, locations[0].ID)
	}
	if len(focus.Characters) != 1 || focus.Characters[0] != characters[0].ID {
		t.Errorf("focus characters = %v", focus.Characters)
	}

	campaigns, err := e.AvailableCampaigns(ctx)
	if err != nil {
		t.Fatalf("AvailableCampaigns: %v", err)
	}
	if len(campaigns) != 1 || campaigns[0].ID != id || campaigns[0].Name != "First Light" {
		t.Errorf("campaigns = %+v", campaigns)
	}
}

func TestCreateCampaignBadReference(t *testing.T) {
	e := newTestEngine(t, &llmmock.Provider{})
	_, err := e.CreateCampaign(context.Background(), "Broken", &engine.Setup{
		Characters: []engine.SetupCharacter{{Name: "Lost", Location: "3"}},
	})
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Errorf("err = %v, want out-of-range reference error", err)
	}
}

func TestProcessTurnRequiresCampaign(t *testing.T) {
	e := newTestEngine(t, &llmmock.Provider{GenerateResult: "ok"})
	if _, err := e.ProcessTurn(context.Background(), "hello"); err != engine.ErrNoCampaign {
		t.Errorf("err = %v, want ErrNoCampaign", err)
	}
}

func TestFirstTurnSkipsBackground(t *testing.T) {
	ctx := context.Background()
	llm := &llmmock.Provider{GenerateResult: "You wake in a tavern."}
	e := newTestEngine(t, llm)
	if _, err := e.CreateCampaign(ctx, "Cold Open", nil); err != nil {
		t.Fatal(err)
	}

	reply, err := e.ProcessTurn(ctx, "I open my eyes")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if reply != "You wake in a tavern." {
		t.Errorf("reply = %q", reply)
	}
	e.Stop()

	if len(llm.GenerateCalls) != 1 {
		t.Fatalf("got %d generate calls, want 1", len(llm.GenerateCalls))
	}
	if !strings.Contains(llm.GenerateCalls[0].GameContext, "new text adventure") {
		t.Errorf("first-turn context = %q", llm.GenerateCalls[0].GameContext)
	}
	// No extraction runs on the first turn.
	if len(llm.ExtractCalls) != 0 {
		t.Errorf("got %d extract calls, want 0", len(llm.ExtractCalls))
	}
}

func TestBackgroundPipelineAppliesExtraction(t *testing.T) {
	ctx := context.Background()

	var merraID, undercroftID string
	llm := &llmmock.Provider{GenerateResult: "The night wears on."}
	llm.ExtractFunc = func(prompt string) (map[string]any, error) {
		return map[string]any{
			"character_changes": []any{
				map[string]any{
					"character_id": merraID,
					"is_new":       false,
					"changes":      map[string]any{"location": undercroftID, "status": "wary"},
				},
			},
			"current_focus": map[string]any{
				"characters": []any{merraID},
				"location":   undercroftID,
			},
		}, nil
	}

	e := newTestEngine(t, llm)
	if _, err := e.CreateCampaign(ctx, "Night Shift", tavernSetup()); err != nil {
		t.Fatal(err)
	}
	merra, _ := e.FindCardsByName("Merra", card.KindCharacter)
	undercroft, _ := e.FindCardsByName("Undercroft", card.KindLocation)
	merraID, undercroftID = merra[0].ID, undercroft[0].ID

	for _, input := range []string{"I look around", "I follow Merra downstairs"} {
		if _, err := e.ProcessTurn(ctx, input); err != nil {
			t.Fatalf("ProcessTurn(%q): %v", input, err)
		}
	}
	e.Stop()

	got, err := e.GetCard(merraID)
	if err != nil {
		t.Fatalf("GetCard: %v", err)
	}
	if got.Character.Location != undercroftID {
		t.Errorf("location = %q, want %q", got.Character.Location, undercroftID)
	}
	if got.Character.Status != "wary" {
		t.Errorf("status = %q, want wary", got.Character.Status)
	}
	last := got.History[len(got.History)-1]
	if last.Source != "fact_extraction" {
		t.Errorf("history source = %q, want fact_extraction", last.Source)
	}

	focus := e.CurrentFocus()
	if focus.Location != undercroftID {
		t.Errorf("focus location = %q, want %q", focus.Location, undercroftID)
	}

	summary, err := e.GetCampaignSummary()
	if err != nil {
		t.Fatal(err)
	}
	if summary.Memories != 1 {
		t.Errorf("indexed memories = %d, want 1", summary.Memories)
	}
}

func TestFastPathNotBlockedByExtraction(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	llm := &llmmock.Provider{GenerateResult: "onward"}
	llm.ExtractFunc = func(prompt string) (map[string]any, error) {
		started <- struct{}{}
		<-release
		return map[string]any{}, nil
	}

	e := newTestEngine(t, llm)
	if _, err := e.CreateCampaign(ctx, "Latency", nil); err != nil {
		t.Fatal(err)
	}

	// Two turns: the second enqueues a background job whose extraction
	// blocks. ProcessTurn must return regardless.
	for _, input := range []string{"one", "two", "three"} {
		if _, err := e.ProcessTurn(ctx, input); err != nil {
			t.Fatalf("ProcessTurn(%q): %v", input, err)
		}
	}
	close(release)
	e.Stop()

	if len(llm.GenerateCalls) != 3 {
		t.Errorf("got %d generate calls, want 3", len(llm.GenerateCalls))
	}
}

func TestCampaignIsolationAndReload(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &llmmock.Provider{GenerateResult: "ok"})

	idA, err := e.CreateCampaign(ctx, "Alpha", tavernSetup())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SaveCampaign(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := e.CreateCampaign(ctx, "Beta", nil); err != nil {
		t.Fatal(err)
	}
	locations, _ := e.GetCardsByKind(card.KindLocation)
	if len(locations) != 0 {
		t.Fatalf("campaign Beta sees %d of Alpha's locations", len(locations))
	}

	if err := e.LoadCampaign(ctx, idA); err != nil {
		t.Fatalf("LoadCampaign: %v", err)
	}
	locations, _ = e.GetCardsByKind(card.KindLocation)
	if len(locations) != 2 {
		t.Errorf("reloaded campaign has %d locations, want 2", len(locations))
	}
	summary, err := e.GetCampaignSummary()
	if err != nil {
		t.Fatal(err)
	}
	if summary.Name != "Alpha" {
		t.Errorf("summary name = %q, want Alpha", summary.Name)
	}
}

func TestLoadCampaignRepairsFocus(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &llmmock.Provider{GenerateResult: "ok"})

	id, err := e.CreateCampaign(ctx, "Repairs", tavernSetup())
	if err != nil {
		t.Fatal(err)
	}
	// Point the focus at entities, persist, then delete the focused location
	// so the stored focus dangles on reload.
	tankard, _ := e.FindCardsByName("Tankard", card.KindLocation)
	if err := e.SaveCampaign(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteCard(ctx, tankard[0].ID); err != nil {
		t.Fatal(err)
	}

	if err := e.LoadCampaign(ctx, id); err != nil {
		t.Fatalf("LoadCampaign: %v", err)
	}
	focus := e.CurrentFocus()
	if focus.Location != "" {
		if _, err := e.GetCard(focus.Location); err != nil {
			t.Errorf("focus location %q does not resolve", focus.Location)
		}
	}
	for _, cid := range focus.Characters {
		if _, err := e.GetCard(cid); err != nil {
			t.Errorf("focus character %q does not resolve", cid)
		}
	}
	for _, iid := range focus.Items {
		if _, err := e.GetCard(iid); err != nil {
			t.Errorf("focus item %q does not resolve", iid)
		}
	}
}

func TestDeleteCardRepairsFocus(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &llmmock.Provider{GenerateResult: "ok"})

	if _, err := e.CreateCampaign(ctx, "Teardown", tavernSetup()); err != nil {
		t.Fatal(err)
	}
	focus := e.CurrentFocus()
	if err := e.DeleteCard(ctx, focus.Characters[0]); err != nil {
		t.Fatal(err)
	}

	repaired := e.CurrentFocus()
	for _, cid := range repaired.Characters {
		if _, err := e.GetCard(cid); err != nil {
			t.Errorf("focus character %q does not resolve after delete", cid)
		}
	}
}

func TestRunConsistencyCheck(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &llmmock.Provider{GenerateResult: "ok"})
	if _, err := e.CreateCampaign(ctx, "Audit", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateCard(ctx, card.KindCharacter, "Drifter", map[string]any{
		"location": "no-such-place",
	}); err != nil {
		t.Fatal(err)
	}

	report, err := e.RunConsistencyCheck()
	if err != nil {
		t.Fatalf("RunConsistencyCheck: %v", err)
	}
	if len(report.ByType["character_location"]) != 1 {
		t.Errorf("findings = %+v, want one character_location", report.Findings)
	}
}

func TestInFlightJobDoesNotLeakIntoNewCampaign(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	llm := &llmmock.Provider{GenerateResult: "onward"}
	llm.ExtractFunc = func(prompt string) (map[string]any, error) {
		started <- struct{}{}
		<-release
		return map[string]any{
			"character_changes": []any{
				map[string]any{
					"character_id": "Shade",
					"is_new":       true,
					"changes":      map[string]any{"description": "a whisper in the dark"},
				},
			},
		}, nil
	}

	e := newTestEngine(t, llm)
	idA, err := e.CreateCampaign(ctx, "Alpha", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, input := range []string{"one", "two"} {
		if _, err := e.ProcessTurn(ctx, input); err != nil {
			t.Fatalf("ProcessTurn(%q): %v", input, err)
		}
	}

	// Switch campaigns while the second turn's extraction is still in flight,
	// then let it finish. Its results belong to Alpha and must not surface in
	// Beta's store or memory index.
	<-started
	if _, err := e.CreateCampaign(ctx, "Beta", nil); err != nil {
		t.Fatal(err)
	}
	close(release)
	e.Stop()

	characters, err := e.GetCardsByKind(card.KindCharacter)
	if err != nil {
		t.Fatalf("GetCardsByKind: %v", err)
	}
	if len(characters) != 0 {
		t.Errorf("campaign Beta gained %d characters from Alpha's job", len(characters))
	}
	summary, err := e.GetCampaignSummary()
	if err != nil {
		t.Fatal(err)
	}
	if summary.Memories != 0 {
		t.Errorf("campaign Beta has %d memories, want 0", summary.Memories)
	}

	// The finished job still lands in the campaign it was enqueued for.
	if err := e.LoadCampaign(ctx, idA); err != nil {
		t.Fatalf("LoadCampaign: %v", err)
	}
	shades, err := e.FindCardsByName("Shade", card.KindCharacter)
	if err != nil || len(shades) != 1 {
		t.Errorf("Shade in Alpha = %v, %v, want exactly one", shades, err)
	}
}

func TestExtractionConflictWarningLogged(t *testing.T) {
	ctx := context.Background()

	var merraID, undercroftID string
	llm := &llmmock.Provider{GenerateResult: "ok"}
	llm.ExtractFunc = func(prompt string) (map[string]any, error) {
		return map[string]any{
			"character_changes": []any{
				map[string]any{
					"character_id": merraID,
					"is_new":       false,
					"changes":      map[string]any{"location": undercroftID},
				},
			},
		}, nil
	}

	logBuf := &lockedBuffer{}
	e := newTestEngine(t, llm, engine.WithLogger(slog.New(slog.NewTextHandler(logBuf, nil))))
	if _, err := e.CreateCampaign(ctx, "Watchful", tavernSetup()); err != nil {
		t.Fatal(err)
	}
	merra, _ := e.FindCardsByName("Merra", card.KindCharacter)
	undercroft, _ := e.FindCardsByName("Undercroft", card.KindLocation)
	merraID, undercroftID = merra[0].ID, undercroft[0].ID

	for _, input := range []string{"I look around", "I slip downstairs"} {
		if _, err := e.ProcessTurn(ctx, input); err != nil {
			t.Fatalf("ProcessTurn(%q): %v", input, err)
		}
	}
	e.Stop()

	logged := logBuf.String()
	if !strings.Contains(logged, "extraction conflicts with recorded state") {
		t.Errorf("no conflict warning in log output:\n%s", logged)
	}
	if !strings.Contains(logged, "attribute=location") {
		t.Errorf("conflict warning lacks the attribute:\n%s", logged)
	}
}

func TestIndexedTurnCarriesFocusMetadata(t *testing.T) {
	ctx := context.Background()

	var merraID, undercroftID string
	llm := &llmmock.Provider{GenerateResult: "The stairs creak."}
	llm.ExtractFunc = func(prompt string) (map[string]any, error) {
		return map[string]any{
			"character_changes": []any{
				map[string]any{
					"character_id": merraID,
					"is_new":       false,
					"changes":      map[string]any{"status": "listening"},
				},
			},
			"current_focus": map[string]any{
				"characters": []any{merraID},
				"location":   undercroftID,
			},
		}, nil
	}

	root := t.TempDir()
	backend, err := engine.NewFileBackend(root)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	embed := &embmock.Provider{
		EmbedResult:     []float32{1, 0, 0},
		DimensionsValue: 3,
		ModelIDValue:    "test-embed",
	}
	e := engine.New(llm, embed, backend, engine.WithMaxHistory(10), engine.WithSaveDebounce(0))

	id, err := e.CreateCampaign(ctx, "Trace", tavernSetup())
	if err != nil {
		t.Fatal(err)
	}
	merra, _ := e.FindCardsByName("Merra", card.KindCharacter)
	undercroft, _ := e.FindCardsByName("Undercroft", card.KindLocation)
	merraID, undercroftID = merra[0].ID, undercroft[0].ID

	for _, input := range []string{"I look around", "I follow the noise"} {
		if _, err := e.ProcessTurn(ctx, input); err != nil {
			t.Fatalf("ProcessTurn(%q): %v", input, err)
		}
	}
	e.Stop()

	vectors, err := file.NewVectorStore(filepath.Join(root, "campaigns", id))
	if err != nil {
		t.Fatalf("NewVectorStore: %v", err)
	}
	recs, err := vectors.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d vector records, want 1", len(recs))
	}

	snapshot, ok := recs[0].Metadata["current_focus"].(map[string]any)
	if !ok {
		t.Fatalf("record metadata lacks a focus snapshot: %+v", recs[0].Metadata)
	}
	if snapshot["location"] != undercroftID {
		t.Errorf("focus location = %v, want %q", snapshot["location"], undercroftID)
	}
	characters, _ := snapshot["characters"].([]any)
	if len(characters) != 1 || characters[0] != merraID {
		t.Errorf("focus characters = %v, want [%q]", snapshot["characters"], merraID)
	}
}
