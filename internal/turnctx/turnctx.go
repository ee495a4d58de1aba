// Package turnctx assembles the bounded natural-language context block that
// precedes each narrator call.
//
// The assembler renders a fixed sequence of capped sections: location,
// characters present, notable items, relevant storylines, semantic memories,
// recent raw turns, the literal situation text, and a closing instruction.
// The caps and the ordering are a deliberate token-budget control: changing
// them changes how much of the model's attention each section receives.
package turnctx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fennwald/mnemosyne/pkg/card"
	"github.com/fennwald/mnemosyne/pkg/memvec"
	"github.com/fennwald/mnemosyne/pkg/types"
)

// Section caps. Preserved deliberately; see the package comment.
const (
	maxCharacters  = 5
	maxItems       = 3
	maxStories     = 2
	maxMemories    = 2
	maxRecentTurns = 2
)

const (
	// derivationHits is how many index hits feed focus derivation.
	derivationHits = 5

	// derivationHistory is how many trailing turns join the derivation query.
	derivationHistory = 3

	// memorySearchDepth is how many hits the memory section considers before
	// focus filtering trims them to maxMemories.
	memorySearchDepth = 10

	// relevanceThreshold is the minimum cosine similarity for a memory to be
	// quoted in the context block.
	relevanceThreshold = 0.35
)

// instructionSuffix closes every assembled context block.
const instructionSuffix = "You are the game master. Describe what happens next in second person, " +
	"staying consistent with every established fact above. Never contradict a " +
	"recorded character status, location, or relationship."

// Assembler renders per-turn context from the entity store and the semantic
// memory index.
type Assembler struct {
	store  *card.Store
	index  *memvec.Index
	logger *slog.Logger
}

// New builds an [Assembler]. The logger may be nil.
func New(store *card.Store, index *memvec.Index, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{store: store, index: index, logger: logger}
}

// DeriveFocus infers a focus from the current situation when none is known:
// it searches the memory index with the situation plus the last few turns,
// collects the entities referenced by the hits, picks the most frequent
// location among them (ties favour the first encountered), and pulls in every
// character recorded at that location.
func (a *Assembler) DeriveFocus(ctx context.Context, situation string, history []types.Turn) (types.Focus, error) {
	var focus types.Focus

	query := derivationQuery(situation, history)
	hits, err := a.index.Search(ctx, query, derivationHits, nil)
	if err != nil {
		return focus, fmt.Errorf("turnctx: derive focus: %w", err)
	}

	locationCount := make(map[string]int)
	var locationOrder []string
	seenChar := make(map[string]bool)
	seenItem := make(map[string]bool)

	for _, hit := range hits {
		for _, ref := range entityRefs(hit.Metadata) {
			if !a.store.Exists(ref.id) {
				continue
			}
			switch ref.kind {
			case string(card.KindCharacter):
				if !seenChar[ref.id] {
					seenChar[ref.id] = true
					focus.Characters = append(focus.Characters, ref.id)
				}
			case string(card.KindItem):
				if !seenItem[ref.id] {
					seenItem[ref.id] = true
					focus.Items = append(focus.Items, ref.id)
				}
			case string(card.KindLocation):
				if locationCount[ref.id] == 0 {
					locationOrder = append(locationOrder, ref.id)
				}
				locationCount[ref.id]++
			}
		}
	}

	best := ""
	for _, id := range locationOrder {
		if best == "" || locationCount[id] > locationCount[best] {
			best = id
		}
	}
	focus.Location = best

	if focus.Location != "" {
		for _, c := range a.store.CharactersAt(focus.Location) {
			if !seenChar[c.ID] {
				seenChar[c.ID] = true
				focus.Characters = append(focus.Characters, c.ID)
			}
		}
	}
	return focus, nil
}

// Assemble renders the full context block for a turn. An empty focus is
// derived first. A failed memory search degrades to a block without the
// memory section rather than failing the turn.
func (a *Assembler) Assemble(ctx context.Context, situation string, history []types.Turn, focus types.Focus) (string, error) {
	if focus.IsEmpty() {
		derived, err := a.DeriveFocus(ctx, situation, history)
		if err != nil {
			a.logger.Warn("focus derivation failed, assembling without focus", "error", err)
		} else {
			focus = derived
		}
	}

	// The memory search embeds the query remotely; overlap it with the
	// in-memory entity rendering.
	g, gctx := errgroup.WithContext(ctx)
	var memories []memvec.Result
	g.Go(func() error {
		var err error
		memories, err = a.relevantMemories(gctx, situation, focus)
		if err != nil {
			a.logger.Warn("memory search failed, assembling without memories", "error", err)
		}
		return nil
	})

	var b strings.Builder
	a.renderLocation(&b, focus)
	a.renderCharacters(&b, focus)
	a.renderItems(&b, focus)
	a.renderStories(&b, focus)

	if err := g.Wait(); err != nil {
		return "", err
	}
	renderMemories(&b, memories)
	renderHistory(&b, history)

	if situation != "" {
		b.WriteString("Current situation:\n")
		b.WriteString(situation)
		b.WriteString("\n\n")
	}
	b.WriteString(instructionSuffix)
	return b.String(), nil
}

// ── section renderers ──

func (a *Assembler) renderLocation(b *strings.Builder, focus types.Focus) {
	if focus.Location == "" {
		return
	}
	c, err := a.store.Get(focus.Location)
	if err != nil || c.Location == nil {
		return
	}
	fmt.Fprintf(b, "Current location: %s", c.Name)
	if c.Location.Region != "" {
		fmt.Fprintf(b, " (%s)", c.Location.Region)
	}
	b.WriteString("\n")
	if c.Description != "" {
		b.WriteString(c.Description)
		b.WriteString("\n")
	}
	if c.Location.Atmosphere != "" {
		fmt.Fprintf(b, "Atmosphere: %s\n", c.Location.Atmosphere)
	}
	if len(c.Location.Features) > 0 {
		fmt.Fprintf(b, "Notable features: %s\n", strings.Join(c.Location.Features, ", "))
	}
	b.WriteString("\n")
}

func (a *Assembler) renderCharacters(b *strings.Builder, focus types.Focus) {
	ids := focus.Characters
	if len(ids) > maxCharacters {
		ids = ids[:maxCharacters]
	}
	var lines []string
	for _, id := range ids {
		c, err := a.store.Get(id)
		if err != nil || c.Character == nil {
			continue
		}
		line := fmt.Sprintf("- %s", c.Name)
		var detail []string
		if c.Character.Status != "" && c.Character.Status != "active" {
			detail = append(detail, c.Character.Status)
		}
		if c.Description != "" {
			detail = append(detail, c.Description)
		}
		if len(detail) > 0 {
			line += ": " + strings.Join(detail, "; ")
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString("Characters present:\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func (a *Assembler) renderItems(b *strings.Builder, focus types.Focus) {
	ids := focus.Items
	if len(ids) > maxItems {
		ids = ids[:maxItems]
	}
	var lines []string
	for _, id := range ids {
		c, err := a.store.Get(id)
		if err != nil || c.Item == nil {
			continue
		}
		line := fmt.Sprintf("- %s", c.Name)
		if c.Description != "" {
			line += ": " + c.Description
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString("Notable items:\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func (a *Assembler) renderStories(b *strings.Builder, focus types.Focus) {
	var lines []string
	for _, c := range a.store.ActiveStories() {
		if !storyInvolvesFocus(c.Story, focus) {
			continue
		}
		line := fmt.Sprintf("- %s", c.Name)
		if c.Description != "" {
			line += ": " + c.Description
		}
		lines = append(lines, line)
		if len(lines) == maxStories {
			break
		}
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString("Active storylines:\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

// storyInvolvesFocus reports whether a story touches any focused character,
// the focused location, or any focused item.
func storyInvolvesFocus(s *card.StoryData, focus types.Focus) bool {
	for _, id := range focus.Characters {
		if containsString(s.InvolvedCharacters, id) {
			return true
		}
	}
	if focus.Location != "" && containsString(s.InvolvedLocations, focus.Location) {
		return true
	}
	for _, id := range focus.Items {
		if containsString(s.InvolvedItems, id) {
			return true
		}
	}
	return false
}

// relevantMemories searches the index and keeps hits scored above the
// relevance threshold that mention a focused entity. With an empty focus the
// threshold alone decides.
func (a *Assembler) relevantMemories(ctx context.Context, situation string, focus types.Focus) ([]memvec.Result, error) {
	if situation == "" {
		return nil, nil
	}
	hits, err := a.index.Search(ctx, situation, memorySearchDepth, nil)
	if err != nil {
		return nil, err
	}

	focused := make(map[string]bool)
	for _, id := range focus.Characters {
		focused[id] = true
	}
	for _, id := range focus.Items {
		focused[id] = true
	}
	if focus.Location != "" {
		focused[focus.Location] = true
	}

	var out []memvec.Result
	for _, hit := range hits {
		if hit.Score < relevanceThreshold {
			continue
		}
		if len(focused) > 0 && !mentionsAny(hit.Metadata, focused) {
			continue
		}
		out = append(out, hit)
		if len(out) == maxMemories {
			break
		}
	}
	return out, nil
}

func renderMemories(b *strings.Builder, memories []memvec.Result) {
	if len(memories) == 0 {
		return
	}
	b.WriteString("Relevant memories:\n")
	for _, m := range memories {
		fmt.Fprintf(b, "- %s\n", m.Text)
	}
	b.WriteString("\n")
}

func renderHistory(b *strings.Builder, history []types.Turn) {
	if len(history) == 0 {
		return
	}
	recent := history
	if len(recent) > maxRecentTurns {
		recent = recent[len(recent)-maxRecentTurns:]
	}
	b.WriteString("Recent exchanges:\n")
	for _, t := range recent {
		fmt.Fprintf(b, "Player: %s\nGame master: %s\n", t.User, t.AI)
	}
	b.WriteString("\n")
}

// ── metadata helpers ──

type entityRef struct {
	id   string
	kind string
}

// entityRefs decodes the "entities" metadata list, tolerating both the typed
// and the JSON-decoded shapes.
func entityRefs(metadata map[string]any) []entityRef {
	raw, ok := metadata["entities"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []entityRef
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		kind, _ := m["type"].(string)
		if id != "" {
			out = append(out, entityRef{id: id, kind: kind})
		}
	}
	return out
}

func mentionsAny(metadata map[string]any, focused map[string]bool) bool {
	for _, ref := range entityRefs(metadata) {
		if focused[ref.id] {
			return true
		}
	}
	return false
}

func derivationQuery(situation string, history []types.Turn) string {
	var parts []string
	if situation != "" {
		parts = append(parts, situation)
	}
	recent := history
	if len(recent) > derivationHistory {
		recent = recent[len(recent)-derivationHistory:]
	}
	for _, t := range recent {
		parts = append(parts, t.User, t.AI)
	}
	return strings.Join(parts, "\n")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
