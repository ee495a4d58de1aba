package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fennwald/mnemosyne/pkg/card"
	"github.com/fennwald/mnemosyne/pkg/provider/llm"
	"github.com/fennwald/mnemosyne/pkg/types"
)

// Extractor converts completed game turns into change-sets.
//
// Safe for concurrent use, though the engine calls it from a single
// background worker.
type Extractor struct {
	provider llm.Provider
	store    *card.Store
	resolver *Resolver
}

// New returns an Extractor over store using provider for structured
// extraction.
func New(provider llm.Provider, store *card.Store) *Extractor {
	return &Extractor{
		provider: provider,
		store:    store,
		resolver: NewResolver(store),
	}
}

// Resolver exposes the extractor's entity resolver so the engine can refresh
// its name index after creating or deleting entities outside extraction.
func (e *Extractor) Resolver() *Resolver {
	return e.resolver
}

// Extract prompts the LLM with the turn exchange plus the known entity roster
// and normalizes the reply into a ChangeSet.
//
// Extraction is best-effort by design: a reply that is not valid JSON, or
// that violates the expected shape, degrades to an empty change-set rather
// than an error. Only transport failures (the LLM call itself erroring) are
// returned to the caller.
func (e *Extractor) Extract(ctx context.Context, userInput, aiResponse, recentContext string) (*ChangeSet, error) {
	e.resolver.Refresh()

	prompt := e.buildPrompt(userInput, aiResponse, recentContext)
	raw, err := e.provider.ExtractStructuredData(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	cs := &ChangeSet{Timestamp: time.Now()}

	// A raw_extraction key means the model's reply never parsed as JSON.
	// All list fields are treated as empty in that case.
	if _, failed := raw[llm.RawExtractionKey]; failed {
		return cs, nil
	}

	var parsed rawChangeSet
	if data, err := json.Marshal(raw); err == nil {
		// Shape violations degrade to whatever fields did decode.
		_ = json.Unmarshal(data, &parsed)
	}

	cs.Characters = e.resolveEntityChanges(card.KindCharacter, parsed.CharacterChanges)
	cs.Locations = e.resolveEntityChanges(card.KindLocation, parsed.LocationChanges)
	cs.Items = e.resolveEntityChanges(card.KindItem, parsed.ItemChanges)
	cs.Stories = e.resolveStoryChanges(parsed.StoryDevelopments)
	cs.Relationships = e.resolveRelationshipChanges(parsed.RelationshipChanges)
	cs.Focus = e.resolveFocus(parsed.CurrentFocus)

	return cs, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Raw JSON shape
// ─────────────────────────────────────────────────────────────────────────────

// rawEntityChange is one entry of a change list as the LLM emits it. The ID
// field aliases cover the key the prompt asks for plus the variants models
// actually produce.
type rawEntityChange struct {
	CharacterID string         `json:"character_id"`
	LocationID  string         `json:"location_id"`
	ItemID      string         `json:"item_id"`
	StoryID     string         `json:"story_id"`
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	IsNew       bool           `json:"is_new"`
	Changes     map[string]any `json:"changes"`
}

// ref returns the entity reference to resolve: the first non-empty ID alias,
// else the name.
func (rc rawEntityChange) ref() string {
	for _, v := range []string{rc.CharacterID, rc.LocationID, rc.ItemID, rc.StoryID, rc.ID} {
		if v != "" {
			return v
		}
	}
	return rc.Name
}

type rawRelationshipChange struct {
	Entity1 string `json:"entity1"`
	Entity2 string `json:"entity2"`
	Type    string `json:"relationship_type"`
	// Strength is a pointer so an absent key is distinguishable from an
	// explicit zero.
	Strength *float64           `json:"strength"`
	Emotions map[string]float64 `json:"emotions"`
}

type rawFocus struct {
	Characters []string `json:"characters"`
	Location   string   `json:"location"`
	Items      []string `json:"items"`
}

type rawChangeSet struct {
	CharacterChanges    []rawEntityChange       `json:"character_changes"`
	LocationChanges     []rawEntityChange       `json:"location_changes"`
	ItemChanges         []rawEntityChange       `json:"item_changes"`
	RelationshipChanges []rawRelationshipChange `json:"relationship_changes"`
	StoryDevelopments   []rawEntityChange       `json:"story_developments"`
	CurrentFocus        *rawFocus               `json:"current_focus"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Resolution passes
// ─────────────────────────────────────────────────────────────────────────────

// resolveEntityChanges resolves each reference against the store. References
// that resolve become updates regardless of the is_new flag the LLM set
// (updating an existing entity beats creating a duplicate); references that
// do not resolve are promoted to new-entity creations.
func (e *Extractor) resolveEntityChanges(kind card.Kind, raws []rawEntityChange) []EntityChange {
	var out []EntityChange
	for _, rc := range raws {
		ref := rc.ref()
		if ref == "" {
			continue
		}
		if id, ok := e.resolver.Resolve(kind, ref); ok {
			out = append(out, EntityChange{
				ID:      id,
				Name:    e.nameOf(id, rc.Name),
				IsNew:   false,
				Changes: rc.Changes,
			})
			continue
		}
		name := rc.Name
		if name == "" {
			name = ref
		}
		out = append(out, EntityChange{
			Name:    name,
			IsNew:   true,
			Changes: rc.Changes,
		})
	}
	return out
}

// resolveStoryChanges resolves story references like resolveEntityChanges and
// additionally resolves the nested involved_characters and involved_locations
// lists inside the change map. Entries that do not resolve are dropped from
// the list.
func (e *Extractor) resolveStoryChanges(raws []rawEntityChange) []EntityChange {
	out := e.resolveEntityChanges(card.KindStory, raws)
	for _, ec := range out {
		e.resolveNestedList(ec.Changes, "involved_characters", card.KindCharacter)
		e.resolveNestedList(ec.Changes, "involved_locations", card.KindLocation)
		e.resolveNestedList(ec.Changes, "involved_items", card.KindItem)
	}
	return out
}

// resolveNestedList rewrites changes[key] (a list of references) to resolved
// IDs, dropping entries that do not resolve.
func (e *Extractor) resolveNestedList(changes map[string]any, key string, kind card.Kind) {
	refs, ok := changes[key].([]any)
	if !ok {
		return
	}
	var resolved []string
	for _, r := range refs {
		s, ok := r.(string)
		if !ok {
			continue
		}
		if id, ok := e.resolver.Resolve(kind, s); ok {
			resolved = append(resolved, id)
		}
	}
	if resolved == nil {
		delete(changes, key)
		return
	}
	changes[key] = resolved
}

// resolveRelationshipChanges resolves both endpoints across the character,
// location, and item kinds. Pairs with an unresolvable endpoint are dropped:
// a relationship to an entity that does not exist cannot be recorded.
func (e *Extractor) resolveRelationshipChanges(raws []rawRelationshipChange) []RelationshipChange {
	var out []RelationshipChange
	for _, rc := range raws {
		id1, ok1 := e.resolver.ResolveAny(rc.Entity1)
		id2, ok2 := e.resolver.ResolveAny(rc.Entity2)
		if !ok1 || !ok2 || id1 == id2 {
			continue
		}
		change := RelationshipChange{
			Entity1:  id1,
			Entity2:  id2,
			Type:     rc.Type,
			Emotions: rc.Emotions,
		}
		if rc.Strength != nil {
			change.Strength = int(*rc.Strength)
			change.StrengthSet = true
		}
		out = append(out, change)
	}
	return out
}

// resolveFocus resolves focus references, dropping any that no longer
// resolve. The focus must never carry dangling IDs.
func (e *Extractor) resolveFocus(raw *rawFocus) *types.Focus {
	if raw == nil {
		return nil
	}
	focus := &types.Focus{}
	for _, ref := range raw.Characters {
		if id, ok := e.resolver.Resolve(card.KindCharacter, ref); ok {
			focus.Characters = append(focus.Characters, id)
		}
	}
	if raw.Location != "" {
		if id, ok := e.resolver.Resolve(card.KindLocation, raw.Location); ok {
			focus.Location = id
		}
	}
	for _, ref := range raw.Items {
		if id, ok := e.resolver.Resolve(card.KindItem, ref); ok {
			focus.Items = append(focus.Items, id)
		}
	}
	return focus
}

// nameOf returns the stored name for id, falling back to the extracted name.
func (e *Extractor) nameOf(id, fallback string) string {
	if c, err := e.store.Get(id); err == nil {
		return c.Name
	}
	return fallback
}

// ─────────────────────────────────────────────────────────────────────────────
// Prompt
// ─────────────────────────────────────────────────────────────────────────────

// buildPrompt assembles the extraction prompt: the known entity roster per
// kind, the active storylines, the turn exchange, and the required JSON shape.
func (e *Extractor) buildPrompt(userInput, aiResponse, recentContext string) string {
	var b strings.Builder

	b.WriteString("You maintain the world state of a text adventure. Analyse the latest exchange and report every change to the world as JSON.\n\n")

	b.WriteString("Known entities:\n")
	writeRoster(&b, "Characters", e.store.GetByKind(card.KindCharacter))
	writeRoster(&b, "Locations", e.store.GetByKind(card.KindLocation))
	writeRoster(&b, "Items", e.store.GetByKind(card.KindItem))

	if stories := e.store.ActiveStories(); len(stories) > 0 {
		b.WriteString("Active storylines:\n")
		for _, s := range stories {
			fmt.Fprintf(&b, "- %s (id: %s)\n", s.Name, s.ID)
		}
	}
	b.WriteString("\n")

	if recentContext != "" {
		b.WriteString("Recent context:\n")
		b.WriteString(recentContext)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Player: %s\nGame master: %s\n\n", userInput, aiResponse)

	b.WriteString(`Respond with a single JSON object of this exact shape (omit empty lists):
{
  "character_changes": [{"character_id": "<id or name>", "is_new": false, "name": "<name>", "changes": {"<field>": <value>}}],
  "location_changes": [{"location_id": "<id or name>", "is_new": false, "name": "<name>", "changes": {}}],
  "item_changes": [{"item_id": "<id or name>", "is_new": false, "name": "<name>", "changes": {}}],
  "relationship_changes": [{"entity1": "<id or name>", "entity2": "<id or name>", "relationship_type": "<type>", "strength": 5, "emotions": {}}],
  "story_developments": [{"story_id": "<id or name>", "is_new": false, "name": "<name>", "changes": {}}],
  "current_focus": {"characters": ["<id>"], "location": "<id>", "items": ["<id>"]}
}
Use existing ids where possible. Set is_new to true only for entities introduced in this exchange. Report only changes that actually happened.`)

	return b.String()
}

// writeRoster writes one "- Name (id: ...)" line per card under a heading.
// Empty rosters are skipped.
func writeRoster(b *strings.Builder, heading string, cards []*card.Card) {
	if len(cards) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", heading)
	for _, c := range cards {
		fmt.Fprintf(b, "- %s (id: %s)\n", c.Name, c.ID)
	}
}
