// Package card implements the typed entity layer of the Mnemosyne memory
// engine: characters, locations, items, stories, and relationships, each
// carried by a [Card] with a shared header and a per-kind payload.
//
// Every mutation goes through [Store.Update], which applies field changes and
// appends a [HistoryEntry] — history is append-only and never rewritten.
// Persistence is delegated to a [storage.EntityStorage]; corrupt stored
// records are repaired to a placeholder card on load rather than aborting.
//
// All store operations are safe for concurrent use.
package card

import (
	"errors"
	"time"
)

// ErrNotFound is returned when the requested card does not exist.
var ErrNotFound = errors.New("card: entity not found")

// ErrUnknownKind is returned by Create when the kind is not one of the five
// recognised variants.
var ErrUnknownKind = errors.New("card: unknown entity kind")

// Kind classifies a card.
type Kind string

const (
	KindCharacter    Kind = "character"
	KindLocation     Kind = "location"
	KindItem         Kind = "item"
	KindStory        Kind = "story"
	KindRelationship Kind = "relationship"
)

// Kinds lists all recognised card kinds in a fixed order.
var Kinds = []Kind{KindCharacter, KindLocation, KindItem, KindStory, KindRelationship}

// IsValid reports whether k is a recognised card kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindCharacter, KindLocation, KindItem, KindStory, KindRelationship:
		return true
	}
	return false
}

// HistoryEntry records a single mutation of a card. Entries are append-only:
// they are never removed or rewritten after being added.
type HistoryEntry struct {
	// Timestamp is when the mutation was applied.
	Timestamp time.Time `json:"timestamp"`

	// Changes maps field names to the values that were applied.
	Changes map[string]any `json:"changes"`

	// Source describes what caused the mutation (e.g., "initial_creation",
	// "fact_extraction", "manual_edit").
	Source string `json:"source"`
}

// SourceInitialCreation is the history source recorded for a card's first
// entry. Every card has exactly one such entry at History[0].
const SourceInitialCreation = "initial_creation"

// LocationUnknown is the sentinel for a character whose whereabouts are not
// recorded.
const LocationUnknown = "unknown"

// Card is a typed entity record. The header fields are shared by all kinds;
// exactly one of the payload pointers is non-nil, matching Kind.
type Card struct {
	// ID is the opaque unique identifier, immutable after creation.
	ID string `json:"id"`

	// Kind is the variant tag, immutable after creation.
	Kind Kind `json:"kind"`

	// Name is the mutable display name.
	Name string `json:"name"`

	// Description is mutable free text.
	Description string `json:"description"`

	// CreatedAt is when the card was created.
	CreatedAt time.Time `json:"created_at"`

	// LastModified is updated on every mutation.
	LastModified time.Time `json:"last_modified"`

	// History is the append-only mutation log. Non-empty after construction;
	// History[0].Source is always [SourceInitialCreation].
	History []HistoryEntry `json:"history"`

	// Exactly one payload matches Kind; the rest are nil.
	Character    *CharacterData    `json:"character,omitempty"`
	Location     *LocationData     `json:"location,omitempty"`
	Item         *ItemData         `json:"item,omitempty"`
	Story        *StoryData        `json:"story,omitempty"`
	Relationship *RelationshipData `json:"relationship,omitempty"`
}

// CharacterData is the payload for character cards.
type CharacterData struct {
	// Traits holds free-form personality traits.
	Traits map[string]any `json:"traits"`

	// Inventory lists carried item names or IDs, in acquisition order.
	Inventory []string `json:"inventory"`

	// Stats holds game statistics (free-form, no mechanics are simulated).
	Stats map[string]any `json:"stats"`

	// Relationships maps other entity IDs to a short relationship label.
	Relationships map[string]string `json:"relationships"`

	// Location is the ID of the character's current location, or
	// [LocationUnknown].
	Location string `json:"location"`

	// Status is the character's narrative state (default "active").
	Status string `json:"status"`

	Backstory  string   `json:"backstory"`
	Appearance string   `json:"appearance"`
	Goals      []string `json:"goals"`
}

// LocationData is the payload for location cards.
type LocationData struct {
	Region      string            `json:"region"`
	Features    []string          `json:"features"`
	Inhabitants []string          `json:"inhabitants"`
	Items       []string          `json:"items"`
	Connections map[string]string `json:"connections"`
	Atmosphere  string            `json:"atmosphere"`
	Events      []string          `json:"events"`
}

// ItemData is the payload for item cards.
type ItemData struct {
	Properties map[string]any `json:"properties"`

	// Owner is the ID of the owning entity, or empty.
	Owner string `json:"owner"`

	// Location is the ID of the location holding the item, or empty.
	Location string `json:"location"`

	Effects []string `json:"effects"`
}

// StoryData is the payload for story (plot thread) cards.
type StoryData struct {
	// PlotType classifies the thread: "main", "side", "character", …
	PlotType string `json:"plot_type"`

	// Status is the thread state: "active", "completed", "failed", …
	Status string `json:"status"`

	InvolvedCharacters []string `json:"involved_characters"`
	InvolvedLocations  []string `json:"involved_locations"`
	InvolvedItems      []string `json:"involved_items"`

	// Prerequisites lists story IDs that must complete before this thread
	// can resolve.
	Prerequisites []string `json:"prerequisites"`

	Outcomes []string `json:"outcomes"`
	Timeline []string `json:"timeline"`
}

// RelationshipData is the payload for relationship cards. The endpoint pair
// is canonicalised so Entity1 < Entity2 lexicographically; an unordered pair
// maps to exactly one relationship card in the store.
type RelationshipData struct {
	Entity1 string `json:"entity1"`
	Entity2 string `json:"entity2"`

	// RelType labels the relationship ("friend", "enemy", "sibling", …).
	RelType string `json:"relationship_type"`

	// Strength is conventionally 0–10.
	Strength int `json:"strength"`

	// Emotions maps emotion names to intensities.
	Emotions map[string]float64 `json:"emotions"`

	// Events lists notable moments in the relationship's history.
	Events []string `json:"events"`
}

// newPayload constructs the default-populated payload for kind.
func newPayload(c *Card) {
	switch c.Kind {
	case KindCharacter:
		c.Character = &CharacterData{
			Traits:        map[string]any{},
			Inventory:     []string{},
			Stats:         map[string]any{},
			Relationships: map[string]string{},
			Location:      LocationUnknown,
			Status:        "active",
			Goals:         []string{},
		}
	case KindLocation:
		c.Location = &LocationData{
			Features:    []string{},
			Inhabitants: []string{},
			Items:       []string{},
			Connections: map[string]string{},
			Events:      []string{},
		}
	case KindItem:
		c.Item = &ItemData{
			Properties: map[string]any{},
			Effects:    []string{},
		}
	case KindStory:
		c.Story = &StoryData{
			PlotType:           "side",
			Status:             "active",
			InvolvedCharacters: []string{},
			InvolvedLocations:  []string{},
			InvolvedItems:      []string{},
			Prerequisites:      []string{},
			Outcomes:           []string{},
			Timeline:           []string{},
		}
	case KindRelationship:
		c.Relationship = &RelationshipData{
			Emotions: map[string]float64{},
			Events:   []string{},
		}
	}
}

// Clone returns a deep copy of the card. Mutating the clone never affects the
// stored original.
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	out := *c
	out.History = make([]HistoryEntry, len(c.History))
	for i, h := range c.History {
		out.History[i] = HistoryEntry{
			Timestamp: h.Timestamp,
			Changes:   cloneAnyMap(h.Changes),
			Source:    h.Source,
		}
	}
	if c.Character != nil {
		d := *c.Character
		d.Traits = cloneAnyMap(c.Character.Traits)
		d.Inventory = append([]string(nil), c.Character.Inventory...)
		d.Stats = cloneAnyMap(c.Character.Stats)
		d.Relationships = cloneStringMap(c.Character.Relationships)
		d.Goals = append([]string(nil), c.Character.Goals...)
		out.Character = &d
	}
	if c.Location != nil {
		d := *c.Location
		d.Features = append([]string(nil), c.Location.Features...)
		d.Inhabitants = append([]string(nil), c.Location.Inhabitants...)
		d.Items = append([]string(nil), c.Location.Items...)
		d.Connections = cloneStringMap(c.Location.Connections)
		d.Events = append([]string(nil), c.Location.Events...)
		out.Location = &d
	}
	if c.Item != nil {
		d := *c.Item
		d.Properties = cloneAnyMap(c.Item.Properties)
		d.Effects = append([]string(nil), c.Item.Effects...)
		out.Item = &d
	}
	if c.Story != nil {
		d := *c.Story
		d.InvolvedCharacters = append([]string(nil), c.Story.InvolvedCharacters...)
		d.InvolvedLocations = append([]string(nil), c.Story.InvolvedLocations...)
		d.InvolvedItems = append([]string(nil), c.Story.InvolvedItems...)
		d.Prerequisites = append([]string(nil), c.Story.Prerequisites...)
		d.Outcomes = append([]string(nil), c.Story.Outcomes...)
		d.Timeline = append([]string(nil), c.Story.Timeline...)
		out.Story = &d
	}
	if c.Relationship != nil {
		d := *c.Relationship
		d.Emotions = make(map[string]float64, len(c.Relationship.Emotions))
		for k, v := range c.Relationship.Emotions {
			d.Emotions[k] = v
		}
		d.Events = append([]string(nil), c.Relationship.Events...)
		out.Relationship = &d
	}
	return &out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
