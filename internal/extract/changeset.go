// Package extract turns a completed game turn (player input plus AI reply)
// into a normalized change-set describing what happened to the world: which
// characters moved or changed status, which items changed hands, which
// storylines advanced, and what the narrative is focused on right now.
//
// Extraction is delegated to the LLM; everything that comes back is then
// validated against the entity store. Free-text names are resolved to entity
// IDs (exact ID, case-insensitive name, then fuzzy phonetic match), and
// references to entities that do not exist are promoted to new-entity
// creations rather than dropped — the LLM mentioning someone unknown usually
// means the narrative just introduced them.
package extract

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fennwald/mnemosyne/pkg/types"
)

// EntityChange describes one extracted change to a single entity.
type EntityChange struct {
	// ID is the resolved entity ID. Empty when IsNew is true.
	ID string

	// Name is the entity's display name. Always set for new entities.
	Name string

	// IsNew marks a reference that did not resolve against the entity store
	// and should be created rather than updated.
	IsNew bool

	// Changes holds the attribute changes to apply, keyed by field name.
	Changes map[string]any
}

// RelationshipChange describes an extracted relationship update between two
// resolved entities. Both endpoints are entity IDs; unresolvable pairs never
// reach this type.
type RelationshipChange struct {
	Entity1 string
	Entity2 string
	Type    string

	// Strength is the proposed relationship strength. Only meaningful when
	// StrengthSet is true; zero is a legal proposed value.
	Strength    int
	StrengthSet bool

	Emotions map[string]float64
}

// ChangeSet is the normalized result of extracting one game turn.
type ChangeSet struct {
	Characters    []EntityChange
	Locations     []EntityChange
	Items         []EntityChange
	Stories       []EntityChange
	Relationships []RelationshipChange

	// Focus is the extracted narrative focus, with all IDs resolved. Nil when
	// the extraction did not report one.
	Focus *types.Focus

	// Explanations collects narrative strings produced during contradiction
	// resolution, for later surfacing to the player.
	Explanations []string

	Timestamp time.Time
}

// TotalChanges counts the changed entities across all categories. It drives
// the importance score of the memory indexed for this turn.
func (cs *ChangeSet) TotalChanges() int {
	return len(cs.Characters) + len(cs.Locations) + len(cs.Items) +
		len(cs.Stories) + len(cs.Relationships)
}

// IsEmpty reports whether the change-set carries no entity changes at all.
// A change-set with only a focus is considered empty: focus alone does not
// justify store mutation or memory indexing.
func (cs *ChangeSet) IsEmpty() bool {
	return cs.TotalChanges() == 0
}

// Summary renders the change-set as a short human-readable text, one line per
// changed entity. The output is deterministic for a given change-set (map
// keys are sorted), because it is embedded and indexed into semantic memory
// and equal turns must index identically.
func (cs *ChangeSet) Summary() string {
	var lines []string

	appendEntity := func(kind string, ec EntityChange) {
		name := ec.Name
		if name == "" {
			name = ec.ID
		}
		if ec.IsNew {
			lines = append(lines, fmt.Sprintf("New %s introduced: %s.", kind, name))
			if len(ec.Changes) > 0 {
				lines = append(lines, fmt.Sprintf("%s %s: %s.", strings.ToUpper(kind[:1])+kind[1:], name, renderChanges(ec.Changes)))
			}
			return
		}
		if len(ec.Changes) > 0 {
			lines = append(lines, fmt.Sprintf("%s %s: %s.", strings.ToUpper(kind[:1])+kind[1:], name, renderChanges(ec.Changes)))
		}
	}

	for _, ec := range cs.Characters {
		appendEntity("character", ec)
	}
	for _, ec := range cs.Locations {
		appendEntity("location", ec)
	}
	for _, ec := range cs.Items {
		appendEntity("item", ec)
	}
	for _, ec := range cs.Stories {
		appendEntity("story", ec)
	}
	for _, rc := range cs.Relationships {
		lines = append(lines, fmt.Sprintf("Relationship between %s and %s: %s (strength %d).",
			rc.Entity1, rc.Entity2, rc.Type, rc.Strength))
	}

	return strings.Join(lines, "\n")
}

// renderChanges renders an attribute-change map as "key set to value" pairs
// in sorted key order.
func renderChanges(changes map[string]any) string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s set to %v", k, changes[k]))
	}
	return strings.Join(parts, ", ")
}
