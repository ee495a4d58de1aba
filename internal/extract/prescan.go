package extract

import (
	"github.com/fennwald/mnemosyne/pkg/card"
)

// Conflict is a lightweight pre-application finding: a proposed character
// change that disagrees with the store's current state. It is a heuristic
// early warning evaluated before the full contradiction pass runs; the
// authoritative detection and resolution live in the consistency package.
type Conflict struct {
	EntityID   string
	EntityName string
	Attribute  string
	Current    any
	Proposed   any
	// Severity is one of "low", "medium", "high".
	Severity string
}

// PreScan checks the change-set's character changes against the store and
// returns the conflicts found. New entities have no current state and are
// never flagged. The scan is a pure function of (store state, change-set).
func PreScan(store *card.Store, cs *ChangeSet) []Conflict {
	var out []Conflict
	for _, ec := range cs.Characters {
		if ec.IsNew || ec.ID == "" {
			continue
		}
		c, err := store.Get(ec.ID)
		if err != nil || c.Character == nil {
			continue
		}
		out = append(out, scanCharacter(c, ec.Changes)...)
	}
	return out
}

// scanCharacter applies the fixed per-attribute rules to one character.
func scanCharacter(c *card.Card, changes map[string]any) []Conflict {
	var out []Conflict

	if loc, ok := changes["location"].(string); ok && loc != c.Character.Location {
		out = append(out, Conflict{
			EntityID:   c.ID,
			EntityName: c.Name,
			Attribute:  "location",
			Current:    c.Character.Location,
			Proposed:   loc,
			Severity:   "low",
		})
	}

	if status, ok := changes["status"].(string); ok && status != c.Character.Status {
		severity := "low"
		if c.Character.Status == "dead" && status != "resurrected" {
			severity = "high"
		}
		out = append(out, Conflict{
			EntityID:   c.ID,
			EntityName: c.Name,
			Attribute:  "status",
			Current:    c.Character.Status,
			Proposed:   status,
			Severity:   severity,
		})
	}

	for _, item := range stringList(changes["remove_inventory"]) {
		if !containsString(c.Character.Inventory, item) {
			out = append(out, Conflict{
				EntityID:   c.ID,
				EntityName: c.Name,
				Attribute:  "remove_inventory",
				Current:    c.Character.Inventory,
				Proposed:   item,
				Severity:   "medium",
			})
		}
	}

	return out
}

// stringList coerces a JSON-decoded list value into []string.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
