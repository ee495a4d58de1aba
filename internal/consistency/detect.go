package consistency

import (
	"fmt"
	"math"

	"github.com/fennwald/mnemosyne/internal/extract"
	"github.com/fennwald/mnemosyne/pkg/card"
)

// Relationship type groups for boundary checks. A type swap that crosses from
// a bonded group straight into the hostile group is suspicious without an
// intervening narrative event.
var (
	bondedTypes   = map[string]bool{"romantic": true, "family": true, "sibling": true}
	friendlyTypes = map[string]bool{"ally": true, "friend": true, "protector": true}
	hostileTypes  = map[string]bool{"enemy": true, "nemesis": true, "rival": true}
)

// Statuses that legitimately follow "dead".
var afterDeath = map[string]bool{"undead": true, "resurrected": true, "ghost": true}

// Immutable item properties: a change to any of these means the extraction
// confused two items, not that the item transformed.
var immutableProperties = map[string]bool{"material": true, "size": true, "weight": true, "composition": true}

// Detect compares a change-set against the current store state and returns
// every contradiction found. New entities are never contradictory: there is
// no prior state to conflict with.
func Detect(store *card.Store, cs *extract.ChangeSet) []Contradiction {
	if store == nil || cs == nil {
		return nil
	}
	var out []Contradiction
	for _, ch := range cs.Characters {
		out = append(out, detectCharacter(store, ch)...)
	}
	for _, ch := range cs.Locations {
		out = append(out, detectLocation(store, ch)...)
	}
	for _, ch := range cs.Items {
		out = append(out, detectItem(store, ch)...)
	}
	for _, ch := range cs.Stories {
		out = append(out, detectStory(store, ch)...)
	}
	for _, rel := range cs.Relationships {
		out = append(out, detectRelationship(store, rel)...)
	}
	return out
}

func detectCharacter(store *card.Store, ch extract.EntityChange) []Contradiction {
	c, ok := lookup(store, card.KindCharacter, ch)
	if !ok {
		return nil
	}
	cur := c.Character
	var out []Contradiction

	if loc, ok := ch.Changes["location"].(string); ok && cur.Location != "" && loc != cur.Location {
		out = append(out, Contradiction{
			Type: "character_location", EntityID: c.ID, EntityName: c.Name,
			Attribute: "location", Current: cur.Location, Proposed: loc,
			Severity: SeverityLow,
		})
	}
	if status, ok := ch.Changes["status"].(string); ok && cur.Status != "" && status != cur.Status {
		sev := SeverityLow
		if cur.Status == "dead" && !afterDeath[status] {
			sev = SeverityHigh
		}
		out = append(out, Contradiction{
			Type: "character_status", EntityID: c.ID, EntityName: c.Name,
			Attribute: "status", Current: cur.Status, Proposed: status,
			Severity: sev,
		})
	}
	for _, item := range stringList(ch.Changes["remove_inventory"]) {
		if !containsString(cur.Inventory, item) {
			out = append(out, Contradiction{
				Type: "character_inventory", EntityID: c.ID, EntityName: c.Name,
				Attribute: "remove_inventory", Current: cur.Inventory, Proposed: item,
				Severity: SeverityMedium,
			})
		}
	}
	return out
}

func detectLocation(store *card.Store, ch extract.EntityChange) []Contradiction {
	c, ok := lookup(store, card.KindLocation, ch)
	if !ok {
		return nil
	}
	cur := c.Location
	var out []Contradiction

	if region, ok := ch.Changes["region"].(string); ok && cur.Region != "" && region != cur.Region {
		out = append(out, Contradiction{
			Type: "location_region", EntityID: c.ID, EntityName: c.Name,
			Attribute: "region", Current: cur.Region, Proposed: region,
			Severity: SeverityHigh,
		})
	}
	// A full replacement feature list that silently drops known features is
	// more likely a partial extraction than a demolition.
	if raw, ok := ch.Changes["features"]; ok {
		proposed := stringList(raw)
		var removed []string
		for _, f := range cur.Features {
			if !containsString(proposed, f) {
				removed = append(removed, f)
			}
		}
		if len(removed) > 0 {
			out = append(out, Contradiction{
				Type: "location_features", EntityID: c.ID, EntityName: c.Name,
				Attribute: "features", Current: removed, Proposed: proposed,
				Severity: SeverityMedium,
			})
		}
	}
	return out
}

func detectItem(store *card.Store, ch extract.EntityChange) []Contradiction {
	c, ok := lookup(store, card.KindItem, ch)
	if !ok {
		return nil
	}
	cur := c.Item
	var out []Contradiction

	owner, hasOwner := ch.Changes["owner"].(string)
	loc, hasLoc := ch.Changes["location"].(string)
	if hasOwner && hasLoc && owner != "" {
		if oc, err := store.Get(owner); err == nil && oc.Kind == card.KindCharacter {
			if oc.Character.Location != "" && oc.Character.Location != loc {
				out = append(out, Contradiction{
					Type: "item_owner_location", EntityID: c.ID, EntityName: c.Name,
					Attribute: "location",
					Current:   fmt.Sprintf("%s is at %s", oc.Name, oc.Character.Location),
					Proposed:  loc,
					Severity:  SeverityMedium,
				})
			}
		}
	}
	if props, ok := ch.Changes["properties"].(map[string]any); ok {
		for key, val := range props {
			if !immutableProperties[key] {
				continue
			}
			if cv, exists := cur.Properties[key]; exists && fmt.Sprint(cv) != fmt.Sprint(val) {
				out = append(out, Contradiction{
					Type: "item_properties", EntityID: c.ID, EntityName: c.Name,
					Attribute: key, Current: cv, Proposed: val,
					Severity: SeverityHigh,
				})
			}
		}
	}
	return out
}

func detectStory(store *card.Store, ch extract.EntityChange) []Contradiction {
	c, ok := lookup(store, card.KindStory, ch)
	if !ok {
		return nil
	}
	cur := c.Story
	status, has := ch.Changes["status"].(string)
	if !has || status == cur.Status {
		return nil
	}
	reopened := cur.Status == "completed" && status != "archived" && status != "epilogue"
	unfailed := cur.Status == "failed" && status == "active"
	if !reopened && !unfailed {
		return nil
	}
	return []Contradiction{{
		Type: "story_status", EntityID: c.ID, EntityName: c.Name,
		Attribute: "status", Current: cur.Status, Proposed: status,
		Severity: SeverityHigh,
	}}
}

func detectRelationship(store *card.Store, rel extract.RelationshipChange) []Contradiction {
	existing, err := store.RelationshipBetween(rel.Entity1, rel.Entity2)
	if err != nil {
		return nil
	}
	cur := existing.Relationship
	var out []Contradiction

	if rel.Type != "" && cur.RelType != "" && rel.Type != cur.RelType {
		if crossesHostileBoundary(cur.RelType, rel.Type) {
			out = append(out, Contradiction{
				Type: "relationship_type", EntityID: existing.ID, EntityName: existing.Name,
				Attribute: "relationship_type", Current: cur.RelType, Proposed: rel.Type,
				Severity: SeverityMedium,
			})
		}
	}
	if rel.StrengthSet && math.Abs(float64(rel.Strength-cur.Strength)) > 5 {
		out = append(out, Contradiction{
			Type: "relationship_strength", EntityID: existing.ID, EntityName: existing.Name,
			Attribute: "strength", Current: cur.Strength, Proposed: rel.Strength,
			Severity: SeverityLow,
		})
	}
	return out
}

// crossesHostileBoundary reports whether a relationship type swap jumps
// between a bonded or friendly group and the hostile group in either
// direction.
func crossesHostileBoundary(current, proposed string) bool {
	if hostileTypes[current] {
		return bondedTypes[proposed] || friendlyTypes[proposed]
	}
	if hostileTypes[proposed] {
		return bondedTypes[current] || friendlyTypes[current]
	}
	return false
}

// lookup fetches the existing card for a change. New entities and changes
// without a resolved ID have no prior state to contradict.
func lookup(store *card.Store, kind card.Kind, ch extract.EntityChange) (*card.Card, bool) {
	if ch.IsNew || ch.ID == "" {
		return nil, false
	}
	c, err := store.Get(ch.ID)
	if err != nil || c.Kind != kind {
		return nil, false
	}
	return c, true
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
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
