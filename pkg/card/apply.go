package card

import (
	"fmt"
	"strings"
)

// applyChanges applies a change map to the card, field by field. Each kind has
// an explicit, enumerated field table: attempts to change ID, Kind, History,
// or timestamps are ignored, and unknown fields are returned so the caller
// can log a warning instead of silently dropping them.
//
// Change values come from JSON-decoded LLM output, so numbers arrive as
// float64 and lists as []any; the coercion helpers below normalise them.
func applyChanges(c *Card, changes map[string]any) (unknown []string) {
	for key, val := range changes {
		field := strings.ToLower(key)
		switch field {
		case "id", "kind", "history", "created_at", "last_modified", "timestamp":
			// Immutable or store-managed; never writable through changes.
			continue
		case "name":
			if s, ok := asString(val); ok {
				c.Name = s
			}
			continue
		case "description":
			if s, ok := asString(val); ok {
				c.Description = s
			}
			continue
		}

		var handled bool
		switch c.Kind {
		case KindCharacter:
			handled = applyCharacterField(c.Character, field, val)
		case KindLocation:
			handled = applyLocationField(c.Location, field, val)
		case KindItem:
			handled = applyItemField(c.Item, field, val)
		case KindStory:
			handled = applyStoryField(c.Story, field, val)
		case KindRelationship:
			handled = applyRelationshipField(c.Relationship, field, val)
		}
		if !handled {
			unknown = append(unknown, key)
		}
	}
	return unknown
}

func applyCharacterField(d *CharacterData, field string, val any) bool {
	switch field {
	case "traits":
		mergeAnyMap(&d.Traits, val)
	case "stats":
		mergeAnyMap(&d.Stats, val)
	case "inventory":
		if list, ok := asStringSlice(val); ok {
			d.Inventory = list
		}
	case "add_inventory":
		if list, ok := asStringSlice(val); ok {
			for _, item := range list {
				if !containsString(d.Inventory, item) {
					d.Inventory = append(d.Inventory, item)
				}
			}
		}
	case "remove_inventory":
		if list, ok := asStringSlice(val); ok {
			for _, item := range list {
				d.Inventory = removeString(d.Inventory, item)
			}
		}
	case "relationships":
		mergeStringMap(&d.Relationships, val)
	case "location":
		if s, ok := asString(val); ok {
			d.Location = s
		}
	case "status":
		if s, ok := asString(val); ok {
			d.Status = s
		}
	case "backstory":
		if s, ok := asString(val); ok {
			d.Backstory = s
		}
	case "appearance":
		if s, ok := asString(val); ok {
			d.Appearance = s
		}
	case "goals":
		if list, ok := asStringSlice(val); ok {
			d.Goals = list
		}
	default:
		return false
	}
	return true
}

func applyLocationField(d *LocationData, field string, val any) bool {
	switch field {
	case "region":
		if s, ok := asString(val); ok {
			d.Region = s
		}
	case "features":
		if list, ok := asStringSlice(val); ok {
			d.Features = list
		}
	case "inhabitants":
		if list, ok := asStringSlice(val); ok {
			d.Inhabitants = list
		}
	case "items":
		if list, ok := asStringSlice(val); ok {
			d.Items = list
		}
	case "connections":
		mergeStringMap(&d.Connections, val)
	case "atmosphere":
		if s, ok := asString(val); ok {
			d.Atmosphere = s
		}
	case "events":
		if list, ok := asStringSlice(val); ok {
			d.Events = list
		}
	case "add_events":
		if list, ok := asStringSlice(val); ok {
			d.Events = append(d.Events, list...)
		}
	default:
		return false
	}
	return true
}

func applyItemField(d *ItemData, field string, val any) bool {
	switch field {
	case "properties":
		mergeAnyMap(&d.Properties, val)
	case "owner":
		if s, ok := asString(val); ok {
			d.Owner = s
		}
	case "location":
		if s, ok := asString(val); ok {
			d.Location = s
		}
	case "effects":
		if list, ok := asStringSlice(val); ok {
			d.Effects = list
		}
	case "add_effects":
		if list, ok := asStringSlice(val); ok {
			for _, e := range list {
				if !containsString(d.Effects, e) {
					d.Effects = append(d.Effects, e)
				}
			}
		}
	default:
		return false
	}
	return true
}

func applyStoryField(d *StoryData, field string, val any) bool {
	switch field {
	case "plot_type":
		if s, ok := asString(val); ok {
			d.PlotType = s
		}
	case "status":
		if s, ok := asString(val); ok {
			d.Status = s
		}
	case "involved_characters":
		if list, ok := asStringSlice(val); ok {
			d.InvolvedCharacters = list
		}
	case "involved_locations":
		if list, ok := asStringSlice(val); ok {
			d.InvolvedLocations = list
		}
	case "involved_items":
		if list, ok := asStringSlice(val); ok {
			d.InvolvedItems = list
		}
	case "prerequisites":
		if list, ok := asStringSlice(val); ok {
			d.Prerequisites = list
		}
	case "outcomes":
		if list, ok := asStringSlice(val); ok {
			d.Outcomes = list
		}
	case "add_outcomes":
		if list, ok := asStringSlice(val); ok {
			d.Outcomes = append(d.Outcomes, list...)
		}
	case "timeline":
		if list, ok := asStringSlice(val); ok {
			d.Timeline = list
		}
	case "add_timeline":
		if list, ok := asStringSlice(val); ok {
			d.Timeline = append(d.Timeline, list...)
		}
	default:
		return false
	}
	return true
}

func applyRelationshipField(d *RelationshipData, field string, val any) bool {
	switch field {
	case "entity1", "entity2":
		// Endpoints are canonicalised at creation and never rewritten.
		return true
	case "relationship_type", "type":
		if s, ok := asString(val); ok {
			d.RelType = s
		}
	case "strength":
		if n, ok := asInt(val); ok {
			d.Strength = n
		}
	case "emotions":
		if m, ok := val.(map[string]any); ok {
			if d.Emotions == nil {
				d.Emotions = map[string]float64{}
			}
			for k, v := range m {
				if f, ok := asFloat(v); ok {
					d.Emotions[k] = f
				}
			}
		}
	case "events":
		if list, ok := asStringSlice(val); ok {
			d.Events = list
		}
	case "add_events":
		if list, ok := asStringSlice(val); ok {
			d.Events = append(d.Events, list...)
		}
	default:
		return false
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Coercion helpers
// ─────────────────────────────────────────────────────────────────────────────

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

func asStringSlice(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := asString(item); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func mergeAnyMap(dst *map[string]any, val any) {
	m, ok := val.(map[string]any)
	if !ok {
		return
	}
	if *dst == nil {
		*dst = map[string]any{}
	}
	for k, v := range m {
		(*dst)[k] = v
	}
}

func mergeStringMap(dst *map[string]string, val any) {
	m, ok := val.(map[string]any)
	if !ok {
		if sm, ok := val.(map[string]string); ok {
			if *dst == nil {
				*dst = map[string]string{}
			}
			for k, v := range sm {
				(*dst)[k] = v
			}
		}
		return
	}
	if *dst == nil {
		*dst = map[string]string{}
	}
	for k, v := range m {
		if s, ok := asString(v); ok {
			(*dst)[k] = s
		}
	}
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
