package consistency

import (
	"fmt"

	"github.com/fennwald/mnemosyne/pkg/card"
)

// Report is the result of a whole-store consistency sweep.
type Report struct {
	// Findings lists every problem in store iteration order.
	Findings []Contradiction

	// ByType groups findings by their Type.
	ByType map[string][]Contradiction

	// BySeverity counts findings per severity.
	BySeverity map[Severity]int
}

// Sweep checks the entire store for dangling references and invalid state,
// independent of any turn: character locations that don't exist, item owners
// and locations that don't exist, owned items missing from the owner's
// inventory, relationships with missing endpoints, and active stories with
// unmet or dangling prerequisites and references.
func Sweep(store *card.Store) *Report {
	var findings []Contradiction
	findings = append(findings, sweepCharacters(store)...)
	findings = append(findings, sweepItems(store)...)
	findings = append(findings, sweepRelationships(store)...)
	findings = append(findings, sweepStories(store)...)

	report := &Report{
		Findings:   findings,
		ByType:     make(map[string][]Contradiction),
		BySeverity: make(map[Severity]int),
	}
	for _, f := range findings {
		report.ByType[f.Type] = append(report.ByType[f.Type], f)
		report.BySeverity[f.Severity]++
	}
	return report
}

func sweepCharacters(store *card.Store) []Contradiction {
	var out []Contradiction
	for _, c := range store.GetByKind(card.KindCharacter) {
		loc := c.Character.Location
		if loc == "" || loc == card.LocationUnknown {
			continue
		}
		if !store.Exists(loc) {
			out = append(out, Contradiction{
				Type: "character_location", EntityID: c.ID, EntityName: c.Name,
				Attribute: "location", Current: loc,
				Proposed: nil, Severity: SeverityMedium,
			})
		}
	}
	return out
}

func sweepItems(store *card.Store) []Contradiction {
	var out []Contradiction
	for _, c := range store.GetByKind(card.KindItem) {
		item := c.Item
		if item.Owner != "" {
			owner, err := store.Get(item.Owner)
			switch {
			case err != nil:
				out = append(out, Contradiction{
					Type: "item_owner", EntityID: c.ID, EntityName: c.Name,
					Attribute: "owner", Current: item.Owner,
					Severity: SeverityMedium,
				})
			case owner.Kind == card.KindCharacter:
				inv := owner.Character.Inventory
				if !containsString(inv, c.ID) && !containsString(inv, c.Name) {
					out = append(out, Contradiction{
						Type: "item_inventory", EntityID: c.ID, EntityName: c.Name,
						Attribute: "owner",
						Current:   fmt.Sprintf("not in %s's inventory", owner.Name),
						Proposed:  item.Owner,
						Severity:  SeverityLow,
					})
				}
			}
		}
		if item.Location != "" && !store.Exists(item.Location) {
			out = append(out, Contradiction{
				Type: "item_location", EntityID: c.ID, EntityName: c.Name,
				Attribute: "location", Current: item.Location,
				Severity: SeverityMedium,
			})
		}
	}
	return out
}

func sweepRelationships(store *card.Store) []Contradiction {
	var out []Contradiction
	for _, c := range store.GetByKind(card.KindRelationship) {
		for _, endpoint := range []string{c.Relationship.Entity1, c.Relationship.Entity2} {
			if endpoint != "" && !store.Exists(endpoint) {
				out = append(out, Contradiction{
					Type: "relationship_endpoint", EntityID: c.ID, EntityName: c.Name,
					Attribute: "endpoint", Current: endpoint,
					Severity: SeverityHigh,
				})
			}
		}
	}
	return out
}

func sweepStories(store *card.Store) []Contradiction {
	var out []Contradiction
	for _, c := range store.GetByKind(card.KindStory) {
		story := c.Story
		if story.Status == "active" {
			for _, prereq := range story.Prerequisites {
				pc, err := store.Get(prereq)
				if err != nil || (pc.Story != nil && pc.Story.Status != "completed" && pc.Story.Status != "succeeded") {
					out = append(out, Contradiction{
						Type: "story_prerequisite", EntityID: c.ID, EntityName: c.Name,
						Attribute: "prerequisites", Current: prereq,
						Severity: SeverityMedium,
					})
				}
			}
		}
		refs := [][]string{story.InvolvedCharacters, story.InvolvedLocations, story.InvolvedItems}
		attrs := []string{"involved_characters", "involved_locations", "involved_items"}
		for i, list := range refs {
			for _, id := range list {
				if id != "" && !store.Exists(id) {
					out = append(out, Contradiction{
						Type: "story_reference", EntityID: c.ID, EntityName: c.Name,
						Attribute: attrs[i], Current: id,
						Severity: SeverityMedium,
					})
				}
			}
		}
	}
	return out
}
