package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/fennwald/mnemosyne/pkg/card"
)

// Setup seeds a new campaign with an initial world. Cross-references between
// the batches are positional: a character's location of "0" means "the 0th
// location in this setup", translated to the real entity ID at creation time.
// Batches are created in dependency order: locations, then characters, then
// items.
type Setup struct {
	Locations  []SetupLocation  `yaml:"locations"`
	Characters []SetupCharacter `yaml:"characters"`
	Items      []SetupItem      `yaml:"items"`

	// InitialFocus sets the starting focus, using the same positional
	// references as the batches above.
	InitialFocus *SetupFocus `yaml:"initial_focus"`
}

// SetupLocation seeds one location card.
type SetupLocation struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Region      string   `yaml:"region"`
	Atmosphere  string   `yaml:"atmosphere"`
	Features    []string `yaml:"features"`
}

// SetupCharacter seeds one character card. Location is a positional
// reference into the setup's locations.
type SetupCharacter struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Location    string         `yaml:"location"`
	Status      string         `yaml:"status"`
	Backstory   string         `yaml:"backstory"`
	Traits      map[string]any `yaml:"traits"`
	Inventory   []string       `yaml:"inventory"`
}

// SetupItem seeds one item card. Owner and Location are positional
// references into the setup's characters and locations respectively.
type SetupItem struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Owner       string         `yaml:"owner"`
	Location    string         `yaml:"location"`
	Properties  map[string]any `yaml:"properties"`
}

// SetupFocus selects the starting focus by positional reference.
type SetupFocus struct {
	Characters []string `yaml:"characters"`
	Location   string   `yaml:"location"`
	Items      []string `yaml:"items"`
}

// LoadSetupFile reads a YAML setup file. Unknown fields are rejected so
// typos fail loudly instead of silently seeding nothing.
func LoadSetupFile(path string) (*Setup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: open setup %q: %w", path, err)
	}
	defer f.Close()

	setup := &Setup{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(setup); err != nil {
		return nil, fmt.Errorf("engine: parse setup %q: %w", path, err)
	}
	return setup, nil
}

// applySetup creates the setup's entities in dependency order and translates
// positional references to real IDs, including the initial focus.
func (e *Engine) applySetup(ctx context.Context, store *card.Store, setup *Setup) error {
	locationIDs := make([]string, 0, len(setup.Locations))
	for i, loc := range setup.Locations {
		changes := map[string]any{}
		if loc.Description != "" {
			changes["description"] = loc.Description
		}
		if loc.Region != "" {
			changes["region"] = loc.Region
		}
		if loc.Atmosphere != "" {
			changes["atmosphere"] = loc.Atmosphere
		}
		if len(loc.Features) > 0 {
			changes["features"] = loc.Features
		}
		id, err := store.Create(ctx, card.KindLocation, loc.Name, changes)
		if err != nil {
			return fmt.Errorf("engine: setup location %d (%s): %w", i, loc.Name, err)
		}
		locationIDs = append(locationIDs, id)
	}

	characterIDs := make([]string, 0, len(setup.Characters))
	for i, ch := range setup.Characters {
		changes := map[string]any{}
		if ch.Description != "" {
			changes["description"] = ch.Description
		}
		if ch.Status != "" {
			changes["status"] = ch.Status
		}
		if ch.Backstory != "" {
			changes["backstory"] = ch.Backstory
		}
		if len(ch.Traits) > 0 {
			changes["traits"] = ch.Traits
		}
		if len(ch.Inventory) > 0 {
			changes["inventory"] = ch.Inventory
		}
		if ch.Location != "" {
			locID, err := translateRef(ch.Location, locationIDs)
			if err != nil {
				return fmt.Errorf("engine: setup character %d (%s) location: %w", i, ch.Name, err)
			}
			changes["location"] = locID
		}
		id, err := store.Create(ctx, card.KindCharacter, ch.Name, changes)
		if err != nil {
			return fmt.Errorf("engine: setup character %d (%s): %w", i, ch.Name, err)
		}
		characterIDs = append(characterIDs, id)
	}

	itemIDs := make([]string, 0, len(setup.Items))
	for i, item := range setup.Items {
		changes := map[string]any{}
		if item.Description != "" {
			changes["description"] = item.Description
		}
		if len(item.Properties) > 0 {
			changes["properties"] = item.Properties
		}
		if item.Owner != "" {
			ownerID, err := translateRef(item.Owner, characterIDs)
			if err != nil {
				return fmt.Errorf("engine: setup item %d (%s) owner: %w", i, item.Name, err)
			}
			changes["owner"] = ownerID
		}
		if item.Location != "" {
			locID, err := translateRef(item.Location, locationIDs)
			if err != nil {
				return fmt.Errorf("engine: setup item %d (%s) location: %w", i, item.Name, err)
			}
			changes["location"] = locID
		}
		id, err := store.Create(ctx, card.KindItem, item.Name, changes)
		if err != nil {
			return fmt.Errorf("engine: setup item %d (%s): %w", i, item.Name, err)
		}
		itemIDs = append(itemIDs, id)
	}

	if setup.InitialFocus != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, ref := range setup.InitialFocus.Characters {
			id, err := translateRef(ref, characterIDs)
			if err != nil {
				return fmt.Errorf("engine: setup initial_focus character: %w", err)
			}
			e.focus.Characters = append(e.focus.Characters, id)
		}
		if setup.InitialFocus.Location != "" {
			id, err := translateRef(setup.InitialFocus.Location, locationIDs)
			if err != nil {
				return fmt.Errorf("engine: setup initial_focus location: %w", err)
			}
			e.focus.Location = id
		}
		for _, ref := range setup.InitialFocus.Items {
			id, err := translateRef(ref, itemIDs)
			if err != nil {
				return fmt.Errorf("engine: setup initial_focus item: %w", err)
			}
			e.focus.Items = append(e.focus.Items, id)
		}
	}
	return nil
}

// translateRef resolves a positional batch reference like "2" to the ID of
// the 2nd entity created in that batch.
func translateRef(ref string, ids []string) (string, error) {
	idx, err := strconv.Atoi(ref)
	if err != nil {
		return "", fmt.Errorf("reference %q is not a batch index", ref)
	}
	if idx < 0 || idx >= len(ids) {
		return "", fmt.Errorf("reference %q is out of range (batch has %d entries)", ref, len(ids))
	}
	return ids[idx], nil
}
