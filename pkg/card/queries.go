package card

import (
	"context"
	"fmt"
)

// CharactersAt returns copies of all characters whose location field matches
// locationID, in insertion order.
func (s *Store) CharactersAt(locationID string) []*Card {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Card
	for _, id := range s.byKind[KindCharacter] {
		c, ok := s.byID[id]
		if !ok || c.Character == nil {
			continue
		}
		if c.Character.Location == locationID {
			out = append(out, c.Clone())
		}
	}
	return out
}

// RelationshipsFor returns copies of all relationship cards in which entityID
// appears as either endpoint.
func (s *Store) RelationshipsFor(entityID string) []*Card {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Card
	for _, id := range s.byKind[KindRelationship] {
		c, ok := s.byID[id]
		if !ok || c.Relationship == nil {
			continue
		}
		if c.Relationship.Entity1 == entityID || c.Relationship.Entity2 == entityID {
			out = append(out, c.Clone())
		}
	}
	return out
}

// RelationshipBetween returns a copy of the relationship card linking the two
// entities, canonicalising the pair order first. Returns [ErrNotFound] when no
// such relationship exists.
func (s *Store) RelationshipBetween(id1, id2 string) (*Card, error) {
	if id1 > id2 {
		id1, id2 = id2, id1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.byKind[KindRelationship] {
		c, ok := s.byID[id]
		if !ok || c.Relationship == nil {
			continue
		}
		if c.Relationship.Entity1 == id1 && c.Relationship.Entity2 == id2 {
			return c.Clone(), nil
		}
	}
	return nil, fmt.Errorf("card: relationship between %q and %q: %w", id1, id2, ErrNotFound)
}

// ItemsOwnedBy returns copies of all items owned by the given character.
func (s *Store) ItemsOwnedBy(characterID string) []*Card {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Card
	for _, id := range s.byKind[KindItem] {
		c, ok := s.byID[id]
		if !ok || c.Item == nil {
			continue
		}
		if c.Item.Owner == characterID {
			out = append(out, c.Clone())
		}
	}
	return out
}

// ActiveStories returns copies of all story cards whose status is "active".
func (s *Store) ActiveStories() []*Card {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Card
	for _, id := range s.byKind[KindStory] {
		c, ok := s.byID[id]
		if !ok || c.Story == nil {
			continue
		}
		if c.Story.Status == "active" {
			out = append(out, c.Clone())
		}
	}
	return out
}

// CreateOrUpdateRelationship finds or creates the relationship card for the
// pair (id1, id2) and applies the given type, strength and emotions to it.
//
// The pair is canonicalised by lexicographic entity-ID order before lookup,
// so (a, b) and (b, a) always resolve to the same card. Both endpoints must
// already exist in the store. Returns the relationship card's ID.
func (s *Store) CreateOrUpdateRelationship(ctx context.Context, id1, id2, relType string, strength int, emotions map[string]float64, source string) (string, error) {
	if id1 == id2 {
		return "", fmt.Errorf("card: relationship endpoints are identical: %q", id1)
	}
	if id1 > id2 {
		id1, id2 = id2, id1
	}

	s.mu.RLock()
	e1, ok1 := s.byID[id1]
	e2, ok2 := s.byID[id2]
	var existing string
	for _, id := range s.byKind[KindRelationship] {
		c, ok := s.byID[id]
		if !ok || c.Relationship == nil {
			continue
		}
		if c.Relationship.Entity1 == id1 && c.Relationship.Entity2 == id2 {
			existing = id
			break
		}
	}
	s.mu.RUnlock()

	if !ok1 {
		return "", fmt.Errorf("card: relationship endpoint %q: %w", id1, ErrNotFound)
	}
	if !ok2 {
		return "", fmt.Errorf("card: relationship endpoint %q: %w", id2, ErrNotFound)
	}

	changes := map[string]any{
		"relationship_type": relType,
		"strength":          strength,
	}
	if len(emotions) > 0 {
		changes["emotions"] = emotions
	}

	if existing != "" {
		if err := s.Update(ctx, existing, changes, source); err != nil {
			return "", err
		}
		return existing, nil
	}

	name := e1.Name + " ↔ " + e2.Name
	changes["entity1"] = id1
	changes["entity2"] = id2
	changes["add_events"] = []string{"Relationship established"}
	id, err := s.Create(ctx, KindRelationship, name, changes)
	if err != nil {
		return "", err
	}
	// entity1/entity2 are accepted but not applied by the field appliers;
	// set them directly under the lock, then persist the final state.
	var snapshot *Card
	s.mu.Lock()
	if c, ok := s.byID[id]; ok && c.Relationship != nil {
		c.Relationship.Entity1 = id1
		c.Relationship.Entity2 = id2
		snapshot = c.Clone()
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.persist(ctx, snapshot)
	}
	return id, nil
}
