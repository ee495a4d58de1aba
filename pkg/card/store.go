package card

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fennwald/mnemosyne/pkg/storage"
)

// Store manages the full set of entity cards for one campaign. Cards are held
// in memory, indexed by ID and by kind (insertion-ordered), and written
// through to a [storage.EntityStorage] backend on every mutation.
//
// Persistence is best-effort: a failed write is logged and the in-memory
// state remains authoritative — the next successful save reconciles. This is
// the deliberate durability stance for a single-user desktop tool.
//
// All methods are safe for concurrent use.
type Store struct {
	backing storage.EntityStorage

	mu     sync.RWMutex
	byID   map[string]*Card
	byKind map[Kind][]string // insertion-ordered ids per kind
}

// NewStore returns a Store writing through to backing. A nil backing keeps
// the store memory-only (useful in tests).
func NewStore(backing storage.EntityStorage) *Store {
	return &Store{
		backing: backing,
		byID:    make(map[string]*Card),
		byKind:  make(map[Kind][]string),
	}
}

// Load replaces all in-memory state with the cards found in the backing
// store. Records that fail to decode are repaired to a placeholder card (so
// their IDs — which other entities may reference — stay resolvable) and the
// repair is logged. Load never fails on individual corrupt records.
func (s *Store) Load(ctx context.Context) error {
	if s.backing == nil {
		return nil
	}

	loaded := make(map[string]*Card)
	order := make(map[Kind][]string)

	for _, kind := range Kinds {
		stored, err := s.backing.List(ctx, string(kind))
		if err != nil {
			return fmt.Errorf("card: load kind %q: %w", kind, err)
		}
		for _, se := range stored {
			c, err := fromRecord(kind, se.ID, se.Record)
			if err != nil {
				slog.Warn("card: repairing corrupt record",
					"kind", kind, "id", se.ID, "error", err)
				c = placeholderCard(kind, se.ID)
			}
			loaded[c.ID] = c
			order[kind] = append(order[kind], c.ID)
		}
	}

	s.mu.Lock()
	s.byID = loaded
	s.byKind = order
	s.mu.Unlock()
	return nil
}

// Create allocates a fresh ID, constructs a card of the given kind with
// defaults overridden by initial, records the initial_creation history entry,
// and indexes it. Returns [ErrUnknownKind] for unrecognised kinds.
func (s *Store) Create(ctx context.Context, kind Kind, name string, initial map[string]any) (string, error) {
	if !kind.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("card: generate id: %w", err)
	}

	now := time.Now()
	c := &Card{
		ID:           id,
		Kind:         kind,
		Name:         name,
		CreatedAt:    now,
		LastModified: now,
	}
	newPayload(c)

	creationChanges := map[string]any{"name": name}
	if len(initial) > 0 {
		if unknown := applyChanges(c, initial); len(unknown) > 0 {
			slog.Warn("card: ignoring unknown fields at creation",
				"kind", kind, "name", name, "fields", unknown)
		}
		for k, v := range initial {
			creationChanges[k] = v
		}
	}
	c.History = append(c.History, HistoryEntry{
		Timestamp: now,
		Changes:   creationChanges,
		Source:    SourceInitialCreation,
	})

	s.mu.Lock()
	s.byID[id] = c
	s.byKind[kind] = append(s.byKind[kind], id)
	s.mu.Unlock()

	s.persist(ctx, c)
	return id, nil
}

// Get returns a deep copy of the card with the given ID, or [ErrNotFound].
func (s *Store) Get(id string) (*Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Exists reports whether a card with the given ID is in the store.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// GetByKind returns copies of all cards of the given kind in insertion order.
func (s *Store) GetByKind(kind Kind) []*Card {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byKind[kind]
	out := make([]*Card, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.byID[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Update applies changes to the card with the given ID, bumps LastModified,
// appends a history entry tagged with source, and persists. Unknown fields
// are logged as warnings; they do not fail the update.
// Returns [ErrNotFound] when the ID is unknown.
func (s *Store) Update(ctx context.Context, id string, changes map[string]any, source string) error {
	s.mu.Lock()
	c, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("card: update %q: %w", id, ErrNotFound)
	}

	if unknown := applyChanges(c, changes); len(unknown) > 0 {
		slog.Warn("card: ignoring unknown fields in update",
			"kind", c.Kind, "id", id, "fields", unknown)
	}
	c.LastModified = time.Now()
	c.History = append(c.History, HistoryEntry{
		Timestamp: c.LastModified,
		Changes:   cloneAnyMap(changes),
		Source:    source,
	})
	snapshot := c.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	return nil
}

// Delete removes the card from both indexes and best-effort removes the
// backing record. A backing-store failure is logged but does not fail the
// logical delete. Returns [ErrNotFound] when the ID is unknown.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	c, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("card: delete %q: %w", id, ErrNotFound)
	}
	delete(s.byID, id)
	ids := s.byKind[c.Kind]
	for i, existing := range ids {
		if existing == id {
			s.byKind[c.Kind] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	kind := c.Kind
	s.mu.Unlock()

	if s.backing != nil {
		if err := s.backing.Delete(ctx, string(kind), id); err != nil {
			slog.Warn("card: failed to delete backing record", "kind", kind, "id", id, "error", err)
		}
	}
	return nil
}

// FindByName returns copies of all cards whose name contains substr
// (case-insensitive). A valid kind scopes the search; any other value
// searches all kinds. Results follow kind order, then insertion order.
func (s *Store) FindByName(substr string, kind Kind) []*Card {
	needle := strings.ToLower(substr)

	s.mu.RLock()
	defer s.mu.RUnlock()

	kinds := Kinds
	if kind.IsValid() {
		kinds = []Kind{kind}
	}

	var out []*Card
	for _, k := range kinds {
		for _, id := range s.byKind[k] {
			c, ok := s.byID[id]
			if !ok {
				continue
			}
			if strings.Contains(strings.ToLower(c.Name), needle) {
				out = append(out, c.Clone())
			}
		}
	}
	return out
}

// Len returns the total number of cards in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// persist writes the card through to the backing store, logging failures.
func (s *Store) persist(ctx context.Context, c *Card) {
	if s.backing == nil {
		return
	}
	rec, err := toRecord(c)
	if err != nil {
		slog.Error("card: failed to encode record", "kind", c.Kind, "id", c.ID, "error", err)
		return
	}
	if err := s.backing.Put(ctx, string(c.Kind), c.ID, rec); err != nil {
		slog.Warn("card: failed to persist record; in-memory state remains authoritative",
			"kind", c.Kind, "id", c.ID, "error", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Record round-trip and repair
// ─────────────────────────────────────────────────────────────────────────────

// toRecord flattens a card into a JSON-compatible record.
func toRecord(c *Card) (storage.Record, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// fromRecord rebuilds a card from a stored record. The stored kind and ID are
// overridden by the storage key so a tampered record cannot shadow another
// entity.
func fromRecord(kind Kind, id string, rec storage.Record) (*Card, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is not a map")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var c Card
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.Kind = kind
	c.ID = id
	if !payloadMatches(&c) {
		return nil, fmt.Errorf("payload missing for kind %q", kind)
	}
	if len(c.History) == 0 {
		return nil, fmt.Errorf("history is empty")
	}
	return &c, nil
}

// payloadMatches reports whether the payload pointer matching c.Kind is set.
func payloadMatches(c *Card) bool {
	switch c.Kind {
	case KindCharacter:
		return c.Character != nil
	case KindLocation:
		return c.Location != nil
	case KindItem:
		return c.Item != nil
	case KindStory:
		return c.Story != nil
	case KindRelationship:
		return c.Relationship != nil
	}
	return false
}

// placeholderCard builds a safe-default replacement for a corrupt record.
// The name marks the repair so an operator can spot and fix it.
func placeholderCard(kind Kind, id string) *Card {
	now := time.Now()
	c := &Card{
		ID:           id,
		Kind:         kind,
		Name:         "corrupted-" + id,
		Description:  "Record was corrupt on load and repaired to defaults.",
		CreatedAt:    now,
		LastModified: now,
	}
	newPayload(c)
	c.History = append(c.History, HistoryEntry{
		Timestamp: now,
		Changes:   map[string]any{"repaired": true},
		Source:    SourceInitialCreation,
	})
	return c
}

// generateID produces a random 16-byte hex string using crypto/rand.
func generateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
