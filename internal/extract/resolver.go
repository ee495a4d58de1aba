package extract

import (
	"strings"
	"sync"

	"github.com/fennwald/mnemosyne/internal/extract/phonetic"
	"github.com/fennwald/mnemosyne/pkg/card"
)

// Resolver maps entity references from LLM output (IDs or free-text names)
// onto entity-store IDs.
//
// Resolution order, per kind:
//  1. Exact ID match against the store.
//  2. Case-insensitive name match against a precomputed name index.
//  3. Fuzzy phonetic match (Double Metaphone + Jaro-Winkler) against the
//     known names of that kind.
//
// The name index is a snapshot; call [Resolver.Refresh] after entities are
// added or removed. Safe for concurrent use.
type Resolver struct {
	store   *card.Store
	matcher *phonetic.Matcher

	mu     sync.RWMutex
	idByLC map[card.Kind]map[string]string // lowercased name to id
	names  map[card.Kind][]string          // original-case names for fuzzy matching
}

// NewResolver returns a Resolver over store with an empty name index.
// Call Refresh before first use.
func NewResolver(store *card.Store) *Resolver {
	return &Resolver{
		store:   store,
		matcher: phonetic.New(),
		idByLC:  make(map[card.Kind]map[string]string),
		names:   make(map[card.Kind][]string),
	}
}

// Refresh rebuilds the name index from the current store contents.
func (r *Resolver) Refresh() {
	idByLC := make(map[card.Kind]map[string]string, len(card.Kinds))
	names := make(map[card.Kind][]string, len(card.Kinds))

	for _, kind := range card.Kinds {
		byName := make(map[string]string)
		var kindNames []string
		for _, c := range r.store.GetByKind(kind) {
			lc := strings.ToLower(c.Name)
			// First entity wins on duplicate names; later ones stay
			// reachable by ID.
			if _, exists := byName[lc]; !exists && lc != "" {
				byName[lc] = c.ID
				kindNames = append(kindNames, c.Name)
			}
		}
		idByLC[kind] = byName
		names[kind] = kindNames
	}

	r.mu.Lock()
	r.idByLC = idByLC
	r.names = names
	r.mu.Unlock()
}

// Resolve maps ref to the ID of an existing entity of the given kind.
// Returns ("", false) when nothing matches — the caller decides whether that
// means a new entity.
func (r *Resolver) Resolve(kind card.Kind, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}

	// Exact ID wins, but only for the requested kind.
	if c, err := r.store.Get(ref); err == nil {
		if c.Kind == kind {
			return ref, true
		}
		return "", false
	}

	r.mu.RLock()
	id, ok := r.idByLC[kind][strings.ToLower(ref)]
	kindNames := r.names[kind]
	r.mu.RUnlock()
	if ok {
		return id, true
	}

	// Fuzzy pass: map a near-miss spelling back onto a known name.
	if corrected, _, matched := r.matcher.Match(ref, kindNames); matched {
		r.mu.RLock()
		id, ok = r.idByLC[kind][strings.ToLower(corrected)]
		r.mu.RUnlock()
		if ok {
			return id, true
		}
	}
	return "", false
}

// ResolveAny tries Resolve across the character, location, and item kinds in
// that order. Used for relationship endpoints, which may join any of the
// three.
func (r *Resolver) ResolveAny(ref string) (string, bool) {
	for _, kind := range []card.Kind{card.KindCharacter, card.KindLocation, card.KindItem} {
		if id, ok := r.Resolve(kind, ref); ok {
			return id, true
		}
	}
	return "", false
}
