package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fennwald/mnemosyne/internal/consistency"
	"github.com/fennwald/mnemosyne/internal/extract"
	"github.com/fennwald/mnemosyne/internal/turnctx"
	"github.com/fennwald/mnemosyne/pkg/card"
	"github.com/fennwald/mnemosyne/pkg/memvec"
	"github.com/fennwald/mnemosyne/pkg/storage"
	"github.com/fennwald/mnemosyne/pkg/types"
)

// CampaignInfo is one entry of the campaign listing.
type CampaignInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"last_modified"`
}

// CampaignSummary is a read-only projection of the loaded campaign.
type CampaignSummary struct {
	CampaignInfo

	// Turns is the number of exchanges in the current session history.
	Turns int `json:"turns"`

	// Entities counts cards per kind.
	Entities map[card.Kind]int `json:"entities"`

	// Memories is the number of records in the semantic memory index.
	Memories int `json:"memories"`

	// ActiveStories lists the names of active plot threads.
	ActiveStories []string `json:"active_stories"`
}

// EntityDetails pairs a card with the relationship cards it participates in.
type EntityDetails struct {
	Card          *card.Card   `json:"card"`
	Relationships []*card.Card `json:"relationships"`
}

// campaignMetadata is the persisted per-campaign record.
type campaignMetadata struct {
	Name         string       `json:"name"`
	Created      time.Time    `json:"created"`
	LastModified time.Time    `json:"last_modified"`
	Focus        types.Focus  `json:"focus"`
	History      []types.Turn `json:"history"`
}

// CreateCampaign allocates a fresh campaign, resets all session state, and
// optionally seeds the world from a setup block. Returns the new campaign ID.
func (e *Engine) CreateCampaign(ctx context.Context, name string, setup *Setup) (string, error) {
	id, err := generateCampaignID()
	if err != nil {
		return "", fmt.Errorf("engine: create campaign: %w", err)
	}

	entities, vectors, err := e.backend.OpenCampaign(ctx, id)
	if err != nil {
		return "", err
	}
	store := card.NewStore(entities)
	index := memvec.New(e.embed, vectors)

	e.mu.Lock()
	e.resetSessionLocked()
	e.campaignID = id
	e.campaignName = name
	e.created = time.Now()
	e.installCampaignLocked(store, index)
	e.mu.Unlock()

	if setup != nil {
		if err := e.applySetup(ctx, store, setup); err != nil {
			return "", err
		}
	}

	e.mu.Lock()
	if e.focus.IsEmpty() {
		e.initializeDefaultFocusLocked()
	}
	e.verifyFocusLocked()
	rec := e.metadataRecordLocked()
	e.mu.Unlock()

	if err := e.backend.Metadata().Put(ctx, metadataKind, id, rec); err != nil {
		return "", fmt.Errorf("engine: save campaign metadata: %w", err)
	}
	return id, nil
}

// LoadCampaign replaces all session state with the named campaign's. The
// reset happens before anything is loaded so a failed load never leaves a
// half-switched session, and state never bleeds between campaigns.
func (e *Engine) LoadCampaign(ctx context.Context, id string) error {
	rec, err := e.backend.Metadata().Get(ctx, metadataKind, id)
	if err != nil {
		return fmt.Errorf("engine: campaign %q: %w", id, err)
	}
	meta, err := decodeMetadata(rec)
	if err != nil {
		return fmt.Errorf("engine: campaign %q: %w", id, err)
	}

	e.mu.Lock()
	e.resetSessionLocked()
	e.mu.Unlock()

	entities, vectors, err := e.backend.OpenCampaign(ctx, id)
	if err != nil {
		return err
	}
	store := card.NewStore(entities)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("engine: load campaign %q entities: %w", id, err)
	}
	index := memvec.New(e.embed, vectors)
	if err := index.Load(ctx); err != nil {
		return fmt.Errorf("engine: load campaign %q memories: %w", id, err)
	}

	e.mu.Lock()
	e.campaignID = id
	e.campaignName = meta.Name
	e.created = meta.Created
	e.history = meta.History
	e.focus = meta.Focus
	e.turnCount = len(meta.History)
	e.installCampaignLocked(store, index)
	e.verifyFocusLocked()
	e.mu.Unlock()
	return nil
}

// AvailableCampaigns lists every stored campaign. Corrupt metadata records
// are logged and skipped.
func (e *Engine) AvailableCampaigns(ctx context.Context) ([]CampaignInfo, error) {
	stored, err := e.backend.Metadata().List(ctx, metadataKind)
	if err != nil {
		return nil, fmt.Errorf("engine: list campaigns: %w", err)
	}
	out := make([]CampaignInfo, 0, len(stored))
	for _, se := range stored {
		if se.Record == nil {
			e.logger.Warn("skipping corrupt campaign metadata", "id", se.ID)
			continue
		}
		meta, err := decodeMetadata(se.Record)
		if err != nil {
			e.logger.Warn("skipping undecodable campaign metadata", "id", se.ID, "error", err)
			continue
		}
		out = append(out, CampaignInfo{
			ID:           se.ID,
			Name:         meta.Name,
			Created:      meta.Created,
			LastModified: meta.LastModified,
		})
	}
	return out, nil
}

// GetCampaignSummary projects the loaded campaign's state.
func (e *Engine) GetCampaignSummary() (*CampaignSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, ErrNoCampaign
	}

	summary := &CampaignSummary{
		CampaignInfo: CampaignInfo{
			ID:           e.campaignID,
			Name:         e.campaignName,
			Created:      e.created,
			LastModified: e.lastSave,
		},
		Turns:    len(e.history),
		Entities: make(map[card.Kind]int),
		Memories: e.index.Len(),
	}
	for _, kind := range []card.Kind{card.KindCharacter, card.KindLocation, card.KindItem, card.KindStory, card.KindRelationship} {
		if n := len(e.store.GetByKind(kind)); n > 0 {
			summary.Entities[kind] = n
		}
	}
	for _, c := range e.store.ActiveStories() {
		summary.ActiveStories = append(summary.ActiveStories, c.Name)
	}
	return summary, nil
}

// GetEntityDetails returns a card together with its relationships.
func (e *Engine) GetEntityDetails(id string) (*EntityDetails, error) {
	store, err := e.currentStore()
	if err != nil {
		return nil, err
	}
	c, err := store.Get(id)
	if err != nil {
		return nil, err
	}
	return &EntityDetails{Card: c, Relationships: store.RelationshipsFor(id)}, nil
}

// SaveCampaign persists campaign metadata immediately, bypassing the
// debounce. Call it before shutdown.
func (e *Engine) SaveCampaign(ctx context.Context) error {
	e.mu.Lock()
	if e.campaignID == "" {
		e.mu.Unlock()
		return ErrNoCampaign
	}
	id := e.campaignID
	e.lastSave = time.Now()
	rec := e.metadataRecordLocked()
	e.mu.Unlock()

	if err := e.backend.Metadata().Put(ctx, metadataKind, id, rec); err != nil {
		e.metrics.PersistenceErrors.Add(ctx, 1)
		return fmt.Errorf("engine: save campaign: %w", err)
	}
	return nil
}

// ── session state management ──

// resetSessionLocked clears every piece of per-campaign state. Must run
// before a new campaign's data is loaded.
func (e *Engine) resetSessionLocked() {
	e.campaignID = ""
	e.campaignName = ""
	e.created = time.Time{}
	e.history = nil
	e.focus = types.Focus{}
	e.currentContext = ""
	e.turnCount = 0
	e.lastSave = time.Time{}
	e.store = nil
	e.index = nil
	e.assembler = nil
	e.extractor = nil
	e.resolver = nil
}

// installCampaignLocked wires the per-campaign pipeline around a store and
// index.
func (e *Engine) installCampaignLocked(store *card.Store, index *memvec.Index) {
	e.store = store
	e.index = index
	e.assembler = turnctx.New(store, index, e.logger)
	e.extractor = extract.New(e.llm, store)
	e.resolver = consistency.NewResolver(e.llm, store, e.logger)
}

// verifyFocusLocked drops focus references that no longer resolve, and falls
// back to a default focus when both the location and all characters are gone.
func (e *Engine) verifyFocusLocked() {
	if e.store == nil {
		return
	}
	var chars []string
	for _, id := range e.focus.Characters {
		if e.store.Exists(id) {
			chars = append(chars, id)
		}
	}
	e.focus.Characters = chars

	var items []string
	for _, id := range e.focus.Items {
		if e.store.Exists(id) {
			items = append(items, id)
		}
	}
	e.focus.Items = items

	if e.focus.Location != "" && !e.store.Exists(e.focus.Location) {
		e.focus.Location = ""
	}

	if e.focus.Location == "" && len(e.focus.Characters) == 0 {
		e.initializeDefaultFocusLocked()
	}
}

// initializeDefaultFocusLocked points the focus at the first location by
// insertion order and everyone recorded there; failing that, the first
// character without a recorded location.
func (e *Engine) initializeDefaultFocusLocked() {
	if e.store == nil {
		return
	}
	if locations := e.store.GetByKind(card.KindLocation); len(locations) > 0 {
		loc := locations[0]
		e.focus.Location = loc.ID
		e.focus.Characters = nil
		for _, c := range e.store.CharactersAt(loc.ID) {
			e.focus.Characters = append(e.focus.Characters, c.ID)
		}
		return
	}
	for _, c := range e.store.GetByKind(card.KindCharacter) {
		if c.Character.Location == "" || c.Character.Location == card.LocationUnknown {
			e.focus.Characters = []string{c.ID}
			return
		}
	}
}

// ── metadata codec ──

func (e *Engine) metadataRecordLocked() storage.Record {
	meta := campaignMetadata{
		Name:         e.campaignName,
		Created:      e.created,
		LastModified: time.Now(),
		Focus:        e.focus.Clone(),
		History:      append([]types.Turn(nil), e.history...),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		e.logger.Error("metadata marshal failed", "error", err)
		return storage.Record{}
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		e.logger.Error("metadata record conversion failed", "error", err)
		return storage.Record{}
	}
	return rec
}

func decodeMetadata(rec storage.Record) (*campaignMetadata, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode metadata record: %w", err)
	}
	meta := &campaignMetadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("decode metadata record: %w", err)
	}
	return meta, nil
}

func generateCampaignID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
