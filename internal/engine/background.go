package engine

import (
	"context"
	"time"

	"github.com/fennwald/mnemosyne/internal/consistency"
	"github.com/fennwald/mnemosyne/internal/extract"
	"github.com/fennwald/mnemosyne/pkg/card"
	"github.com/fennwald/mnemosyne/pkg/memvec"
	"github.com/fennwald/mnemosyne/pkg/types"
)

// worker drains the background queue one job at a time. A single worker makes
// the store's single-writer discipline explicit instead of relying on users
// typing slower than extraction runs.
func (e *Engine) worker() {
	defer close(e.done)
	for job := range e.jobs {
		e.runBackground(job)
	}
}

// runBackground is the heavy half of a turn: full context assembly, fact
// extraction, contradiction handling, store mutation, memory indexing, and
// debounced metadata persistence. Errors are logged, never surfaced — the
// player already has their response, and in-memory state stays authoritative.
func (e *Engine) runBackground(job turnJob) {
	// Background work has no cancellation semantics: once started it runs to
	// completion so a turn's mutations are never half-applied by a timeout.
	ctx := context.Background()

	e.mu.Lock()
	if e.campaignID != job.campaignID {
		// Campaign switched while this job sat in the queue.
		e.mu.Unlock()
		return
	}
	store, index := e.store, e.index
	assembler, extractor, resolver := e.assembler, e.extractor, e.resolver
	e.mu.Unlock()

	e.metrics.RecordTurn(ctx, "background")

	start := time.Now()
	full, err := assembler.Assemble(ctx, job.userInput, job.history, job.focus)
	if err != nil {
		e.logger.Warn("context assembly failed", "error", err)
		full = ""
	} else {
		e.metrics.AssemblyDuration.Record(ctx, time.Since(start).Seconds())
		e.mu.Lock()
		if e.campaignID == job.campaignID {
			e.currentContext = full
		}
		e.mu.Unlock()
	}

	start = time.Now()
	cs, err := extractor.Extract(ctx, job.userInput, job.aiResponse, full)
	if err != nil {
		e.logger.Warn("fact extraction failed", "error", err)
		e.metrics.RecordExtraction(ctx, "error")
		return
	}
	e.metrics.ExtractionDuration.Record(ctx, time.Since(start).Seconds())
	if cs.IsEmpty() {
		e.metrics.RecordExtraction(ctx, "empty")
		return
	}
	e.metrics.RecordExtraction(ctx, "ok")

	// Heuristic early warnings before the authoritative contradiction pass.
	for _, c := range extract.PreScan(store, cs) {
		e.logger.Warn("extraction conflicts with recorded state",
			"entity", c.EntityName, "attribute", c.Attribute,
			"current", c.Current, "proposed", c.Proposed, "severity", c.Severity)
	}

	found := consistency.Detect(store, cs)
	for _, f := range found {
		e.metrics.RecordContradiction(ctx, string(f.Severity))
	}
	if len(found) > 0 {
		records := resolver.Resolve(ctx, found)
		consistency.ApplyResolutions(cs, records)
	}

	e.applyChangeSet(ctx, store, cs)

	focus := job.focus
	if cs.Focus != nil {
		focus = cs.Focus.Clone()
		e.mu.Lock()
		if e.campaignID == job.campaignID {
			e.focus = cs.Focus.Clone()
			e.verifyFocusLocked()
		}
		e.mu.Unlock()
	}

	e.indexTurn(ctx, index, cs, focus)
	e.maybeSaveMetadata(ctx, job.campaignID)
}

// applyChangeSet mutates the entity store per category: new entities are
// created, known ones updated with source "fact_extraction", and relationship
// pairs routed through canonicalised find-or-create.
func (e *Engine) applyChangeSet(ctx context.Context, store *card.Store, cs *extract.ChangeSet) {
	categories := []struct {
		kind card.Kind
		list []extract.EntityChange
	}{
		{card.KindCharacter, cs.Characters},
		{card.KindLocation, cs.Locations},
		{card.KindItem, cs.Items},
		{card.KindStory, cs.Stories},
	}
	for _, cat := range categories {
		for _, ch := range cat.list {
			if ch.IsNew {
				if _, err := store.Create(ctx, cat.kind, ch.Name, ch.Changes); err != nil {
					e.logger.Warn("create from extraction failed", "kind", cat.kind, "name", ch.Name, "error", err)
				}
				continue
			}
			if len(ch.Changes) == 0 {
				continue
			}
			if err := store.Update(ctx, ch.ID, ch.Changes, "fact_extraction"); err != nil {
				e.logger.Warn("update from extraction failed", "id", ch.ID, "error", err)
			}
		}
	}
	for _, rel := range cs.Relationships {
		strength := rel.Strength
		if !rel.StrengthSet {
			// Omitted strength keeps the recorded value rather than zeroing it.
			if existing, err := store.RelationshipBetween(rel.Entity1, rel.Entity2); err == nil {
				strength = existing.Relationship.Strength
			}
		}
		if _, err := store.CreateOrUpdateRelationship(ctx, rel.Entity1, rel.Entity2, rel.Type, strength, rel.Emotions, "fact_extraction"); err != nil {
			e.logger.Warn("relationship update failed", "entity1", rel.Entity1, "entity2", rel.Entity2, "error", err)
		}
	}
}

// indexTurn stores a deterministic summary of the change-set in the job's
// memory index. The index is the one captured with the job, never read live,
// so a campaign switch racing an in-flight job cannot leak a stale turn into
// the new campaign's memory. Importance scales with how much the turn
// changed, saturating at 1.
func (e *Engine) indexTurn(ctx context.Context, index *memvec.Index, cs *extract.ChangeSet, focus types.Focus) {
	summary := cs.Summary()
	if summary == "" {
		return
	}
	importance := 0.3 + 0.1*float64(cs.TotalChanges())
	if importance > 1.0 {
		importance = 1.0
	}

	var entities []any
	addRefs := func(kind card.Kind, list []extract.EntityChange) {
		for _, ch := range list {
			if ch.ID != "" {
				entities = append(entities, map[string]any{"id": ch.ID, "type": string(kind)})
			}
		}
	}
	addRefs(card.KindCharacter, cs.Characters)
	addRefs(card.KindLocation, cs.Locations)
	addRefs(card.KindItem, cs.Items)
	addRefs(card.KindStory, cs.Stories)

	metadata := map[string]any{
		"type":       "game_event",
		"timestamp":  time.Now().Format(time.RFC3339),
		"importance": importance,
		"entities":   entities,
		"current_focus": map[string]any{
			"characters": focus.Characters,
			"location":   focus.Location,
			"items":      focus.Items,
		},
	}
	if _, err := index.Store(ctx, summary, metadata); err != nil {
		e.logger.Warn("memory indexing failed", "error", err)
	}
}

// maybeSaveMetadata persists campaign metadata unless a save happened within
// the debounce window. Purely an I/O-cost optimisation; in-memory state is
// authoritative either way.
func (e *Engine) maybeSaveMetadata(ctx context.Context, campaignID string) {
	e.mu.Lock()
	if e.campaignID != campaignID || time.Since(e.lastSave) < e.saveDebounce {
		e.mu.Unlock()
		return
	}
	e.lastSave = time.Now()
	rec := e.metadataRecordLocked()
	e.mu.Unlock()

	if err := e.backend.Metadata().Put(ctx, metadataKind, campaignID, rec); err != nil {
		e.logger.Warn("metadata save failed", "campaign", campaignID, "error", err)
		e.metrics.PersistenceErrors.Add(ctx, 1)
	}
}
