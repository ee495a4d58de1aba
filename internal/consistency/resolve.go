package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fennwald/mnemosyne/internal/extract"
	"github.com/fennwald/mnemosyne/pkg/card"
	"github.com/fennwald/mnemosyne/pkg/provider/llm"
)

// historyWindow is how many recent mutations are quoted in the resolution
// prompt.
const historyWindow = 5

// Resolver decides what to do about detected contradictions.
//
// Low-severity contradictions resolve automatically in favour of the new
// value. Medium and high severities are put to the LLM together with the
// entity's current state and recent history; an unusable reply downgrades the
// decision to manual review rather than silently dropping the finding.
// Every decision is appended to an in-memory audit history.
type Resolver struct {
	provider llm.Provider
	store    *card.Store
	logger   *slog.Logger

	mu      sync.Mutex
	history []Record
}

// NewResolver builds a [Resolver]. The logger may be nil.
func NewResolver(provider llm.Provider, store *card.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{provider: provider, store: store, logger: logger}
}

// Resolve produces a decision for every contradiction and appends the
// resulting records to the resolver's history. The returned slice is in
// input order.
func (r *Resolver) Resolve(ctx context.Context, contradictions []Contradiction) []Record {
	records := make([]Record, 0, len(contradictions))
	for _, c := range contradictions {
		var rec Record
		if c.Severity == SeverityLow {
			rec = Record{
				Contradiction: c,
				Resolution: Resolution{
					Action: ActionAcceptNew,
					Reason: "routine change, new value accepted automatically",
				},
				Resolved:  true,
				Timestamp: time.Now(),
			}
		} else {
			rec = r.escalate(ctx, c)
		}
		records = append(records, rec)
	}
	r.mu.Lock()
	r.history = append(r.history, records...)
	r.mu.Unlock()
	return records
}

// History returns a copy of every decision made so far, oldest first.
func (r *Resolver) History() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.history))
	copy(out, r.history)
	return out
}

// escalate asks the LLM to arbitrate a medium or high severity contradiction.
func (r *Resolver) escalate(ctx context.Context, c Contradiction) Record {
	rec := Record{Contradiction: c, Timestamp: time.Now()}

	raw, err := r.provider.ExtractStructuredData(ctx, r.buildPrompt(c))
	if err != nil {
		r.logger.Warn("contradiction arbitration failed", "entity", c.EntityName, "attribute", c.Attribute, "error", err)
		rec.Resolution = Resolution{Action: ActionManualReview, Reason: fmt.Sprintf("arbitration error: %v", err)}
		return rec
	}

	action, _ := raw["action"].(string)
	reason, _ := raw["reason"].(string)
	switch action {
	case ActionAcceptNew, ActionKeepCurrent, ActionMerge, ActionNarrative:
	default:
		action = ""
	}
	if action == "" || reason == "" {
		r.logger.Warn("unusable arbitration reply", "entity", c.EntityName, "attribute", c.Attribute)
		rec.Resolution = Resolution{Action: ActionManualReview, Reason: "arbitration reply missing action or reason"}
		return rec
	}

	rec.Resolution = Resolution{Action: action, Reason: reason, Value: raw["value"]}
	if n, ok := raw["narrative"].(string); ok {
		rec.Resolution.Narrative = n
	}
	rec.Resolved = true
	return rec
}

func (r *Resolver) buildPrompt(c Contradiction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A new fact about %q conflicts with recorded state.\n\n", c.EntityName)
	fmt.Fprintf(&b, "Attribute: %s\nRecorded value: %v\nNew value: %v\nSeverity: %s\n\n", c.Attribute, c.Current, c.Proposed, c.Severity)

	if entity, err := r.store.Get(c.EntityID); err == nil {
		if state, err := json.MarshalIndent(entityState(entity), "", "  "); err == nil {
			b.WriteString("Current entity state:\n")
			b.Write(state)
			b.WriteString("\n\n")
		}
		hist := entity.History
		if len(hist) > historyWindow {
			hist = hist[len(hist)-historyWindow:]
		}
		b.WriteString("Recent changes:\n")
		for _, h := range hist {
			fmt.Fprintf(&b, "- [%s] %s: %v\n", h.Timestamp.Format(time.RFC3339), h.Source, h.Changes)
		}
		b.WriteString("\n")
	}

	b.WriteString("Decide how to reconcile this. Respond with JSON only:\n")
	b.WriteString(`{"action": "accept_new" | "keep_current" | "merge" | "narrative", "reason": "...", "value": <value to apply, for accept_new/merge>, "narrative": "optional in-world explanation"}`)
	return b.String()
}

// entityState extracts the kind-specific payload for the prompt.
func entityState(c *card.Card) any {
	switch {
	case c.Character != nil:
		return c.Character
	case c.Location != nil:
		return c.Location
	case c.Item != nil:
		return c.Item
	case c.Story != nil:
		return c.Story
	case c.Relationship != nil:
		return c.Relationship
	}
	return nil
}

// ApplyResolutions rewrites a change-set according to the given decisions:
//
//   - keep_current and manual_review remove the conflicting attribute, so the
//     recorded value stands (manual reviews are surfaced via the resolver
//     history, never auto-applied);
//   - accept_new and merge substitute the resolution's value when one was
//     provided, otherwise the proposed value stands;
//   - narrative keeps the proposed value;
//   - any narrative string is appended to the change-set's explanations.
func ApplyResolutions(cs *extract.ChangeSet, records []Record) {
	for _, rec := range records {
		c := rec.Contradiction
		switch rec.Resolution.Action {
		case ActionKeepCurrent, ActionManualReview:
			removeAttribute(cs, c.EntityID, c.Attribute)
		case ActionAcceptNew, ActionMerge:
			if rec.Resolution.Value != nil {
				setAttribute(cs, c.EntityID, c.Attribute, rec.Resolution.Value)
			}
		}
		if n := rec.Resolution.Narrative; n != "" {
			cs.Explanations = append(cs.Explanations, n)
		}
	}
}

func removeAttribute(cs *extract.ChangeSet, entityID, attribute string) {
	forEntityChanges(cs, entityID, func(changes map[string]any) {
		delete(changes, attribute)
	})
}

func setAttribute(cs *extract.ChangeSet, entityID, attribute string, value any) {
	forEntityChanges(cs, entityID, func(changes map[string]any) {
		if _, ok := changes[attribute]; ok {
			changes[attribute] = value
		}
	})
}

func forEntityChanges(cs *extract.ChangeSet, entityID string, fn func(map[string]any)) {
	for _, list := range [][]extract.EntityChange{cs.Characters, cs.Locations, cs.Items, cs.Stories} {
		for i := range list {
			if list[i].ID == entityID && list[i].Changes != nil {
				fn(list[i].Changes)
			}
		}
	}
}
