// Package consistency detects and resolves contradictions between newly
// extracted facts and previously recorded entity state.
//
// Detection is a set of pure per-kind rules comparing an entity's current
// state against a proposed change-set; every finding carries a severity.
// Low-severity findings resolve automatically (the new value wins); medium
// and high findings are escalated to the LLM with the entity's recent history
// and fall back to manual review when the reply is unusable. The package also
// runs whole-store sweeps for dangling references and invalid state,
// independent of any single turn.
package consistency

import (
	"time"
)

// Severity classifies how suspicious a contradiction is.
type Severity string

const (
	// SeverityLow marks routine changes (movement, mood swings) that resolve
	// automatically in favour of the new value.
	SeverityLow Severity = "low"

	// SeverityMedium marks changes that are plausible but warrant a second
	// look, such as removing an item nobody holds.
	SeverityMedium Severity = "medium"

	// SeverityHigh marks changes that break narrative continuity, such as a
	// dead character walking again without explanation.
	SeverityHigh Severity = "high"
)

// Contradiction is one detected conflict between current entity state and a
// proposed change.
type Contradiction struct {
	// Type names the rule that fired, e.g. "character_status" or
	// "item_owner". Sweep findings use the same type vocabulary.
	Type string

	EntityID   string
	EntityName string

	// Attribute is the change-set key in conflict.
	Attribute string

	// Current is the value recorded in the entity store.
	Current any

	// Proposed is the value the change-set wants to apply.
	Proposed any

	Severity Severity
}

// Resolution actions.
const (
	ActionAcceptNew    = "accept_new"
	ActionKeepCurrent  = "keep_current"
	ActionMerge        = "merge"
	ActionNarrative    = "narrative"
	ActionManualReview = "manual_review"
)

// Resolution is the decision for one contradiction.
type Resolution struct {
	// Action is one of the Action constants.
	Action string

	// Reason explains the decision, for the audit log.
	Reason string

	// Value is the value to apply for merge/accept_new decisions. Nil means
	// keep the originally proposed value.
	Value any

	// Narrative optionally carries an in-world explanation of the change
	// ("the ritual completed at moonrise"), surfaced to the player later.
	Narrative string
}

// Record is one entry of the contradiction history: a contradiction together
// with its resolution. Records are append-only; Resolved flips from false to
// true exactly once, and stays false only for pending manual reviews.
type Record struct {
	Contradiction Contradiction
	Resolution    Resolution
	Resolved      bool
	Timestamp     time.Time
}
