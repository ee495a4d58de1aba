// Package types contains shared data types used across Mnemosyne packages.
// Keeping them here avoids import cycles between the engine, the context
// assembler, and the fact extractor.
package types

import "time"

// Turn is a single player/narrator exchange in the session history.
type Turn struct {
	// User is the player's input text.
	User string `json:"user"`

	// AI is the narrator (LLM) response text.
	AI string `json:"ai"`

	// Timestamp is when the exchange completed.
	Timestamp time.Time `json:"timestamp"`
}

// Focus is the transient "what the narrative is about right now" pointer into
// the entity store. All referenced IDs must resolve to existing entities; the
// engine repairs dangling references after loads and mutations.
type Focus struct {
	// Characters are the IDs of the currently active characters.
	Characters []string `json:"characters"`

	// Location is the ID of the active location, or empty when unknown.
	Location string `json:"location"`

	// Items are the IDs of narratively relevant items.
	Items []string `json:"items"`
}

// IsEmpty reports whether the focus references nothing at all.
func (f Focus) IsEmpty() bool {
	return len(f.Characters) == 0 && f.Location == "" && len(f.Items) == 0
}

// Clone returns a deep copy of the focus.
func (f Focus) Clone() Focus {
	out := Focus{Location: f.Location}
	out.Characters = append([]string(nil), f.Characters...)
	out.Items = append([]string(nil), f.Items...)
	return out
}
