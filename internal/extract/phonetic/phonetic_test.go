package phonetic_test

import (
	"testing"

	"github.com/fennwald/mnemosyne/internal/extract/phonetic"
)

func TestMatcher_MisspelledName(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	// "Eldrinacks" is the kind of misspelling extraction output produces for
	// "Eldrinax"; both share leading phoneme clusters.
	names := []string{"Eldrinax", "Grimjaw", "Tower of Whispers"}

	corrected, conf, matched := m.Match("eldrinacks", names)
	if !matched {
		t.Fatalf("Match(%q): matched=false, want true", "eldrinacks")
	}
	if corrected != "Eldrinax" {
		t.Errorf("Match(%q): corrected=%q, want %q", "eldrinacks", corrected, "Eldrinax")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "eldrinacks", conf)
	}
}

func TestMatcher_MultiWordName(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	names := []string{"Tower of Whispers", "Eldrinax", "Grimjaw"}

	corrected, conf, matched := m.Match("tower of wispers", names)
	if !matched {
		t.Fatalf("Match(%q): matched=false, want true", "tower of wispers")
	}
	if corrected != "Tower of Whispers" {
		t.Errorf("Match(%q): corrected=%q, want %q", "tower of wispers", corrected, "Tower of Whispers")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "tower of wispers", conf)
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	names := []string{"Eldrinax", "Grimjaw"}

	corrected, conf, matched := m.Match("hello", names)
	if matched {
		t.Fatalf("Match(%q): matched=true, want false", "hello")
	}
	if corrected != "hello" {
		t.Errorf("Match(%q): corrected=%q, want original word", "hello", corrected)
	}
	if conf != 0 {
		t.Errorf("Match(%q): confidence=%f, want 0", "hello", conf)
	}
}

func TestMatcher_CaseInsensitivity(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	names := []string{"Eldrinax"}

	corrected, _, matched := m.Match("ELDRINAX", names)
	if !matched {
		t.Fatalf("Match(%q): matched=false, want true", "ELDRINAX")
	}
	// Should return the original name casing.
	if corrected != "Eldrinax" {
		t.Errorf("Match(%q): corrected=%q, want %q", "ELDRINAX", corrected, "Eldrinax")
	}
}

func TestMatcher_ExactMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	names := []string{"Grimjaw", "Eldrinax"}

	corrected, conf, matched := m.Match("grimjaw", names)
	if !matched {
		t.Fatalf("Match(%q): matched=false, want true", "grimjaw")
	}
	if corrected != "Grimjaw" {
		t.Errorf("Match(%q): corrected=%q, want %q", "grimjaw", corrected, "Grimjaw")
	}
	if conf < 0.9 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.9 for near-exact match", "grimjaw", conf)
	}
}

func TestMatcher_ThresholdFiltering(t *testing.T) {
	t.Parallel()

	// A very high threshold rejects near-matches.
	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	names := []string{"Eldrinax"}

	_, _, matched := m.Match("eldrinacks", names)
	if matched {
		t.Fatal("Match with threshold=0.99 should reject near-matches, got matched=true")
	}
}
