package llm_test

import (
	"testing"

	"github.com/fennwald/mnemosyne/pkg/provider/llm"
)

func TestDecodeExtraction(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantKey string
		wantVal any
	}{
		{
			name:    "plain json",
			content: `{"action": "accept_new"}`,
			wantKey: "action",
			wantVal: "accept_new",
		},
		{
			name:    "fenced json with language tag",
			content: "```json\n{\"action\": \"keep_current\"}\n```",
			wantKey: "action",
			wantVal: "keep_current",
		},
		{
			name:    "fenced json without language tag",
			content: "```\n{\"count\": 3}\n```",
			wantKey: "count",
			wantVal: float64(3),
		},
		{
			name:    "surrounding whitespace",
			content: "\n\n  {\"ok\": true}  \n",
			wantKey: "ok",
			wantVal: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := llm.DecodeExtraction(tt.content)
			if got[tt.wantKey] != tt.wantVal {
				t.Errorf("DecodeExtraction()[%q] = %v, want %v", tt.wantKey, got[tt.wantKey], tt.wantVal)
			}
		})
	}
}

func TestDecodeExtraction_InvalidJSON(t *testing.T) {
	content := "The wizard seems pleased with your progress."
	got := llm.DecodeExtraction(content)
	raw, ok := got[llm.RawExtractionKey]
	if !ok {
		t.Fatalf("expected %q key, got %v", llm.RawExtractionKey, got)
	}
	if raw != content {
		t.Errorf("raw extraction = %q, want original content", raw)
	}
}

func TestDecodeExtraction_JSONArray(t *testing.T) {
	// A top-level array is not an object; the raw content must be preserved.
	content := `[1, 2, 3]`
	got := llm.DecodeExtraction(content)
	if _, ok := got[llm.RawExtractionKey]; !ok {
		t.Fatalf("expected %q key for non-object JSON, got %v", llm.RawExtractionKey, got)
	}
}
