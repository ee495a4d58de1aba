package llm

import (
	"encoding/json"
	"strings"
)

// RawExtractionKey is the map key under which backends place the model's
// unparseable reply when extraction does not return valid JSON.
const RawExtractionKey = "raw_extraction"

// DecodeExtraction parses an extraction reply into a JSON object. It strips
// markdown code fences (```json ... ``` or plain ``` ... ```) and surrounding
// whitespace first, since many models wrap JSON output in fences regardless of
// instructions. When the content still does not decode into an object, the
// raw text is returned under [RawExtractionKey] so the caller keeps the data.
func DecodeExtraction(content string) map[string]any {
	cleaned := StripCodeFences(content)

	var m map[string]any
	if err := json.Unmarshal([]byte(cleaned), &m); err != nil {
		return map[string]any{RawExtractionKey: content}
	}
	return m
}

// StripCodeFences removes a single leading and trailing markdown code fence
// from s, together with an optional language tag on the opening fence.
// Content without fences is returned trimmed but otherwise unchanged.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	// Drop the language tag (e.g., "json") up to the first newline.
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		first := strings.TrimSpace(trimmed[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
