// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes the two operations
// the narrative engine needs: generating the game-master's reply to a player
// turn, and extracting structured facts from completed turns. Keeping the
// surface this narrow lets the engine swap backends freely and lets tests
// substitute a mock without touching any SDK.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Provider interface {
	// GenerateResponse produces the narrative reply to a player's input.
	// gameContext is the assembled scene context (entity summaries, recent
	// turns, relevant memories) and is sent as the system prompt; userInput is
	// the player's latest message.
	//
	// Returns an error if the request fails or ctx is cancelled.
	GenerateResponse(ctx context.Context, userInput, gameContext string) (string, error)

	// ExtractStructuredData sends an extraction prompt and returns the model's
	// reply decoded as a JSON object. Code fences around the JSON are
	// tolerated. When the reply is not valid JSON, implementations return the
	// raw text under the "raw_extraction" key instead of an error, so callers
	// can decide whether to retry, log, or discard.
	ExtractStructuredData(ctx context.Context, prompt string) (map[string]any, error)
}
