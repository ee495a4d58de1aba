// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider to script model replies without a live backend and to verify
// the prompts the engine builds.
//
// Example:
//
//	p := &mock.Provider{
//	    GenerateResult: "The innkeeper eyes you warily.",
//	    ExtractResult:  map[string]any{"characters": []any{}},
//	}
//	reply, _ := p.GenerateResponse(ctx, "I enter the inn", sceneContext)
package mock

import (
	"context"
	"sync"

	"github.com/fennwald/mnemosyne/pkg/provider/llm"
)

// GenerateCall records a single invocation of GenerateResponse.
type GenerateCall struct {
	// Ctx is the context passed to GenerateResponse.
	Ctx context.Context
	// UserInput is the player input passed to GenerateResponse.
	UserInput string
	// GameContext is the assembled context passed to GenerateResponse.
	GameContext string
}

// ExtractCall records a single invocation of ExtractStructuredData.
type ExtractCall struct {
	// Ctx is the context passed to ExtractStructuredData.
	Ctx context.Context
	// Prompt is the extraction prompt.
	Prompt string
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// GenerateFunc, if non-nil, computes the reply per call and takes
	// precedence over GenerateResult.
	GenerateFunc func(userInput, gameContext string) (string, error)

	// GenerateResult is returned by GenerateResponse when GenerateFunc is nil.
	GenerateResult string

	// GenerateErr, if non-nil, is returned as the error from GenerateResponse.
	GenerateErr error

	// ExtractFunc, if non-nil, computes the extraction result per call and
	// takes precedence over ExtractResult. Tests that need different replies
	// for successive extraction prompts (fact extraction, then contradiction
	// resolution) use this.
	ExtractFunc func(prompt string) (map[string]any, error)

	// ExtractResult is returned by ExtractStructuredData when ExtractFunc is nil.
	ExtractResult map[string]any

	// ExtractErr, if non-nil, is returned as the error from ExtractStructuredData.
	ExtractErr error

	// --- Call records ---

	// GenerateCalls records every call to GenerateResponse in order.
	GenerateCalls []GenerateCall

	// ExtractCalls records every call to ExtractStructuredData in order.
	ExtractCalls []ExtractCall
}

// GenerateResponse records the call and returns the configured reply.
func (p *Provider) GenerateResponse(ctx context.Context, userInput, gameContext string) (string, error) {
	p.mu.Lock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, UserInput: userInput, GameContext: gameContext})
	fn := p.GenerateFunc
	result, err := p.GenerateResult, p.GenerateErr
	p.mu.Unlock()

	if fn != nil {
		return fn(userInput, gameContext)
	}
	return result, err
}

// ExtractStructuredData records the call and returns the configured result.
func (p *Provider) ExtractStructuredData(ctx context.Context, prompt string) (map[string]any, error) {
	p.mu.Lock()
	p.ExtractCalls = append(p.ExtractCalls, ExtractCall{Ctx: ctx, Prompt: prompt})
	fn := p.ExtractFunc
	result, err := p.ExtractResult, p.ExtractErr
	p.mu.Unlock()

	if fn != nil {
		return fn(prompt)
	}
	return result, err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
	p.ExtractCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
