// Package engine is the Mnemosyne orchestrator. It owns campaign lifecycle,
// session history, the current narrative focus, and the per-turn pipeline.
//
// A turn has two halves. The fast path is synchronous: a minimal context and
// one LLM call, so perceived latency is bounded by a single model round trip.
// The background path runs afterwards on a single worker: full context
// assembly, fact extraction, contradiction handling, entity mutation,
// memory indexing, and debounced metadata persistence. The fast-path context
// can therefore be one turn stale relative to in-flight background work;
// that staleness is the price of the latency bound.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fennwald/mnemosyne/internal/consistency"
	"github.com/fennwald/mnemosyne/internal/extract"
	"github.com/fennwald/mnemosyne/internal/observe"
	"github.com/fennwald/mnemosyne/internal/turnctx"
	"github.com/fennwald/mnemosyne/pkg/card"
	"github.com/fennwald/mnemosyne/pkg/memvec"
	"github.com/fennwald/mnemosyne/pkg/provider/embeddings"
	"github.com/fennwald/mnemosyne/pkg/provider/llm"
	"github.com/fennwald/mnemosyne/pkg/types"
)

// ErrNoCampaign is returned by operations that require a loaded campaign.
var ErrNoCampaign = errors.New("engine: no campaign loaded")

// Defaults for the tunable knobs.
const (
	DefaultMaxHistory   = 50
	DefaultSaveDebounce = 30 * time.Second
	defaultQueueSize    = 8
)

// firstTurnContext is the instruction-only context used on the very first
// turn of a session, before any state exists to describe.
const firstTurnContext = "You are the game master of a new text adventure. " +
	"Set the scene from the player's opening input and invite them to act."

// Engine orchestrates the per-turn pipeline and the campaign lifecycle.
type Engine struct {
	llm     llm.Provider
	embed   embeddings.Provider
	backend Backend
	logger  *slog.Logger
	metrics *observe.Metrics

	maxHistory   int
	saveDebounce time.Duration

	mu             sync.Mutex
	campaignID     string
	campaignName   string
	created        time.Time
	history        []types.Turn
	focus          types.Focus
	currentContext string
	turnCount      int
	lastSave       time.Time

	store     *card.Store
	index     *memvec.Index
	assembler *turnctx.Assembler
	extractor *extract.Extractor
	resolver  *consistency.Resolver

	jobs     chan turnJob
	done     chan struct{}
	stopOnce sync.Once
}

// turnJob carries one completed exchange to the background worker.
type turnJob struct {
	campaignID string
	userInput  string
	aiResponse string
	history    []types.Turn
	focus      types.Focus
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxHistory caps the session history length; oldest turns drop first.
func WithMaxHistory(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxHistory = n
		}
	}
}

// WithSaveDebounce sets the minimum interval between metadata saves.
func WithSaveDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.saveDebounce = d
		}
	}
}

// New builds an [Engine] and starts its background worker. Call [Engine.Stop]
// to drain and stop the worker.
func New(llmProvider llm.Provider, embedProvider embeddings.Provider, backend Backend, opts ...Option) *Engine {
	e := &Engine{
		llm:          llmProvider,
		embed:        embedProvider,
		backend:      backend,
		logger:       slog.Default(),
		maxHistory:   DefaultMaxHistory,
		saveDebounce: DefaultSaveDebounce,
		jobs:         make(chan turnJob, defaultQueueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	go e.worker()
	return e
}

// ProcessTurn runs the fast path for one exchange: build a minimal context,
// call the LLM once, record the turn, and hand the heavy work to the
// background worker. The returned text is the narrator's reply.
func (e *Engine) ProcessTurn(ctx context.Context, userInput string) (string, error) {
	e.mu.Lock()
	if e.campaignID == "" {
		e.mu.Unlock()
		return "", ErrNoCampaign
	}
	minimal := e.fastContextLocked()
	e.mu.Unlock()

	start := time.Now()
	response, err := e.llm.GenerateResponse(ctx, userInput, minimal)
	if err != nil {
		return "", fmt.Errorf("engine: generate response: %w", err)
	}
	e.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	e.metrics.RecordTurn(ctx, "fast")

	e.mu.Lock()
	e.history = append(e.history, types.Turn{User: userInput, AI: response, Timestamp: time.Now()})
	if len(e.history) > e.maxHistory {
		e.history = e.history[len(e.history)-e.maxHistory:]
	}
	first := e.turnCount == 0
	e.turnCount++
	var job turnJob
	if !first {
		job = turnJob{
			campaignID: e.campaignID,
			userInput:  userInput,
			aiResponse: response,
			history:    append([]types.Turn(nil), e.history...),
			focus:      e.focus.Clone(),
		}
	}
	e.mu.Unlock()

	// The first turn skips the background path entirely: there is nothing to
	// extract facts against and first-response latency matters most.
	if !first {
		select {
		case e.jobs <- job:
		default:
			e.logger.Warn("background queue full, dropping turn", "campaign", job.campaignID)
			e.metrics.DroppedJobs.Add(ctx, 1)
		}
	}
	return response, nil
}

// fastContextLocked builds the minimal fast-path context. The previous turn's
// background pass caches a full assembly; when none is available yet, a
// lightweight sketch of the focus stands in.
func (e *Engine) fastContextLocked() string {
	if e.turnCount == 0 {
		return firstTurnContext
	}
	if e.currentContext != "" {
		return e.currentContext
	}

	var parts []string
	if e.focus.Location != "" {
		if c, err := e.store.Get(e.focus.Location); err == nil {
			parts = append(parts, "Location: "+c.Name)
		}
	}
	var names []string
	for _, id := range e.focus.Characters {
		if c, err := e.store.Get(id); err == nil {
			names = append(names, c.Name)
		}
	}
	if len(names) > 0 {
		parts = append(parts, "Characters: "+strings.Join(names, ", "))
	}
	if n := len(e.history); n > 0 {
		last := e.history[n-1]
		parts = append(parts, "Previous exchange:\nPlayer: "+last.User+"\nGame master: "+last.AI)
	}
	parts = append(parts, "Continue the adventure, staying consistent with what came before.")
	return strings.Join(parts, "\n\n")
}

// Stop closes the background queue and waits for the worker to drain it.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.jobs)
		<-e.done
	})
}

// ── Entity Store pass-throughs ──
//
// The presentation layer manipulates cards through the engine so every
// mutation goes through the loaded campaign's store.

// CreateCard creates an entity card in the loaded campaign.
func (e *Engine) CreateCard(ctx context.Context, kind card.Kind, name string, initial map[string]any) (string, error) {
	store, err := e.currentStore()
	if err != nil {
		return "", err
	}
	return store.Create(ctx, kind, name, initial)
}

// UpdateCard applies changes to a card, recording source "manual_edit".
func (e *Engine) UpdateCard(ctx context.Context, id string, changes map[string]any) error {
	store, err := e.currentStore()
	if err != nil {
		return err
	}
	return store.Update(ctx, id, changes, "manual_edit")
}

// DeleteCard removes a card from the loaded campaign.
func (e *Engine) DeleteCard(ctx context.Context, id string) error {
	store, err := e.currentStore()
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	e.verifyFocusLocked()
	e.mu.Unlock()
	return nil
}

// GetCard returns a copy of the card with the given ID.
func (e *Engine) GetCard(id string) (*card.Card, error) {
	store, err := e.currentStore()
	if err != nil {
		return nil, err
	}
	return store.Get(id)
}

// GetCardsByKind returns copies of all cards of a kind, in insertion order.
func (e *Engine) GetCardsByKind(kind card.Kind) ([]*card.Card, error) {
	store, err := e.currentStore()
	if err != nil {
		return nil, err
	}
	return store.GetByKind(kind), nil
}

// FindCardsByName returns cards whose name contains the given substring.
func (e *Engine) FindCardsByName(substr string, kind card.Kind) ([]*card.Card, error) {
	store, err := e.currentStore()
	if err != nil {
		return nil, err
	}
	return store.FindByName(substr, kind), nil
}

// RunConsistencyCheck sweeps the loaded campaign's entity store for dangling
// references and invalid state.
func (e *Engine) RunConsistencyCheck() (*consistency.Report, error) {
	store, err := e.currentStore()
	if err != nil {
		return nil, err
	}
	return consistency.Sweep(store), nil
}

// ContradictionHistory returns every contradiction decision made this session.
func (e *Engine) ContradictionHistory() ([]consistency.Record, error) {
	e.mu.Lock()
	resolver := e.resolver
	e.mu.Unlock()
	if resolver == nil {
		return nil, ErrNoCampaign
	}
	return resolver.History(), nil
}

// CurrentFocus returns a copy of the current focus.
func (e *Engine) CurrentFocus() types.Focus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focus.Clone()
}

func (e *Engine) currentStore() (*card.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, ErrNoCampaign
	}
	return e.store, nil
}

