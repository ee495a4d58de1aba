// Command mnemosyne is the interactive narrative memory engine for
// text-adventure campaigns.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fennwald/mnemosyne/internal/config"
	"github.com/fennwald/mnemosyne/internal/engine"
	"github.com/fennwald/mnemosyne/internal/observe"
	"github.com/fennwald/mnemosyne/pkg/card"
	"github.com/fennwald/mnemosyne/pkg/provider/embeddings"
	ollamaembed "github.com/fennwald/mnemosyne/pkg/provider/embeddings/ollama"
	oaembed "github.com/fennwald/mnemosyne/pkg/provider/embeddings/openai"
	"github.com/fennwald/mnemosyne/pkg/provider/llm"
	"github.com/fennwald/mnemosyne/pkg/provider/llm/anyllm"
	"github.com/fennwald/mnemosyne/pkg/storage/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mnemosyne: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mnemosyne: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("mnemosyne starting",
		"config", *configPath,
		"backend", cfg.Data.Backend,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	if cfg.Metrics.Enabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
		if err != nil {
			slog.Error("failed to initialise metrics provider", "err", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics shutdown error", "err", err)
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		go func() {
			slog.Info("metrics endpoint listening", "addr", cfg.Metrics.ListenAddr)
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				slog.Error("metrics listener error", "err", err)
			}
		}()
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	llmProvider, err := buildLLMProvider(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Provider, "model", cfg.Providers.LLM.Model)

	embedProvider, err := buildEmbeddingsProvider(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to build embeddings provider", "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Provider, "model", cfg.Providers.Embeddings.Model)

	// ── Storage backend ───────────────────────────────────────────────────────
	backend, err := buildBackend(ctx, cfg, embedProvider)
	if err != nil {
		slog.Error("failed to open storage backend", "err", err)
		return 1
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	eng := engine.New(llmProvider, embedProvider, backend,
		engine.WithLogger(logger),
		engine.WithMaxHistory(cfg.Campaign.MaxHistory),
		engine.WithSaveDebounce(cfg.Campaign.SaveDebounce),
	)

	slog.Info("engine ready — press Ctrl+C or /quit to exit")

	if err := repl(ctx, eng); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	saveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := eng.SaveCampaign(saveCtx); err != nil && !errors.Is(err, engine.ErrNoCampaign) {
		slog.Warn("final save failed", "err", err)
	}
	eng.Stop()
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildLLMProvider constructs the configured chat provider. All supported
// names route through the any-llm backend catalogue; ollama is special-cased
// because it authenticates by address rather than API key.
func buildLLMProvider(entry config.ProviderEntry) (llm.Provider, error) {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	p, err := anyllm.New(entry.Provider, entry.Model, opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Provider, err)
	}
	return p, nil
}

func buildEmbeddingsProvider(entry config.ProviderEntry) (embeddings.Provider, error) {
	switch entry.Provider {
	case "ollama":
		p, err := ollamaembed.New(entry.BaseURL, entry.Model)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Provider, err)
		}
		return p, nil
	default:
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		p, err := oaembed.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Provider, err)
		}
		return p, nil
	}
}

func buildBackend(ctx context.Context, cfg *config.Config, embed embeddings.Provider) (engine.Backend, error) {
	switch cfg.Data.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewStore(ctx, cfg.Data.PostgresDSN, embed.Dimensions())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return engine.NewPostgresBackend(store), nil
	default:
		return engine.NewFileBackend(cfg.Data.Dir)
	}
}

// ── Interactive session ───────────────────────────────────────────────────────

const helpText = `Commands:
  /new <name> [setup.yaml]  start a new campaign, optionally from a setup file
  /load <id>                load an existing campaign
  /campaigns                list saved campaigns
  /summary                  show the current campaign summary
  /entity <id>              show one entity card with its relationships
  /check                    run a full-world consistency sweep
  /contradictions           show the contradiction resolution history
  /save                     save the campaign now
  /help                     show this help
  /quit                     save and exit
Anything else is sent to the game master as your next action.`

// repl reads player input line by line and dispatches slash commands or game
// turns until the input closes or the context is cancelled.
func repl(ctx context.Context, eng *engine.Engine) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	fmt.Println("Welcome to Mnemosyne. Type /help for commands.")
	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case strings.HasPrefix(line, "/"):
				if err := dispatch(ctx, eng, line); err != nil {
					fmt.Printf("error: %v\n", err)
				}
			default:
				reply, err := eng.ProcessTurn(ctx, line)
				if err != nil {
					fmt.Printf("error: %v\n", err)
				} else {
					fmt.Println(reply)
				}
			}
			fmt.Print("> ")
		}
	}
}

func dispatch(ctx context.Context, eng *engine.Engine, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		fmt.Println(helpText)
		return nil

	case "/new":
		if len(args) == 0 {
			return errors.New("usage: /new <name> [setup.yaml]")
		}
		var setup *engine.Setup
		name := strings.Join(args, " ")
		if last := args[len(args)-1]; strings.HasSuffix(last, ".yaml") || strings.HasSuffix(last, ".yml") {
			var err error
			if setup, err = engine.LoadSetupFile(last); err != nil {
				return err
			}
			name = strings.Join(args[:len(args)-1], " ")
		}
		if name == "" {
			return errors.New("usage: /new <name> [setup.yaml]")
		}
		id, err := eng.CreateCampaign(ctx, name, setup)
		if err != nil {
			return err
		}
		fmt.Printf("campaign %q created (id %s)\n", name, id)
		return nil

	case "/load":
		if len(args) != 1 {
			return errors.New("usage: /load <id>")
		}
		if err := eng.LoadCampaign(ctx, args[0]); err != nil {
			return err
		}
		summary, err := eng.GetCampaignSummary()
		if err != nil {
			return err
		}
		fmt.Printf("loaded %q: %d turns played\n", summary.Name, summary.Turns)
		return nil

	case "/campaigns":
		campaigns, err := eng.AvailableCampaigns(ctx)
		if err != nil {
			return err
		}
		if len(campaigns) == 0 {
			fmt.Println("no saved campaigns")
			return nil
		}
		sort.Slice(campaigns, func(i, j int) bool {
			return campaigns[i].LastModified.After(campaigns[j].LastModified)
		})
		for _, c := range campaigns {
			fmt.Printf("  %s  %-24s last played %s\n", c.ID, c.Name, c.LastModified.Format("2006-01-02 15:04"))
		}
		return nil

	case "/summary":
		summary, err := eng.GetCampaignSummary()
		if err != nil {
			return err
		}
		printSummary(summary)
		return nil

	case "/entity":
		if len(args) != 1 {
			return errors.New("usage: /entity <id>")
		}
		details, err := eng.GetEntityDetails(args[0])
		if err != nil {
			return err
		}
		printEntity(details)
		return nil

	case "/check":
		report, err := eng.RunConsistencyCheck()
		if err != nil {
			return err
		}
		if len(report.Findings) == 0 {
			fmt.Println("world state is consistent")
			return nil
		}
		for _, f := range report.Findings {
			fmt.Printf("  [%s] %s: %s (%s)\n", f.Severity, f.Type, f.EntityName, f.Attribute)
		}
		return nil

	case "/contradictions":
		records, err := eng.ContradictionHistory()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("no contradictions recorded")
			return nil
		}
		for _, r := range records {
			status := "pending"
			if r.Resolved {
				status = string(r.Resolution.Action)
			}
			fmt.Printf("  %s  %s %s.%s: %v vs %v → %s\n",
				r.Timestamp.Format("15:04:05"), r.Contradiction.Severity,
				r.Contradiction.EntityName, r.Contradiction.Attribute,
				r.Contradiction.Current, r.Contradiction.Proposed, status)
		}
		return nil

	case "/save":
		if err := eng.SaveCampaign(ctx); err != nil {
			return err
		}
		fmt.Println("saved")
		return nil

	default:
		return fmt.Errorf("unknown command %q — type /help", cmd)
	}
}

func printSummary(s *engine.CampaignSummary) {
	fmt.Printf("%s (id %s)\n", s.Name, s.ID)
	fmt.Printf("  created     %s\n", s.Created.Format("2006-01-02"))
	fmt.Printf("  turns       %d\n", s.Turns)
	fmt.Printf("  memories    %d\n", s.Memories)
	for _, kind := range card.Kinds {
		if n := s.Entities[kind]; n > 0 {
			fmt.Printf("  %-11s %d\n", string(kind)+"s", n)
		}
	}
	if len(s.ActiveStories) > 0 {
		fmt.Printf("  active stories: %s\n", strings.Join(s.ActiveStories, ", "))
	}
}

func printEntity(d *engine.EntityDetails) {
	c := d.Card
	fmt.Printf("%s [%s] %s\n", c.ID, c.Kind, c.Name)
	if c.Description != "" {
		fmt.Printf("  %s\n", c.Description)
	}
	switch c.Kind {
	case card.KindCharacter:
		fmt.Printf("  status: %s  location: %s\n", c.Character.Status, c.Character.Location)
		if len(c.Character.Inventory) > 0 {
			fmt.Printf("  inventory: %s\n", strings.Join(c.Character.Inventory, ", "))
		}
	case card.KindLocation:
		fmt.Printf("  region: %s\n", c.Location.Region)
	case card.KindItem:
		fmt.Printf("  owner: %s  location: %s\n", c.Item.Owner, c.Item.Location)
	case card.KindStory:
		fmt.Printf("  status: %s\n", c.Story.Status)
	case card.KindRelationship:
		fmt.Printf("  %s ↔ %s (%s, strength %d)\n",
			c.Relationship.Entity1, c.Relationship.Entity2,
			c.Relationship.RelType, c.Relationship.Strength)
	}
	fmt.Printf("  edits: %d\n", len(c.History))
	for _, rel := range d.Relationships {
		fmt.Printf("  rel %s: %s ↔ %s (%s)\n", rel.ID, rel.Relationship.Entity1, rel.Relationship.Entity2, rel.Relationship.RelType)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
