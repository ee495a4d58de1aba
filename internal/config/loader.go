package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per capability.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values, filling in
// defaults for unset fields. It returns a joined error listing all validation
// failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Data.Backend == "" {
		cfg.Data.Backend = BackendFile
	}
	if !cfg.Data.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("data.backend %q is invalid; valid values: file, postgres", cfg.Data.Backend))
	}
	if cfg.Data.Backend == BackendPostgres && cfg.Data.PostgresDSN == "" {
		errs = append(errs, errors.New("data.postgres_dsn is required when data.backend is postgres"))
	}
	if cfg.Data.Backend == BackendFile && cfg.Data.Dir == "" {
		cfg.Data.Dir = DefaultDataDir
	}

	validateProviderName("llm", cfg.Providers.LLM.Provider)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Provider)

	if cfg.Providers.LLM.Provider == "" {
		errs = append(errs, errors.New("providers.llm.provider is required"))
	}
	if cfg.Providers.Embeddings.Provider == "" {
		slog.Warn("no embeddings provider configured; semantic memory search will be unavailable")
	}

	if cfg.Campaign.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("campaign.max_history %d must not be negative", cfg.Campaign.MaxHistory))
	}
	if cfg.Campaign.MaxHistory == 0 {
		cfg.Campaign.MaxHistory = DefaultMaxHistory
	}
	if cfg.Campaign.SaveDebounce < 0 {
		errs = append(errs, fmt.Errorf("campaign.save_debounce %s must not be negative", cfg.Campaign.SaveDebounce))
	}
	if cfg.Campaign.SaveDebounce == 0 {
		cfg.Campaign.SaveDebounce = DefaultSaveDebounce
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		errs = append(errs, errors.New("metrics.listen_addr is required when metrics.enabled is true"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
