package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":         {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":         {"whisper-native", "whisper", "deepgram"},
	"diarization": {"pyannote"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxUploadMB < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_mb %d must not be negative", cfg.Server.MaxUploadMB))
	}

	if cfg.Storage.Backend != "" && !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: memory, postgres", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
	}
	if cfg.Storage.Backend == StorageMemory {
		slog.Warn("storage.backend is memory; tasks are lost on restart")
	}

	if !cfg.Providers.LLM.IsSet() {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if !cfg.Providers.STT.IsSet() {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if !fb.IsSet() {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("stt", cfg.Providers.STTFallback.Name)
	validateProviderName("diarization", cfg.Providers.Diarization.Name)

	if cfg.Providers.Diarization.IsSet() && cfg.Providers.Diarization.BaseURL == "" {
		errs = append(errs, errors.New("providers.diarization.base_url is required"))
	}

	if cfg.Pipeline.Timeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.timeout %v must not be negative", cfg.Pipeline.Timeout))
	}
	if cfg.Pipeline.WatchdogInterval < 0 {
		errs = append(errs, fmt.Errorf("pipeline.watchdog_interval %v must not be negative", cfg.Pipeline.WatchdogInterval))
	}
	if cfg.Pipeline.Timeout > 0 && cfg.Pipeline.WatchdogInterval > cfg.Pipeline.Timeout {
		slog.Warn("pipeline.watchdog_interval is longer than pipeline.timeout; stalled tasks are detected late",
			"interval", cfg.Pipeline.WatchdogInterval, "timeout", cfg.Pipeline.Timeout)
	}

	seen := make(map[string]int, len(cfg.Correction.Glossary))
	for i, term := range cfg.Correction.Glossary {
		term = strings.TrimSpace(term)
		if term == "" {
			errs = append(errs, fmt.Errorf("correction.glossary[%d] is empty", i))
			continue
		}
		if prev, ok := seen[term]; ok {
			slog.Warn("duplicate glossary term", "term", term, "first", prev, "again", i)
		}
		seen[term] = i
	}

	if p := cfg.Observe.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("observe.metrics_path %q must start with /", p))
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
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
