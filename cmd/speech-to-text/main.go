// Command speech-to-text is the main entry point for the transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/PinQiH/speech-to-text/internal/app"
	"github.com/PinQiH/speech-to-text/internal/config"
	"github.com/PinQiH/speech-to-text/internal/observe"
	"github.com/PinQiH/speech-to-text/internal/resilience"
	"github.com/PinQiH/speech-to-text/pkg/provider/diarize"
	"github.com/PinQiH/speech-to-text/pkg/provider/diarize/pyannote"
	"github.com/PinQiH/speech-to-text/pkg/provider/llm"
	"github.com/PinQiH/speech-to-text/pkg/provider/llm/anyllm"
	"github.com/PinQiH/speech-to-text/pkg/provider/llm/openai"
	"github.com/PinQiH/speech-to-text/pkg/provider/stt"
	"github.com/PinQiH/speech-to-text/pkg/provider/stt/deepgram"
	"github.com/PinQiH/speech-to-text/pkg/provider/stt/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level, timeout and glossary when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "speech-to-text: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "speech-to-text: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("speech-to-text starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"storage", cfg.Storage.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: cfg.Observe.ServiceName})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Pipeline.Language)

	providers, closers, err := buildProviders(cfg, reg, tel.Metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Application ───────────────────────────────────────────────────────────
	var application *app.App
	opts := []app.Option{app.WithTelemetry(tel), app.WithLogLevel(logLevel)}
	for _, c := range closers {
		opts = append(opts, app.WithCloser(c))
	}
	if *watch {
		// The watcher only calls back from Run, after application is set.
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			application.Reload(old, new)
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		opts = append(opts, app.WithWatcher(w))
	}

	application, err = app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	slog.Info("stopping, waiting for running pipelines")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// keylessLLMs run locally and work without an API key.
var keylessLLMs = map[string]bool{"ollama": true, "llamacpp": true, "llamafile": true}

// registerBuiltinProviders wires all built-in provider factories into reg.
// language is the transcription language used when an STT entry sets none.
func registerBuiltinProviders(reg *config.Registry, language string) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
		"ollama", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry, apiKey string) (llm.Provider, error) {
			if apiKey == "" {
				apiKey = entry.APIKey
			}
			var opts []anyllmlib.Option
			if apiKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(apiKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	reg.RegisterLLM("openai", func(entry config.ProviderEntry, apiKey string) (llm.Provider, error) {
		if apiKey == "" {
			apiKey = entry.APIKey
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.StringOption("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(apiKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	langOf := func(entry config.ProviderEntry) string {
		if l := entry.StringOption("language"); l != "" {
			return l
		}
		return language
	}

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.StringOption("model_path")
		}
		opts := []whisper.NativeOption{
			whisper.WithNativeLanguage(langOf(entry)),
			whisper.WithNativeDecoder(whisper.FFmpegDecoder(entry.StringOption("ffmpeg"))),
		}
		if n := entry.IntOption("threads", 0); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		opts := []whisper.Option{
			whisper.WithLanguage(langOf(entry)),
			whisper.WithDecoder(whisper.FFmpegDecoder(entry.StringOption("ffmpeg"))),
		}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.NewServer(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		opts := []deepgram.Option{deepgram.WithLanguage(langOf(entry))}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Diarization ───────────────────────────────────────────────────────────
	reg.RegisterDiarizer("pyannote", func(entry config.ProviderEntry) (diarize.Diarizer, error) {
		var opts []pyannote.Option
		if entry.Model != "" {
			opts = append(opts, pyannote.WithModel(entry.Model))
		}
		if entry.APIKey != "" {
			opts = append(opts, pyannote.WithToken(entry.APIKey))
		}
		return pyannote.New(entry.BaseURL, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// observer reports every provider attempt to the metrics.
func observer(m *observe.Metrics, kind string) resilience.Observer {
	return func(ctx context.Context, provider string, err error) {
		status := "ok"
		if err != nil {
			status = "error"
			m.RecordProviderError(ctx, provider, kind)
		}
		m.RecordProviderRequest(ctx, provider, kind, status)
	}
}

// buildProviders instantiates every provider named in cfg and wraps them in
// circuit breakers and fallbacks. The returned closers release provider
// resources and must run after the last pipeline finishes.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, []func() error, error) {
	ps := &app.Providers{}
	var closers []func() error
	keep := func(v any) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
	}

	// ── LLM: one fallback chain per API key ───────────────────────────────────
	llmCfg := resilience.FallbackConfig{Observe: observer(m, "llm")}
	fallbacks := make([]llm.Provider, 0, len(cfg.Providers.LLMFallbacks))
	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry, "")
		if err != nil {
			return nil, nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		fallbacks = append(fallbacks, p)
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "role", "fallback")
	}
	primary := cfg.Providers.LLM
	build := func(apiKey string) (llm.Provider, error) {
		p, err := reg.CreateLLM(primary, apiKey)
		if err != nil {
			return nil, err
		}
		fb := resilience.NewLLMFallback(p, primary.Name, llmCfg)
		for i, f := range fallbacks {
			fb.AddFallback(cfg.Providers.LLMFallbacks[i].Name, f)
		}
		return fb, nil
	}
	var keyless llm.Provider
	if keylessLLMs[primary.Name] && primary.APIKey == "" {
		p, err := build("")
		if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", primary.Name, err)
		}
		keyless = p
	}
	ps.LLM = llm.NewKeyedResolver(build, primary.APIKey, keyless)
	slog.Info("provider created", "kind", "llm", "name", primary.Name)

	// ── STT ───────────────────────────────────────────────────────────────────
	sttCfg := resilience.FallbackConfig{Observe: observer(m, "stt")}
	tr, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	keep(tr)
	stf := resilience.NewTranscriberFallback(tr, cfg.Providers.STT.Name, sttCfg)
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	if fbEntry := cfg.Providers.STTFallback; fbEntry.IsSet() {
		fb, err := reg.CreateSTT(fbEntry)
		if err != nil {
			return nil, nil, fmt.Errorf("create stt fallback %q: %w", fbEntry.Name, err)
		}
		keep(fb)
		stf.AddFallback(fbEntry.Name, fb)
		slog.Info("provider created", "kind", "stt", "name", fbEntry.Name, "role", "fallback")
	}
	ps.Transcriber = stf

	// ── Diarization (optional) ────────────────────────────────────────────────
	if entry := cfg.Providers.Diarization; entry.IsSet() {
		d, err := reg.CreateDiarizer(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("create diarization provider %q: %w", entry.Name, err)
		}
		ps.Diarizer = resilience.NewBreakerDiarizer(d, entry.Name,
			resilience.FallbackConfig{Observe: observer(m, "diarization")})
		slog.Info("provider created", "kind", "diarization", "name", entry.Name)
	}

	return ps, closers, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     speech-to-text: startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  LLM fallbacks   : %-19d ║\n", len(cfg.Providers.LLMFallbacks))
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("STT fallback", cfg.Providers.STTFallback.Name, cfg.Providers.STTFallback.Model)
	printProvider("Diarization", cfg.Providers.Diarization.Name, cfg.Providers.Diarization.Model)
	fmt.Printf("║  Storage         : %-19s ║\n", cfg.Storage.Backend)
	fmt.Printf("║  Glossary terms  : %-19d ║\n", len(cfg.Correction.Glossary))
	fmt.Printf("║  Stall timeout   : %-19s ║\n", cfg.Pipeline.Timeout)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
