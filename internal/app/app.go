// Package app wires all speech-to-text subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the background loops, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithTaskStore,
// WithAudioStore, WithTelemetry, WithListener). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/PinQiH/speech-to-text/internal/api"
	"github.com/PinQiH/speech-to-text/internal/audiostore"
	"github.com/PinQiH/speech-to-text/internal/config"
	"github.com/PinQiH/speech-to-text/internal/correct"
	"github.com/PinQiH/speech-to-text/internal/events"
	"github.com/PinQiH/speech-to-text/internal/glossary"
	"github.com/PinQiH/speech-to-text/internal/health"
	"github.com/PinQiH/speech-to-text/internal/observe"
	"github.com/PinQiH/speech-to-text/internal/pipeline"
	"github.com/PinQiH/speech-to-text/internal/service"
	"github.com/PinQiH/speech-to-text/internal/summarise"
	"github.com/PinQiH/speech-to-text/internal/task"
	"github.com/PinQiH/speech-to-text/internal/task/postgres"
	"github.com/PinQiH/speech-to-text/internal/watchdog"
	"github.com/PinQiH/speech-to-text/pkg/provider/diarize"
	"github.com/PinQiH/speech-to-text/pkg/provider/llm"
	"github.com/PinQiH/speech-to-text/pkg/provider/stt"
)

// eventHistory is how many status events the bus keeps for replay.
const eventHistory = 1024

// httpShutdownTimeout bounds the graceful HTTP drain when Run's context ends.
const httpShutdownTimeout = 10 * time.Second

// Providers holds the model collaborators. Populated by main.go via the
// config registry. Diarizer may be nil.
type Providers struct {
	LLM         llm.Resolver
	Transcriber stt.Transcriber
	Diarizer    diarize.Diarizer
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store     task.Store
	audio     audiostore.Store
	telemetry *observe.Telemetry
	bus       *events.Bus
	glossary  *glossary.Glossary
	watchdog  *watchdog.Watchdog
	scheduler *pipeline.Scheduler
	service   *service.Service
	router    *gin.Engine

	logLevel *slog.LevelVar
	watcher  *config.Watcher
	listener net.Listener
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTaskStore injects a task store instead of creating one from config.
func WithTaskStore(s task.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAudioStore injects an audio store instead of a FileStore on
// server.media_dir.
func WithAudioStore(s audiostore.Store) Option {
	return func(a *App) { a.audio = s }
}

// WithTelemetry injects the metrics and Prometheus handler. Without it New
// calls [observe.InitProvider]. The App shuts the telemetry down either way.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithLogLevel lets [App.Reload] change the level of the default logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithWatcher makes Run poll the config file. Its callback should call
// [App.Reload].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves HTTP on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithCloser registers fn to run during Shutdown, after in-flight pipelines
// have drained. Used for provider resources such as a loaded whisper model.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.Transcriber == nil {
		return nil, errors.New("app: llm resolver and transcriber are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 3. Pipeline, watchdog, service ───────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.initRouter()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTelemetry(ctx context.Context) error {
	if a.telemetry == nil {
		t, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: a.cfg.Observe.ServiceName})
		if err != nil {
			return err
		}
		a.telemetry = t
	}
	if a.telemetry.Metrics == nil {
		a.telemetry.Metrics = observe.DefaultMetrics()
	}
	return nil
}

// initStorage opens the task store and the audio store unless injected.
func (a *App) initStorage(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Storage.Backend {
		case config.StoragePostgres:
			s, err := postgres.Open(ctx, a.cfg.Storage.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, func() error { s.Close(); return nil })
			slog.Info("task store ready", "backend", "postgres")
		default:
			a.store = task.NewMemStore()
			slog.Info("task store ready", "backend", "memory")
		}
	}

	if a.audio == nil {
		fs, err := audiostore.NewFileStore(a.cfg.Server.MediaDir)
		if err != nil {
			return err
		}
		a.audio = fs
		slog.Info("audio store ready", "dir", fs.Dir())
	}
	return nil
}

func (a *App) initPipeline() error {
	metrics := a.telemetry.Metrics
	a.bus = events.NewBus(eventHistory)
	a.glossary = glossary.New(a.cfg.Correction.Glossary)

	corrector := correct.New(a.providers.LLM,
		correct.WithGlossary(a.glossary),
		correct.WithTraditionalChinese(strings.HasPrefix(a.cfg.Pipeline.Language, "zh")),
	)
	summariser := summarise.NewLLMSummariser(a.providers.LLM)

	a.watchdog = watchdog.New(a.store,
		watchdog.WithTimeout(a.cfg.Pipeline.Timeout),
		watchdog.WithEvents(a.bus),
		watchdog.WithMetrics(metrics),
	)

	sched, err := pipeline.New(pipeline.Deps{
		Store:       a.store,
		Audio:       a.audio,
		Transcriber: a.providers.Transcriber,
		Diarizer:    a.providers.Diarizer,
		Corrector:   corrector,
		Summarizer:  summariser,
		Events:      a.bus,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	a.scheduler = sched

	a.service = service.New(service.Deps{
		Store:      a.store,
		Audio:      a.audio,
		Dispatcher: sched,
		Watchdog:   a.watchdog,
		Summarizer: summariser,
		Events:     a.bus,
		Metrics:    metrics,
	})
	return nil
}

func (a *App) initRouter() {
	checkers := []health.Checker{{Name: "task_store", Check: a.store.Ping}}
	if c, ok := a.audio.(interface{ Check(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "audio_store", Check: c.Check})
	}

	a.router = api.NewRouter(api.Config{
		Service:        a.service,
		Events:         a.bus,
		Media:          a.audio,
		Health:         health.New(checkers...),
		Metrics:        a.telemetry.Metrics,
		MetricsHandler: a.telemetry.Handler,
		MetricsPath:    a.cfg.Observe.MetricsPath,
		MaxUploadBytes: int64(a.cfg.Server.MaxUploadMB) << 20,
	})
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the HTTP handler serving every endpoint.
func (a *App) Handler() http.Handler { return a.router }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, sweeps for stalled tasks and, when a watcher is set, polls
// the config file. It blocks until ctx is cancelled or the server fails.
// Pipelines still running are left to [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if a.listener != nil {
			err = a.server.Serve(a.listener)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.watchdog.Run(gctx, a.cfg.Pipeline.WatchdogInterval)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)
	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change: log level,
// stall timeout and glossary. Other changes are logged as needing a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TimeoutChanged {
		a.watchdog.SetTimeout(d.NewTimeout)
		slog.Info("pipeline timeout changed", "timeout", a.watchdog.Timeout())
	}
	if d.GlossaryChanged {
		a.glossary.SetTerms(d.NewGlossary)
		slog.Info("glossary changed", "terms", len(d.NewGlossary))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown waits for in-flight pipelines, then runs the closers and flushes
// telemetry. It respects the context deadline: if ctx expires first,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.scheduler.Wait(ctx); err != nil {
			slog.Warn("pipelines still running at shutdown", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		if err := a.telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
