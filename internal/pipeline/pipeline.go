// Package pipeline runs a task through its stages: transcribe, optional
// diarization and speaker merge, LLM correction and summarisation.
//
// Every stage is bounded by a status write. Writes are guarded by the status
// and attempt the run last wrote (see [task.Guard]), so a run that was timed
// out by the watchdog or superseded by a retry stops at its next write
// instead of overwriting newer state.
//
// Transcription is the only resource-bound stage. The [Scheduler] owns a
// single-slot semaphore around it; every other stage runs unthrottled.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/PinQiH/speech-to-text/internal/events"
	"github.com/PinQiH/speech-to-text/internal/observe"
	"github.com/PinQiH/speech-to-text/internal/task"
	"github.com/PinQiH/speech-to-text/pkg/provider/diarize"
	"github.com/PinQiH/speech-to-text/pkg/provider/stt"
)

// NoTranscriptionSummary is stored as the summary when there is no text to
// summarise.
const NoTranscriptionSummary = "No transcription available."

// Stage names used for spans and metrics.
const (
	StageTranscribe = "transcribe"
	StageDiarize    = "diarize"
	StageCorrect    = "correct"
	StageSummarize  = "summarize"
)

// Corrector fixes recognition errors in a formatted transcript. The reply is
// expected in the same bracketed-timestamp form.
type Corrector interface {
	Correct(ctx context.Context, formatted, apiKey string) (string, error)
}

// Summarizer produces a summary of a formatted transcript.
type Summarizer interface {
	Summarize(ctx context.Context, formatted, apiKey string) (string, error)
}

// AudioLocator resolves a stored audio reference to a local file path.
type AudioLocator interface {
	Path(ref string) (string, error)
}

// Credentials are the per-request secrets and hints a run needs.
type Credentials struct {
	// APIKey selects the LLM account for correction and summary. Empty means
	// the configured default.
	APIKey string

	// HFToken enables diarization. Empty skips it.
	HFToken string

	// NumSpeakers is an optional hint for diarization.
	NumSpeakers int
}

// SummaryError renders a summariser failure the way it is stored on the
// task.
func SummaryError(err error) string {
	return "Error generating summary: " + err.Error()
}

// Deps are the collaborators of a [Scheduler]. Diarizer may be nil, in which
// case diarization never runs.
type Deps struct {
	Store       task.Store
	Audio       AudioLocator
	Transcriber stt.Transcriber
	Diarizer    diarize.Diarizer
	Corrector   Corrector
	Summarizer  Summarizer
	Events      events.Publisher
	Metrics     *observe.Metrics
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock overrides time.Now for stage timings.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs pipelines. It is safe for concurrent use.
type Scheduler struct {
	store       task.Store
	audio       AudioLocator
	transcriber stt.Transcriber
	diarizer    diarize.Diarizer
	corrector   Corrector
	summarizer  Summarizer
	events      events.Publisher
	metrics     *observe.Metrics
	now         func() time.Time

	// transcribeSlot serialises Transcribe calls across all runs.
	transcribeSlot *semaphore.Weighted

	wg sync.WaitGroup
}

// New creates a Scheduler. Store, Audio, Transcriber, Corrector and
// Summarizer are required.
func New(deps Deps, opts ...Option) (*Scheduler, error) {
	var errs []error
	if deps.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if deps.Audio == nil {
		errs = append(errs, errors.New("audio locator is required"))
	}
	if deps.Transcriber == nil {
		errs = append(errs, errors.New("transcriber is required"))
	}
	if deps.Corrector == nil {
		errs = append(errs, errors.New("corrector is required"))
	}
	if deps.Summarizer == nil {
		errs = append(errs, errors.New("summarizer is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	s := &Scheduler{
		store:          deps.Store,
		audio:          deps.Audio,
		transcriber:    deps.Transcriber,
		diarizer:       deps.Diarizer,
		corrector:      deps.Corrector,
		summarizer:     deps.Summarizer,
		events:         deps.Events,
		metrics:        deps.Metrics,
		now:            time.Now,
		transcribeSlot: semaphore.NewWeighted(1),
	}
	if s.events == nil {
		s.events = events.Discard
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Dispatch starts a run for taskID in the background and returns at once.
// The run keeps ctx's values (trace context) but not its cancellation, so it
// outlives the request that triggered it.
func (s *Scheduler) Dispatch(ctx context.Context, taskID string, creds Credentials) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.RunPipeline(ctx, taskID, creds); err != nil && !errors.Is(err, task.ErrStale) {
			observe.TaskLogger(ctx, taskID).Error("pipeline run failed", "err", err)
		}
	}()
}

// Wait blocks until every dispatched run has returned or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunPipeline takes a pending task through every stage. A failing stage
// marks the task failed; artifacts of earlier stages are kept. When the task
// was taken over by the watchdog or a retry, RunPipeline stops and returns an
// error wrapping [task.ErrStale] without touching the task again.
func (s *Scheduler) RunPipeline(ctx context.Context, taskID string, creds Credentials) (err error) {
	ctx, span := observe.StartTaskSpan(ctx, "pipeline.run", taskID)
	defer span.End()

	s.metrics.ActivePipelines.Add(ctx, 1)
	defer s.metrics.ActivePipelines.Add(ctx, -1)

	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		observe.SpanError(span, err)
		return fmt.Errorf("pipeline: load task %s: %w", taskID, err)
	}

	r := &run{
		s:       s,
		task:    t,
		status:  t.Status,
		attempt: t.Attempt,
		creds:   creds,
		log:     observe.TaskLogger(ctx, taskID).With("attempt", t.Attempt),
	}
	span.SetAttributes(attribute.Int("task.attempt", t.Attempt))

	err = r.execute(ctx)
	switch {
	case err == nil:
		s.metrics.RecordRun(ctx, string(task.StatusCompleted))
		r.log.Info("pipeline completed")
	case errors.Is(err, task.ErrStale):
		s.metrics.RecordRun(ctx, observe.OutcomeStale)
		r.log.Warn("pipeline stopped, task was taken over", "err", err)
	default:
		observe.SpanError(span, err)
		s.metrics.RecordRun(ctx, string(task.StatusFailed))
		r.fail(ctx, err)
	}
	return err
}

// stage wraps one stage in a span and records its duration. outcome is
// read after fn returns, so fn may downgrade a success to a fallback.
func (s *Scheduler) stage(ctx context.Context, name string, fn func(ctx context.Context, outcome *string) error) error {
	ctx, span := observe.StartSpan(ctx, "pipeline."+name)
	defer span.End()

	start := s.now()
	outcome := observe.OutcomeOK
	err := fn(ctx, &outcome)
	if err != nil {
		outcome = observe.OutcomeError
		if errors.Is(err, task.ErrStale) {
			outcome = observe.OutcomeStale
		}
		observe.SpanError(span, err)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	s.metrics.RecordStage(ctx, name, outcome, s.now().Sub(start))
	return err
}

// transcribe runs the transcriber while holding the transcription slot. The
// slot is released on every return path.
func (s *Scheduler) transcribe(ctx context.Context, audioPath string) (*stt.Result, error) {
	waitStart := s.now()
	if err := s.transcribeSlot.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire transcription slot: %w", err)
	}
	defer s.transcribeSlot.Release(1)
	s.metrics.TranscribeLockWait.Record(ctx, s.now().Sub(waitStart).Seconds(),
		metric.WithAttributes(observe.Attr("stage", StageTranscribe)))

	return s.transcriber.Transcribe(ctx, audioPath)
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
