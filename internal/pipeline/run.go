package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PinQiH/speech-to-text/internal/events"
	"github.com/PinQiH/speech-to-text/internal/observe"
	"github.com/PinQiH/speech-to-text/internal/task"
	"github.com/PinQiH/speech-to-text/pkg/provider/diarize"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

// run is the state of one pipeline execution.
type run struct {
	s *Scheduler

	// task is the latest snapshot this run wrote or read.
	task *task.Task

	// status and attempt are what the next guarded write expects to find.
	status  task.Status
	attempt int

	creds Credentials
	log   *slog.Logger
}

func (r *run) execute(ctx context.Context) error {
	// Another run for this attempt already started, or the task was
	// finished or retried since it was dispatched.
	if r.status != task.StatusPending {
		return fmt.Errorf("%w: task is %s, not pending", task.ErrStale, r.status)
	}
	if err := r.advance(ctx, task.StatusTranscribing, nil); err != nil {
		return err
	}
	if err := r.transcribeStage(ctx); err != nil {
		return err
	}
	if err := r.advance(ctx, task.StatusCorrecting, nil); err != nil {
		return err
	}
	if err := r.correctStage(ctx); err != nil {
		return err
	}
	if err := r.advance(ctx, task.StatusSummarizing, nil); err != nil {
		return err
	}
	return r.summarizeStage(ctx)
}

// advance moves the task to status to, applying fn to the stored copy in the
// same guarded write.
func (r *run) advance(ctx context.Context, to task.Status, fn func(*task.Task)) error {
	if !task.CanTransition(r.status, to) {
		return fmt.Errorf("pipeline: illegal transition %s -> %s", r.status, to)
	}
	t, err := r.s.store.Update(ctx, r.task.ID, task.Guard(r.status, r.attempt, func(t *task.Task) error {
		if fn != nil {
			fn(t)
		}
		t.Status = to
		return nil
	}))
	if err != nil {
		return fmt.Errorf("pipeline: set %s: %w", to, err)
	}
	r.task, r.status = t, to
	r.s.events.Publish(events.Event{TaskID: t.ID, Status: to, Attempt: r.attempt})
	r.log.Debug("task status changed", "status", to)
	return nil
}

// fail marks the task failed if this run still owns it.
func (r *run) fail(ctx context.Context, cause error) {
	r.log.Error("pipeline failed", "status", r.status, "err", cause)
	if !task.CanTransition(r.status, task.StatusFailed) {
		return
	}
	_, err := r.s.store.Update(ctx, r.task.ID, task.Guard(r.status, r.attempt, func(t *task.Task) error {
		t.Status = task.StatusFailed
		return nil
	}))
	if err != nil {
		if !errors.Is(err, task.ErrStale) {
			r.log.Error("could not mark task failed", "err", err)
		}
		return
	}
	r.status = task.StatusFailed
	r.s.events.Publish(events.Event{
		TaskID:  r.task.ID,
		Status:  task.StatusFailed,
		Attempt: r.attempt,
		Message: cause.Error(),
	})
}

func (r *run) transcribeStage(ctx context.Context) error {
	path, err := r.s.audio.Path(r.task.AudioRef)
	if err != nil {
		return fmt.Errorf("pipeline: resolve audio: %w", err)
	}

	var res struct {
		text string
		segs []segment.Segment
	}
	err = r.s.stage(ctx, StageTranscribe, func(ctx context.Context, _ *string) error {
		out, err := r.s.transcribe(ctx, path)
		if err != nil {
			return fmt.Errorf("pipeline: transcribe: %w", err)
		}
		if out == nil {
			return errors.New("pipeline: transcribe: no result")
		}
		res.text, res.segs = out.Text, out.Segments
		return nil
	})
	if err != nil {
		return err
	}

	segs := res.segs
	var turns []segment.Turn
	if r.creds.HFToken != "" && r.s.diarizer != nil {
		turns = r.diarize(ctx, path)
		segs = segment.Merge(segs, turns)
	}
	if segs == nil {
		segs = []segment.Segment{}
	}
	text := res.text
	if isBlank(text) {
		text = segment.JoinText(segs)
	}
	formatted := segment.Format(segs)
	r.log.Info("transcription done", "segments", len(segs), "diarized", turns != nil)

	return r.advance(ctx, task.StatusTranscribed, func(t *task.Task) {
		t.RawText = text
		t.RawSegments = segs
		t.RawFormatted = formatted
		t.Diarization = turns
	})
}

// diarize never fails the run. On error it returns an empty, non-nil turn
// list, which labels every segment as unknown.
func (r *run) diarize(ctx context.Context, path string) []segment.Turn {
	var turns []segment.Turn
	_ = r.s.stage(ctx, StageDiarize, func(ctx context.Context, outcome *string) error {
		got, err := r.s.diarizer.Diarize(ctx, path, diarize.Options{
			Token:       r.creds.HFToken,
			NumSpeakers: r.creds.NumSpeakers,
		})
		if err != nil {
			*outcome = observe.OutcomeFallback
			r.log.Warn("diarization failed, speakers will be unknown", "err", err)
			return nil
		}
		turns = got
		return nil
	})
	if turns == nil {
		turns = []segment.Turn{}
	}
	return turns
}

func (r *run) correctStage(ctx context.Context) error {
	raw := r.task.RawFormatted
	var (
		formatted string
		segs      = []segment.Segment{}
		text      string
	)

	if isBlank(raw) {
		r.log.Info("raw transcript empty, skipping correction")
	} else {
		_ = r.s.stage(ctx, StageCorrect, func(ctx context.Context, outcome *string) error {
			reply, err := r.s.corrector.Correct(ctx, raw, r.creds.APIKey)
			if err != nil {
				*outcome = observe.OutcomeFallback
				r.log.Warn("correction failed, keeping raw transcript", "err", err)
				formatted = raw
				return nil
			}
			parsed := segment.Parse(reply)
			if !parsed.OK() {
				*outcome = observe.OutcomeFallback
				r.log.Warn("correction reply has no segments, keeping raw transcript",
					"outcome", parsed.Outcome, "dropped_lines", parsed.Dropped)
				formatted = raw
				return nil
			}
			formatted = reply
			segs = parsed.Segments
			text = segment.JoinText(segs)
			return nil
		})
	}

	return r.advance(ctx, task.StatusCorrected, func(t *task.Task) {
		t.CorrectedFormatted = formatted
		t.CorrectedSegments = segs
		t.CorrectedText = text
	})
}

func (r *run) summarizeStage(ctx context.Context) error {
	source := SummarySource(r.task)

	summary := NoTranscriptionSummary
	if isBlank(source) {
		r.log.Info("no transcript to summarise")
	} else {
		_ = r.s.stage(ctx, StageSummarize, func(ctx context.Context, outcome *string) error {
			out, err := r.s.summarizer.Summarize(ctx, source, r.creds.APIKey)
			if err != nil {
				*outcome = observe.OutcomeFallback
				r.log.Warn("summary failed, storing error text", "err", err)
				summary = SummaryError(err)
				return nil
			}
			summary = out
			return nil
		})
	}

	return r.advance(ctx, task.StatusCompleted, func(t *task.Task) {
		t.Summary = summary
	})
}

// SummarySource picks the text a summary is generated from: the corrected
// transcript when there is one, the raw transcript otherwise.
func SummarySource(t *task.Task) string {
	if t.CorrectedFormatted != "" {
		return t.CorrectedFormatted
	}
	return t.RawFormatted
}
