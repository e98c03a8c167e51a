// Package service is the submission boundary of the transcription service:
// it accepts uploads, schedules pipeline runs, applies manual edits and
// serves task reads. Transports (HTTP) sit on top of it.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/PinQiH/speech-to-text/internal/audiostore"
	"github.com/PinQiH/speech-to-text/internal/events"
	"github.com/PinQiH/speech-to-text/internal/observe"
	"github.com/PinQiH/speech-to-text/internal/pipeline"
	"github.com/PinQiH/speech-to-text/internal/task"
)

// ErrInvalidUpload is returned by Submit for an empty body or a missing owner.
var ErrInvalidUpload = errors.New("service: invalid upload")

// Dispatcher starts a pipeline run in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string, creds pipeline.Credentials)
}

// Checker applies the stall check to a task read from the store.
type Checker interface {
	Check(ctx context.Context, t *task.Task) (*task.Task, error)
}

// Upload is one submitted audio file.
type Upload struct {
	Filename string
	Body     io.Reader
	OwnerID  string
	Username string
}

// Deps are the collaborators of a [Service].
type Deps struct {
	Store      task.Store
	Audio      audiostore.Store
	Dispatcher Dispatcher
	Watchdog   Checker
	Summarizer pipeline.Summarizer
	Events     events.Publisher
	Metrics    *observe.Metrics
}

// Service implements the task operations. It is safe for concurrent use.
type Service struct {
	store      task.Store
	audio      audiostore.Store
	dispatcher Dispatcher
	watchdog   Checker
	summarizer pipeline.Summarizer
	events     events.Publisher
	metrics    *observe.Metrics
	newID      func() string
}

// New creates a Service.
func New(deps Deps) *Service {
	s := &Service{
		store:      deps.Store,
		audio:      deps.Audio,
		dispatcher: deps.Dispatcher,
		watchdog:   deps.Watchdog,
		summarizer: deps.Summarizer,
		events:     deps.Events,
		metrics:    deps.Metrics,
		newID:      uuid.NewString,
	}
	if s.events == nil {
		s.events = events.Discard
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Submit stores the audio, creates a pending task and schedules its pipeline.
// It returns as soon as the run is scheduled.
func (s *Service) Submit(ctx context.Context, up Upload, creds pipeline.Credentials) (string, error) {
	if strings.TrimSpace(up.OwnerID) == "" {
		return "", fmt.Errorf("%w: owner is required", ErrInvalidUpload)
	}
	if up.Body == nil {
		return "", fmt.Errorf("%w: no file", ErrInvalidUpload)
	}
	body := bufio.NewReader(up.Body)
	if _, err := body.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: empty file", ErrInvalidUpload)
		}
		return "", fmt.Errorf("service: read upload: %w", err)
	}

	ref, err := s.audio.Save(ctx, up.Filename, body)
	if err != nil {
		return "", fmt.Errorf("service: store audio: %w", err)
	}

	t := &task.Task{
		ID:       s.newID(),
		AudioRef: ref,
		Filename: up.Filename,
		OwnerID:  up.OwnerID,
		Username: up.Username,
		Status:   task.StatusPending,
		Attempt:  1,
	}
	if err := s.store.Create(ctx, t); err != nil {
		if rmErr := s.audio.Remove(ref); rmErr != nil {
			observe.Logger(ctx).Warn("orphaned upload", "audio_ref", ref, "err", rmErr)
		}
		return "", fmt.Errorf("service: create task: %w", err)
	}

	observe.TaskLogger(ctx, t.ID).Info("task submitted",
		"filename", up.Filename,
		"owner_id", up.OwnerID,
		"audio_ref", ref,
		"diarize", creds.HFToken != "")
	s.metrics.RecordSubmission(ctx, "submit")
	s.events.Publish(events.Event{TaskID: t.ID, Status: task.StatusPending, Attempt: t.Attempt})
	s.dispatcher.Dispatch(ctx, t.ID, creds)
	return t.ID, nil
}

// Retry resets the task to pending, discarding derived artifacts, and
// schedules a fresh run with creds. Any run still working on the previous
// attempt is cut off at its next write.
func (s *Service) Retry(ctx context.Context, id string, creds pipeline.Credentials) error {
	t, err := s.store.Update(ctx, id, func(t *task.Task) error {
		t.ResetForRetry()
		return nil
	})
	if err != nil {
		return fmt.Errorf("service: retry %s: %w", id, err)
	}

	observe.TaskLogger(ctx, id).Info("task retried", "attempt", t.Attempt)
	s.metrics.RecordSubmission(ctx, "retry")
	s.events.Publish(events.Event{TaskID: id, Status: task.StatusPending, Attempt: t.Attempt})
	s.dispatcher.Dispatch(ctx, id, creds)
	return nil
}

// Get returns one task after applying the stall check.
func (s *Service) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: get %s: %w", id, err)
	}
	return s.check(ctx, t), nil
}

// List returns the tasks matching q, newest first, each passed through the
// stall check.
func (s *Service) List(ctx context.Context, q task.ListQuery) ([]*task.Task, error) {
	tasks, err := s.store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("service: list: %w", err)
	}
	for i, t := range tasks {
		tasks[i] = s.check(ctx, t)
	}
	return tasks, nil
}

// check runs the watchdog on t. A failed check is logged and the unchecked
// task returned, so one bad write does not fail a whole listing.
func (s *Service) check(ctx context.Context, t *task.Task) *task.Task {
	if s.watchdog == nil {
		return t
	}
	checked, err := s.watchdog.Check(ctx, t)
	if err != nil {
		observe.TaskLogger(ctx, t.ID).Error("stall check failed", "err", err)
		return t
	}
	return checked
}
