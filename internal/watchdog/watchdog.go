// Package watchdog demotes tasks that have been stuck in an in-flight stage
// for too long to the timeout status.
//
// The watchdog does not stop the stalled call. A late result is rejected by
// the pipeline's guarded writes, since the task is no longer in the status
// the run left it in.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/PinQiH/speech-to-text/internal/events"
	"github.com/PinQiH/speech-to-text/internal/observe"
	"github.com/PinQiH/speech-to-text/internal/task"
)

const (
	// DefaultTimeout is how long a task may sit in one in-flight status.
	DefaultTimeout = 10 * time.Minute

	// DefaultInterval is the sweep period of [Watchdog.Run].
	DefaultInterval = time.Minute

	sweepPageSize = 100
)

// Option configures a [Watchdog].
type Option func(*Watchdog)

// WithTimeout sets the stall threshold. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.timeout.Store(int64(d))
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// WithEvents publishes a timeout event for every demoted task.
func WithEvents(p events.Publisher) Option {
	return func(w *Watchdog) { w.events = p }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Watchdog) { w.metrics = m }
}

// Watchdog checks tasks against the stall threshold. It is safe for
// concurrent use.
type Watchdog struct {
	store   task.Store
	timeout atomic.Int64
	now     func() time.Time
	events  events.Publisher
	metrics *observe.Metrics
}

// New creates a Watchdog over store.
func New(store task.Store, opts ...Option) *Watchdog {
	w := &Watchdog{
		store:   store,
		now:     time.Now,
		events:  events.Discard,
		metrics: observe.DefaultMetrics(),
	}
	w.timeout.Store(int64(DefaultTimeout))
	for _, o := range opts {
		o(w)
	}
	return w
}

// Timeout returns the current stall threshold.
func (w *Watchdog) Timeout() time.Duration { return time.Duration(w.timeout.Load()) }

// SetTimeout changes the stall threshold. Non-positive values are ignored.
func (w *Watchdog) SetTimeout(d time.Duration) {
	if d > 0 {
		w.timeout.Store(int64(d))
	}
}

// Expired reports whether t is in flight and has not been written for longer
// than the stall threshold.
func (w *Watchdog) Expired(t *task.Task) bool {
	return task.CanTimeout(t.Status) && w.now().Sub(t.UpdatedAt) > w.Timeout()
}

// Check demotes t to timeout if it has expired and returns the task as it
// is now. A task that is not expired is returned unchanged. If the task moved
// on between the read and the write, the fresh copy is returned instead.
func (w *Watchdog) Check(ctx context.Context, t *task.Task) (*task.Task, error) {
	if !w.Expired(t) {
		return t, nil
	}

	stuckIn := t.Status
	updated, err := w.store.Update(ctx, t.ID, task.Guard(stuckIn, t.Attempt, func(cur *task.Task) error {
		cur.Status = task.StatusTimeout
		return nil
	}))
	switch {
	case err == nil:
	case errors.Is(err, task.ErrStale):
		fresh, gerr := w.store.Get(ctx, t.ID)
		if gerr != nil {
			return nil, fmt.Errorf("watchdog: reload %s: %w", t.ID, gerr)
		}
		return fresh, nil
	default:
		return nil, fmt.Errorf("watchdog: time out %s: %w", t.ID, err)
	}

	observe.TaskLogger(ctx, t.ID).Warn("task timed out",
		"stuck_in", stuckIn,
		"attempt", t.Attempt,
		"idle", w.now().Sub(t.UpdatedAt).Round(time.Second))
	w.metrics.RecordTimeout(ctx, string(stuckIn))
	w.events.Publish(events.Event{
		TaskID:  updated.ID,
		Status:  task.StatusTimeout,
		Attempt: updated.Attempt,
		Message: fmt.Sprintf("no progress while %s", stuckIn),
	})
	return updated, nil
}

// Sweep checks every in-flight task and returns how many were timed out.
// Errors on individual tasks are collected and do not stop the sweep.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	var (
		demoted int
		errs    []error
		skip    int
	)
	for {
		page, err := w.store.List(ctx, task.ListQuery{
			IncludeOthers: true,
			Statuses:      task.InFlightStatuses,
			Skip:          skip,
			Limit:         sweepPageSize,
		})
		if err != nil {
			return demoted, fmt.Errorf("watchdog: list: %w", err)
		}

		left := 0
		for _, t := range page {
			if ctx.Err() != nil {
				return demoted, errors.Join(append(errs, ctx.Err())...)
			}
			got, err := w.Check(ctx, t)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if got.Status == task.StatusTimeout && t.Status != task.StatusTimeout {
				demoted++
			}
			if !got.Status.IsInFlight() {
				left++
			}
		}

		if len(page) < sweepPageSize {
			return demoted, errors.Join(errs...)
		}
		// Tasks that were timed out or moved on drop out of the status filter.
		skip += len(page) - left
	}
}

// Run sweeps every interval until ctx is done. A non-positive interval
// selects [DefaultInterval].
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				observe.Logger(ctx).Error("watchdog sweep failed", "err", err)
			}
			if n > 0 {
				observe.Logger(ctx).Info("watchdog sweep", "timed_out", n)
			}
		}
	}
}
