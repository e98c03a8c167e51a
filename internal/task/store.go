package task

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no task has the requested ID.
	ErrNotFound = errors.New("task: not found")

	// ErrAlreadyExists is returned by Create for a duplicate ID.
	ErrAlreadyExists = errors.New("task: already exists")

	// ErrConflict is returned by Update when concurrent writers kept winning
	// the optimistic race.
	ErrConflict = errors.New("task: concurrent update conflict")

	// ErrStale is returned by a guarded mutator when the task is no longer in
	// the status or attempt the writer expected.
	ErrStale = errors.New("task: stale write")
)

// DefaultListLimit is applied when a query does not set Limit.
const DefaultListLimit = 100

// ListQuery filters and paginates [Store.List].
type ListQuery struct {
	// OwnerID restricts results to one owner unless IncludeOthers is set.
	OwnerID       string
	IncludeOthers bool

	// Statuses, when non-empty, restricts results to these statuses.
	Statuses []Status

	Skip  int
	Limit int
}

// Normalized returns q with defaults applied.
func (q ListQuery) Normalized() ListQuery {
	if q.Skip < 0 {
		q.Skip = 0
	}
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	return q
}

// Mutator edits a task in place. Returning an error aborts the write and the
// error is passed back to the caller of [Store.Update].
type Mutator func(t *Task) error

// Store is durable keyed storage for tasks. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create inserts t. The store assigns CreatedAt, UpdatedAt and Version.
	Create(ctx context.Context, t *Task) error

	// Get returns a copy of the task, or [ErrNotFound].
	Get(ctx context.Context, id string) (*Task, error)

	// List returns tasks matching q ordered by CreatedAt, newest first.
	List(ctx context.Context, q ListQuery) ([]*Task, error)

	// Update reads the task, applies fn to a copy and writes it back only if
	// no other write happened in between, retrying a bounded number of times.
	// The store stamps UpdatedAt and bumps Version. fn may run more than once
	// and must not block.
	Update(ctx context.Context, id string, fn Mutator) (*Task, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Guard returns a Mutator that fails with [ErrStale] unless the task is in
// status want for the given attempt, and otherwise applies fn.
func Guard(want Status, attempt int, fn Mutator) Mutator {
	return func(t *Task) error {
		if t.Status != want || t.Attempt != attempt {
			return fmt.Errorf("%w: expected %s/attempt %d, found %s/attempt %d",
				ErrStale, want, attempt, t.Status, t.Attempt)
		}
		return fn(t)
	}
}
