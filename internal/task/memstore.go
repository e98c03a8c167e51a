package task

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemStore is an in-memory [Store]. It is the default backend for
// single-process deployments and for tests; contents do not survive a
// restart.
type MemStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	now   func() time.Time
}

var _ Store = (*MemStore)(nil)

// MemOption configures a [MemStore].
type MemOption func(*MemStore)

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) MemOption {
	return func(s *MemStore) { s.now = now }
}

// NewMemStore returns an empty MemStore.
func NewMemStore(opts ...MemOption) *MemStore {
	s := &MemStore{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create implements [Store].
func (s *MemStore) Create(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, t.ID)
	}
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	t.Version = 1
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, q ListQuery) ([]*Task, error) {
	q = q.Normalized()

	s.mu.Lock()
	matched := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !q.IncludeOthers && t.OwnerID != q.OwnerID {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, t.Status) {
			continue
		}
		matched = append(matched, t.Clone())
	}
	s.mu.Unlock()

	slices.SortFunc(matched, func(a, b *Task) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if q.Skip >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[q.Skip:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// Update implements [Store]. fn runs under the store lock, so no retry is
// ever needed.
func (s *MemStore) Update(_ context.Context, id string, fn Mutator) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	// Identity and bookkeeping fields are owned by the store.
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	if next.UpdatedAt.Before(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt
	}
	s.tasks[id] = next
	return next.Clone(), nil
}

// Ping implements [Store]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Len returns the number of stored tasks.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
