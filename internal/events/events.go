// Package events fans task status changes out to interested listeners and
// keeps a short sequenced history so a late subscriber can catch up.
package events

import (
	"sync"
	"time"

	"github.com/PinQiH/speech-to-text/internal/task"
)

const (
	defaultHistory    = 500
	subscriberBacklog = 16
)

// Event is one status change of one task.
type Event struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	TaskID    string      `json:"task_id"`
	Status    task.Status `json:"status"`
	Attempt   int         `json:"attempt"`
	Message   string      `json:"message,omitempty"`
}

// Publisher is the write side of a [Bus].
type Publisher interface {
	Publish(e Event) Event
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(e Event) Event { return e }

type subscriber struct {
	taskID string
	ch     chan Event
}

// Bus is an in-memory event hub. All methods are safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[*subscriber]struct{}
	now       func() time.Time
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus remembering up to maxEvents events. A non-positive
// value selects the default of 500.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = defaultHistory
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[*subscriber]struct{}),
		now:       time.Now,
	}
}

// Publish assigns the next sequence number and a timestamp, records the event
// and delivers it to matching subscribers. A subscriber whose buffer is full
// misses the event; it can recover with [Bus.Since].
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	e.Seq = b.nextSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	b.events = append(b.events, e)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for s := range b.subs {
		if s.taskID != "" && s.taskID != e.TaskID {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
	return e
}

// Subscribe registers a listener for events of taskID, or of every task when
// taskID is empty. The channel is closed by cancel, which is idempotent.
func (b *Bus) Subscribe(taskID string) (<-chan Event, func()) {
	s := &subscriber{taskID: taskID, ch: make(chan Event, subscriberBacklog)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Since returns retained events with a sequence strictly greater than seq,
// restricted to taskID unless it is empty.
func (b *Bus) Since(seq int64, taskID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.events {
		if e.Seq <= seq {
			continue
		}
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		out = append(out, e)
	}
	return out
}
