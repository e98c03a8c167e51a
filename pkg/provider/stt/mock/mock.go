// Package mock provides a test double for the stt.Transcriber interface.
//
//	tr := &mock.Transcriber{
//	    Result: &stt.Result{Text: "hi", Segments: []segment.Segment{{End: 1, Text: "hi"}}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/PinQiH/speech-to-text/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Ctx       context.Context
	AudioPath string
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// TranscribeFunc, if set, takes precedence over Result and Err. It is
	// called without the mock's lock held.
	TranscribeFunc func(ctx context.Context, audioPath string) (*stt.Result, error)

	// Result is returned by Transcribe. May be nil.
	Result *stt.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns Result, Err.
func (m *Transcriber) Transcribe(ctx context.Context, audioPath string) (*stt.Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, TranscribeCall{Ctx: ctx, AudioPath: audioPath})
	fn := m.TranscribeFunc
	res, err := m.Result, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, audioPath)
	}
	return res, err
}

// CallCount returns the number of Transcribe calls so far. Thread-safe.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

var _ stt.Transcriber = (*Transcriber)(nil)
