// Package mock provides a test double for the diarize.Diarizer interface.
package mock

import (
	"context"
	"sync"

	"github.com/PinQiH/speech-to-text/pkg/provider/diarize"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

// DiarizeCall records a single invocation of Diarize.
type DiarizeCall struct {
	AudioPath string
	Opts      diarize.Options
}

// Diarizer is a mock implementation of diarize.Diarizer.
type Diarizer struct {
	mu sync.Mutex

	// Turns is returned by Diarize.
	Turns []segment.Turn

	// Err, if non-nil, is returned as the error from Diarize.
	Err error

	// Calls records every invocation of Diarize in order.
	Calls []DiarizeCall
}

// Diarize records the call and returns Turns, Err.
func (m *Diarizer) Diarize(_ context.Context, audioPath string, opts diarize.Options) ([]segment.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, DiarizeCall{AudioPath: audioPath, Opts: opts})
	return m.Turns, m.Err
}

// CallCount returns the number of Diarize calls so far. Thread-safe.
func (m *Diarizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

var _ diarize.Diarizer = (*Diarizer)(nil)
