// Package diarize defines the Diarizer interface for speaker diarization
// backends.
//
// A Diarizer answers "who spoke when" for an audio file. Its output is a flat
// list of [segment.Turn] values that the pipeline merges onto transcript
// segments by temporal overlap. Diarization is network-bound (a sidecar or a
// hosted API), so unlike transcription it is not serialised.
package diarize

import (
	"context"
	"errors"

	"github.com/PinQiH/speech-to-text/pkg/segment"
)

// ErrNoToken is returned when a backend that requires a credential is called
// without one.
var ErrNoToken = errors.New("diarize: no access token")

// Options carries the per-request parameters of a diarization call.
type Options struct {
	// Token is the caller-supplied credential (e.g. a Hugging Face token for
	// pyannote models). Backends may fall back to a configured token when
	// it is empty.
	Token string

	// NumSpeakers is an optional hint. Zero lets the backend decide.
	NumSpeakers int
}

// Diarizer is the abstraction over any diarization backend.
type Diarizer interface {
	// Diarize returns the speaker turns of the audio file at audioPath in
	// the order the backend produced them.
	Diarize(ctx context.Context, audioPath string, opts Options) ([]segment.Turn, error)
}

// DiarizerFunc adapts a plain function to [Diarizer].
type DiarizerFunc func(ctx context.Context, audioPath string, opts Options) ([]segment.Turn, error)

// Diarize implements [Diarizer].
func (f DiarizerFunc) Diarize(ctx context.Context, audioPath string, opts Options) ([]segment.Turn, error) {
	return f(ctx, audioPath, opts)
}
