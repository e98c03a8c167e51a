// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// A Transcriber turns one stored audio file into timestamped text segments.
// Transcription is a batch operation that may take minutes for long
// recordings; local backends (whisper.cpp) are CPU/GPU bound, so callers are
// expected to bound how many run at once.
//
// Implementations must be safe for concurrent use, but nothing requires them
// to run calls in parallel internally.
package stt

import (
	"context"

	"github.com/PinQiH/speech-to-text/pkg/segment"
)

// Result is the output of a single transcription.
type Result struct {
	// Text is the full transcript as plain text.
	Text string

	// Language is the language the backend transcribed in. May be empty when
	// the backend does not report it.
	Language string

	// Segments are the timestamped spans in chronological order. Speaker is
	// always empty; attribution happens later.
	Segments []segment.Segment
}

// Transcriber is the abstraction over any batch STT backend.
type Transcriber interface {
	// Transcribe reads the audio file at audioPath and returns its
	// transcript. The file may be in any container ffmpeg can read.
	// Returns an error if decoding or recognition fails, or if ctx is
	// cancelled.
	Transcribe(ctx context.Context, audioPath string) (*Result, error)
}

// TranscriberFunc adapts a plain function to [Transcriber].
type TranscriberFunc func(ctx context.Context, audioPath string) (*Result, error)

// Transcribe implements [Transcriber].
func (f TranscriberFunc) Transcribe(ctx context.Context, audioPath string) (*Result, error) {
	return f(ctx, audioPath)
}
