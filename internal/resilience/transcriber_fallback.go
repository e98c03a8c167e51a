package resilience

import (
	"context"

	"github.com/PinQiH/speech-to-text/pkg/provider/stt"
)

// TranscriberFallback implements [stt.Transcriber] with failover, typically
// from the in-process whisper model to a whisper-server instance.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe runs the first healthy backend on audioPath.
func (f *TranscriberFallback) Transcribe(ctx context.Context, audioPath string) (*stt.Result, error) {
	return ExecuteWithResult(ctx, f.group, func(t stt.Transcriber) (*stt.Result, error) {
		return t.Transcribe(ctx, audioPath)
	})
}
