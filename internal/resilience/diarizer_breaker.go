package resilience

import (
	"context"

	"github.com/PinQiH/speech-to-text/pkg/provider/diarize"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

// BreakerDiarizer guards a single [diarize.Diarizer] with a circuit breaker.
// There is no second diarization backend to fail over to; the point is to
// stop sending hour-long uploads to a sidecar that keeps failing.
type BreakerDiarizer struct {
	name    string
	inner   diarize.Diarizer
	breaker *CircuitBreaker
	observe Observer
}

var _ diarize.Diarizer = (*BreakerDiarizer)(nil)

// NewBreakerDiarizer wraps inner.
func NewBreakerDiarizer(inner diarize.Diarizer, name string, cfg FallbackConfig) *BreakerDiarizer {
	cbCfg := cfg.CircuitBreaker
	cbCfg.Name = name
	return &BreakerDiarizer{
		name:    name,
		inner:   inner,
		breaker: NewCircuitBreaker(cbCfg),
		observe: cfg.Observe,
	}
}

// Diarize forwards to the wrapped diarizer unless the breaker is open.
func (d *BreakerDiarizer) Diarize(ctx context.Context, audioPath string, opts diarize.Options) ([]segment.Turn, error) {
	var turns []segment.Turn
	err := d.breaker.Execute(func() error {
		var innerErr error
		turns, innerErr = d.inner.Diarize(ctx, audioPath, opts)
		return innerErr
	})
	if d.observe != nil {
		d.observe(ctx, d.name, err)
	}
	return turns, err
}

// State exposes the breaker state for readiness reporting.
func (d *BreakerDiarizer) State() State { return d.breaker.State() }
