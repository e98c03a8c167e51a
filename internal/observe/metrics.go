// Package observe provides the service's observability primitives:
// OpenTelemetry metrics exported for Prometheus scraping, tracing, a
// trace-aware logger and the HTTP middleware that ties them together.
//
// A package-level [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/PinQiH/speech-to-text"

// Outcome labels used with [Metrics.RecordStage] and [Metrics.RecordRun].
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeFallback = "fallback"
	OutcomeStale    = "stale"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// StageDuration tracks the wall time of one pipeline stage. Attributes:
	//   attribute.String("stage", ...), attribute.String("outcome", ...)
	StageDuration metric.Float64Histogram

	// TranscribeLockWait tracks how long a pipeline waited for the
	// single-slot transcription lock.
	TranscribeLockWait metric.Float64Histogram

	// PipelineRuns counts finished pipeline runs by final outcome:
	//   attribute.String("outcome", "completed"|"failed"|"stale")
	PipelineRuns metric.Int64Counter

	// TasksSubmitted counts accepted submissions and retries:
	//   attribute.String("kind", "submit"|"retry")
	TasksSubmitted metric.Int64Counter

	// WatchdogTimeouts counts tasks demoted to timeout, by the status they
	// were stuck in.
	WatchdogTimeouts metric.Int64Counter

	// ProviderRequests counts provider calls. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// ActivePipelines is the number of pipelines currently running.
	ActivePipelines metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time by method,
	// route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets are histogram boundaries in seconds. Transcription of a long
// recording runs for minutes, so the range is much wider than typical
// request latencies.
var stageBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200,
}

var httpBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("speech.pipeline.stage.duration",
		metric.WithDescription("Duration of a pipeline stage by stage and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeLockWait, err = m.Float64Histogram("speech.pipeline.transcribe_lock.wait",
		metric.WithDescription("Time spent waiting for the transcription lock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineRuns, err = m.Int64Counter("speech.pipeline.runs",
		metric.WithDescription("Finished pipeline runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TasksSubmitted, err = m.Int64Counter("speech.tasks.submitted",
		metric.WithDescription("Accepted submissions and retries."),
	); err != nil {
		return nil, err
	}
	if met.WatchdogTimeouts, err = m.Int64Counter("speech.watchdog.timeouts",
		metric.WithDescription("Tasks demoted to timeout by the status they were stuck in."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("speech.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("speech.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ActivePipelines, err = m.Int64UpDownCounter("speech.pipeline.active",
		metric.WithDescription("Number of pipelines currently running."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("speech.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records one stage duration.
func (m *Metrics) RecordStage(ctx context.Context, stage, outcome string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("stage", stage), Attr("outcome", outcome)),
	)
}

// RecordRun counts a finished pipeline run.
func (m *Metrics) RecordRun(ctx context.Context, outcome string) {
	m.PipelineRuns.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordSubmission counts an accepted submission or retry.
func (m *Metrics) RecordSubmission(ctx context.Context, kind string) {
	m.TasksSubmitted.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordTimeout counts a watchdog demotion from status.
func (m *Metrics) RecordTimeout(ctx context.Context, status string) {
	m.WatchdogTimeouts.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordProviderRequest counts a provider call with the standard attributes.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind), Attr("status", status)),
	)
}

// RecordProviderError counts a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)),
	)
}
