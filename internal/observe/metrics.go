// Package observe provides application-wide observability primitives for
// Sonara: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Sonara metrics.
const meterName = "github.com/sonara-ai/sonara"

// Metrics holds all OpenTelemetry metric instruments for the session engine.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks how long the model took to finish a turn, from the
	// first response chunk to finalization.
	TurnDuration metric.Float64Histogram

	// ConnectDuration tracks how long establishing the live session took,
	// including the setup handshake.
	ConnectDuration metric.Float64Histogram

	// SaveDuration tracks persistence latency per save attempt.
	SaveDuration metric.Float64Histogram

	// AnalyzeDuration tracks transcript enrichment latency.
	AnalyzeDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsFinalized counts finished turns. Use with attributes:
	//   attribute.String("role", ...), attribute.String("reason", ...)
	TurnsFinalized metric.Int64Counter

	// Reconnects counts automatic reconnect attempts. Use with attribute:
	//   attribute.String("outcome", "ok"|"failed")
	Reconnects metric.Int64Counter

	// KeepAlives counts silent keep-alive frames sent to the provider.
	KeepAlives metric.Int64Counter

	// Continuations counts automatic continuation prompts issued when the
	// model stopped mid-explanation.
	Continuations metric.Int64Counter

	// SaveRetries counts persistence retries after a failed attempt.
	SaveRetries metric.Int64Counter

	// SaveFallbacks counts turns persisted text-only after the audio upload
	// exhausted its retries.
	SaveFallbacks metric.Int64Counter

	// AudioChunks counts audio chunks crossing the wire. Use with attribute:
	//   attribute.String("direction", "in"|"out")
	AudioChunks metric.Int64Counter

	// PlaybackDropped counts model audio chunks discarded because the
	// playback queue was full.
	PlaybackDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live tutoring sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime-voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("sonara.turn.duration",
		metric.WithDescription("Model turn time from first response chunk to finalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("sonara.connect.duration",
		metric.WithDescription("Live session establishment time including the setup handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SaveDuration, err = m.Float64Histogram("sonara.save.duration",
		metric.WithDescription("Persistence latency per save attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalyzeDuration, err = m.Float64Histogram("sonara.analyze.duration",
		metric.WithDescription("Transcript enrichment latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsFinalized, err = m.Int64Counter("sonara.turns.finalized",
		metric.WithDescription("Total finished turns by role and finalization reason."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("sonara.reconnects",
		metric.WithDescription("Total automatic reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.KeepAlives, err = m.Int64Counter("sonara.keepalives",
		metric.WithDescription("Total silent keep-alive frames sent to the provider."),
	); err != nil {
		return nil, err
	}
	if met.Continuations, err = m.Int64Counter("sonara.continuations",
		metric.WithDescription("Total automatic continuation prompts issued."),
	); err != nil {
		return nil, err
	}
	if met.SaveRetries, err = m.Int64Counter("sonara.save.retries",
		metric.WithDescription("Total persistence retries after a failed attempt."),
	); err != nil {
		return nil, err
	}
	if met.SaveFallbacks, err = m.Int64Counter("sonara.save.fallbacks",
		metric.WithDescription("Total turns persisted text-only after audio upload failed."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("sonara.audio.chunks",
		metric.WithDescription("Total audio chunks sent to and received from the provider, by direction."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDropped, err = m.Int64Counter("sonara.playback.dropped",
		metric.WithDescription("Total model audio chunks dropped due to a full playback queue."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sonara.active_sessions",
		metric.WithDescription("Number of live tutoring sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sonara.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurnFinalized records a finished turn with the standard attribute set.
func (m *Metrics) RecordTurnFinalized(ctx context.Context, role, reason string) {
	m.TurnsFinalized.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("reason", reason),
		),
	)
}

// RecordReconnect records one reconnect attempt and its outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordAudioChunk counts one audio chunk crossing the wire in the given
// direction ("in" for model audio, "out" for microphone frames).
func (m *Metrics) RecordAudioChunk(ctx context.Context, direction string) {
	m.AudioChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordSaveAttempt records one persistence attempt's latency and status.
func (m *Metrics) RecordSaveAttempt(ctx context.Context, seconds float64, status string) {
	m.SaveDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
