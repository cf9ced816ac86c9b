// Package observe provides application-wide observability primitives for
// Parlance: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parlance metrics.
const meterName = "github.com/parlancehq/parlance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation. A nil *Metrics is valid: every convenience
// method no-ops, so components can carry metrics optionally.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks utterance length as reported by transcription.
	STTDuration metric.Float64Histogram

	// GenerationDuration tracks response generation latency.
	GenerationDuration metric.Float64Histogram

	// SynthesisDuration tracks speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// Transcripts counts final transcripts by session mode.
	Transcripts metric.Int64Counter

	// Generations counts generation calls. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	Generations metric.Int64Counter

	// Suggestions counts coaching suggestions surfaced to clients.
	Suggestions metric.Int64Counter

	// BattleCards counts battle-card triggers.
	BattleCards metric.Int64Counter

	// ProviderErrors counts provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live practice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks open gateway WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.STTDuration, err = m.Float64Histogram("parlance.stt.duration",
		metric.WithDescription("Utterance duration reported by transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("parlance.generation.duration",
		metric.WithDescription("Latency of response generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("parlance.synthesis.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Transcripts, err = m.Int64Counter("parlance.transcripts",
		metric.WithDescription("Total final transcripts by session mode."),
	); err != nil {
		return nil, err
	}
	if met.Generations, err = m.Int64Counter("parlance.generations",
		metric.WithDescription("Total generation calls by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.Suggestions, err = m.Int64Counter("parlance.suggestions",
		metric.WithDescription("Total coaching suggestions surfaced."),
	); err != nil {
		return nil, err
	}
	if met.BattleCards, err = m.Int64Counter("parlance.battle_cards",
		metric.WithDescription("Total battle-card triggers."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parlance.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parlance.active_sessions",
		metric.WithDescription("Number of live practice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("parlance.active_connections",
		metric.WithDescription("Number of open gateway connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parlance.http.request.duration",
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

// RecordTranscript records one final transcript with its utterance duration.
func (m *Metrics) RecordTranscript(ctx context.Context, mode string, utterance time.Duration) {
	if m == nil {
		return
	}
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	if utterance > 0 {
		m.STTDuration.Record(ctx, utterance.Seconds())
	}
}

// RecordGeneration records one generation call with its latency and outcome.
func (m *Metrics) RecordGeneration(ctx context.Context, mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Generations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	))
	m.GenerationDuration.Record(ctx, d.Seconds())
}

// RecordSuggestions records coaching suggestions surfaced to a client.
func (m *Metrics) RecordSuggestions(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Suggestions.Add(ctx, int64(n))
}

// RecordBattleCard records one battle-card trigger.
func (m *Metrics) RecordBattleCard(ctx context.Context, title string) {
	if m == nil {
		return
	}
	m.BattleCards.Add(ctx, 1, metric.WithAttributes(attribute.String("card", title)))
}

// RecordProviderError records a provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// SessionStarted increments the active-session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the active-session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

// ConnectionOpened increments the active-connection gauge.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, 1)
}

// ConnectionClosed decrements the active-connection gauge.
func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, -1)
}

// RecordSynthesis records one synthesis pass latency.
func (m *Metrics) RecordSynthesis(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisDuration.Record(ctx, d.Seconds())
}
