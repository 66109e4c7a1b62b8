// Package observe provides application-wide observability primitives for
// reverb: OpenTelemetry metrics, tracing, structured logging helpers, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all reverb metrics.
const meterName = "github.com/jinwktk/reverb"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// ReplayDuration tracks end-to-end replay generation latency.
	ReplayDuration metric.Float64Histogram

	// ExtractDuration tracks buffer range-extraction latency.
	ExtractDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// IngestedChunks counts ingestion outcomes. Use with attribute:
	//   attribute.String("status", "accepted"|"duplicate"|"rejected")
	IngestedChunks metric.Int64Counter

	// Evictions counts relay buffer evictions. Use with attribute:
	//   attribute.String("scope", "user"|"guild"|"global"|"expired")
	Evictions metric.Int64Counter

	// ReplayRequests counts replay requests. Use with attribute:
	//   attribute.String("outcome", "generated"|"cached"|"coalesced"|"empty"|"error")
	ReplayRequests metric.Int64Counter

	// Recoveries counts capture recovery attempts. Use with attributes:
	//   attribute.String("kind", "soft"|"hard"), attribute.String("outcome", "ok"|"failed")
	Recoveries metric.Int64Counter

	// Checkpoints counts capture checkpoint cycles by guild outcome. Use with
	// attribute: attribute.String("status", "audio"|"empty"|"error")
	Checkpoints metric.Int64Counter

	// --- Gauges ---

	// ContinuousBytes tracks bytes held by the continuous buffer store.
	ContinuousBytes metric.Int64UpDownCounter

	// RelayBytes tracks bytes held by the relay buffer.
	RelayBytes metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live capture sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for buffer-extraction and replay-generation latencies.
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
	if met.ReplayDuration, err = m.Float64Histogram("reverb.replay.duration",
		metric.WithDescription("End-to-end latency of replay generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractDuration, err = m.Float64Histogram("reverb.extract.duration",
		metric.WithDescription("Latency of buffer range extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("reverb.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.IngestedChunks, err = m.Int64Counter("reverb.ingest.chunks",
		metric.WithDescription("Total ingested audio chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.Evictions, err = m.Int64Counter("reverb.relay.evictions",
		metric.WithDescription("Total relay buffer evictions by scope."),
	); err != nil {
		return nil, err
	}
	if met.ReplayRequests, err = m.Int64Counter("reverb.replay.requests",
		metric.WithDescription("Total replay requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Recoveries, err = m.Int64Counter("reverb.capture.recoveries",
		metric.WithDescription("Total capture recovery attempts by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Checkpoints, err = m.Int64Counter("reverb.capture.checkpoints",
		metric.WithDescription("Total capture checkpoint cycles by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ContinuousBytes, err = m.Int64UpDownCounter("reverb.buffer.continuous.bytes",
		metric.WithDescription("Bytes held by the continuous buffer store."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.RelayBytes, err = m.Int64UpDownCounter("reverb.buffer.relay.bytes",
		metric.WithDescription("Bytes held by the relay buffer."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("reverb.capture.active_sessions",
		metric.WithDescription("Number of live capture sessions."),
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

// RecordIngest records an ingestion outcome.
func (m *Metrics) RecordIngest(ctx context.Context, status string) {
	m.IngestedChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordEviction records n evicted relay entries for the given scope.
func (m *Metrics) RecordEviction(ctx context.Context, scope string, n int64) {
	m.Evictions.Add(ctx, n,
		metric.WithAttributes(attribute.String("scope", scope)),
	)
}

// RecordReplayRequest records a replay request outcome.
func (m *Metrics) RecordReplayRequest(ctx context.Context, outcome string) {
	m.ReplayRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordRecovery records a capture recovery attempt.
func (m *Metrics) RecordRecovery(ctx context.Context, kind, outcome string) {
	m.Recoveries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordCheckpoint records one checkpoint cycle outcome.
func (m *Metrics) RecordCheckpoint(ctx context.Context, status string) {
	m.Checkpoints.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
