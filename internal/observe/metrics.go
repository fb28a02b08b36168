// Package observe provides application-wide observability primitives for
// mangavox: OpenTelemetry metrics, tracing helpers, and trace-aware
// structured logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the /metrics endpoint. Components take a *[Metrics] at
// construction; [DefaultMetrics] backs them when none is supplied. Tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all mangavox metrics.
const meterName = "github.com/MrWong99/mangavox"

// Resolution tiers reported by [Metrics.RecordResolve].
const (
	TierSession  = "session"
	TierMemory   = "memory"
	TierDefault  = "default"
	TierFallback = "fallback"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// Resolutions counts voice resolutions. Use with attribute:
	//   attribute.String("tier", ...)
	Resolutions metric.Int64Counter

	// CacheLookups counts audio cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// CacheWrites counts audio cache writes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	CacheWrites metric.Int64Counter

	// PersistErrors counts absorbed persistence failures. Use with attribute:
	//   attribute.String("target", "local"|"remote")
	PersistErrors metric.Int64Counter

	// SyncDuration tracks remote voice sync latency.
	SyncDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency on cache misses.
	TTSDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time of the serve
	// API. Recorded by [Middleware] with method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for remote
// calls and synthesis.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Resolutions, err = m.Int64Counter("mangavox.resolve.total",
		metric.WithDescription("Voice resolutions by the tier that answered."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("mangavox.audio_cache.lookups",
		metric.WithDescription("Audio cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.CacheWrites, err = m.Int64Counter("mangavox.audio_cache.writes",
		metric.WithDescription("Audio cache writes by status."),
	); err != nil {
		return nil, err
	}
	if met.PersistErrors, err = m.Int64Counter("mangavox.persist.errors",
		metric.WithDescription("Absorbed persistence failures by target."),
	); err != nil {
		return nil, err
	}

	if met.SyncDuration, err = m.Float64Histogram("mangavox.remote.sync.duration",
		metric.WithDescription("Latency of pulling remote voice assignments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("mangavox.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("mangavox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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
// fails (should not happen with the global provider).
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

// RecordResolve increments the resolution counter for tier.
func (m *Metrics) RecordResolve(ctx context.Context, tier string) {
	m.Resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordCacheLookup increments the cache lookup counter.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheWrite increments the cache write counter.
func (m *Metrics) RecordCacheWrite(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CacheWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPersistError increments the absorbed persistence failure counter.
func (m *Metrics) RecordPersistError(ctx context.Context, target string) {
	m.PersistErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}
