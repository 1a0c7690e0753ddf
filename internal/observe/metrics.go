// Package observe provides application-wide observability primitives for
// wallbounce: OpenTelemetry metrics, distributed tracing, structured logging
// helpers, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all wallbounce
// metrics.
const meterName = "github.com/wallbounce/wallbounce"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// DispatchDuration tracks whole-dispatch latency. Attributes:
	//   attribute.String("mode", ...), attribute.String("task", ...)
	DispatchDuration metric.Float64Histogram

	// AdapterDuration tracks single provider invocation latency. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	AdapterDuration metric.Float64Histogram

	// ConsensusConfidence tracks the combined confidence of returned
	// consensus results. Attribute: attribute.String("quality", ...)
	ConsensusConfidence metric.Float64Histogram

	// ProviderRequests counts provider invocations. Attributes:
	//   provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider invocations. Attributes:
	//   provider, reason.
	ProviderErrors metric.Int64Counter

	// Approvals counts approval request outcomes. Attributes: risk, state.
	Approvals metric.Int64Counter

	// EventDrops counts events shed by the bus for lagging subscribers.
	EventDrops metric.Int64Counter

	// ActiveAnalyses tracks the number of in-flight analyses.
	ActiveAnalyses metric.Int64UpDownCounter

	// ActiveSessions tracks the number of cached sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM dispatch latencies: anything from a sub-second cache hit to a
// multi-provider critical chain.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 90,
}

// confidenceBuckets covers the [0,1] confidence range.
var confidenceBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.DispatchDuration, err = m.Float64Histogram("wallbounce.dispatch.duration",
		metric.WithDescription("Whole-dispatch latency by mode and task type."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AdapterDuration, err = m.Float64Histogram("wallbounce.adapter.duration",
		metric.WithDescription("Single provider invocation latency by provider and kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConsensusConfidence, err = m.Float64Histogram("wallbounce.consensus.confidence",
		metric.WithDescription("Combined confidence of returned consensus results by quality tier."),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("wallbounce.provider.requests",
		metric.WithDescription("Total provider invocations by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("wallbounce.provider.errors",
		metric.WithDescription("Total failed provider invocations by provider and reason."),
	); err != nil {
		return nil, err
	}
	if met.Approvals, err = m.Int64Counter("wallbounce.approvals",
		metric.WithDescription("Total approval request outcomes by risk and state."),
	); err != nil {
		return nil, err
	}
	if met.EventDrops, err = m.Int64Counter("wallbounce.eventbus.drops",
		metric.WithDescription("Total events shed by the bus for lagging subscribers."),
	); err != nil {
		return nil, err
	}

	if met.ActiveAnalyses, err = m.Int64UpDownCounter("wallbounce.active_analyses",
		metric.WithDescription("Number of in-flight analyses."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("wallbounce.active_sessions",
		metric.WithDescription("Number of cached sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("wallbounce.http.request.duration",
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

// RecordDispatch records one whole-dispatch duration.
func (m *Metrics) RecordDispatch(ctx context.Context, mode, task string, seconds float64) {
	m.DispatchDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("task", task),
		),
	)
}

// RecordAdapter records one provider invocation: its latency and the
// request/error counters.
func (m *Metrics) RecordAdapter(ctx context.Context, provider, kind string, seconds float64, errReason string) {
	m.AdapterDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
	status := "ok"
	if errReason != "" {
		status = "error"
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	if errReason != "" {
		m.ProviderErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("reason", errReason),
			),
		)
	}
}

// RecordConsensus records the combined confidence of a returned result.
func (m *Metrics) RecordConsensus(ctx context.Context, confidence float64, quality string) {
	m.ConsensusConfidence.Record(ctx, confidence,
		metric.WithAttributes(attribute.String("quality", quality)),
	)
}

// RecordApproval records one approval outcome.
func (m *Metrics) RecordApproval(ctx context.Context, risk, state string) {
	m.Approvals.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("risk", risk),
			attribute.String("state", state),
		),
	)
}
