// Package observe provides observability primitives for Mnemosyne:
// OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Mnemosyne metrics.
const meterName = "github.com/fennwald/mnemosyne"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the fast-path latency of a turn: the time between
	// accepting player input and returning the narrator reply.
	TurnDuration metric.Float64Histogram

	// AssemblyDuration tracks full context assembly latency.
	AssemblyDuration metric.Float64Histogram

	// ExtractionDuration tracks fact extraction latency, including the LLM call.
	ExtractionDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts processed turns. Use with attribute:
	//   attribute.String("path", "fast"|"background")
	Turns metric.Int64Counter

	// Extractions counts fact extraction runs. Use with attribute:
	//   attribute.String("status", "ok"|"empty"|"error")
	Extractions metric.Int64Counter

	// Contradictions counts detected contradictions. Use with attribute:
	//   attribute.String("severity", ...)
	Contradictions metric.Int64Counter

	// PersistenceErrors counts failed durable-storage writes.
	PersistenceErrors metric.Int64Counter

	// DroppedJobs counts background jobs dropped because the queue was full.
	DroppedJobs metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM round-trip latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("mnemosyne.turn.duration",
		metric.WithDescription("Fast-path latency of a turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AssemblyDuration, err = m.Float64Histogram("mnemosyne.assembly.duration",
		metric.WithDescription("Full context assembly latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractionDuration, err = m.Float64Histogram("mnemosyne.extraction.duration",
		metric.WithDescription("Fact extraction latency, including the LLM call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("mnemosyne.turns",
		metric.WithDescription("Total processed turns by path."),
	); err != nil {
		return nil, err
	}
	if met.Extractions, err = m.Int64Counter("mnemosyne.extractions",
		metric.WithDescription("Total fact extraction runs by status."),
	); err != nil {
		return nil, err
	}
	if met.Contradictions, err = m.Int64Counter("mnemosyne.contradictions",
		metric.WithDescription("Total detected contradictions by severity."),
	); err != nil {
		return nil, err
	}
	if met.PersistenceErrors, err = m.Int64Counter("mnemosyne.persistence.errors",
		metric.WithDescription("Total failed durable-storage writes."),
	); err != nil {
		return nil, err
	}
	if met.DroppedJobs, err = m.Int64Counter("mnemosyne.background.dropped",
		metric.WithDescription("Background jobs dropped because the queue was full."),
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

// RecordTurn records a turn counter increment for the given path.
func (m *Metrics) RecordTurn(ctx context.Context, path string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordExtraction records a fact extraction run with the given status.
func (m *Metrics) RecordExtraction(ctx context.Context, status string) {
	m.Extractions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordContradiction records a detected contradiction by severity.
func (m *Metrics) RecordContradiction(ctx context.Context, severity string) {
	m.Contradictions.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}
