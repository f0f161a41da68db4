package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OutcomeOK marks a successful engine invocation; failures use the error kind.
const OutcomeOK = "ok"

// UnknownLabel stands in for request values that failed validation, keeping
// metric cardinality bounded.
const UnknownLabel = "unknown"

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	engineInvocations     metric.Int64Counter
	engineTimeouts        metric.Int64Counter
	engineLatency         metric.Float64Histogram
	conversionQueryCounts metric.Int64Histogram
)

// EngineInvocation captures the fields needed to record one engine process run.
type EngineInvocation struct {
	Version   string
	Operation string
	Target    string
	Outcome   string
	Duration  time.Duration
}

// RecordEngineInvocation emits counters and histograms that describe engine
// invocation behaviour.
func RecordEngineInvocation(ctx context.Context, inv EngineInvocation) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := inv.Outcome
	if outcome == "" {
		outcome = OutcomeOK
	}

	attrs := []attribute.KeyValue{
		attribute.String("engine.version", inv.Version),
		attribute.String("engine.operation", inv.Operation),
		attribute.String("engine.outcome", outcome),
	}
	if inv.Target != "" {
		attrs = append(attrs, attribute.String("conversion.target", inv.Target))
	}

	engineInvocations.Add(ctx, 1, metric.WithAttributes(attrs...))

	if inv.Duration > 0 {
		engineLatency.Record(ctx, float64(inv.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if outcome == "EngineTimeout" {
		engineTimeouts.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordQueryCount records how many queries a successful conversion produced.
func RecordQueryCount(ctx context.Context, version, target string, count int) {
	if err := ensureMetrics(); err != nil {
		return
	}
	conversionQueryCounts.Record(ctx, int64(count), metric.WithAttributes(
		attribute.String("engine.version", version),
		attribute.String("conversion.target", target),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("convertd.engine")

		engineInvocations, metricsInitErr = meter.Int64Counter(
			"convertd.engine.invocations_total",
			metric.WithDescription("Engine process invocations partitioned by operation and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		engineTimeouts, metricsInitErr = meter.Int64Counter(
			"convertd.engine.timeouts_total",
			metric.WithDescription("Engine invocations killed after exceeding their deadline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		engineLatency, metricsInitErr = meter.Float64Histogram(
			"convertd.engine.duration_ms",
			metric.WithDescription("Observed engine invocation latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		conversionQueryCounts, metricsInitErr = meter.Int64Histogram(
			"convertd.conversion.queries",
			metric.WithDescription("Queries produced per successful conversion"),
			metric.WithUnit("{query}"),
		)
	})

	return metricsInitErr
}

// RecordConversionEvent attaches a coarse-grained conversion outcome to the
// span. Rule and pipeline bodies are never recorded.
func RecordConversionEvent(span trace.Span, queries int, errorKind string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("conversion.queries.count", queries),
		attribute.Bool("conversion.failed", errorKind != ""),
	}
	if errorKind != "" {
		attrs = append(attrs, attribute.String("conversion.error_kind", errorKind))
	}

	span.AddEvent("conversion.result", trace.WithAttributes(attrs...))
}
