package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestAttributes returns the span attributes identifying one conversion request.
func RequestAttributes(version, target, format string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if version != "" {
		attrs = append(attrs, attribute.String("engine.version", version))
	}
	if target != "" {
		attrs = append(attrs, attribute.String("conversion.target", target))
	}
	if format != "" {
		attrs = append(attrs, attribute.String("conversion.format", format))
	}
	return attrs
}

// RecordAdmissionDecision annotates the provided span with the admission outcome.
func RecordAdmissionDecision(span trace.Span, allowed bool, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.Bool("admission.allowed", allowed))
	if reason != "" {
		span.SetAttributes(attribute.String("admission.reason", reason))
	}

	if !allowed {
		span.AddEvent("admission.denied")
	}
}
