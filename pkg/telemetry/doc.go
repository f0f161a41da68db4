// Package telemetry wires OpenTelemetry exporters and meters for convertd.
//
// It centralises trace provider setup, records engine invocation metrics, and
// carries trace context across the process boundary into engine workers so
// that a conversion can be followed from the HTTP request into the engine.
package telemetry
