package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// TracerName is the instrumentation scope used by every convertd span.
const TracerName = "github.com/polisai/sigma-convertd"

// Config selects where spans go and how the service identifies itself.
type Config struct {
	ServiceName  string
	Endpoint     string
	Environment  string
	Insecure     bool
	Headers      map[string]string
	ResourceTags map[string]string
}

// SetupProvider installs the global tracer provider and returns its shutdown
// func, which flushes pending spans. Without an endpoint spans are dropped.
//
// The W3C trace-context propagator is installed even without an endpoint so
// that inbound trace headers still reach engine processes.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	clientOpts = append(clientOpts, otlptracegrpc.WithDialOption(
		grpc.WithReturnConnectionError(), //nolint:staticcheck // Requested alternative to grpc.WithBlock for connection errors.
	))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "convertd"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(100), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Tracer returns the convertd tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// TraceID returns the hex trace identifier of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// EnvPropagator carries trace context into child process environments.
// Keys are upper-cased, so W3C context arrives as TRACEPARENT / TRACESTATE.
type EnvPropagator struct {
	propagator propagation.TextMapPropagator
}

// NewEnvPropagator uses p, or the global propagator when p is nil.
func NewEnvPropagator(p propagation.TextMapPropagator) *EnvPropagator {
	return &EnvPropagator{propagator: p}
}

func (e *EnvPropagator) textMap() propagation.TextMapPropagator {
	if e == nil || e.propagator == nil {
		return otel.GetTextMapPropagator()
	}
	return e.propagator
}

// InjectProcessEnv injects trace context into process environment variables
func (e *EnvPropagator) InjectProcessEnv(ctx context.Context, env []string) []string {
	carrier := newEnvMapCarrier(env)
	e.textMap().Inject(ctx, carrier)
	return carrier.environ()
}

// ExtractProcessEnv extracts trace context from process environment variables
func (e *EnvPropagator) ExtractProcessEnv(ctx context.Context, env []string) context.Context {
	return e.textMap().Extract(ctx, newEnvMapCarrier(env))
}

// envMapCarrier implements propagation.TextMapCarrier for environment variables.
// Insertion order of the original environment is preserved.
type envMapCarrier struct {
	keys []string
	env  map[string]string
}

func newEnvMapCarrier(env []string) *envMapCarrier {
	c := &envMapCarrier{env: make(map[string]string, len(env))}
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		c.set(key, value)
	}
	return c
}

func (c *envMapCarrier) set(key, value string) {
	if _, exists := c.env[key]; !exists {
		c.keys = append(c.keys, key)
	}
	c.env[key] = value
}

func (c *envMapCarrier) Get(key string) string {
	return c.env[strings.ToUpper(key)]
}

func (c *envMapCarrier) Set(key, value string) {
	c.set(strings.ToUpper(key), value)
}

func (c *envMapCarrier) Keys() []string {
	keys := make([]string, len(c.keys))
	copy(keys, c.keys)
	return keys
}

func (c *envMapCarrier) environ() []string {
	out := make([]string, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, k+"="+c.env[k])
	}
	return out
}
