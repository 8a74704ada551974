package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "vcam"

// TracerProvider wraps OpenTelemetry tracer provider
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Config contains tracing configuration
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Version     string  `yaml:"version"`
	JaegerURL   string  `yaml:"jaeger_url"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "vcam",
		Version:     "1.0.0",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs the global tracer provider. With tracing disabled the
// global no-op provider stays in place and Shutdown does nothing. attrs are
// added to the resource, e.g. the process role and device id.
func Init(cfg Config, attrs ...attribute.KeyValue) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(resourceAttributes(cfg, attrs...)...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Spans started by the peer process keep their sampling decision.
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

func resourceAttributes(cfg Config, extra ...attribute.KeyValue) []attribute.KeyValue {
	version := cfg.Version
	if version == "" {
		version = "1.0.0"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(version),
		attribute.String("environment", cfg.Environment),
	}
	return append(attrs, extra...)
}

// Shutdown shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records an error in the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Common span attributes
var (
	ProcessKey    = attribute.Key("vcam.process")
	DeviceIDKey   = attribute.Key("device.id")
	SessionIDKey  = attribute.Key("session.id")
	ClientPIDKey  = attribute.Key("client.pid")
	IPCMethodKey  = attribute.Key("ipc.method")
	IPCRequestKey = attribute.Key("ipc.request_id")
)

// TraceHTTPRequest traces an HTTP request
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

// TraceIPCCall traces an outgoing proxy call.
func TraceIPCCall(ctx context.Context, method, requestID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("ipc.call.%s", method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			IPCMethodKey.String(method),
			IPCRequestKey.String(requestID),
		),
	)
}

// TraceIPCRequest traces a proxy request handled by the server.
func TraceIPCRequest(ctx context.Context, method, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("ipc.handle.%s", method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			IPCMethodKey.String(method),
			SessionIDKey.String(sessionID),
		),
	)
}

// TraceClientEvent traces delivery of a connect or disconnect notification.
func TraceClientEvent(ctx context.Context, event string, pid int) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("client.%s", event),
		trace.WithAttributes(ClientPIDKey.Int(pid)),
	)
}
