package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrOperationID = attribute.Key("stevedore.operation.id")
	AttrOperation   = attribute.Key("stevedore.operation.kind")
	AttrOperator    = attribute.Key("stevedore.operation.operator")
	AttrPhase       = attribute.Key("stevedore.phase")

	AttrPluginID   = attribute.Key("stevedore.plugin.id")
	AttrVersion    = attribute.Key("stevedore.plugin.version")
	AttrConstraint = attribute.Key("stevedore.plugin.constraint")
	AttrNodeID     = attribute.Key("stevedore.node.id")

	AttrStepName = attribute.Key("stevedore.step.name")

	AttrErrorClass = attribute.Key("stevedore.error.class")
	AttrErrorCode  = attribute.Key("stevedore.error.code")
)

// Tracer produces one root span per package operation with child spans for
// resolution, admission and other phases. When tracing is disabled every
// span is a no-op.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer exporting through cfg.Exporter.
// Extra resource attributes are attached to every span.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string, extra map[string]string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	exporter, err := spanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("trace exporter %q: %w", cfg.Exporter, err)
	}

	attrs := make([]attribute.KeyValue, 0, 3+len(extra))
	attrs = append(attrs,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		semconv.DeploymentEnvironmentKey.String(environment),
	)
	for k, v := range extra {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		batch := []sdktrace.BatchSpanProcessorOption{
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	return &Tracer{provider: tp, tracer: tp.Tracer("github.com/openfroyo/stevedore")}, nil
}

// spanExporter returns nil for the "none" exporter.
func spanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Exporter == "none" {
		return nil, nil
	}
	if cfg.Exporter == "stdout" {
		// stderr, so spans never mix with command output
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	}
	if cfg.Exporter != "otlp" {
		return nil, errors.New("unsupported exporter")
	}

	grpcOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent("stevedore")),
		otlptracegrpc.WithHeaders(cfg.Headers),
	}
	if cfg.Insecure {
		grpcOpts = append(grpcOpts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	return otlptracegrpc.New(context.Background(), grpcOpts...)
}

// StartOperationSpan starts the root span of an install, upgrade,
// uninstall or workflow run.
func (t *Tracer) StartOperationSpan(ctx context.Context, operationID, pluginID, operation string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "stevedore."+operation, trace.WithAttributes(
		AttrOperationID.String(operationID),
		AttrPluginID.String(pluginID),
		AttrOperation.String(operation),
	))
}

// StartPhaseSpan starts a span for one phase, such as resolve or admission.
func (t *Tracer) StartPhaseSpan(ctx context.Context, phase string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "phase."+phase, trace.WithAttributes(append(attrs, AttrPhase.String(phase))...))
}

// finishSpan sets the span status from err and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the trace ID carried by ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// ForceFlush exports pending spans immediately.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.ForceFlush(ctx)
	}
	return nil
}
