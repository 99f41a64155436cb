package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, cfg.ResourceAttributes)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes and stops every component. A metrics snapshot is
// written to the textfile path when one is configured.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Metrics.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// ServeMetrics exposes metrics over HTTP when a listen address is
// configured. Shutdown stops the server.
func (t *Telemetry) ServeMetrics() error {
	return t.Metrics.Serve()
}

// PhaseScope is a span around one step of a command that is not a full
// operation, such as resolving a chain or evaluating admission.
type PhaseScope struct {
	Ctx    context.Context
	Logger *Logger

	span  trace.Span
	began time.Time
}

// StartPhase opens a phase span under whatever span ctx carries. Without
// telemetry in ctx only the clock runs.
func StartPhase(ctx context.Context, phase string, attrs ...attribute.KeyValue) *PhaseScope {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &PhaseScope{Ctx: ctx, Logger: FromContext(ctx), began: time.Now()}
	}

	spanCtx, span := tel.Tracer.StartPhaseSpan(ctx, phase, attrs...)
	logger := FromContext(ctx).WithField("phase", phase)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithField("trace_id", id)
	}
	return &PhaseScope{
		Ctx:    logger.WithContext(spanCtx),
		Logger: logger,
		span:   span,
		began:  time.Now(),
	}
}

// End closes the span and returns how long the phase took.
func (p *PhaseScope) End(err error) time.Duration {
	if p.span != nil {
		finishSpan(p.span, err)
	}
	return time.Since(p.began)
}

// OperationScope tracks one orchestrator operation for tracing and events.
// Metrics are recorded by the orchestrator itself through engine.Observer.
type OperationScope struct {
	Ctx         context.Context
	OperationID string
	PluginID    string
	Operation   string

	// Sink publishes the operation's output lines and step progress.
	Sink engine.ProgressSink

	tel   *Telemetry
	span  trace.Span
	began time.Time
}

// WithOperationContext starts an operation span, announces the operation
// and returns a scope whose context and sink should be used for the
// orchestrator call. Without telemetry in ctx the scope is inert.
func WithOperationContext(ctx context.Context, operationID, pluginID, operation, operator string) *OperationScope {
	scope := &OperationScope{
		Ctx:         ctx,
		OperationID: operationID,
		PluginID:    pluginID,
		Operation:   operation,
		Sink:        engine.NopSink{},
		began:       time.Now(),
	}
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return scope
	}
	scope.tel = tel

	spanCtx, span := tel.Tracer.StartOperationSpan(ctx, operationID, pluginID, operation)
	span.SetAttributes(AttrOperator.String(operator))
	scope.span = span

	logger := tel.Logger.ForOperation(operationID, pluginID, operation)
	scope.Ctx = logger.WithContext(spanCtx)
	scope.Sink = tel.Events.ForOperation(spanCtx, operationID, pluginID)

	_ = tel.Events.PublishOperationStarted(operationID, pluginID, operation, operator)
	return scope
}

// End closes the operation span and publishes the outcome events.
func (s *OperationScope) End(version string, err error) {
	if s.tel == nil {
		return
	}
	status := engine.StatusSuccess
	if err != nil {
		status = engine.StatusFailed
		s.tel.Metrics.RecordError(err)
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			s.span.SetAttributes(AttrErrorClass.String(string(ee.Class)), AttrErrorCode.String(ee.Code))
		}
		_ = s.tel.Events.PublishOperationFailed(s.OperationID, s.PluginID, err.Error())
	} else {
		_ = s.tel.Events.PublishOperationSucceeded(s.OperationID, s.PluginID, version)
	}
	finishSpan(s.span, err)
	_ = s.tel.Events.PublishOperationCompleted(s.OperationID, s.PluginID, status, time.Since(s.began))
}
