package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/execenv"
	"github.com/openfroyo/stevedore/pkg/workflow"
)

// Metrics is the Prometheus observer handed to the orchestrator, the
// resolver, the workflow engine and the execution environments. A
// disabled Metrics has no registry and every method is a no-op.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	steps             *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	commands          *prometheus.CounterVec
	rollbacks         *prometheus.CounterVec
	resolutions       *prometheus.CounterVec
	errorsByClass     *prometheus.CounterVec
	errorsByCode      *prometheus.CounterVec
}

var (
	_ engine.Observer         = (*Metrics)(nil)
	_ workflow.StepObserver   = (*Metrics)(nil)
	_ execenv.CommandObserver = (*Metrics)(nil)
)

func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	m.registry = prometheus.NewRegistry()
	factory := vecFactory{namespace: cfg.Namespace, buckets: buckets, reg: m.registry}

	m.operations = factory.counter("operations_total", "Install, upgrade, uninstall and workflow operations by outcome.", "operation", "status")
	m.operationDuration = factory.histogram("operation_duration_seconds", "Wall time of operations.", "operation")
	m.steps = factory.counter("workflow_steps_total", "Workflow steps executed by type and status.", "type", "status")
	m.stepDuration = factory.histogram("workflow_step_duration_seconds", "Wall time of workflow steps.", "type")
	m.commands = factory.counter("commands_total", "Commands run in execution environments.", "env", "status")
	m.rollbacks = factory.counter("rollbacks_total", "Rollbacks by scope and outcome.", "scope", "status")
	m.resolutions = factory.counter("dependencies_resolved_total", "Dependency resolutions by outcome.", "outcome")
	m.errorsByClass = factory.counter("errors_by_class_total", "Errors by class.", "class")
	m.errorsByCode = factory.counter("errors_by_code_total", "Errors by code.", "code")

	if factory.err != nil {
		return nil, fmt.Errorf("register metrics: %w", factory.err)
	}
	return m, nil
}

// vecFactory creates and registers vectors, keeping the first error.
type vecFactory struct {
	namespace string
	buckets   []float64
	reg       prometheus.Registerer
	err       error
}

func (f *vecFactory) counter(name, help string, labels ...string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: f.namespace, Name: name, Help: help}, labels)
	f.register(v)
	return v
}

func (f *vecFactory) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: f.namespace, Name: name, Help: help, Buckets: f.buckets}, labels)
	f.register(v)
	return v
}

func (f *vecFactory) register(c prometheus.Collector) {
	if f.err == nil {
		f.err = f.reg.Register(c)
	}
}

func (m *Metrics) ObserveOperation(operation, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.operations.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveRollback records a rollback of a change-set or of workflow steps.
func (m *Metrics) ObserveRollback(scope, status string) {
	if m.registry != nil {
		m.rollbacks.WithLabelValues(scope, status).Inc()
	}
}

func (m *Metrics) ObserveResolution(outcome string) {
	if m.registry != nil {
		m.resolutions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveStep(stepType string, status workflow.StepStatus, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.steps.WithLabelValues(stepType, string(status)).Inc()
	m.stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

func (m *Metrics) ObserveCommand(env execenv.Type, exitCode int, _ time.Duration) {
	if m.registry != nil {
		m.commands.WithLabelValues(string(env), commandStatus(exitCode)).Inc()
	}
}

func commandStatus(exitCode int) string {
	switch exitCode {
	case 0:
		return "success"
	case execenv.ExitTimeout:
		return "timeout"
	case execenv.ExitCanceled:
		return "cancelled"
	}
	return "failed"
}

// RecordError counts err by class and code. Errors that are not engine
// errors count as permanent internal errors.
func (m *Metrics) RecordError(err error) {
	if m.registry == nil || err == nil {
		return
	}
	class, code := string(engine.ErrorClassPermanent), engine.ErrCodeInternal
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		class = string(ee.Class)
		if ee.Code != "" {
			code = ee.Code
		}
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Gatherer exposes the registry, or nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m.registry == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve listens on the configured address and serves Handler at the
// configured path until Close. It is a no-op without a listen address.
func (m *Metrics) Serve() error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}
	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("Metrics server stopped")
		}
	}(m.server)
	return nil
}

// WriteTextfile writes all metrics to the configured textfile path.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.config.TextfilePath, m.registry)
}

// Close writes the textfile snapshot and stops the server started by Serve.
func (m *Metrics) Close(ctx context.Context) error {
	err := m.WriteTextfile()
	if m.server != nil {
		err = errors.Join(err, m.server.Shutdown(ctx))
		m.server = nil
	}
	return err
}
