package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/stevedore/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("Application started")

	// Output can vary, so we don't specify output for this example
}

// Example_operationEvents follows an install through its events.
func Example_operationEvents() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s: %s\n", event.Type, event.Message)
	}, telemetry.FilterByType(
		telemetry.EventTypeOperationStarted,
		telemetry.EventTypeStepProgress,
		telemetry.EventTypeOperationSucceeded,
	))

	ctx := tel.WithContext(context.Background())
	scope := telemetry.WithOperationContext(ctx, "op-1", "redis", "install", "alice")
	scope.Sink.Line("pulling image")
	scope.Sink.Progress(1, 2, "start containers")
	scope.End("7.2.0", nil)

	// Output:
	// operation.started: install of redis started
	// step.progress: step 1/2: start containers
	// operation.succeeded: redis 7.2.0 succeeded
}

// Example_metricsCollection shows the observer methods the engine layers call.
func Example_metricsCollection() {
	tel, _ := telemetry.NewTelemetry(telemetry.DefaultConfig())
	defer tel.Shutdown(context.Background())

	tel.Metrics.ObserveResolution("success")
	tel.Metrics.ObserveStep("compose-deploy", "SUCCESS", 3*time.Second)
	tel.Metrics.ObserveOperation("install", "success", 5*time.Second)

	families, _ := tel.Metrics.Gatherer().Gather()
	fmt.Println(len(families) > 0)
	// Output: true
}

// Example_otlpTracing validates a configuration that ships spans to a
// collector.
func Example_otlpTracing() {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.ResourceAttributes["stevedore.site"] = "fra-1"

	fmt.Println(cfg.Validate() == nil)

	cfg.Tracing.Endpoint = ""
	cfg.Logging.Level = "loud"
	fmt.Println(cfg.Validate())
	// Output:
	// false
	// invalid log level: "loud"
	// otlp exporter requires an endpoint
}

// Example_componentLoggers shows per-component and per-node loggers.
func Example_componentLoggers() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "debug"
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Logger.Component("orchestrator").Info("Orchestrator initialized")
	tel.Logger.Component("deployer").ForNode("db-1").WithField("plugin_id", "redis").Info("Deploying")

	fmt.Println("done")
	// Output: done
}
