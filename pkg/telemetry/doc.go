// Package telemetry provides observability for stevedore operations.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an event publisher that
// streams operation progress to subscribers.
//
// # Usage
//
// Initialize telemetry at startup and put it in the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// # Metrics
//
// *Metrics is the observer for every layer that reports outcomes:
//
//	orch := engine.NewOrchestrator(engine.OrchestratorConfig{Observer: tel.Metrics, ...})
//	wf := workflow.NewEngine(registry, logger).WithObserver(tel.Metrics)
//	factory := execenv.NewFactory(execenv.FactoryConfig{Observer: tel.Metrics, ...})
//
// The collected series are stevedore_operations_total,
// stevedore_operation_duration_seconds, stevedore_workflow_steps_total,
// stevedore_workflow_step_duration_seconds, stevedore_commands_total,
// stevedore_rollbacks_total and stevedore_dependencies_resolved_total.
// They are served over HTTP when metrics.listen_address is set, and
// written once on shutdown when metrics.textfile_path is set.
//
// # Operations
//
// Each orchestrator call is wrapped in an OperationScope:
//
//	scope := telemetry.WithOperationContext(ctx, opID, "redis", "install", operator)
//	res, err := orch.Install(scope.Ctx, engine.InstallOptions{OperationID: opID, ..., Sink: scope.Sink})
//	scope.End(version, err)
//
// The scope opens an "operation.<kind>" span and publishes
// operation.started, step.progress, log.line, operation.succeeded or
// operation.failed, and operation.completed events.
//
// # Events
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeLogLine))
//
// Publishing is synchronous by default so subscribers see events in
// order. With EnableAsync events are buffered and delivered in batches,
// at the latest every FlushInterval.
package telemetry
