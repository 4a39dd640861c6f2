// Package telemetry provides observability instrumentation for ferrite.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and engine event publishing
// into a unified system for monitoring and debugging resolution and install
// runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - An ordered event bus for engine lifecycle events
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "ferrite"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start the metrics server when a listen address is configured
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRunID("run-123").WithRef("zlib/1.3.1")
//	logger.Info("Resolving dependency graph")
//	logger.WithError(err).Error("Resolution failed")
//
// Log levels: trace, debug, info, warn, error, fatal. The default level
// honors FERRITE_LOG_LEVEL. Engine collaborators take a bare
// zerolog.Logger; hand them the configured one via Logger.Zerolog.
//
// # Distributed Tracing
//
// Tracing provides visibility into resolution and build flow:
//
//	ctx, span := tel.Tracer.StartResolveSpan(ctx, "app/1.0.0")
//	defer span.End()
//
//	span.SetAttributes(
//	    telemetry.AttrGraphNodes.Int(42),
//	)
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Span helpers cover the engine's units of work: StartResolveSpan,
// StartRunSpan, StartStageSpan, StartStoreSpan, StartDriverSpan.
//
// Supported exporters: OTLP/gRPC (production), stdout (development), none
// (spans generated but not exported).
//
// # Metrics
//
// Prometheus metrics track resolution and build behavior:
//
//	tel.Metrics.RecordResolution("resolved", 42, duration)
//	tel.Metrics.RecordRunStarted("app")
//	tel.Metrics.RecordRunCompleted("succeeded", duration)
//	tel.Metrics.RecordDriverStage("shell", "build", duration)
//	tel.Metrics.RecordError("conflict", "VERSION_CONFLICT")
//
// All Record and Set methods are no-ops on a nil or disabled Metrics, so
// callers never guard them. Metrics are exposed via the Handler, or via
// the standalone server when MetricsConfig.ListenAddress is set.
//
// # Event Publishing
//
// EventBus implements engine.EventPublisher. The engine publishes run and
// node lifecycle events into it; subscribers receive them in publish
// order:
//
//	bus, _ := telemetry.NewEventBus(cfg.Events)
//	bus.Subscribe(telemetry.NewLogSubscriber(tel.Logger), nil)
//	bus.Subscribe(telemetry.NewMetricsSubscriber(tel.Metrics), nil)
//	bus.Subscribe(func(event engine.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID,
// FilterByNodeID.
//
// # Instrumented Collaborators
//
// Decorators wrap the engine's collaborator interfaces with spans and
// metrics, so instrumentation needs no engine changes:
//
//	store = telemetry.NewInstrumentedStore(store, "file", tel)
//	driver = telemetry.NewInstrumentedDriver(driver, "shell", tel)
//	gate = telemetry.NewInstrumentedGate(gate, tel)
//
// The store decorator counts cache hits and misses per lookup; the driver
// decorator times the source, build and package stages; the gate
// decorator classifies evaluations as allowed, violation or error.
//
// # Context Helpers
//
// High-level helpers bracket the engine's top-level operations:
//
//	ctx = telemetry.WithResolveContext(ctx, root.String())
//	g, err := eng.Resolve(ctx, root, profile, opts)
//	telemetry.EndResolveContext(ctx, outcome, len(g.Nodes), err)
//
//	ctx = telemetry.WithRunContext(ctx, runID, root.Name)
//	run, _, err := eng.Install(ctx, root, profile, opts)
//	telemetry.EndRunContext(ctx, runID, string(run.Status), err)
//
//	ic := telemetry.StartOperation(ctx, "lockfile.verify")
//	defer ic.End(err)
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (console logs, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling, metrics server)
//	cfg := telemetry.ProductionConfig()
//
//	// Custom configuration
//	cfg := &telemetry.Config{
//	    ServiceName:    "ferrite",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "staging",
//	    Logging: telemetry.LoggingConfig{
//	        Level:  "info",
//	        Format: "json",
//	    },
//	    Tracing: telemetry.TracingConfig{
//	        Enabled:      true,
//	        Exporter:     "otlp",
//	        Endpoint:     "otel-collector:4317",
//	        SamplingRate: 0.1,
//	    },
//	    Metrics: telemetry.MetricsConfig{
//	        Enabled:       true,
//	        ListenAddress: ":9090",
//	    },
//	}
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - ferrite_resolutions_total{outcome}
//   - ferrite_resolution_duration_seconds{outcome}
//   - ferrite_runs_started_total{root}
//   - ferrite_runs_completed_total{status}
//   - ferrite_run_duration_seconds{status}
//   - ferrite_nodes_processed_total{outcome}
//   - ferrite_cache_hits_total / ferrite_cache_misses_total
//   - ferrite_store_operations_total{backend,operation}
//   - ferrite_driver_stage_duration_seconds{driver,stage}
//   - ferrite_policy_evaluations_total{outcome}
//   - ferrite_errors_by_class_total{class}
//   - ferrite_active_runs
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("telemetry shutdown error: %v", err)
//	}
//
// This delivers buffered events, exports pending traces, and stops the
// metrics server.
package telemetry
