package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/ferrite-build/ferrite/pkg/engine"
	"github.com/ferrite-build/ferrite/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "ferrite"
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// Add telemetry to context
	ctx := tel.WithContext(context.Background())

	// Use telemetry
	logger := telemetry.FromContext(ctx)
	logger.Info("Application started")

	// Output can vary, so we don't specify output for this example
}

// Example_componentLogging demonstrates structured logging features.
func Example_componentLogging() {
	cfg := telemetry.DevelopmentConfig()

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific logger
	logger := tel.Logger.NewComponentLogger("resolver")

	// Add context fields
	logger = logger.WithRunID("run-123").WithRef("zlib/1.3.1")

	// Log at different levels
	logger.Debug("Expanding requirement")
	logger.Info("Version selected")

	// Log with error
	err := fmt.Errorf("no candidate satisfies [>=2.0 <3.0]")
	logger.WithError(err).Error("Resolution failed")

	// Output varies, no output specified
}

// Example_tracing demonstrates distributed tracing usage.
func Example_tracing() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Exporter = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Span around a resolution
	ctx, span := tel.Tracer.StartResolveSpan(ctx, "app/1.0.0")
	defer span.End()

	span.SetAttributes(telemetry.AttrGraphNodes.Int(5))

	// Nested span for a store lookup
	_, childSpan := tel.Tracer.StartStoreSpan(ctx, "file", "lookup")
	defer childSpan.End()

	telemetry.RecordSuccess(childSpan)

	// Output varies, no output specified
}

// Example_metrics demonstrates metrics collection.
func Example_metrics() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Record a resolution
	tel.Metrics.RecordResolution("resolved", 12, 80*time.Millisecond)

	// Record an install run
	tel.Metrics.RecordRunStarted("app")
	tel.Metrics.RecordRunCompleted("succeeded", 2*time.Second)

	// Record driver stages
	tel.Metrics.RecordDriverStage("shell", "build", 1500*time.Millisecond)

	// Record a classified error
	tel.Metrics.RecordError("conflict", "VERSION_CONFLICT")

	// Update store gauges
	tel.Metrics.SetCacheStats("file", 10, 1<<20)

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_eventBus demonstrates event publishing and subscription.
func Example_eventBus() {
	bus, _ := telemetry.NewEventBus(telemetry.EventsConfig{
		Enabled:     true,
		BufferSize:  16,
		EnableAsync: false, // Synchronous for deterministic output
	})
	defer bus.Shutdown(context.Background())

	// Subscribe to events
	bus.Subscribe(func(event engine.Event) {
		fmt.Printf("%s: %s\n", event.Type, event.Message)
	}, nil)

	// Publish events
	ctx := context.Background()
	bus.Publish(ctx, &engine.Event{
		Type:    engine.EventTypeRunStarted,
		RunID:   "run-123",
		Message: "install run started",
	})
	bus.Publish(ctx, &engine.Event{
		Type:    engine.EventTypeCacheHit,
		RunID:   "run-123",
		NodeID:  "zlib",
		Message: "zlib/1.3.1 reused binary 0a1b2c3d4e5f",
	})

	// Output:
	// run_started: install run started
	// cache_hit: zlib/1.3.1 reused binary 0a1b2c3d4e5f
}

// Example_eventFiltering demonstrates event filtering.
func Example_eventFiltering() {
	bus, _ := telemetry.NewEventBus(telemetry.EventsConfig{
		Enabled:     true,
		BufferSize:  16,
		EnableAsync: false,
	})
	defer bus.Shutdown(context.Background())

	// Subscribe with a level filter (warnings and errors only)
	bus.Subscribe(func(event engine.Event) {
		fmt.Printf("important: %s\n", event.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	ctx := context.Background()
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypeRunStarted, Message: "started"})
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypeWarning, Message: "retrying fetch"})
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypeNodeFailed, Message: "build failed"})

	// Output:
	// important: warning
	// important: node_failed
}

// Example_resolveInstrumentation demonstrates bracketing a resolution
// with the context helpers.
func Example_resolveInstrumentation() {
	cfg := telemetry.DefaultConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start resolution context
	ctx = telemetry.WithResolveContext(ctx, "app/1.0.0")

	// Resolve (simulated)
	logger := telemetry.FromContext(ctx)
	logger.Info("Resolving dependency graph")

	// End resolution context, recording outcome and graph size
	telemetry.EndResolveContext(ctx, "resolved", 12, nil)

	fmt.Println("Resolution instrumentation complete")
	// Output: Resolution instrumentation complete
}

// Example_productionConfiguration demonstrates production-ready
// configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()

	// Customize for your environment
	cfg.ServiceName = "ferrite"
	cfg.ServiceVersion = "1.2.3"

	// Configure OTLP exporter
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false

	// Configure metrics
	cfg.Metrics.ListenAddress = ":9090"
	cfg.Metrics.Namespace = "ferrite"

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("Production configuration validated")
	// Output: Production configuration validated
}
