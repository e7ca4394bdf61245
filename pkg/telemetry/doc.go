// Package telemetry provides observability instrumentation for statecraft.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and event publishing into a
// unified system for monitoring the state store.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "statecraft"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
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
//	logger := tel.Logger.NewComponentLogger("manager")
//	logger = logger.WithResourceID("res-web-1").WithShardKey("shard-02")
//	logger.Info("Registering resource")
//	logger.WithError(err).Error("Registration failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into operation flow and latency:
//
//	ctx, span := tel.Tracer.StartOperationSpan(ctx, "register", resourceID)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development), None (testing)
//
// # Metrics
//
// Prometheus metrics track state operations, drift, conflicts, snapshots,
// the event journal, and cache tier behavior:
//
//	tel.Metrics.RecordOperation("register", "ok", duration)
//	tel.Metrics.RecordDriftFinding("property_changed", "high")
//	tel.Metrics.RecordConflict("server", "merge_properties")
//
//	// Export cache tier stats on every scrape
//	tel.Metrics.RegisterCacheStats(tiered.Stats)
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event bus provides async publishing with buffering and filtering:
//
//	tel.Events.PublishResourceRegistered(resourceID, "server", 1)
//	tel.Events.PublishDriftDetected(resourceID, findingCount, "critical")
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByResourceID,
// FilterByShardKey
//
// # Manager Integration
//
// The Notifier adapts all four pillars to the state manager's publisher
// contract, so one wiring line covers counting and broadcasting every
// domain notification:
//
//	mgr := state.NewManager(backend, state.Options{
//	    Publisher: tel.Notifier(),
//	})
//
// Publishing is fire-and-forget: bus errors are logged and never fail the
// committed mutation.
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// This ensures all buffered events are delivered and all pending traces
// are exported.
//
// # Security Considerations
//
//   - Never log sensitive data (credentials, keys, tokens); the drift
//     analyzer already redacts security-sensitive property values before
//     findings reach telemetry
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
