// Package telemetry provides the observability stack of a Nimbus provider.
//
// It combines structured logging (zerolog), distributed tracing (OpenTelemetry),
// Prometheus metrics and an in-process event bus that can be mirrored to Kafka.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	srv := tel.Metrics.StartMetricsServer()
//	defer srv.Close()
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Loggers are derived per component and enriched with order and provider fields:
//
//	logger := tel.Logger.NewComponentLogger("processors").
//	    WithOrderID(order.ID).
//	    WithProvider(order.Provider, order.CloudName)
//	logger.WithError(err).Warn("Unable to check status")
//
// # Tracing
//
// Spans are opened around processor passes, cloud calls and peer requests:
//
//	ctx, span := tel.Tracer.StartCloudSpan(ctx, "default", "request_instance", order.ID)
//	defer span.End()
//
// Exporters: stdout and otlp. A disabled tracer hands out no-op spans.
//
// Entry points wrap their work in an operation, which opens a span and logs
// the outcome with its duration:
//
//	op := telemetry.StartOperation(ctx, "facade.create_order")
//	err := create(op.Ctx)
//	op.End(err)
//
// # Metrics
//
// All Record methods are safe on a nil *Metrics, so components accept an
// optional metrics handle. The registry is private to the instance.
//
// # Events
//
// OrderObserver plugs into the engine's transitioner and publishes one event
// per state change. When Kafka brokers are configured, order events are also
// written to the configured topic keyed by order id. Events.MinLevel drops
// events below a level before any subscriber sees them.
package telemetry
