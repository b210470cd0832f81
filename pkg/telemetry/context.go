package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Kafka   *KafkaSink
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

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
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
	if cfg.Events.MinLevel != "" {
		events.AddFilter(FilterByLevel(cfg.Events.MinLevel))
	}

	tel := &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}

	if cfg.Events.Enabled && len(cfg.Events.Kafka.Brokers) > 0 {
		sink, err := NewKafkaSink(cfg.Events.Kafka, logger.NewComponentLogger("kafka"))
		if err != nil {
			return nil, err
		}
		events.Subscribe(sink.Subscriber(), FilterByType(
			EventTypeOrderCreated,
			EventTypeOrderStateChanged,
			EventTypeOrderFailed,
			EventTypeOrderClosed,
		))
		tel.Kafka = sink
	}

	return tel, nil
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

// OrderObserver returns an observer wired to this instance's sinks.
func (t *Telemetry) OrderObserver() *OrderObserver {
	return NewOrderObserver(t.Metrics, t.Events, t.Logger.NewComponentLogger("events"))
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.Kafka != nil {
		if err := t.Kafka.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// InstrumentedContext is an operation in progress: its context carries the span, the
// logger carries the operation name and trace ids.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
// Without a Telemetry in ctx the operation is only timed and logged.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx).WithField("operation", operation),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.WithField("operation", operation)
	if traceID := TraceID(spanCtx); traceID != "" {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": traceID,
			"span_id":  SpanID(spanCtx),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the operation, recording success or failure on the span and logging the
// outcome with its duration.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}

	event := ic.Logger.zlog.Debug()
	if err != nil {
		event = ic.Logger.zlog.Info().Err(err)
	}
	event.Dur("duration", ic.Timer.Duration()).Msg("Operation finished")
}
