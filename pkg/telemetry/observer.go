package telemetry

import (
	"github.com/nimbusfed/nimbus/pkg/engine"
)

// OrderObserver turns order state changes into metrics and events.
type OrderObserver struct {
	metrics *Metrics
	events  *EventPublisher
	logger  *Logger
}

// NewOrderObserver creates an observer feeding the given sinks. Any of them may be nil.
func NewOrderObserver(metrics *Metrics, events *EventPublisher, logger *Logger) *OrderObserver {
	return &OrderObserver{metrics: metrics, events: events, logger: logger}
}

// OrderStateChanged implements engine.StateObserver.
func (o *OrderObserver) OrderStateChanged(order *engine.Order, from, to engine.OrderState) {
	o.metrics.RecordTransition(string(order.Type), string(from), string(to))

	err := o.events.PublishOrderStateChanged(order.ID, string(order.Type), order.Provider, string(from), string(to))
	if err != nil && o.logger != nil {
		o.logger.WithOrderID(order.ID).WithError(err).Warn("Order event dropped")
	}
}

var _ engine.StateObserver = (*OrderObserver)(nil)
