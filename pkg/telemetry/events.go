package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event of a Nimbus provider.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// OrderID is the associated order ID, if applicable.
	OrderID string `json:"order_id,omitempty"`

	// OrderType is the resource type of the associated order.
	OrderType string `json:"order_type,omitempty"`

	// Provider is the provider owning the associated order.
	Provider string `json:"provider,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeOrderCreated      = "order.created"
	EventTypeOrderStateChanged = "order.state_changed"
	EventTypeOrderFailed       = "order.failed"
	EventTypeOrderClosed       = "order.closed"
	EventTypeRemoteAnomaly     = "order.remote_anomaly"
	EventTypePolicyDenied      = "policy.denied"
	EventTypeError             = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishOrderCreated publishes an order created event.
func (ep *EventPublisher) PublishOrderCreated(orderID, orderType, provider, requester string) error {
	return ep.Publish(Event{
		Type:      EventTypeOrderCreated,
		Source:    "facade",
		OrderID:   orderID,
		OrderType: orderType,
		Provider:  provider,
		Message:   fmt.Sprintf("Order %s created by %s", orderID, requester),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"requester": requester,
		},
	})
}

// PublishOrderStateChanged publishes an order state change event.
func (ep *EventPublisher) PublishOrderStateChanged(orderID, orderType, provider, oldState, newState string) error {
	eventType := EventTypeOrderStateChanged
	level := EventLevelInfo
	switch newState {
	case "failed_on_request", "failed_after_successful_request":
		eventType = EventTypeOrderFailed
		level = EventLevelWarning
	case "closed":
		eventType = EventTypeOrderClosed
	}
	return ep.Publish(Event{
		Type:      eventType,
		Source:    "transitioner",
		OrderID:   orderID,
		OrderType: orderType,
		Provider:  provider,
		Message:   fmt.Sprintf("Order %s moved from %s to %s", orderID, oldState, newState),
		Level:     level,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// PublishRemoteAnomaly publishes an event for a remote order found where only local orders belong.
func (ep *EventPublisher) PublishRemoteAnomaly(orderID, provider, state string) error {
	return ep.Publish(Event{
		Type:     EventTypeRemoteAnomaly,
		Source:   "processor",
		OrderID:  orderID,
		Provider: provider,
		Message:  fmt.Sprintf("Remote order %s found in local list %s", orderID, state),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"state": state,
		},
	})
}

// PublishPolicyDenied publishes an authorization denial event.
func (ep *EventPublisher) PublishPolicyDenied(user, operation, resourceType, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyDenied,
		Source:  "policy_engine",
		Message: fmt.Sprintf("Policy denied %s on %s for %s: %s", operation, resourceType, user, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"user":          user,
			"operation":     operation,
			"resource_type": resourceType,
			"reason":        reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents batches buffered events and delivers them when the batch is full,
// when the flush interval elapses or on shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		if len(batch) > 0 {
			ep.flushBatch(batch)
			batch = make([]Event, 0, ep.config.MaxBatchSize)
		}
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
