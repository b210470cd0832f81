package processors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
)

// Deps holds the collaborators shared by every processor.
type Deps struct {
	// LocalProvider is the id of this provider.
	LocalProvider string

	Index        *engine.Index
	Transitioner *engine.Transitioner
	Connectors   engine.ConnectorFactory
	Peers        engine.PeerDirectory

	// Store persists fields changed without a state change. May be nil.
	Store engine.Persistence

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
	Logger  zerolog.Logger
}

// handleFunc works on one locked order still held by the processor's list.
type handleFunc func(ctx context.Context, order *engine.Order) error

// Processor is a poll loop bound to one order list.
type Processor struct {
	name        string
	list        *engine.OrderList
	interval    time.Duration
	workers     int
	maxRestarts int

	handle handleFunc

	// fallback is the state an order is moved to when handling it failed.
	// The empty state keeps the order where it is.
	fallback engine.OrderState

	deps   *Deps
	logger zerolog.Logger
}

func newProcessor(name string, list *engine.OrderList, cfg Config, deps *Deps, handle handleFunc, fallback engine.OrderState) (*Processor, error) {
	interval, err := cfg.Interval(name)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, fmt.Errorf("processor %s: interval must be positive", name)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Processor{
		name:        name,
		list:        list,
		interval:    interval,
		workers:     workers,
		maxRestarts: cfg.MaxRestarts,
		handle:      handle,
		fallback:    fallback,
		deps:        deps,
		logger:      deps.Logger.With().Str("processor", name).Logger(),
	}, nil
}

// Name returns the processor name.
func (p *Processor) Name() string { return p.name }

// List returns the list the processor works on.
func (p *Processor) List() *engine.OrderList { return p.list }

// Interval returns the sleep between two passes.
func (p *Processor) Interval() time.Duration { return p.interval }

// Run executes passes until ctx is done. A pass that already started runs to its end
// and in-flight cloud calls are not cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.interval).Str("list", p.list.Name()).Msg("Processor started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Processor stopped")
			return nil
		default:
		}

		p.RunOnce(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Processor stopped")
			return nil
		case <-time.After(p.interval):
		}
	}
}

// RunOnce processes every order currently in the list once.
func (p *Processor) RunOnce(ctx context.Context) {
	timer := telemetry.NewTimer()
	ctx, span := p.deps.Tracer.StartProcessorSpan(ctx, p.name)
	defer span.End()

	orders, err := p.list.Select(p.maxRestarts)
	if err != nil {
		p.logger.Warn().Err(err).Msg("List kept changing, working on a snapshot")
		orders = p.list.Snapshot()
	}

	if len(orders) > 0 {
		p.process(ctx, orders)
	}

	for list, count := range p.deps.Index.Census() {
		p.deps.Metrics.SetListSize(list, count)
	}
	p.deps.Metrics.RecordProcessorPass(p.name, timer.Duration())
}

// process hands the orders of one pass to a bounded pool of workers.
func (p *Processor) process(ctx context.Context, orders []*engine.Order) {
	workerCount := p.workers
	if len(orders) < workerCount {
		workerCount = len(orders)
	}

	if workerCount == 1 {
		for _, order := range orders {
			p.processOrder(ctx, order)
		}
		return
	}

	workQueue := make(chan *engine.Order, len(orders))
	for _, order := range orders {
		workQueue <- order
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for order := range workQueue {
				p.processOrder(ctx, order)
			}
		}()
	}
	wg.Wait()
}

// processOrder runs the handler under the order's lock. A failure never escapes: it is
// logged, the fault message is set and the fallback transition runs.
func (p *Processor) processOrder(ctx context.Context, order *engine.Order) {
	order.Lock()
	defer order.Unlock()

	if !p.deps.Index.Holds(p.list, order) {
		return
	}

	err := p.safeHandle(ctx, order)
	if err == nil {
		return
	}

	kind := engine.KindOf(err)
	p.deps.Metrics.RecordProcessorFailure(p.name, string(kind))
	level := zerolog.ErrorLevel
	if engine.IsTransient(err) {
		level = zerolog.WarnLevel
	}
	p.logger.WithLevel(level).
		Err(err).
		Str("order_id", order.ID).
		Str("state", string(order.State)).
		Str("kind", string(kind)).
		Msg("Failed to process order")

	order.SetFaultMessage(err.Error())
	telemetry.AddOrderEvent(telemetry.SpanFromContext(ctx), order.ID, telemetry.EventTypeOrderFailed, err.Error())

	if p.fallback == "" || order.State == p.fallback || !p.deps.Index.Holds(p.list, order) {
		p.persist(ctx, order)
		return
	}
	if terr := p.deps.Transitioner.Transition(ctx, order, p.fallback); terr != nil {
		p.logger.Error().Err(terr).
			Str("order_id", order.ID).
			Str("to", string(p.fallback)).
			Msg("Fallback transition failed")
		p.persist(ctx, order)
	}
}

func (p *Processor) safeHandle(ctx context.Context, order *engine.Order) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewUnexpectedError(fmt.Sprintf("processor %s panicked: %v", p.name, r), nil).
				WithOrder(order.ID)
		}
	}()
	return p.handle(ctx, order)
}

// persist stores fields that changed without a state change.
func (p *Processor) persist(ctx context.Context, order *engine.Order) {
	if p.deps.Store == nil {
		return
	}
	if err := p.deps.Store.Update(ctx, order); err != nil {
		p.logger.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to persist order")
	}
}

// connector returns the connector for the order's provider and cloud. Status polling
// is not audited.
func (p *Processor) connector(order *engine.Order, audited bool) (engine.CloudConnector, error) {
	conn, err := p.deps.Connectors.Get(order.Provider, order.CloudName)
	if err != nil {
		return nil, err
	}
	if !audited {
		if a, ok := conn.(engine.Auditable); ok {
			a.SwitchOffAuditing()
		}
	}
	return conn, nil
}

// isRemote reports whether another provider owns the order.
func (p *Processor) isRemote(order *engine.Order) bool {
	return order.IsProviderRemote(p.deps.LocalProvider)
}
