package processors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

// Controller owns the processors of a provider and their goroutines.
type Controller struct {
	processors []*Processor
	deps       *Deps

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewController builds one processor per order list that needs one.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	if deps.Index == nil || deps.Transitioner == nil || deps.Connectors == nil {
		return nil, errors.New("processors need an index, a transitioner and a connector factory")
	}
	d := &deps
	d.Logger = d.Logger.With().Str("component", "processors").Logger()

	specs := []struct {
		name     string
		state    engine.OrderState
		handle   func(p *Processor) handleFunc
		fallback engine.OrderState
	}{
		{NameOpen, engine.OrderStateOpen, func(p *Processor) handleFunc { return p.openOrder }, engine.OrderStateFailedOnRequest},
		{NameSpawning, engine.OrderStateSpawning, func(p *Processor) handleFunc { return p.spawningOrder }, engine.OrderStateFailedAfterSuccessfulRequest},
		{NameFulfilled, engine.OrderStateFulfilled, func(p *Processor) handleFunc { return p.fulfilledOrder }, engine.OrderStateFailedAfterSuccessfulRequest},
		{NameUnableToCheckStatus, engine.OrderStateUnableToCheckStatus, func(p *Processor) handleFunc { return p.unableToCheckOrder }, engine.OrderStateFailedAfterSuccessfulRequest},
		{NameAssignedForDeletion, engine.OrderStateAssignedForDeletion, func(p *Processor) handleFunc { return p.assignedForDeletionOrder }, ""},
		{NameCheckingDeletion, engine.OrderStateCheckingDeletion, func(p *Processor) handleFunc { return p.checkingDeletionOrder }, ""},
		{NameClosed, engine.OrderStateClosed, func(p *Processor) handleFunc { return p.closedOrder }, ""},
	}

	c := &Controller{deps: d}
	for _, s := range specs {
		list, err := d.Index.ListFor(s.state)
		if err != nil {
			return nil, err
		}
		p, err := newProcessor(s.name, list, cfg, d, nil, s.fallback)
		if err != nil {
			return nil, err
		}
		p.handle = s.handle(p)
		c.processors = append(c.processors, p)
	}

	if d.Peers != nil {
		p, err := newProcessor(NameRemoteSync, d.Index.RemoteList(), cfg, d, nil, "")
		if err != nil {
			return nil, err
		}
		p.handle = p.syncRemoteOrder
		c.processors = append(c.processors, p)
	}

	return c, nil
}

// Processors returns the managed processors.
func (c *Controller) Processors() []*Processor {
	return c.processors
}

// Processor returns the processor with the given name.
func (c *Controller) Processor(name string) (*Processor, error) {
	for _, p := range c.processors {
		if p.name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown processor %q", name)
}

// Start launches one goroutine per processor. It returns immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.group != nil {
		return errors.New("processors already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	for _, p := range c.processors {
		group.Go(func() error {
			return p.Run(ctx)
		})
	}
	c.cancel = cancel
	c.group = group

	c.deps.Logger.Info().Int("processors", len(c.processors)).Msg("Processors started")
	return nil
}

// Stop signals every processor and waits until their current passes have finished.
func (c *Controller) Stop() error {
	c.mu.Lock()
	cancel, group := c.cancel, c.group
	c.cancel, c.group = nil, nil
	c.mu.Unlock()

	if group == nil {
		return nil
	}
	cancel()
	err := group.Wait()
	c.deps.Logger.Info().Msg("Processors stopped")
	return err
}

// RunOnce runs a single pass of every processor in sequence.
func (c *Controller) RunOnce(ctx context.Context) {
	for _, p := range c.processors {
		p.RunOnce(ctx)
	}
}
