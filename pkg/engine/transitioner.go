package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Transitioner is the only component that changes an order's state.
//
// Every method expects the caller to hold the order's lock. The index move, the state
// write and the location update happen while both affected lists are held exclusively;
// persistence and observers are notified afterwards.
type Transitioner struct {
	index     *Index
	store     Persistence
	observers []StateObserver
	logger    zerolog.Logger
	now       func() time.Time
}

// NewTransitioner creates a transitioner over the given index. store may be nil.
func NewTransitioner(index *Index, store Persistence, logger zerolog.Logger, observers ...StateObserver) *Transitioner {
	return &Transitioner{
		index:     index,
		store:     store,
		observers: observers,
		logger:    logger.With().Str("component", "transitioner").Logger(),
		now:       time.Now,
	}
}

// Transition moves a local order to the list of its new state.
func (t *Transitioner) Transition(ctx context.Context, order *Order, to OrderState) error {
	dest, err := t.index.ListFor(to)
	if err != nil {
		return err
	}
	return t.move(ctx, order, dest, to, true)
}

// TransitionToRemoteList moves an order to the remote list, setting its new state.
func (t *Transitioner) TransitionToRemoteList(ctx context.Context, order *Order, to OrderState) error {
	return t.move(ctx, order, t.index.RemoteList(), to, true)
}

// SyncRemoteState mirrors the state reported by the owning provider. The order stays in
// the remote list and the owning provider is trusted with the lifecycle graph.
func (t *Transitioner) SyncRemoteState(ctx context.Context, order *Order, state OrderState) error {
	if err := state.Validate(); err != nil {
		return NewUnexpectedError("peer reported an unknown state", err).WithOrder(order.ID)
	}
	return t.move(ctx, order, t.index.RemoteList(), state, false)
}

// ReleaseFromRemoteList moves a remote order back into the local list of the given state.
func (t *Transitioner) ReleaseFromRemoteList(ctx context.Context, order *Order, to OrderState) error {
	loc, ok := t.index.Locate(order.ID)
	if !ok || loc != t.index.RemoteList() {
		return NewUnexpectedError("order is not in the remote list", nil).WithOrder(order.ID)
	}
	dest, err := t.index.ListFor(to)
	if err != nil {
		return err
	}
	return t.move(ctx, order, dest, to, false)
}

func (t *Transitioner) move(ctx context.Context, order *Order, dest *OrderList, to OrderState, checkGraph bool) error {
	origin, ok := t.index.Locate(order.ID)
	if !ok {
		return NewUnexpectedError("order is not indexed", nil).
			WithOrder(order.ID).
			WithCode(ErrCodeUnknownList)
	}

	from := order.State
	if checkGraph && !CanTransition(from, to) {
		return NewUnexpectedError(fmt.Sprintf("illegal transition from %s to %s", from, to), nil).
			WithOrder(order.ID).
			WithCode(ErrCodeIllegalTransition)
	}

	if err := t.index.move(order, origin, dest, func() {
		order.State = to
		order.HandedOver = dest == t.index.RemoteList()
		order.UpdatedAt = t.now().UTC()
	}); err != nil {
		return err
	}

	t.logger.Debug().
		Str("order_id", order.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("list", dest.Name()).
		Msg("Order state changed")

	if t.store != nil {
		if err := t.store.RegisterStateChange(ctx, order); err != nil {
			t.logger.Error().Err(err).
				Str("order_id", order.ID).
				Str("state", string(to)).
				Msg("Failed to persist state change")
		}
	}

	if len(t.observers) > 0 {
		snapshot := order.Clone()
		for _, o := range t.observers {
			o.OrderStateChanged(snapshot, from, to)
		}
	}
	return nil
}
