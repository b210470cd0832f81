package facade

import (
	"context"
	"fmt"

	"github.com/nimbusfed/nimbus/pkg/connector"
	"github.com/nimbusfed/nimbus/pkg/engine"
)

// RemoteFacade serves requests from peer providers on behalf of their users.
//
// A peer may only act for users it authenticated: the requester's identity provider
// must be the requesting provider.
type RemoteFacade struct {
	core
}

// NewRemoteFacade creates the facade behind the peer server.
func NewRemoteFacade(opts Options) *RemoteFacade {
	return &RemoteFacade{core: newCore(opts, "remote_facade")}
}

// CreateOrder accepts an order forwarded by requestingProvider. Forwarding the same
// order again is accepted without effect.
func (f *RemoteFacade) CreateOrder(ctx context.Context, requestingProvider string, order *engine.Order) error {
	if order == nil {
		return engine.NewInvalidParameterError("order is required", nil)
	}
	if err := f.checkRequester(requestingProvider, order.Requester); err != nil {
		return err
	}
	if order.Provider != f.opts.LocalProvider {
		return engine.NewInvalidParameterError(
			fmt.Sprintf("order targets provider %q, not %q", order.Provider, f.opts.LocalProvider), nil)
	}
	if err := checkOrderID(order.ID); err != nil {
		return err
	}

	if existing, err := f.opts.Index.Get(order.ID); err == nil {
		s := snapshot(existing)
		if s.Requester.Same(order.Requester) && s.Type == order.Type {
			f.logger.Debug().Str("order_id", order.ID).Msg("Order forwarded again, ignoring")
			return nil
		}
		return engine.NewConflictError("order id already in use", nil).WithOrder(order.ID)
	}

	if err := validateOrder(order); err != nil {
		return err
	}
	if err := f.checkCloud(order); err != nil {
		return err
	}
	if err := f.authorize(ctx, order.Requester, engine.AuthorizationRequest{
		Operation:    engine.OperationCreate,
		ResourceType: order.Type,
		Provider:     order.Provider,
		CloudName:    order.CloudName,
		OrderID:      order.ID,
	}); err != nil {
		return err
	}
	if err := f.checkDependencies(order); err != nil {
		return err
	}

	return f.accept(ctx, order, "remote")
}

// GetOrder reports the state of an order to the provider that forwarded it.
func (f *RemoteFacade) GetOrder(ctx context.Context, requestingProvider, orderID string, requester engine.SystemUser) (*engine.RemoteOrderStatus, error) {
	order, err := f.owned(ctx, requestingProvider, requester, "", orderID, engine.OperationGet)
	if err != nil {
		return nil, err
	}
	return &engine.RemoteOrderStatus{
		OrderID:      order.ID,
		State:        order.State,
		InstanceID:   order.InstanceID,
		FaultMessage: order.FaultMessage,
	}, nil
}

// GetInstance reports the instance of an order to the provider that forwarded it.
func (f *RemoteFacade) GetInstance(ctx context.Context, requestingProvider, orderID string, orderType engine.OrderType, requester engine.SystemUser) (*engine.Instance, error) {
	order, err := f.owned(ctx, requestingProvider, requester, orderType, orderID, engine.OperationGet)
	if err != nil {
		return nil, err
	}
	if order.InstanceID == "" || order.State == engine.OrderStateClosed {
		return connector.InstanceFromOrder(order), nil
	}

	conn, err := f.opts.Connectors.Get(f.opts.LocalProvider, order.CloudName)
	if err != nil {
		return nil, err
	}
	return conn.GetInstance(ctx, order)
}

// DeleteOrder releases an order on behalf of the provider that forwarded it.
func (f *RemoteFacade) DeleteOrder(ctx context.Context, requestingProvider, orderID string, orderType engine.OrderType, requester engine.SystemUser) error {
	if err := f.checkRequester(requestingProvider, requester); err != nil {
		return err
	}
	order, err := f.opts.Index.Get(orderID)
	if err != nil {
		return err
	}

	order.Lock()
	defer order.Unlock()

	if orderType != "" && order.Type != orderType {
		return engine.NewNotFoundError("no "+string(orderType)+" order with id "+orderID, nil).WithOrder(orderID)
	}
	if err := checkOwner(order, requester); err != nil {
		return err
	}
	if err := f.authorize(ctx, requester, engine.AuthorizationRequest{
		Operation:    engine.OperationDelete,
		ResourceType: order.Type,
		Provider:     order.Provider,
		CloudName:    order.CloudName,
		OrderID:      order.ID,
	}); err != nil {
		return err
	}
	return f.deleteOrder(ctx, order)
}

// GetUserQuota reports a user's quota at one of this provider's clouds.
func (f *RemoteFacade) GetUserQuota(ctx context.Context, requestingProvider, cloudName string, user engine.SystemUser) (*engine.Quota, error) {
	if err := f.checkRequester(requestingProvider, user); err != nil {
		return nil, err
	}
	if err := f.authorize(ctx, user, engine.AuthorizationRequest{
		Operation: engine.OperationGetQuota,
		Provider:  f.opts.LocalProvider,
		CloudName: cloudName,
	}); err != nil {
		return nil, err
	}
	conn, err := f.opts.Connectors.Get(f.opts.LocalProvider, cloudName)
	if err != nil {
		return nil, err
	}
	return conn.GetUserQuota(ctx, user)
}

// checkRequester verifies the peer acts for one of its own users.
func (f *RemoteFacade) checkRequester(requestingProvider string, user engine.SystemUser) error {
	if err := checkUser(user); err != nil {
		return err
	}
	if requestingProvider == "" || user.IdentityProvider != requestingProvider {
		return engine.NewUnauthorizedError(
			fmt.Sprintf("provider %q cannot act for users of %q", requestingProvider, user.IdentityProvider), nil).
			WithCode(engine.ErrCodeNotOwner)
	}
	return nil
}

func (f *RemoteFacade) owned(ctx context.Context, requestingProvider string, requester engine.SystemUser, orderType engine.OrderType, id string, op engine.Operation) (*engine.Order, error) {
	if err := f.checkRequester(requestingProvider, requester); err != nil {
		return nil, err
	}
	order, indexed, err := f.lookup(ctx, orderType, id)
	if err != nil {
		return nil, err
	}
	if indexed {
		order = snapshot(order)
	}
	if err := checkOwner(order, requester); err != nil {
		return nil, err
	}
	if err := f.authorize(ctx, requester, engine.AuthorizationRequest{
		Operation:    op,
		ResourceType: order.Type,
		Provider:     order.Provider,
		CloudName:    order.CloudName,
		OrderID:      order.ID,
	}); err != nil {
		return nil, err
	}
	return order, nil
}
