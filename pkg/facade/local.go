package facade

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbusfed/nimbus/pkg/connector"
	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
)

// LocalFacade serves the users of this provider.
type LocalFacade struct {
	core
}

// NewLocalFacade creates the facade behind the HTTP API.
func NewLocalFacade(opts Options) *LocalFacade {
	return &LocalFacade{core: newCore(opts, "local_facade")}
}

// CreateOrder validates and accepts a new order placed by user and returns its id.
func (f *LocalFacade) CreateOrder(ctx context.Context, user engine.SystemUser, order *engine.Order) (string, error) {
	var attrs []attribute.KeyValue
	if order != nil {
		attrs = append(attrs, telemetry.AttrOrderType.String(string(order.Type)))
	}
	op := telemetry.StartOperation(ctx, "facade.create_order", attrs...)
	id, err := f.createOrder(op.Ctx, user, order)
	op.End(err)
	return id, err
}

func (f *LocalFacade) createOrder(ctx context.Context, user engine.SystemUser, order *engine.Order) (string, error) {
	if err := checkUser(user); err != nil {
		return "", err
	}
	if order == nil {
		return "", engine.NewInvalidParameterError("order is required", nil)
	}

	order.Requester = user
	if order.Provider == "" {
		order.Provider = f.opts.LocalProvider
	}
	if err := validateOrder(order); err != nil {
		return "", err
	}
	if err := f.checkCloud(order); err != nil {
		return "", err
	}

	if err := f.authorize(ctx, user, engine.AuthorizationRequest{
		Operation:    engine.OperationCreate,
		ResourceType: order.Type,
		Provider:     order.Provider,
		CloudName:    order.CloudName,
	}); err != nil {
		return "", err
	}

	if err := f.checkDependencies(order); err != nil {
		return "", err
	}

	order.ID = newOrderID()
	if err := f.accept(ctx, order, "local"); err != nil {
		return "", err
	}
	return order.ID, nil
}

// GetOrder returns a copy of one of the user's orders.
func (f *LocalFacade) GetOrder(ctx context.Context, user engine.SystemUser, orderType engine.OrderType, id string) (*engine.Order, error) {
	order, err := f.owned(ctx, user, orderType, id, engine.OperationGet)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// GetInstance returns the order state together with the instance details when the
// cloud or provider can report them.
func (f *LocalFacade) GetInstance(ctx context.Context, user engine.SystemUser, orderType engine.OrderType, id string) (*engine.InstanceView, error) {
	op := telemetry.StartOperation(ctx, "facade.get_instance", telemetry.AttrOrderID.String(id))
	view, err := f.getInstance(op.Ctx, user, orderType, id)
	op.End(err)
	return view, err
}

func (f *LocalFacade) getInstance(ctx context.Context, user engine.SystemUser, orderType engine.OrderType, id string) (*engine.InstanceView, error) {
	order, err := f.owned(ctx, user, orderType, id, engine.OperationGet)
	if err != nil {
		return nil, err
	}

	view := &engine.InstanceView{
		OrderID:      order.ID,
		Type:         order.Type,
		OrderState:   order.State,
		Provider:     order.Provider,
		CloudName:    order.CloudName,
		FaultMessage: order.FaultMessage,
	}
	if order.State == engine.OrderStateClosed {
		return view, nil
	}

	view.Instance = connector.InstanceFromOrder(order)
	if order.InstanceID == "" && order.IsProviderLocal(f.opts.LocalProvider) {
		return view, nil
	}

	conn, err := f.opts.Connectors.Get(order.Provider, order.CloudName)
	if err != nil {
		return nil, err
	}
	instance, err := conn.GetInstance(ctx, order)
	switch {
	case err == nil:
		view.Instance = instance
	case engine.IsTransient(err), engine.IsInstanceNotFound(err):
		f.logger.Debug().Err(err).Str("order_id", order.ID).Msg("Instance details unavailable")
	default:
		return nil, err
	}
	return view, nil
}

// DeleteOrder releases one of the user's orders.
func (f *LocalFacade) DeleteOrder(ctx context.Context, user engine.SystemUser, orderType engine.OrderType, id string) error {
	op := telemetry.StartOperation(ctx, "facade.delete_order", telemetry.AttrOrderID.String(id))
	err := f.deleteUserOrder(op.Ctx, user, orderType, id)
	op.End(err)
	return err
}

func (f *LocalFacade) deleteUserOrder(ctx context.Context, user engine.SystemUser, orderType engine.OrderType, id string) error {
	if err := checkUser(user); err != nil {
		return err
	}
	order, err := f.opts.Index.Get(id)
	if err != nil {
		return err
	}

	order.Lock()
	defer order.Unlock()

	if order.Type != orderType && orderType != "" {
		return engine.NewNotFoundError("no "+string(orderType)+" order with id "+id, nil).WithOrder(id)
	}
	if err := checkOwner(order, user); err != nil {
		return err
	}
	if err := f.authorize(ctx, user, engine.AuthorizationRequest{
		Operation:    engine.OperationDelete,
		ResourceType: order.Type,
		Provider:     order.Provider,
		CloudName:    order.CloudName,
		OrderID:      order.ID,
	}); err != nil {
		return err
	}

	if err := f.deleteOrder(ctx, order); err != nil {
		return err
	}
	f.logger.Info().Str("order_id", order.ID).Str("state", string(order.State)).Msg("Order deletion requested")
	return nil
}

// ListOrders returns the user's active orders of the given type, oldest first. The
// empty type lists every type.
func (f *LocalFacade) ListOrders(ctx context.Context, user engine.SystemUser, orderType engine.OrderType) ([]engine.OrderSummary, error) {
	if err := checkUser(user); err != nil {
		return nil, err
	}
	if err := f.authorize(ctx, user, engine.AuthorizationRequest{
		Operation:    engine.OperationGetAll,
		ResourceType: orderType,
		Provider:     f.opts.LocalProvider,
	}); err != nil {
		return nil, err
	}

	type entry struct {
		summary engine.OrderSummary
		order   *engine.Order
	}
	var entries []entry
	for _, order := range f.opts.Index.Orders() {
		s := snapshot(order)
		if !s.Requester.Same(user) || (orderType != "" && s.Type != orderType) {
			continue
		}
		entries = append(entries, entry{
			summary: engine.OrderSummary{
				ID:        s.ID,
				Type:      s.Type,
				State:     s.State,
				Provider:  s.Provider,
				CloudName: s.CloudName,
			},
			order: s,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].order.CreatedAt.Equal(entries[j].order.CreatedAt) {
			return entries[i].order.ID < entries[j].order.ID
		}
		return entries[i].order.CreatedAt.Before(entries[j].order.CreatedAt)
	})

	out := make([]engine.OrderSummary, len(entries))
	for i, e := range entries {
		out[i] = e.summary
	}
	return out, nil
}

// GetUserQuota returns the user's quota at a cloud of this or another provider.
func (f *LocalFacade) GetUserQuota(ctx context.Context, user engine.SystemUser, providerID, cloudName string) (*engine.Quota, error) {
	op := telemetry.StartOperation(ctx, "facade.get_user_quota",
		telemetry.AttrProvider.String(providerID),
		telemetry.AttrCloudName.String(cloudName),
	)
	quota, err := f.getUserQuota(op.Ctx, user, providerID, cloudName)
	op.End(err)
	return quota, err
}

func (f *LocalFacade) getUserQuota(ctx context.Context, user engine.SystemUser, providerID, cloudName string) (*engine.Quota, error) {
	if err := checkUser(user); err != nil {
		return nil, err
	}
	if providerID == "" {
		providerID = f.opts.LocalProvider
	}
	if err := f.authorize(ctx, user, engine.AuthorizationRequest{
		Operation: engine.OperationGetQuota,
		Provider:  providerID,
		CloudName: cloudName,
	}); err != nil {
		return nil, err
	}

	conn, err := f.opts.Connectors.Get(providerID, cloudName)
	if err != nil {
		return nil, err
	}
	return conn.GetUserQuota(ctx, user)
}

// owned returns a copy of the user's order after authorizing op on it.
func (f *LocalFacade) owned(ctx context.Context, user engine.SystemUser, orderType engine.OrderType, id string, op engine.Operation) (*engine.Order, error) {
	if err := checkUser(user); err != nil {
		return nil, err
	}
	order, indexed, err := f.lookup(ctx, orderType, id)
	if err != nil {
		return nil, err
	}
	if indexed {
		order = snapshot(order)
	}
	if err := checkOwner(order, user); err != nil {
		return nil, err
	}
	if err := f.authorize(ctx, user, engine.AuthorizationRequest{
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
