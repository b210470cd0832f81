package facade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
)

// CloudCatalog lists the clouds of this provider.
type CloudCatalog interface {
	// DefaultCloud returns the cloud used when an order names none.
	DefaultCloud() string

	// Clouds returns the configured cloud names.
	Clouds() []string
}

// OrderReader finds orders that left the index, such as closed ones.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*engine.Order, error)
}

// Options holds the collaborators of both facades.
type Options struct {
	// LocalProvider is the id of this provider.
	LocalProvider string

	Index        *engine.Index
	Transitioner *engine.Transitioner
	Connectors   engine.ConnectorFactory
	Clouds       CloudCatalog

	// Store persists new orders. May be nil.
	Store engine.Persistence

	// Authorizer decides every request. Nil allows everything.
	Authorizer engine.Authorizer

	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
	Logger  zerolog.Logger
}

var orderValidator = validator.New(validator.WithRequiredStructEnabled())

// core holds what the local and remote facades share.
type core struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

func newCore(opts Options, component string) core {
	return core{
		opts:   opts,
		logger: opts.Logger.With().Str("component", component).Logger(),
		now:    time.Now,
	}
}

func (c *core) authorize(ctx context.Context, user engine.SystemUser, req engine.AuthorizationRequest) error {
	if c.opts.Authorizer == nil {
		return nil
	}
	if err := c.opts.Authorizer.Authorize(ctx, user, req); err != nil {
		c.opts.Metrics.RecordError(string(engine.KindOf(err)))
		return err
	}
	return nil
}

// checkUser rejects requests that carry no identity.
func checkUser(user engine.SystemUser) error {
	if err := orderValidator.Struct(user); err != nil {
		return engine.NewUnauthenticatedError("request carries no valid identity", err)
	}
	return nil
}

// validateOrder checks the order envelope and its payload.
func validateOrder(order *engine.Order) error {
	if err := order.Validate(); err != nil {
		return engine.NewInvalidParameterError(err.Error(), err).WithCode(engine.ErrCodeValidation)
	}
	if err := orderValidator.Struct(order.Payload()); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return engine.NewInvalidParameterError("invalid "+string(order.Type)+" order: "+strings.Join(fields, ", "), err).
				WithCode(engine.ErrCodeValidation)
		}
		return engine.NewInvalidParameterError("invalid "+string(order.Type)+" order", err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// checkCloud applies the default cloud to local orders and rejects unknown clouds.
func (c *core) checkCloud(order *engine.Order) error {
	if c.opts.Clouds == nil || order.IsProviderRemote(c.opts.LocalProvider) {
		return nil
	}
	if order.CloudName == "" {
		order.CloudName = c.opts.Clouds.DefaultCloud()
		return nil
	}
	for _, name := range c.opts.Clouds.Clouds() {
		if name == order.CloudName {
			return nil
		}
	}
	return engine.NewInvalidParameterError(fmt.Sprintf("unknown cloud %q", order.CloudName), nil).
		WithCode(engine.ErrCodeValidation)
}

// checkDependencies verifies that the orders an order refers to exist, belong to the same
// user and live at the same provider.
func (c *core) checkDependencies(order *engine.Order) error {
	type ref struct {
		id   string
		want engine.OrderType
	}
	var refs []ref
	switch order.Type {
	case engine.OrderTypeCompute:
		for _, id := range order.Compute.NetworkOrderIDs {
			refs = append(refs, ref{id, engine.OrderTypeNetwork})
		}
	case engine.OrderTypeAttachment:
		refs = append(refs,
			ref{order.Attachment.ComputeOrderID, engine.OrderTypeCompute},
			ref{order.Attachment.VolumeOrderID, engine.OrderTypeVolume})
	case engine.OrderTypePublicIP:
		refs = append(refs, ref{order.PublicIP.ComputeOrderID, engine.OrderTypeCompute})
	case engine.OrderTypeVolume, engine.OrderTypeNetwork:
	}

	for _, r := range refs {
		dep, err := c.opts.Index.Get(r.id)
		if err != nil {
			return engine.NewInvalidParameterError(fmt.Sprintf("referenced %s order %s does not exist", r.want, r.id), err)
		}
		dep.Lock()
		snapshot := dep.Clone()
		dep.Unlock()

		switch {
		case snapshot.Type != r.want:
			return engine.NewInvalidParameterError(fmt.Sprintf("order %s is a %s order, not a %s order", r.id, snapshot.Type, r.want), nil)
		case !snapshot.Requester.Same(order.Requester):
			return engine.NewUnauthorizedError(fmt.Sprintf("referenced order %s belongs to another user", r.id), nil).
				WithCode(engine.ErrCodeNotOwner)
		case c.providerOf(snapshot) != c.providerOf(order):
			return engine.NewInvalidParameterError(fmt.Sprintf("referenced order %s lives at provider %s", r.id, c.providerOf(snapshot)), nil)
		case snapshot.State.IsDeleting() || snapshot.State == engine.OrderStateClosed:
			return engine.NewInvalidParameterError(fmt.Sprintf("referenced order %s is being deleted", r.id), nil)
		}
	}
	return nil
}

func (c *core) providerOf(order *engine.Order) string {
	if order.Provider == "" {
		return c.opts.LocalProvider
	}
	return order.Provider
}

// accept persists and indexes a validated order in state OPEN.
func (c *core) accept(ctx context.Context, order *engine.Order, origin string) error {
	now := c.now().UTC()
	order.State = engine.OrderStateOpen
	order.CreatedAt = now
	order.UpdatedAt = now
	order.InstanceID = ""
	order.FaultMessage = ""
	order.HandedOver = false
	if order.Compute != nil {
		order.Compute.Allocation = nil
	}

	if c.opts.Store != nil {
		if err := c.opts.Store.Save(ctx, order); err != nil {
			return engine.Wrap(err, "failed to store order")
		}
	}
	if err := c.opts.Index.Add(order); err != nil {
		return err
	}

	c.opts.Metrics.RecordOrderCreated(string(order.Type), origin)
	if err := c.opts.Events.PublishOrderCreated(order.ID, string(order.Type), order.Provider, order.Requester.String()); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to publish order created event")
	}
	c.logger.Info().
		Str("order_id", order.ID).
		Str("type", string(order.Type)).
		Str("provider", order.Provider).
		Str("cloud", order.CloudName).
		Str("requester", order.Requester.String()).
		Msg("Order accepted")
	return nil
}

// lookup returns the order with the given id and type. Orders no longer indexed are
// read from the store when it can.
func (c *core) lookup(ctx context.Context, orderType engine.OrderType, id string) (*engine.Order, bool, error) {
	order, err := c.opts.Index.Get(id)
	indexed := err == nil
	if err != nil {
		reader, ok := c.opts.Store.(OrderReader)
		if !ok {
			return nil, false, err
		}
		if order, err = reader.GetOrder(ctx, id); err != nil {
			return nil, false, err
		}
	}
	if orderType != "" && order.Type != orderType {
		return nil, false, engine.NewNotFoundError(fmt.Sprintf("no %s order with id %s", orderType, id), nil).WithOrder(id)
	}
	return order, indexed, nil
}

// snapshot copies the order under its lock.
func snapshot(order *engine.Order) *engine.Order {
	order.Lock()
	defer order.Unlock()
	return order.Clone()
}

// checkOwner verifies the user placed the order.
func checkOwner(order *engine.Order, user engine.SystemUser) error {
	if !order.Requester.Same(user) {
		return engine.NewUnauthorizedError("order belongs to another user", nil).
			WithOrder(order.ID).
			WithCode(engine.ErrCodeNotOwner)
	}
	return nil
}

// deleteOrder applies a deletion request to a locked, indexed order.
func (c *core) deleteOrder(ctx context.Context, order *engine.Order) error {
	remoteList := c.opts.Index.RemoteList()
	if loc, ok := c.opts.Index.Locate(order.ID); ok && loc == remoteList {
		return c.deleteRemote(ctx, order)
	}

	switch state := order.State; {
	case state == engine.OrderStateOpen:
		return c.opts.Transitioner.Transition(ctx, order, engine.OrderStateClosed)
	case state == engine.OrderStateFailedOnRequest && order.IsProviderRemote(c.opts.LocalProvider):
		return c.opts.Transitioner.Transition(ctx, order, engine.OrderStateClosed)
	case state == engine.OrderStateFulfilled, state.IsFailed():
		return c.opts.Transitioner.Transition(ctx, order, engine.OrderStateAssignedForDeletion)
	case state.IsDeleting(), state == engine.OrderStateClosed:
		return engine.NewConflictError("order is already being deleted", nil).WithOrder(order.ID)
	default:
		return engine.NewConflictError(fmt.Sprintf("order cannot be deleted while %s", state), nil).
			WithOrder(order.ID).
			WithDetail("state", string(state))
	}
}

// deleteRemote asks the owning provider to delete the order and mirrors the outcome.
func (c *core) deleteRemote(ctx context.Context, order *engine.Order) error {
	if order.State.IsDeleting() || order.State == engine.OrderStateClosed {
		return engine.NewConflictError("order is already being deleted", nil).WithOrder(order.ID)
	}
	conn, err := c.opts.Connectors.Get(order.Provider, order.CloudName)
	if err != nil {
		return err
	}
	if err := conn.DeleteInstance(ctx, order); err != nil {
		if !engine.IsNotFound(err) {
			return err
		}
		return c.opts.Transitioner.ReleaseFromRemoteList(ctx, order, engine.OrderStateClosed)
	}
	return c.opts.Transitioner.SyncRemoteState(ctx, order, engine.OrderStateAssignedForDeletion)
}

// newOrderID returns a fresh order id.
func newOrderID() string {
	return uuid.New().String()
}

// checkOrderID rejects ids that are not UUIDs.
func checkOrderID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return engine.NewInvalidParameterError(fmt.Sprintf("invalid order id %q", id), err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}
