package processors

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

// openOrder dispatches a new order to the cloud or provider that owns it.
func (p *Processor) openOrder(ctx context.Context, order *engine.Order) error {
	conn, err := p.connector(order, true)
	if err != nil {
		return p.reject(ctx, order, err)
	}

	instanceID, err := conn.RequestInstance(ctx, order)
	switch {
	case err == nil:
	case engine.IsTransient(err):
		p.logger.Debug().Err(err).Str("order_id", order.ID).Msg("Cloud unavailable, order stays open")
		return nil
	default:
		return p.reject(ctx, order, err)
	}

	if p.isRemote(order) {
		return p.deps.Transitioner.TransitionToRemoteList(ctx, order, engine.OrderStatePending)
	}
	order.SetInstanceID(instanceID)
	return p.deps.Transitioner.Transition(ctx, order, engine.OrderStateSpawning)
}

func (p *Processor) reject(ctx context.Context, order *engine.Order, cause error) error {
	p.logger.Info().Err(cause).Str("order_id", order.ID).Msg("Order request rejected")
	order.SetFaultMessage(cause.Error())
	return p.deps.Transitioner.Transition(ctx, order, engine.OrderStateFailedOnRequest)
}

// spawningOrder waits for a requested instance to become ready.
func (p *Processor) spawningOrder(ctx context.Context, order *engine.Order) error {
	if p.skipRemote(order) {
		return nil
	}
	instance, err := p.checkInstance(ctx, order)
	if err != nil {
		return p.lostTrack(ctx, order, err)
	}

	switch instance.State {
	case engine.InstanceStateReady:
		return p.fulfil(ctx, order, instance)
	case engine.InstanceStateFailed:
		return p.fail(ctx, order, instance.FaultMessage)
	default:
		return nil
	}
}

// fulfilledOrder re-verifies instances presumed healthy.
func (p *Processor) fulfilledOrder(ctx context.Context, order *engine.Order) error {
	if p.skipRemote(order) {
		return nil
	}
	instance, err := p.checkInstance(ctx, order)
	if err != nil {
		return p.lostTrack(ctx, order, err)
	}

	switch instance.State {
	case engine.InstanceStateReady:
		return nil
	case engine.InstanceStateFailed:
		return p.fail(ctx, order, instance.FaultMessage)
	case engine.InstanceStateDeleting:
		return p.fail(ctx, order, "instance is being deleted by the cloud")
	default:
		return p.deps.Transitioner.Transition(ctx, order, engine.OrderStateSpawning)
	}
}

// unableToCheckOrder retries the status check of orders whose state is unknown.
func (p *Processor) unableToCheckOrder(ctx context.Context, order *engine.Order) error {
	if p.isRemote(order) {
		p.logger.Error().
			Str("order_id", order.ID).
			Str("provider", order.Provider).
			Msg("Remote order found in the unable_to_check_status list, handing it back to its provider")
		if err := p.deps.Events.PublishRemoteAnomaly(order.ID, order.Provider, string(order.State)); err != nil {
			p.logger.Debug().Err(err).Msg("Failed to publish anomaly event")
		}
		return p.deps.Transitioner.TransitionToRemoteList(ctx, order, engine.OrderStatePending)
	}

	instance, err := p.checkInstance(ctx, order)
	switch {
	case engine.IsInstanceNotFound(err):
		return p.fail(ctx, order, err.Error())
	case err != nil:
		p.logger.Debug().Err(err).Str("order_id", order.ID).Msg("Instance still unreachable")
		return nil
	}

	switch instance.State {
	case engine.InstanceStateReady:
		return p.fulfil(ctx, order, instance)
	case engine.InstanceStateFailed:
		return p.fail(ctx, order, instance.FaultMessage)
	default:
		return nil
	}
}

// assignedForDeletionOrder asks the cloud to release the resource.
func (p *Processor) assignedForDeletionOrder(ctx context.Context, order *engine.Order) error {
	if order.InstanceID != "" || p.isRemote(order) {
		conn, err := p.connector(order, true)
		if err != nil {
			return err
		}
		if err := conn.DeleteInstance(ctx, order); err != nil && !engine.IsInstanceNotFound(err) {
			return err
		}
	}
	return p.deps.Transitioner.Transition(ctx, order, engine.OrderStateCheckingDeletion)
}

// checkingDeletionOrder confirms the resource is gone.
func (p *Processor) checkingDeletionOrder(ctx context.Context, order *engine.Order) error {
	if order.InstanceID == "" && !p.isRemote(order) {
		return p.deps.Transitioner.Transition(ctx, order, engine.OrderStateClosed)
	}

	instance, err := p.checkInstance(ctx, order)
	switch {
	case engine.IsInstanceNotFound(err):
		return p.deps.Transitioner.Transition(ctx, order, engine.OrderStateClosed)
	case err != nil:
		return err
	case instance.State == engine.InstanceStateDeleting:
		return nil
	default:
		p.logger.Warn().
			Str("order_id", order.ID).
			Str("instance_state", string(instance.State)).
			Msg("Instance survived deletion, requesting it again")
		return p.deps.Transitioner.Transition(ctx, order, engine.OrderStateAssignedForDeletion)
	}
}

// closedOrder drops a closed order from the index. Its history stays in the store.
func (p *Processor) closedOrder(_ context.Context, order *engine.Order) error {
	return p.deps.Index.Purge(order)
}

func (p *Processor) checkInstance(ctx context.Context, order *engine.Order) (*engine.Instance, error) {
	conn, err := p.connector(order, false)
	if err != nil {
		return nil, err
	}
	return conn.GetInstance(ctx, order)
}

// lostTrack routes an order whose status check failed.
func (p *Processor) lostTrack(ctx context.Context, order *engine.Order, err error) error {
	if engine.IsInstanceNotFound(err) {
		return p.fail(ctx, order, err.Error())
	}
	order.SetFaultMessage(err.Error())
	return p.deps.Transitioner.Transition(ctx, order, engine.OrderStateUnableToCheckStatus)
}

func (p *Processor) fail(ctx context.Context, order *engine.Order, fault string) error {
	if fault == "" {
		fault = "instance failed"
	}
	order.SetFaultMessage(fault)
	return p.deps.Transitioner.Transition(ctx, order, engine.OrderStateFailedAfterSuccessfulRequest)
}

func (p *Processor) fulfil(ctx context.Context, order *engine.Order, instance *engine.Instance) error {
	if order.Type == engine.OrderTypeCompute && order.Compute != nil && order.Compute.Allocation == nil {
		order.Compute.Allocation = allocationOf(order.Compute, instance)
	}
	order.ClearFaultMessage()
	return p.deps.Transitioner.Transition(ctx, order, engine.OrderStateFulfilled)
}

// skipRemote reports remote orders found in a local monitoring list. They are left
// alone: only the remote synchronization advances them.
func (p *Processor) skipRemote(order *engine.Order) bool {
	if !p.isRemote(order) {
		return false
	}
	p.logger.Warn().
		Str("order_id", order.ID).
		Str("provider", order.Provider).
		Msg("Remote order in a local monitoring list, skipping")
	return true
}

// allocationOf reads the granted footprint from the instance, falling back to the request.
func allocationOf(spec *engine.ComputeSpec, instance *engine.Instance) *engine.ComputeAllocation {
	return &engine.ComputeAllocation{
		Instances: 1,
		VCPU:      intAttr(instance.Attributes, "vcpu", spec.VCPU),
		RAM:       intAttr(instance.Attributes, "ram", spec.RAM),
		Disk:      intAttr(instance.Attributes, "disk", spec.Disk),
	}
}

func intAttr(attrs map[string]string, key string, fallback int) int {
	v, err := strconv.Atoi(attrs[key])
	if err != nil {
		return fallback
	}
	return v
}

// syncRemoteOrder reconciles a remote-list order with what its provider reports.
func (p *Processor) syncRemoteOrder(ctx context.Context, order *engine.Order) error {
	if p.deps.Peers == nil {
		return engine.NewUnexpectedError("remote order without federation", nil).WithOrder(order.ID)
	}
	peer, err := p.deps.Peers.Peer(order.Provider)
	if err != nil {
		return err
	}

	ctx, span := p.deps.Tracer.StartPeerSpan(ctx, order.Provider, "get_order")
	defer span.End()
	p.deps.Metrics.RecordPeerRequest(order.Provider, "get_order", "outbound")

	status, err := peer.GetOrder(ctx, order.ID, order.Requester)
	switch {
	case err == nil:
		return p.mirror(ctx, order, status)
	case engine.IsNotFound(err), engine.IsInstanceNotFound(err):
		return p.vanished(ctx, order)
	case engine.IsTransient(err):
		p.logger.Debug().Err(err).Str("order_id", order.ID).Msg("Provider unavailable, keeping last known state")
		return nil
	default:
		return err
	}
}

func (p *Processor) mirror(ctx context.Context, order *engine.Order, status *engine.RemoteOrderStatus) error {
	changed := false
	if status.InstanceID != "" && order.InstanceID == "" {
		order.SetInstanceID(status.InstanceID)
		changed = true
	}
	switch {
	case status.FaultMessage != "" && order.FaultMessage == "":
		order.SetFaultMessage(status.FaultMessage)
		changed = true
	case status.State == engine.OrderStateFulfilled && status.FaultMessage == "" && order.FaultMessage != "":
		order.ClearFaultMessage()
		changed = true
	}

	if status.State == engine.OrderStateClosed {
		return p.deps.Transitioner.ReleaseFromRemoteList(ctx, order, engine.OrderStateClosed)
	}
	if status.State != order.State {
		return p.deps.Transitioner.SyncRemoteState(ctx, order, status.State)
	}
	if changed {
		p.persist(ctx, order)
	}
	return nil
}

// vanished handles an order its provider does not know.
func (p *Processor) vanished(ctx context.Context, order *engine.Order) error {
	switch {
	case order.State == engine.OrderStatePending:
		p.logger.Info().Str("order_id", order.ID).Msg("Provider lost the order, dispatching it again")
		return p.deps.Transitioner.ReleaseFromRemoteList(ctx, order, engine.OrderStateOpen)
	case order.State.IsDeleting():
		return p.deps.Transitioner.ReleaseFromRemoteList(ctx, order, engine.OrderStateClosed)
	case order.State == engine.OrderStateFailedAfterSuccessfulRequest:
		return nil
	default:
		order.SetFaultMessage(fmt.Sprintf("order is unknown to provider %s", order.Provider))
		return p.deps.Transitioner.SyncRemoteState(ctx, order, engine.OrderStateFailedAfterSuccessfulRequest)
	}
}
