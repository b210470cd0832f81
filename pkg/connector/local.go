package connector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
)

// DriverResolver finds the driver of a configured cloud. The empty name selects the
// default cloud.
type DriverResolver interface {
	Driver(name string) (engine.CloudDriver, error)
}

// Audit outcomes.
const (
	OutcomeSuccess = "success"
)

// LocalConnector performs operations on clouds of the local provider through their drivers.
type LocalConnector struct {
	cloudName string
	drivers   DriverResolver
	mapper    engine.CloudUserMapper
	store     engine.Persistence
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	logger    zerolog.Logger
	auditing  atomic.Bool
}

// NewLocalConnector creates a connector for cloudName with auditing switched on.
// store, metrics and tracer may be nil.
func NewLocalConnector(cloudName string, drivers DriverResolver, mapper engine.CloudUserMapper,
	store engine.Persistence, metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger zerolog.Logger) *LocalConnector {
	c := &LocalConnector{
		cloudName: cloudName,
		drivers:   drivers,
		mapper:    mapper,
		store:     store,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger,
	}
	c.auditing.Store(store != nil)
	return c
}

// SwitchOffAuditing stops recording requests made through the connector.
func (c *LocalConnector) SwitchOffAuditing() {
	c.auditing.Store(false)
}

// Auditing reports whether requests are recorded.
func (c *LocalConnector) Auditing() bool {
	return c.auditing.Load()
}

// RequestInstance asks the cloud to create the order's resource.
func (c *LocalConnector) RequestInstance(ctx context.Context, order *engine.Order) (string, error) {
	var id string
	err := c.call(ctx, engine.OperationCreate, order, func(ctx context.Context, plugin engine.Plugin, user *engine.CloudUser) error {
		var err error
		id, err = plugin.RequestInstance(ctx, order, user)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetInstance returns the resource of the order. An order without an instance id gets
// a view derived from its state and no driver call is made.
func (c *LocalConnector) GetInstance(ctx context.Context, order *engine.Order) (*engine.Instance, error) {
	if order.InstanceID == "" {
		return InstanceFromOrder(order), nil
	}

	var instance *engine.Instance
	err := c.call(ctx, engine.OperationGet, order, func(ctx context.Context, plugin engine.Plugin, user *engine.CloudUser) error {
		ci, err := plugin.GetInstance(ctx, order, user)
		if err != nil {
			return err
		}
		instance = toInstance(order, plugin, ci)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// DeleteInstance asks the cloud to release the order's resource.
func (c *LocalConnector) DeleteInstance(ctx context.Context, order *engine.Order) error {
	return c.call(ctx, engine.OperationDelete, order, func(ctx context.Context, plugin engine.Plugin, user *engine.CloudUser) error {
		return plugin.DeleteInstance(ctx, order, user)
	})
}

// GetUserQuota returns the quota of user at the connector's cloud.
func (c *LocalConnector) GetUserQuota(ctx context.Context, user engine.SystemUser) (*engine.Quota, error) {
	start := time.Now()
	driver, err := c.drivers.Driver(c.cloudName)
	if err != nil {
		return nil, err
	}
	cloud := driver.Name()

	ctx, span := c.tracer.StartCloudSpan(ctx, cloud, string(engine.OperationGetQuota), "")
	defer span.End()

	quota, err := func() (*engine.Quota, error) {
		qp, err := driver.Quota()
		if err != nil {
			return nil, err
		}
		cloudUser, err := c.mapper.Map(ctx, user, cloud)
		if err != nil {
			return nil, err
		}
		return qp.GetUserQuota(ctx, cloudUser)
	}()
	err = c.finish(cloud, engine.OperationGetQuota, start, err)
	telemetry.RecordError(span, err)

	c.audit(ctx, &engine.AuditRecord{
		Operation:          string(engine.OperationGetQuota),
		UserID:             user.ID,
		RequestingProvider: user.IdentityProvider,
		CloudName:          cloud,
	}, err)

	if err != nil {
		return nil, err
	}
	return quota, nil
}

// call resolves driver, plugin and cloud user, then runs fn instrumented and audited.
func (c *LocalConnector) call(ctx context.Context, op engine.Operation, order *engine.Order,
	fn func(ctx context.Context, plugin engine.Plugin, user *engine.CloudUser) error) error {
	start := time.Now()

	driver, err := c.drivers.Driver(c.cloudName)
	if err != nil {
		return err
	}
	cloud := driver.Name()

	ctx, span := c.tracer.StartCloudSpan(ctx, cloud, string(op), order.ID)
	defer span.End()

	err = func() error {
		plugin, err := driver.Plugin(order.Type)
		if err != nil {
			return err
		}
		user, err := c.mapper.Map(ctx, order.Requester, cloud)
		if err != nil {
			return err
		}
		return fn(ctx, plugin, user)
	}()
	err = c.finish(cloud, op, start, err)
	if err != nil {
		telemetry.RecordError(span, err)
		c.logger.Debug().
			Err(err).
			Str("order_id", order.ID).
			Str("cloud", cloud).
			Str("operation", string(op)).
			Msg("Cloud request failed")
	}

	c.audit(ctx, &engine.AuditRecord{
		Operation:          string(op),
		ResourceType:       order.Type,
		UserID:             order.Requester.ID,
		RequestingProvider: order.Requester.IdentityProvider,
		OrderID:            order.ID,
		CloudName:          cloud,
	}, err)

	return err
}

// finish records the call metrics and classifies the error.
func (c *LocalConnector) finish(cloud string, op engine.Operation, start time.Time, err error) error {
	c.metrics.RecordCloudCall(cloud, string(op), time.Since(start))
	if err == nil {
		return nil
	}
	err = translate(err, op)
	c.metrics.RecordCloudError(cloud, string(op), string(engine.KindOf(err)))
	return err
}

func (c *LocalConnector) audit(ctx context.Context, record *engine.AuditRecord, err error) {
	if !c.auditing.Load() {
		return
	}
	record.Outcome = OutcomeSuccess
	if err != nil {
		record.Outcome = string(engine.KindOf(err))
	}
	record.Timestamp = time.Now().UTC()
	if auditErr := c.store.RegisterRequest(ctx, record); auditErr != nil {
		c.logger.Warn().Err(auditErr).Str("operation", record.Operation).Msg("Failed to audit request")
	}
}

// translate keeps classified errors and maps everything else a driver returns.
func translate(err error, op engine.Operation) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return engine.NewUnavailableError(fmt.Sprintf("cloud %s request timed out", op), err).
			WithOperation(string(op))
	}
	return engine.NewUnexpectedError(fmt.Sprintf("cloud %s request failed", op), err).
		WithOperation(string(op)).
		WithCode(engine.ErrCodeDriverFailed)
}

// toInstance builds the neutral view of what a plugin reported.
func toInstance(order *engine.Order, plugin engine.Plugin, ci *engine.CloudInstance) *engine.Instance {
	instance := &engine.Instance{
		ID:         ci.ID,
		OrderID:    order.ID,
		Type:       order.Type,
		CloudState: ci.CloudState,
		Attributes: ci.Attributes,
	}
	if instance.ID == "" {
		instance.ID = order.InstanceID
	}

	deleting := false
	if dr, ok := plugin.(engine.DeletionReporter); ok {
		deleting = dr.IsDeleting(ci.CloudState)
	}

	switch {
	case plugin.HasFailed(ci.CloudState):
		instance.State = engine.InstanceStateFailed
		instance.FaultMessage = ci.Attributes["fault"]
		if instance.FaultMessage == "" {
			instance.FaultMessage = fmt.Sprintf("cloud reports state %s", ci.CloudState)
		}
	case plugin.IsReady(ci.CloudState):
		instance.State = engine.InstanceStateReady
	case deleting:
		instance.State = engine.InstanceStateDeleting
	default:
		instance.State = engine.InstanceStateCreating
	}
	return instance
}

// InstanceFromOrder derives an instance view for an order that has no cloud resource yet.
func InstanceFromOrder(order *engine.Order) *engine.Instance {
	instance := &engine.Instance{
		ID:           order.InstanceID,
		OrderID:      order.ID,
		Type:         order.Type,
		FaultMessage: order.FaultMessage,
	}
	switch {
	case order.State.IsFailed():
		instance.State = engine.InstanceStateFailed
	case order.State.IsDeleting(), order.State == engine.OrderStateClosed:
		instance.State = engine.InstanceStateDeleting
	case order.State == engine.OrderStateOpen, order.State == engine.OrderStatePending,
		order.State == engine.OrderStateSpawning:
		instance.State = engine.InstanceStateCreating
	default:
		instance.State = engine.InstanceStateUnknown
	}
	return instance
}

var (
	_ engine.CloudConnector = (*LocalConnector)(nil)
	_ engine.Auditable      = (*LocalConnector)(nil)
)
