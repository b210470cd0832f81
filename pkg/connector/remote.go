package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
)

// RemoteConnector forwards operations to the provider that owns the resource.
type RemoteConnector struct {
	peerID    string
	cloudName string
	peer      engine.RemoteProvider
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	logger    zerolog.Logger
}

// NewRemoteConnector creates a connector for a cloud of the peer provider peerID.
func NewRemoteConnector(peerID, cloudName string, peer engine.RemoteProvider,
	metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger zerolog.Logger) *RemoteConnector {
	return &RemoteConnector{
		peerID:    peerID,
		cloudName: cloudName,
		peer:      peer,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger,
	}
}

// RequestInstance hands the order to its provider. The instance id is not known yet
// and is learned later by synchronizing with the provider.
func (c *RemoteConnector) RequestInstance(ctx context.Context, order *engine.Order) (string, error) {
	ctx, span := c.start(ctx, engine.OperationCreate)
	defer span.End()

	err := c.peer.CreateOrder(ctx, order)
	return "", c.finish(span, engine.OperationCreate, err)
}

// GetInstance returns the provider's view of the order's resource.
func (c *RemoteConnector) GetInstance(ctx context.Context, order *engine.Order) (*engine.Instance, error) {
	ctx, span := c.start(ctx, engine.OperationGet)
	defer span.End()

	instance, err := c.peer.GetInstance(ctx, order.ID, order.Type, order.Requester)
	if err = c.finish(span, engine.OperationGet, err); err != nil {
		return nil, err
	}
	return instance, nil
}

// DeleteInstance asks the provider to delete the order.
func (c *RemoteConnector) DeleteInstance(ctx context.Context, order *engine.Order) error {
	ctx, span := c.start(ctx, engine.OperationDelete)
	defer span.End()

	err := c.peer.DeleteOrder(ctx, order.ID, order.Type, order.Requester)
	return c.finish(span, engine.OperationDelete, err)
}

// GetUserQuota returns the user's quota at the provider's cloud.
func (c *RemoteConnector) GetUserQuota(ctx context.Context, user engine.SystemUser) (*engine.Quota, error) {
	ctx, span := c.start(ctx, engine.OperationGetQuota)
	defer span.End()

	quota, err := c.peer.GetUserQuota(ctx, c.cloudName, user)
	if err = c.finish(span, engine.OperationGetQuota, err); err != nil {
		return nil, err
	}
	return quota, nil
}

func (c *RemoteConnector) start(ctx context.Context, op engine.Operation) (context.Context, trace.Span) {
	c.metrics.RecordPeerRequest(c.peerID, string(op), "outbound")
	return c.tracer.StartPeerSpan(ctx, c.peerID, string(op))
}

// finish classifies the error. Anything the peer client could not classify is a
// connectivity problem.
func (c *RemoteConnector) finish(span trace.Span, op engine.Operation, err error) error {
	if err == nil {
		return nil
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		err = engine.NewUnavailableError(fmt.Sprintf("provider %s unreachable", c.peerID), err).
			WithOperation(string(op)).
			WithCode(engine.ErrCodePeerUnreachable)
	}

	c.metrics.RecordPeerError(c.peerID, string(op), string(engine.KindOf(err)))
	telemetry.RecordError(span, err)
	c.logger.Debug().Err(err).Str("peer", c.peerID).Str("operation", string(op)).Msg("Peer request failed")
	return err
}

var _ engine.CloudConnector = (*RemoteConnector)(nil)
