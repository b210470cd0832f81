package connector

import (
	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
)

// Options holds the dependencies shared by every connector a Factory creates.
type Options struct {
	// LocalProvider is the id of this provider.
	LocalProvider string

	Drivers DriverResolver
	Mapper  engine.CloudUserMapper
	Peers   engine.PeerDirectory

	// Store receives audit records. Nil disables auditing.
	Store engine.Persistence

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Logger  zerolog.Logger
}

// Factory resolves the connector for a resource owner and cloud.
type Factory struct {
	opts Options
}

// NewFactory creates a connector factory.
func NewFactory(opts Options) *Factory {
	opts.Logger = opts.Logger.With().Str("component", "connector").Logger()
	return &Factory{opts: opts}
}

// LocalProvider returns the id of this provider.
func (f *Factory) LocalProvider() string { return f.opts.LocalProvider }

// Get returns a fresh connector: local when providerID is empty or this provider, remote
// otherwise. Local connectors start with auditing switched on.
func (f *Factory) Get(providerID, cloudName string) (engine.CloudConnector, error) {
	o := f.opts
	if providerID == "" || providerID == o.LocalProvider {
		return NewLocalConnector(cloudName, o.Drivers, o.Mapper, o.Store, o.Metrics, o.Tracer, o.Logger), nil
	}

	if o.Peers == nil {
		return nil, engine.NewInvalidParameterError("federation is not configured", nil).
			WithDetail("provider", providerID)
	}
	peer, err := o.Peers.Peer(providerID)
	if err != nil {
		return nil, err
	}
	return NewRemoteConnector(providerID, cloudName, peer, o.Metrics, o.Tracer, o.Logger), nil
}

var _ engine.ConnectorFactory = (*Factory)(nil)
