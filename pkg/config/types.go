package config

import (
	"fmt"
	"time"

	"github.com/nimbusfed/nimbus/pkg/processors"
	"github.com/nimbusfed/nimbus/pkg/providers"
	"github.com/nimbusfed/nimbus/pkg/stores"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
	"github.com/nimbusfed/nimbus/pkg/transports/peer"
)

// Config is the complete configuration of a nimbus provider.
type Config struct {
	// Provider identifies this provider within the federation.
	Provider ProviderConfig `yaml:"provider"`

	// API configures the client-facing HTTP API.
	API APIConfig `yaml:"api"`

	// Peer configures the federation protocol.
	Peer PeerConfig `yaml:"peer"`

	// Clouds configures the cloud manifests and the credentials used at each cloud.
	Clouds CloudsConfig `yaml:"clouds"`

	// Store configures order persistence.
	Store stores.Config `yaml:"store"`

	// Processors configures the poll intervals of the order processors.
	Processors processors.Config `yaml:"processors"`

	// Policy configures the authorization policies.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Source is the file the configuration was loaded from, if any.
	Source string `yaml:"-"`
}

// ProviderConfig identifies the local provider.
type ProviderConfig struct {
	// ID is the provider id other providers and order requesters refer to.
	ID string `yaml:"id" validate:"required,hostname_rfc1123"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	// ListenAddress is the address the API binds to.
	ListenAddress string `yaml:"listen_address" validate:"required,hostname_port"`

	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// PeerConfig configures the federation protocol.
type PeerConfig struct {
	// ListenAddress serves the peer protocol on a dedicated listener. When empty
	// the stanza endpoint is mounted on the API server.
	ListenAddress string `yaml:"listen_address,omitempty" validate:"omitempty,hostname_port"`

	// Peers lists the federated providers.
	Peers []peer.Config `yaml:"peers,omitempty" validate:"dive"`
}

// CloudsConfig configures the local clouds.
type CloudsConfig struct {
	// Directory holds one YAML manifest per cloud.
	Directory string `yaml:"directory" validate:"required"`

	// Credentials maps cloud names to the credentials used there.
	Credentials map[string]providers.CloudCredentials `yaml:"credentials,omitempty" validate:"dive"`
}

// PolicyConfig configures authorization.
type PolicyConfig struct {
	// Enabled turns authorization on. When off every request is allowed.
	Enabled bool `yaml:"enabled"`

	// Paths lists policy files and directories.
	Paths []string `yaml:"paths,omitempty"`

	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`

	// Disabled lists built-in policies that are switched off.
	Disabled []string `yaml:"disabled,omitempty"`

	// Data is exposed to policies as data.nimbus.
	Data map[string]interface{} `yaml:"data,omitempty"`
}

// Default returns a configuration that runs a standalone provider with a SQLite
// database in the working directory.
func Default() *Config {
	return &Config{
		API: APIConfig{
			ListenAddress:   ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Clouds: CloudsConfig{
			Directory: "clouds",
		},
		Store: stores.Config{
			Driver: stores.DriverSQLite,
			Path:   "nimbus.db",
		},
		Processors: processors.DefaultConfig(),
		Policy: PolicyConfig{
			Enabled: true,
			Watch:   true,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Validate checks field constraints and the rules that span several fields.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Store.Driver {
	case stores.DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("invalid configuration: store.path is required for the sqlite driver")
		}
	case stores.DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("invalid configuration: store.dsn is required for the postgres driver")
		}
	}

	seen := make(map[string]bool, len(c.Peer.Peers))
	for _, p := range c.Peer.Peers {
		if p.ID == c.Provider.ID {
			return fmt.Errorf("invalid configuration: peer %s is the local provider", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("invalid configuration: peer %s configured twice", p.ID)
		}
		seen[p.ID] = true
	}

	if c.Peer.ListenAddress != "" && c.Peer.ListenAddress == c.API.ListenAddress {
		return fmt.Errorf("invalid configuration: peer.listen_address must differ from api.listen_address")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: telemetry: %w", err)
	}

	return nil
}

// ProviderIDs returns the local provider followed by every peer.
func (c *Config) ProviderIDs() []string {
	ids := make([]string, 0, len(c.Peer.Peers)+1)
	ids = append(ids, c.Provider.ID)
	for _, p := range c.Peer.Peers {
		ids = append(ids, p.ID)
	}
	return ids
}

// PolicyData returns Policy.Data with the provider list filled in when the
// configuration does not set one.
func (c *Config) PolicyData() map[string]interface{} {
	data := make(map[string]interface{}, len(c.Policy.Data)+1)
	for k, v := range c.Policy.Data {
		data[k] = v
	}
	if _, ok := data["providers"]; !ok {
		data["providers"] = c.ProviderIDs()
	}
	return data
}
