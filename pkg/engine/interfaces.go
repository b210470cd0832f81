package engine

import (
	"context"
)

// Plugin manages one resource type at one cloud.
type Plugin interface {
	// RequestInstance asks the cloud to create the resource and returns its cloud-side id.
	RequestInstance(ctx context.Context, order *Order, user *CloudUser) (string, error)

	// GetInstance reports the current cloud-side state of the resource.
	GetInstance(ctx context.Context, order *Order, user *CloudUser) (*CloudInstance, error)

	// DeleteInstance asks the cloud to release the resource.
	DeleteInstance(ctx context.Context, order *Order, user *CloudUser) error

	// IsReady returns true if the raw cloud state means the resource is usable.
	IsReady(cloudState string) bool

	// HasFailed returns true if the raw cloud state means the resource is broken.
	HasFailed(cloudState string) bool
}

// DeletionReporter is implemented by plugins whose clouds expose an in-progress deletion state.
type DeletionReporter interface {
	IsDeleting(cloudState string) bool
}

// QuotaPlugin reports a user's allowance at a cloud.
type QuotaPlugin interface {
	// GetUserQuota returns the quota of the cloud user.
	GetUserQuota(ctx context.Context, user *CloudUser) (*Quota, error)
}

// CloudDriver groups the plugins of one configured cloud.
type CloudDriver interface {
	// Name returns the configured cloud name.
	Name() string

	// Plugin returns the plugin for the given resource type.
	Plugin(orderType OrderType) (Plugin, error)

	// Quota returns the quota plugin of the cloud.
	Quota() (QuotaPlugin, error)
}

// CloudUserMapper maps a federated user to the credentials used at a cloud.
type CloudUserMapper interface {
	// Map returns the cloud user acting on behalf of user at cloudName.
	Map(ctx context.Context, user SystemUser, cloudName string) (*CloudUser, error)
}

// CloudConnector performs resource operations for an order wherever its resource lives.
type CloudConnector interface {
	// RequestInstance dispatches the creation request and returns the instance id, if known.
	RequestInstance(ctx context.Context, order *Order) (string, error)

	// GetInstance returns the current view of the order's resource.
	GetInstance(ctx context.Context, order *Order) (*Instance, error)

	// DeleteInstance releases the order's resource.
	DeleteInstance(ctx context.Context, order *Order) error

	// GetUserQuota returns the quota of user at the connector's cloud.
	GetUserQuota(ctx context.Context, user SystemUser) (*Quota, error)
}

// Auditable is implemented by connectors that record the requests they serve.
type Auditable interface {
	// SwitchOffAuditing stops recording requests made through the connector.
	SwitchOffAuditing()
}

// ConnectorFactory resolves the connector for a provider and cloud.
type ConnectorFactory interface {
	// Get returns the connector for the resource owner and cloud name.
	Get(providerID, cloudName string) (CloudConnector, error)
}

// RemoteProvider is the peer protocol spoken with another provider.
type RemoteProvider interface {
	// CreateOrder hands a new order to the owning provider.
	CreateOrder(ctx context.Context, order *Order) error

	// GetOrder returns the owning provider's view of the order state.
	GetOrder(ctx context.Context, orderID string, requester SystemUser) (*RemoteOrderStatus, error)

	// GetInstance returns the owning provider's view of the order's resource.
	GetInstance(ctx context.Context, orderID string, orderType OrderType, requester SystemUser) (*Instance, error)

	// DeleteOrder asks the owning provider to release the order.
	DeleteOrder(ctx context.Context, orderID string, orderType OrderType, requester SystemUser) error

	// GetUserQuota returns the user's quota at one of the provider's clouds.
	GetUserQuota(ctx context.Context, cloudName string, user SystemUser) (*Quota, error)
}

// PeerDirectory resolves remote providers by id.
type PeerDirectory interface {
	// Peer returns the client for the given provider.
	Peer(providerID string) (RemoteProvider, error)
}

// Persistence stores orders and their history.
type Persistence interface {
	// Save stores a newly created order.
	Save(ctx context.Context, order *Order) error

	// Update stores the current fields of an existing order.
	Update(ctx context.Context, order *Order) error

	// ReadActiveOrders returns every stored order in the given state.
	ReadActiveOrders(ctx context.Context, state OrderState) ([]*Order, error)

	// RegisterStateChange stores the order's new state and appends it to its history.
	RegisterStateChange(ctx context.Context, order *Order) error

	// RegisterRequest appends an audit record.
	RegisterRequest(ctx context.Context, record *AuditRecord) error
}

// Authorizer decides whether a user may perform an operation.
type Authorizer interface {
	// Authorize returns an unauthorized error if the request is not allowed.
	Authorize(ctx context.Context, user SystemUser, req AuthorizationRequest) error
}

// AuthorizationRequest describes the operation being authorized.
type AuthorizationRequest struct {
	Operation    Operation `json:"operation"`
	ResourceType OrderType `json:"resource_type"`
	Provider     string    `json:"provider"`
	CloudName    string    `json:"cloud_name"`
	OrderID      string    `json:"order_id,omitempty"`
}

// StateObserver is notified after every order state change.
type StateObserver interface {
	// OrderStateChanged receives a copy of the order after the change.
	OrderStateChanged(order *Order, from, to OrderState)
}
