package stores

import (
	"context"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	State     engine.OrderState
	Type      engine.OrderType
	Requester *engine.SystemUser
	Limit     int
	Offset    int
}

// AuditFilter narrows ListAuditRecords. Zero fields match everything.
type AuditFilter struct {
	OrderID   string
	UserID    string
	Operation string
	Limit     int
	Offset    int
}

// payloadRecord is the JSON document stored in the orders.payload column.
type payloadRecord struct {
	Compute    *engine.ComputeSpec    `json:"compute,omitempty"`
	Volume     *engine.VolumeSpec     `json:"volume,omitempty"`
	Network    *engine.NetworkSpec    `json:"network,omitempty"`
	Attachment *engine.AttachmentSpec `json:"attachment,omitempty"`
	PublicIP   *engine.PublicIPSpec   `json:"public_ip,omitempty"`
}

// Store defines the persistence layer used by the provider.
type Store interface {
	engine.Persistence

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Order queries
	GetOrder(ctx context.Context, id string) (*engine.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*engine.Order, error)
	ListStateChanges(ctx context.Context, orderID string) ([]*engine.StateChange, error)

	// Audit queries
	ListAuditRecords(ctx context.Context, filter AuditFilter) ([]*engine.AuditRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLStore)(nil)
