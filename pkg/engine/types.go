package engine

import (
	"fmt"
	"sync"
	"time"
)

// SystemUser identifies the person behind a request and the provider that authenticated them.
type SystemUser struct {
	// ID is the user identifier, unique within its identity provider.
	ID string `json:"id" validate:"required"`

	// Name is the display name of the user.
	Name string `json:"name,omitempty"`

	// IdentityProvider is the id of the provider that authenticated the user.
	IdentityProvider string `json:"identity_provider" validate:"required"`
}

// Same returns true if both values denote the same federated user.
func (u SystemUser) Same(other SystemUser) bool {
	return u.ID == other.ID && u.IdentityProvider == other.IdentityProvider
}

// String returns the federated user key.
func (u SystemUser) String() string {
	return u.ID + "@" + u.IdentityProvider
}

// Order is a request for one cloud resource tracked through its lifecycle.
//
// The payload is a tagged union selected by Type: exactly one of Compute, Volume,
// Network, Attachment or PublicIP is set. Every field except the payload's compute
// allocation is written by the Transitioner or by the processor holding the lock.
type Order struct {
	mu sync.Mutex

	// ID is the unique identifier for this order.
	ID string `json:"id"`

	// Type is the kind of resource requested.
	Type OrderType `json:"type"`

	// State is the lifecycle state. Only the Transitioner changes it.
	State OrderState `json:"state"`

	// Requester is the user who placed the order.
	Requester SystemUser `json:"requester"`

	// Provider is the id of the provider that owns the resource.
	Provider string `json:"provider"`

	// CloudName selects the cloud at the owning provider.
	CloudName string `json:"cloud_name"`

	// InstanceID is the cloud-side identifier, set once the request succeeded.
	InstanceID string `json:"instance_id,omitempty"`

	// FaultMessage describes the first failure of the current failure episode.
	FaultMessage string `json:"fault_message,omitempty"`

	// HandedOver is set while the order sits in the remote list, waiting on the provider
	// that owns the resource.
	HandedOver bool `json:"handed_over,omitempty"`

	// CreatedAt is when the order was accepted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the order last changed.
	UpdatedAt time.Time `json:"updated_at"`

	Compute    *ComputeSpec    `json:"compute,omitempty"`
	Volume     *VolumeSpec     `json:"volume,omitempty"`
	Network    *NetworkSpec    `json:"network,omitempty"`
	Attachment *AttachmentSpec `json:"attachment,omitempty"`
	PublicIP   *PublicIPSpec   `json:"public_ip,omitempty"`
}

// Lock acquires the order's mutex. Every processor holds it while working on the order.
func (o *Order) Lock() { o.mu.Lock() }

// Unlock releases the order's mutex.
func (o *Order) Unlock() { o.mu.Unlock() }

// IsProviderLocal returns true if the resource is owned by the given local provider.
func (o *Order) IsProviderLocal(localProvider string) bool {
	return o.Provider == "" || o.Provider == localProvider
}

// IsProviderRemote returns true if another provider owns the resource.
func (o *Order) IsProviderRemote(localProvider string) bool {
	return !o.IsProviderLocal(localProvider)
}

// SetInstanceID records the cloud-side identifier. The first successful request wins.
func (o *Order) SetInstanceID(id string) {
	if o.InstanceID == "" {
		o.InstanceID = id
	}
}

// SetFaultMessage records msg unless the current failure episode already has a message.
func (o *Order) SetFaultMessage(msg string) {
	if o.FaultMessage == "" {
		o.FaultMessage = msg
	}
}

// ClearFaultMessage ends the current failure episode.
func (o *Order) ClearFaultMessage() {
	o.FaultMessage = ""
}

// Payload returns the type-specific part of the order.
func (o *Order) Payload() interface{} {
	switch o.Type {
	case OrderTypeCompute:
		return o.Compute
	case OrderTypeVolume:
		return o.Volume
	case OrderTypeNetwork:
		return o.Network
	case OrderTypeAttachment:
		return o.Attachment
	case OrderTypePublicIP:
		return o.PublicIP
	default:
		return nil
	}
}

// Validate checks the order envelope and that exactly the payload matching Type is set.
func (o *Order) Validate() error {
	if err := o.Type.Validate(); err != nil {
		return err
	}
	if o.State != "" {
		if err := o.State.Validate(); err != nil {
			return err
		}
	}

	set := map[OrderType]bool{
		OrderTypeCompute:    o.Compute != nil,
		OrderTypeVolume:     o.Volume != nil,
		OrderTypeNetwork:    o.Network != nil,
		OrderTypeAttachment: o.Attachment != nil,
		OrderTypePublicIP:   o.PublicIP != nil,
	}
	for t, present := range set {
		if t == o.Type && !present {
			return fmt.Errorf("%s order is missing its %s payload", o.Type, t)
		}
		if t != o.Type && present {
			return fmt.Errorf("%s order carries a %s payload", o.Type, t)
		}
	}
	return nil
}

// Clone returns a copy of the order data without its lock.
func (o *Order) Clone() *Order {
	c := &Order{
		ID:           o.ID,
		Type:         o.Type,
		State:        o.State,
		Requester:    o.Requester,
		Provider:     o.Provider,
		CloudName:    o.CloudName,
		InstanceID:   o.InstanceID,
		FaultMessage: o.FaultMessage,
		HandedOver:   o.HandedOver,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	if o.Compute != nil {
		compute := *o.Compute
		compute.NetworkOrderIDs = append([]string(nil), o.Compute.NetworkOrderIDs...)
		if o.Compute.Allocation != nil {
			alloc := *o.Compute.Allocation
			compute.Allocation = &alloc
		}
		c.Compute = &compute
	}
	if o.Volume != nil {
		volume := *o.Volume
		c.Volume = &volume
	}
	if o.Network != nil {
		network := *o.Network
		c.Network = &network
	}
	if o.Attachment != nil {
		attachment := *o.Attachment
		c.Attachment = &attachment
	}
	if o.PublicIP != nil {
		publicIP := *o.PublicIP
		c.PublicIP = &publicIP
	}
	return c
}

// ComputeSpec describes a requested virtual machine.
type ComputeSpec struct {
	Name            string   `json:"name,omitempty" validate:"omitempty,max=128"`
	VCPU            int      `json:"vcpu" validate:"min=1"`
	RAM             int      `json:"ram" validate:"min=1"`
	Disk            int      `json:"disk" validate:"min=0"`
	ImageID         string   `json:"image_id" validate:"required"`
	PublicKey       string   `json:"public_key,omitempty"`
	NetworkOrderIDs []string `json:"network_order_ids,omitempty" validate:"dive,uuid"`

	// Allocation is what the cloud actually granted, attached once the instance is ready.
	Allocation *ComputeAllocation `json:"allocation,omitempty"`
}

// ComputeAllocation is the resource footprint of a ready compute.
type ComputeAllocation struct {
	Instances int `json:"instances"`
	VCPU      int `json:"vcpu"`
	RAM       int `json:"ram"`
	Disk      int `json:"disk"`
}

// VolumeSpec describes a requested block storage volume.
type VolumeSpec struct {
	Name string `json:"name,omitempty" validate:"omitempty,max=128"`
	Size int    `json:"size" validate:"min=1"`
}

// NetworkAllocation is the address assignment mode of a network.
type NetworkAllocation string

const (
	// NetworkAllocationDynamic assigns addresses with DHCP.
	NetworkAllocationDynamic NetworkAllocation = "dynamic"

	// NetworkAllocationStatic expects statically configured addresses.
	NetworkAllocationStatic NetworkAllocation = "static"
)

// NetworkSpec describes a requested private network.
type NetworkSpec struct {
	Name       string            `json:"name,omitempty" validate:"omitempty,max=128"`
	CIDR       string            `json:"cidr" validate:"required,cidrv4"`
	Gateway    string            `json:"gateway,omitempty" validate:"omitempty,ipv4"`
	Allocation NetworkAllocation `json:"allocation" validate:"omitempty,oneof=dynamic static"`
}

// AttachmentSpec describes attaching a volume order to a compute order.
type AttachmentSpec struct {
	ComputeOrderID string `json:"compute_order_id" validate:"required,uuid"`
	VolumeOrderID  string `json:"volume_order_id" validate:"required,uuid"`
	Device         string `json:"device,omitempty"`
}

// PublicIPSpec describes a public address bound to a compute order.
type PublicIPSpec struct {
	ComputeOrderID string `json:"compute_order_id" validate:"required,uuid"`
}

// Instance is the provider-neutral view of a cloud resource.
type Instance struct {
	// ID is the cloud-side identifier.
	ID string `json:"id,omitempty"`

	// OrderID is the order the instance belongs to.
	OrderID string `json:"order_id"`

	// Type is the resource type.
	Type OrderType `json:"type"`

	// CloudState is the raw state string reported by the cloud.
	CloudState string `json:"cloud_state,omitempty"`

	// State is the normalized instance state.
	State InstanceState `json:"state"`

	// Attributes carries type-specific details such as addresses or sizes.
	Attributes map[string]string `json:"attributes,omitempty"`

	// FaultMessage is the reason for a failed instance, if known.
	FaultMessage string `json:"fault_message,omitempty"`
}

// InstanceView is what a user sees when asking for an order's instance.
type InstanceView struct {
	OrderID      string     `json:"order_id"`
	Type         OrderType  `json:"type"`
	OrderState   OrderState `json:"order_state"`
	Provider     string     `json:"provider"`
	CloudName    string     `json:"cloud_name"`
	FaultMessage string     `json:"fault_message,omitempty"`
	Instance     *Instance  `json:"instance,omitempty"`
}

// OrderSummary is one entry of a user's order listing.
type OrderSummary struct {
	ID        string     `json:"id"`
	Type      OrderType  `json:"type"`
	State     OrderState `json:"state"`
	Provider  string     `json:"provider"`
	CloudName string     `json:"cloud_name"`
}

// RemoteOrderStatus is what a peer reports about an order it owns.
type RemoteOrderStatus struct {
	OrderID      string     `json:"order_id"`
	State        OrderState `json:"state"`
	InstanceID   string     `json:"instance_id,omitempty"`
	FaultMessage string     `json:"fault_message,omitempty"`
}

// ResourceAllocation counts resources of every kind.
type ResourceAllocation struct {
	Instances int `json:"instances"`
	VCPU      int `json:"vcpu"`
	RAM       int `json:"ram"`
	Disk      int `json:"disk"`
	Volumes   int `json:"volumes"`
	Networks  int `json:"networks"`
	PublicIPs int `json:"public_ips"`
}

// Quota is a user's allowance at a cloud.
type Quota struct {
	Total     ResourceAllocation `json:"total"`
	Used      ResourceAllocation `json:"used"`
	Available ResourceAllocation `json:"available"`
}

// CloudUser holds the credentials a driver uses on behalf of a system user.
type CloudUser struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Token       string            `json:"-"`
	Credentials map[string]string `json:"-"`
}

// CloudInstance is what a driver reports about a resource.
type CloudInstance struct {
	ID         string
	CloudState string
	Attributes map[string]string
}

// AuditRecord is one audited request made on behalf of a user.
type AuditRecord struct {
	ID                 int64     `json:"id,omitempty"`
	Operation          string    `json:"operation"`
	ResourceType       OrderType `json:"resource_type"`
	UserID             string    `json:"user_id"`
	RequestingProvider string    `json:"requesting_provider,omitempty"`
	OrderID            string    `json:"order_id,omitempty"`
	CloudName          string    `json:"cloud_name,omitempty"`
	Outcome            string    `json:"outcome"`
	Timestamp          time.Time `json:"timestamp"`
}

// StateChange is one persisted state change of an order.
type StateChange struct {
	ID        int64      `json:"id"`
	OrderID   string     `json:"order_id"`
	State     OrderState `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
}
