package engine

import (
	"encoding/json"
	"fmt"
)

// OrderState represents the lifecycle state of an order.
type OrderState string

const (
	// OrderStateOpen indicates the order was accepted and awaits dispatch.
	OrderStateOpen OrderState = "open"

	// OrderStatePending indicates the request was handed to a provider and awaits acceptance.
	OrderStatePending OrderState = "pending"

	// OrderStateSpawning indicates the cloud accepted the request and the resource is being created.
	OrderStateSpawning OrderState = "spawning"

	// OrderStateFulfilled indicates the resource is ready.
	OrderStateFulfilled OrderState = "fulfilled"

	// OrderStateUnableToCheckStatus indicates the resource state could not be determined.
	OrderStateUnableToCheckStatus OrderState = "unable_to_check_status"

	// OrderStateFailedAfterSuccessfulRequest indicates the resource failed after the cloud accepted it.
	OrderStateFailedAfterSuccessfulRequest OrderState = "failed_after_successful_request"

	// OrderStateFailedOnRequest indicates the cloud rejected the request.
	OrderStateFailedOnRequest OrderState = "failed_on_request"

	// OrderStateClosed indicates the order reached its end of life.
	OrderStateClosed OrderState = "closed"

	// OrderStateAssignedForDeletion indicates the resource must be released.
	OrderStateAssignedForDeletion OrderState = "assigned_for_deletion"

	// OrderStateCheckingDeletion indicates the release was requested and is being confirmed.
	OrderStateCheckingDeletion OrderState = "checking_deletion"
)

// AllOrderStates lists every order state in lifecycle order.
var AllOrderStates = []OrderState{
	OrderStateOpen,
	OrderStatePending,
	OrderStateSpawning,
	OrderStateFulfilled,
	OrderStateUnableToCheckStatus,
	OrderStateFailedAfterSuccessfulRequest,
	OrderStateFailedOnRequest,
	OrderStateAssignedForDeletion,
	OrderStateCheckingDeletion,
	OrderStateClosed,
}

// legalTransitions is the order lifecycle graph. Anything absent is illegal.
var legalTransitions = map[OrderState][]OrderState{
	OrderStateOpen: {
		OrderStatePending,
		OrderStateClosed,
		OrderStateSpawning,
		OrderStateFailedOnRequest,
	},
	OrderStatePending: {
		OrderStateSpawning,
		OrderStateFailedOnRequest,
		OrderStateOpen,
	},
	OrderStateSpawning: {
		OrderStateFulfilled,
		OrderStateFailedAfterSuccessfulRequest,
		OrderStateUnableToCheckStatus,
	},
	OrderStateFulfilled: {
		OrderStateSpawning,
		OrderStateFailedAfterSuccessfulRequest,
		OrderStateUnableToCheckStatus,
		OrderStateAssignedForDeletion,
	},
	OrderStateUnableToCheckStatus: {
		OrderStateFulfilled,
		OrderStateFailedAfterSuccessfulRequest,
		OrderStatePending,
	},
	OrderStateFailedOnRequest: {
		OrderStateAssignedForDeletion,
		OrderStateClosed,
	},
	OrderStateFailedAfterSuccessfulRequest: {
		OrderStateAssignedForDeletion,
		OrderStateClosed,
	},
	OrderStateAssignedForDeletion: {
		OrderStateCheckingDeletion,
	},
	OrderStateCheckingDeletion: {
		OrderStateClosed,
		OrderStateAssignedForDeletion,
	},
	OrderStateClosed: nil,
}

// CanTransition reports whether moving an order from one state to another is legal.
func CanTransition(from, to OrderState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for the state an order never leaves.
func (s OrderState) IsTerminal() bool {
	return s == OrderStateClosed
}

// IsFailed returns true for both failure states.
func (s OrderState) IsFailed() bool {
	return s == OrderStateFailedOnRequest || s == OrderStateFailedAfterSuccessfulRequest
}

// IsDeleting returns true while the order's resource is being released.
func (s OrderState) IsDeleting() bool {
	return s == OrderStateAssignedForDeletion || s == OrderStateCheckingDeletion
}

// Validate checks if the order state is valid.
func (s OrderState) Validate() error {
	if _, ok := legalTransitions[s]; !ok {
		return fmt.Errorf("invalid order state: %s", s)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s OrderState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OrderState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = OrderState(str)
	return s.Validate()
}

// OrderType identifies the kind of resource an order requests.
type OrderType string

const (
	// OrderTypeCompute requests a virtual machine.
	OrderTypeCompute OrderType = "compute"

	// OrderTypeVolume requests a block storage volume.
	OrderTypeVolume OrderType = "volume"

	// OrderTypeNetwork requests a private network.
	OrderTypeNetwork OrderType = "network"

	// OrderTypeAttachment requests attaching a volume to a compute.
	OrderTypeAttachment OrderType = "attachment"

	// OrderTypePublicIP requests a public address bound to a compute.
	OrderTypePublicIP OrderType = "publicip"
)

// AllOrderTypes lists every supported resource type.
var AllOrderTypes = []OrderType{
	OrderTypeCompute,
	OrderTypeVolume,
	OrderTypeNetwork,
	OrderTypeAttachment,
	OrderTypePublicIP,
}

// Validate checks if the order type is valid.
func (t OrderType) Validate() error {
	switch t {
	case OrderTypeCompute, OrderTypeVolume, OrderTypeNetwork,
		OrderTypeAttachment, OrderTypePublicIP:
		return nil
	default:
		return fmt.Errorf("invalid order type: %s", t)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (t OrderType) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (t *OrderType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*t = OrderType(str)
	return t.Validate()
}

// InstanceState is the provider-neutral state of a cloud resource.
type InstanceState string

const (
	// InstanceStateCreating indicates the resource exists but is not usable yet.
	InstanceStateCreating InstanceState = "creating"

	// InstanceStateReady indicates the resource is usable.
	InstanceStateReady InstanceState = "ready"

	// InstanceStateFailed indicates the cloud reports the resource as broken.
	InstanceStateFailed InstanceState = "failed"

	// InstanceStateDeleting indicates the cloud is releasing the resource.
	InstanceStateDeleting InstanceState = "deleting"

	// InstanceStateUnknown indicates nothing is known about the resource.
	InstanceStateUnknown InstanceState = "unknown"
)

// Validate checks if the instance state is valid.
func (s InstanceState) Validate() error {
	switch s {
	case InstanceStateCreating, InstanceStateReady, InstanceStateFailed,
		InstanceStateDeleting, InstanceStateUnknown:
		return nil
	default:
		return fmt.Errorf("invalid instance state: %s", s)
	}
}

// Operation names an action a user may be authorized to perform.
type Operation string

const (
	// OperationCreate creates an order.
	OperationCreate Operation = "create"

	// OperationGet reads an order and its instance.
	OperationGet Operation = "get"

	// OperationGetAll lists the caller's orders.
	OperationGetAll Operation = "get_all"

	// OperationDelete releases an order.
	OperationDelete Operation = "delete"

	// OperationGetQuota reads a user's quota at a cloud.
	OperationGetQuota Operation = "get_quota"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationCreate, OperationGet, OperationGetAll, OperationDelete, OperationGetQuota:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}
