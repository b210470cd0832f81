package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for violations that are logged but do not deny the request.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that deny the request.
	SeverityError Severity = "error"
)

// Blocks reports whether a violation of this severity denies the request.
func (s Severity) Blocks() bool {
	return s == SeverityError
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are collected from its deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with nimbus.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy against one request.
type Decision struct {
	// Allowed indicates if the request may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists the violations that deny the request.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the request.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Reason joins the messages of the blocking violations.
func (d *Decision) Reason() string {
	if len(d.Violations) == 0 {
		return ""
	}
	reason := d.Violations[0].Message
	for _, v := range d.Violations[1:] {
		reason += "; " + v.Message
	}
	return reason
}

// Input is the document policies see as input.
type Input struct {
	// User is the user performing the operation.
	User InputUser `json:"user"`

	// Operation is the operation being performed (create, get, get_all, delete, get_quota).
	Operation string `json:"operation"`

	// ResourceType is the order type, empty for quota and listing of every type.
	ResourceType string `json:"resource_type,omitempty"`

	// Provider is the provider owning the resource.
	Provider string `json:"provider,omitempty"`

	// CloudName is the cloud at the owning provider.
	CloudName string `json:"cloud_name,omitempty"`

	// OrderID is set for requests on an existing order.
	OrderID string `json:"order_id,omitempty"`

	// LocalProvider is the id of the provider evaluating the request.
	LocalProvider string `json:"local_provider"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// InputUser describes the requester.
type InputUser struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	IdentityProvider string `json:"identity_provider"`

	// Key is the federated user key, id@identity_provider.
	Key string `json:"key"`

	// Foreign is true for users authenticated by another provider.
	Foreign bool `json:"foreign"`
}

// Bundle represents a collection of related policies.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`
}
