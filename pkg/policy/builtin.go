package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
//
// The built-in policies read optional documents under data.nimbus, set from the policy
// configuration: providers (known provider ids), blocked_users (user keys)
// and read_only_clouds (cloud names). A policy whose document is missing never fires.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		knownProvidersPolicy(),
		blockedUsersPolicy(),
		readOnlyCloudsPolicy(),
		federationBoundaryPolicy(),
		identityPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego:        rego,
	}
}

// knownProvidersPolicy rejects requests for providers outside the federation.
func knownProvidersPolicy() Policy {
	return builtin("known-providers",
		"Orders may only target providers of the federation",
		SeverityError,
		[]string{"federation"},
		`package nimbus.policies.providers

import rego.v1

deny contains msg if {
	count(data.nimbus.providers) > 0
	input.provider != ""
	not input.provider in data.nimbus.providers
	msg := sprintf("provider %s is not part of the federation", [input.provider])
}
`)
}

// blockedUsersPolicy rejects every request of a blocked user.
func blockedUsersPolicy() Policy {
	return builtin("blocked-users",
		"Blocked users may not perform any operation",
		SeverityError,
		[]string{"users"},
		`package nimbus.policies.users

import rego.v1

deny contains msg if {
	input.user.key in data.nimbus.blocked_users
	msg := sprintf("user %s is blocked", [input.user.key])
}
`)
}

// readOnlyCloudsPolicy rejects new orders at clouds being drained.
func readOnlyCloudsPolicy() Policy {
	return builtin("read-only-clouds",
		"No new orders are accepted at read-only clouds",
		SeverityError,
		[]string{"clouds"},
		`package nimbus.policies.clouds

import rego.v1

deny contains msg if {
	input.operation == "create"
	input.provider == input.local_provider
	input.cloud_name in data.nimbus.read_only_clouds
	msg := sprintf("cloud %s does not accept new orders", [input.cloud_name])
}
`)
}

// federationBoundaryPolicy keeps users of other providers to resources of this provider.
func federationBoundaryPolicy() Policy {
	return builtin("federation-boundary",
		"Users of other providers may only act on resources of this provider",
		SeverityError,
		[]string{"federation"},
		`package nimbus.policies.boundary

import rego.v1

deny contains msg if {
	input.user.foreign
	input.provider != ""
	input.provider != input.local_provider
	msg := sprintf("user %s cannot act on provider %s through %s", [input.user.key, input.provider, input.local_provider])
}

deny contains msg if {
	input.user.foreign
	input.operation == "get_all"
	msg := sprintf("user %s cannot list orders at %s", [input.user.key, input.local_provider])
}
`)
}

// identityPolicy warns about users without a display name.
func identityPolicy() Policy {
	return builtin("user-identity",
		"Users should carry a display name",
		SeverityWarning,
		[]string{"users"},
		`package nimbus.policies.identity

import rego.v1

deny contains msg if {
	not input.user.foreign
	not input.user.name
	msg := sprintf("user %s has no display name", [input.user.key])
}
`)
}
