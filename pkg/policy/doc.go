// Package policy provides Open Policy Agent (OPA) authorization for nimbus.
//
// The Engine implements engine.Authorizer: every request reaching a facade is turned
// into an Input document and evaluated against the enabled Rego policies. Each policy
// contributes the elements of its deny set; a violation with error severity denies the
// request, lower severities are logged.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.Options{
//	    LocalProvider: "provider-a",
//	    Paths:         []string{"/etc/nimbus/policies"},
//	    Data: map[string]interface{}{
//	        "providers":     []string{"provider-a", "provider-b"},
//	        "blocked_users": []string{"mallory@provider-b"},
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Watch(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Writing policies
//
// A policy is a Rego module with a deny set. Elements are either messages or objects
// with a message and a severity:
//
//	# The edge cloud offers no block storage.
//	# severity: error
//	package nimbus.custom.volumes
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.operation == "create"
//	    input.resource_type == "volume"
//	    input.cloud_name == "edge"
//	    msg := "volumes are not offered at the edge cloud"
//	}
//
// The input document carries the user (id, name, identity_provider, key, foreign), the
// operation, resource_type, provider, cloud_name, order_id, local_provider and timestamp.
// Configuration data is available as data.nimbus.
//
// # Built-in Policies
//
//   - known-providers: orders may only target providers listed in data.nimbus.providers
//   - blocked-users: users listed in data.nimbus.blocked_users are denied everything
//   - read-only-clouds: no new orders at clouds listed in data.nimbus.read_only_clouds
//   - federation-boundary: users of other providers only act on this provider's resources
//   - user-identity: warns about local users without a display name
//
// Policy files under the configured paths are reloaded when they change.
package policy
