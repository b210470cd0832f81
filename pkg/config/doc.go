// Package config loads and validates the configuration of a nimbus provider.
//
// A configuration file is written in YAML or CUE. Both are checked against the
// built-in CUE schema (#config in SchemaRegistry), applied over Default and then
// validated with the struct tags of Config and the rules spanning several fields.
// The schema is closed, so a misspelled key is reported instead of silently ignored.
//
// # YAML
//
//	provider:
//	  id: provider-a
//	api:
//	  listen_address: :8080
//	peer:
//	  peers:
//	    - id: provider-b
//	      url: https://nimbus.provider-b.example.org
//	      secret: ${shared secret sent to provider-b}
//	      secret_hash: $2a$10$...   # nimbus hash-password
//	clouds:
//	  directory: /etc/nimbus/clouds
//	store:
//	  driver: postgres
//	  dsn: postgres://nimbus@db/nimbus
//	policy:
//	  paths: [/etc/nimbus/policies]
//	  data:
//	    read_only_clouds: [legacy]
//
// # CUE
//
// CUE files may compute values; hidden fields and comprehensions are evaluated
// before the schema check:
//
//	provider: id: "provider-a"
//
//	_peers: ["provider-b", "provider-c"]
//	peer: peers: [for p in _peers {
//	    id:          p
//	    url:         "https://nimbus.\(p).example.org"
//	    secret:      "..."
//	    secret_hash: "..."
//	}]
//
// Durations are Go duration strings ("500ms", "1m30s") in both formats.
//
// # Cloud manifests
//
// Loader.ValidateCloudDirectory checks the manifests of the clouds directory against
// the #cloud schema. It is stricter than the driver registry, which skips broken
// manifests at startup.
package config
