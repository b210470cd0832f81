// Package providers wires cloud drivers into a Nimbus provider.
//
// A Registry maps driver kinds to factories and configured cloud names to the
// drivers those factories built from YAML cloud manifests:
//
//	registry := providers.NewRegistry(logger)
//	_ = registry.RegisterKind(sim.Kind, sim.Factory)
//	_ = registry.ScanDirectory(ctx, "/etc/nimbus/clouds")
//	driver, err := registry.Driver("default")
//
// StaticUserMapper maps federated users to the credentials used at each cloud,
// and WaitForJob bounds the polling drivers do while a cloud-side job runs.
package providers
