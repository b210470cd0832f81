// Package connector dispatches order operations to the cloud that holds the resource.
//
// A LocalConnector drives a cloud of this provider through its plugin, mapping the
// requester to cloud credentials, recording metrics and spans and, unless switched
// off, an audit record per request. A RemoteConnector forwards the same operations
// to the owning provider over the peer protocol. Factory.Get picks one per call.
package connector
