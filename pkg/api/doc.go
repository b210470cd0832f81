// Package api serves the user-facing HTTP interface of a nimbus provider.
//
// Users are authenticated by a proxy in front of the API, which passes the identity
// in the X-Nimbus-User, X-Nimbus-User-Name and X-Nimbus-Identity-Provider headers.
// Requests without a user are rejected with 401.
//
// Routes:
//
//	GET    /healthz
//	GET    /metrics
//	GET    /v1/quota?provider=&cloud=
//	GET    /v1/orders
//	GET    /v1/orders/{type}
//	POST   /v1/orders/{type}
//	GET    /v1/orders/{type}/{id}
//	DELETE /v1/orders/{type}/{id}
//	GET    /v1/orders/{type}/{id}/instance
//	GET    /v1/orders/{type}/{id}/history
//
// {type} is one of compute, volume, network, attachment or publicip. Errors are
// answered as JSON with the HTTP status derived from the engine error kind.
package api
