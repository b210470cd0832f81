// Package peer implements the protocol federated providers use to act on each
// other's orders.
//
// Every exchange is a single HTTP POST to StanzaPath carrying one request stanza as
// a line of JSON. The receiving provider answers with a result stanza or an error
// stanza repeating the request id:
//
//	{"id":"5f0c...","type":"request","operation":"get_order","from":"provider-a","to":"provider-b","timestamp":"...","data":{"order_id":"...","requester":{...}}}
//	{"id":"5f0c...","type":"result","operation":"get_order","from":"provider-b","to":"provider-a","timestamp":"...","data":{"order_id":"...","state":"fulfilled"}}
//
// Error stanzas carry the error kind, so a NotFound at the owning provider surfaces
// as a NotFound at the requesting one. A peer that cannot be reached at all is
// reported as unavailable with code PEER_UNREACHABLE.
//
// Providers authenticate with HTTP basic auth: the user is the sending provider id
// and the password a shared secret. The receiver keeps only a bcrypt hash of each
// peer's secret and rejects stanzas whose from field names another provider.
package peer
