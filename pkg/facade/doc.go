// Package facade is the entry point of every user and peer request.
//
// The LocalFacade serves users authenticated by this provider: it validates new orders,
// checks ownership and authorization, applies defaults and hands accepted orders to the
// processors by indexing them in state open. The RemoteFacade serves peer providers
// acting for their own users and applies the same rules to the orders they forward.
//
// Deleting an order depends on where it is in its lifecycle:
//
//	open                                  closed
//	failed_on_request (never dispatched)  closed
//	fulfilled, failed_*                   assigned_for_deletion
//	held by another provider              deleted there, mirrored as assigned_for_deletion
//	being deleted, pending, spawning      conflict
package facade
