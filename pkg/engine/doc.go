// Package engine provides the order model and lifecycle core of the Nimbus control plane.
//
// # Overview
//
// Nimbus accepts requests for cloud resources and tracks each request, an Order,
// through an asynchronous lifecycle until the resource is ready, failed or released.
// Orders owned by another provider are forwarded to that provider and mirrored locally.
//
// # Order Lifecycle
//
// The legal transitions are:
//
//	open                     -> pending, spawning, failed_on_request, closed
//	pending                  -> spawning, failed_on_request, open
//	spawning                 -> fulfilled, failed_after_successful_request, unable_to_check_status
//	fulfilled                -> spawning, failed_after_successful_request, unable_to_check_status, assigned_for_deletion
//	unable_to_check_status   -> fulfilled, failed_after_successful_request, pending
//	failed_*                 -> assigned_for_deletion, closed
//	assigned_for_deletion    -> checking_deletion
//	checking_deletion        -> closed, assigned_for_deletion
//	closed                   (terminal)
//
// # Shared Order Index
//
// The Index keeps one OrderList per state plus the remote list. Each active order sits
// in exactly one list. Lists are versioned: a Cursor fails with
// ErrModifiedDuringIteration once its list changed, and OrderList.Select restarts the pass.
//
// # Transitioner
//
// The Transitioner is the only writer of Order.State:
//
//	order.Lock()
//	defer order.Unlock()
//	if err := transitioner.Transition(ctx, order, engine.OrderStateSpawning); err != nil {
//	    return err
//	}
//
// # Errors
//
// Every failure crossing a package boundary is an *EngineError carrying an ErrorKind.
// Processors route orders on the kind; the HTTP and peer surfaces map it to status codes.
package engine
