// Package processors drives orders through their lifecycle.
//
// Each Processor is a poll loop bound to one list of the shared order index. A pass
// selects the orders currently in the list and, for each one, locks it, checks it is
// still in the list and runs the handler of that state:
//
//	open                   request the instance, local or at the owning provider
//	spawning               wait for the instance to become ready
//	fulfilled              re-check instances presumed healthy
//	unable_to_check_status retry the status check
//	assigned_for_deletion  ask the cloud to release the instance
//	checking_deletion      confirm the instance is gone
//	closed                 purge the order from the index
//	remote                 mirror the state reported by the owning provider
//
// A failing order never stops a pass: the error is logged, the fault message is set
// and the processor's fallback transition runs. The Controller starts one goroutine per
// processor and stops them cooperatively.
package processors
