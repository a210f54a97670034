// Package dispatch executes one multi-node stage of a master action: the
// readiness handshake, task dispatch, live progress aggregation, the
// cancellation and timeout state machines, and the end-of-stage log-flush
// barrier.
//
// # Execution shape
//
// Execute drives a NodeAction — a bag of NodeTasks sharing one node action
// id — to a terminal aggregate state. Per stage it runs a single-consumer
// log queue (preserving per-node log order end to end), a health watch that
// fails tasks whose node drops mid-flight, a one-shot readiness timeout,
// and per-task execution timers armed at dispatch. Slave replies arrive
// through the On* callbacks, routed by the registry.
//
// # Aggregate status
//
// After every task mutation the aggregate is recalculated before progress
// is reported, so observers never see progress inconsistent with status.
// With all tasks terminal: all Succeeded/SucceededWithIssues means
// Succeeded; any Cancelled or Cancelling means Cancelled; any
// SucceededWithIssues without a Failed means SucceededWithErrors; anything
// else means Failed.
//
// # Cancellation
//
// Cancellation is cooperative. Participants on Offline or Unreachable nodes
// are cancelled immediately without wire traffic; the rest get a CancelTask
// and a bounded window to confirm before being forcibly cancelled.
//
// # Flush barrier
//
// Before Execute returns, every Online participant is asked to flush its
// buffered logs and confirm; the stage queue is then closed and drained.
// Logs that preceded the terminal result are therefore durable before the
// result reaches the coordinator.
package dispatch
