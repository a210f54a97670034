// Package master is the coordinator for master actions: admission, handler
// dispatch, stage sequencing, and terminal bookkeeping.
//
// At most one master action runs at a time, enforced by a single-slot
// admission gate acquired with zero timeout. An admitted action runs its
// handler on a detached goroutine; the handler sequences stages through the
// dispatcher via HandlerContext.RunStage and never touches the wire itself.
//
// Every run ends the same way regardless of outcome: the log forwarder is
// flushed, the terminal document and change journal outcome row are
// written, stage mappings are cleared, the completion event is published,
// and the admission slot is released. Cancellation is cooperative through
// the run's context and always wins over late failure updates.
package master
