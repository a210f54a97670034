// Package logfwd is the master-side log pipeline. Workflow code logs
// through a Forwarder without naming the action it runs under; the ambient
// action id and stage coordinates travel in the context.Context established
// by the coordinator and are captured when the event is enqueued.
//
// A single consumer goroutine pops events in order and dispatches each to
// the UI notifier and the stage's _master.log in the journal. Flush pushes
// a marker through the same queue and waits for it, so when Flush returns
// every log line enqueued before it is durable. The coordinator relies on
// that barrier before writing an action's terminal document.
package logfwd
