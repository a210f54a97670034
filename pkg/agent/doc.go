// Package agent is the reference slave daemon. It holds one WebSocket
// session to the master (reconnecting with jittered backoff), answers
// readiness probes from its executor registry, runs dispatched tasks in
// per-task goroutines with timeout contexts, and ships task logs through a
// bounded buffer that honors the master's flush barriers.
package agent
