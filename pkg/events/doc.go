/*
Package events provides the in-memory notification bus for Drover's UI surface.

The events package implements a lightweight broker for broadcasting workflow
and fleet notifications to interested subscribers, primarily the WebSocket
event stream served by pkg/api. Publishing is non-blocking so a slow UI can
never stall the orchestration core.

# Architecture

	┌──────────────────── NOTIFIER ─────────────────────────┐
	│                                                         │
	│  ┌───────────────────────────────────────┐            │
	│  │              Notifier                   │            │
	│  │  - In-memory message bus                │            │
	│  │  - Topic-agnostic (all events broadcast)│            │
	│  │  - Non-blocking publish                 │            │
	│  └──────────────────┬────────────────────┘            │
	│                     │                                   │
	│  ┌──────────────────▼────────────────────┐            │
	│  │          Event Distribution             │            │
	│  │                                          │            │
	│  │  Publisher → Event Channel (buffer: 100) │            │
	│  │       ↓                                  │            │
	│  │  Broadcast Loop                          │            │
	│  │       ↓                                  │            │
	│  │  Subscriber Channels (buffer: 50 each)   │            │
	│  │  (full subscriber → event dropped)       │            │
	│  └─────────────────────────────────────────┘           │
	└─────────────────────────────────────────────────────────┘

# Event Types Catalog

  - node.status: a node's connectivity classification changed, or fresh
    heartbeat gauges arrived (payload: types.NodeState)
  - operation.progress: live progress of a running master action
    (payload: OperationProgress)
  - operation.completed: a master action reached a terminal status
    (payload: OperationCompleted)
  - operation.log: one workflow log line, master- or slave-originated
    (payload: OperationLogLine)
  - master.going_down / master.reconnected: master lifecycle
    (payload: MasterState)
  - environment.manifest_updated: the expected-node manifest changed
    (payload: []types.ExpectedNode)
  - health.issue_found: a diagnostics report surfaced a problem
    (payload: HealthIssue)
  - audit.entry_added: a Change Journal row was appended
    (payload: types.SystemChangeRecord)

# Usage

Wiring at startup:

	notifier := events.NewNotifier()
	notifier.Start()
	defer notifier.Stop()

Publishing:

	notifier.Publish(events.EventNodeStatusUpdate, state)

Subscribing (the /events WebSocket handler does this per client):

	sub := notifier.Subscribe()
	defer notifier.Unsubscribe(sub)
	for event := range sub {
		// forward to client
	}

# Delivery Semantics

  - At-most-once per subscriber: a full subscriber buffer drops the event
  - No replay: subscribers only see events published after Subscribe
  - Ordering: events are delivered in publish order per subscriber

UI clients needing complete history must read the journal query API; the
event stream is a live ticker, not a durable log.

# See Also

  - pkg/api for the WebSocket fan-out
  - pkg/journal for the durable audit trail
*/
package events
