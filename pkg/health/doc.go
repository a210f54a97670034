/*
Package health classifies the connectivity and self-reported health of every
node in the managed environment.

The monitor never probes nodes. Agents dial the master, send periodic
Heartbeat frames and occasional DiagnosticsReport frames, and the monitor
derives connectivity purely from the age of the last heartbeat:

	            connect / heartbeat
	 NeverConnected ───────────────► Online ◄──────────────┐
	                                   │                   │ heartbeat
	                    age > tolerance│                   │
	                                   ▼                   │
	                              Unreachable ─────────────┤
	                                   │                   │
	              age > offlineThreshold                   │
	                                   ▼                   │
	                                Offline ───────────────┘
	                                   ▲
	                  agent disconnect │ (immediate)

A background sweep re-classifies Online and Unreachable nodes every sweep
interval; Offline and NeverConnected are sticky until the node itself shows
life again. Thresholds derive from the configured heartbeat interval:

	sweep     = max(5s,  heartbeat)
	tolerance = max(10s, 1.5 * heartbeat)
	offline   = max(30s, 3 * heartbeat)

Every transition is logged, mirrored to the node connectivity gauge, written
to the Change Journal as an immediately finalized pair, and published as a
node.status UI event. Steady-state heartbeats skip the journal and only
refresh UI gauges.

The dispatcher consults GetCachedState and RefreshConnectivity when deciding
whether a silent node should be treated as dead mid-task.
*/
package health
