// Package registry tracks which agent connection currently speaks for each
// node and funnels every master-to-agent message through typed send
// primitives.
//
// The registry owns the bidirectional binding between node names and
// connection ids. A node that reconnects supersedes its previous binding;
// the stale connection id is handed back to the hub for closing, and a late
// close of that stale connection cannot unbind the fresh one.
//
// Connects and disconnects are written to the Change Journal as immediately
// finalized pairs and forwarded to the health monitor, which owns the
// connectivity classification. Failed deliveries land in the Change Journal
// as Failure pairs carrying the transport error text; sends to nodes with
// no live connection are warned, counted, and reported to the caller as
// ErrNodeNotConnected.
package registry
