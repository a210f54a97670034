// Package api is the HTTP control surface: the versioned REST API for
// operations, journal, and node management, the WebSocket UI event stream,
// the agent hub mount, and the health and metrics endpoints — all on one
// gin engine so the whole control plane shares a single listener.
package api
