// Package hub is the WebSocket attach point for slave agents. Framing is
// one JSON Envelope per text message.
//
// A connecting agent must present AgentHello as its first frame within the
// hello timeout; the hub then binds a conn-<uuid> id in the registry and
// replies MasterHello with the heartbeat cadence. Each connection runs a
// read pump feeding the registry fan-in and a write pump draining a bounded
// outbound queue, with server pings keeping the read deadline alive. An
// agent reconnecting under the same node name supersedes its old socket.
package hub
