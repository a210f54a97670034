package hub

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/types"
)

// ErrConnectionNotFound is returned by Send for unknown connection ids
var ErrConnectionNotFound = errors.New("connection not found")

// Registry is the slice of the agent registry the hub drives: connection
// lifecycle plus the inbound frame fan-in.
type Registry interface {
	RegisterAgent(info types.AgentInfo) (supersededConn string, superseded bool)
	UnregisterByConnection(connectionID string) (string, bool)
	DispatchInbound(nodeName string, env *protocol.Envelope) error
}

// Config holds the hub's timing windows and buffers
type Config struct {
	// HelloTimeout bounds the wait for the agent's first frame.
	HelloTimeout time.Duration

	// PingInterval is the cadence of server pings. Must stay under
	// ReadDeadline or healthy connections get reaped.
	PingInterval time.Duration

	// ReadDeadline is the inbound silence budget; any frame or pong resets it.
	ReadDeadline time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// SendBuffer is the per-connection outbound queue. A full buffer drops
	// the connection rather than block the sender.
	SendBuffer int

	// HeartbeatIntervalSeconds is advertised to agents in MasterHello.
	HeartbeatIntervalSeconds int
}

// DefaultConfig returns the production windows
func DefaultConfig() Config {
	return Config{}.normalized()
}

func (c Config) normalized() Config {
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.ReadDeadline <= 0 {
		c.ReadDeadline = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = 15
	}
	return c
}

// conn is one live agent connection with its outbound queue
type conn struct {
	id       string
	nodeName string
	ws       *websocket.Conn
	out      chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// close shuts the outbound path; the pumps unwind from there
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Hub is the WebSocket endpoint agents attach to. It owns the handshake,
// the per-connection read and write pumps, and implements the registry's
// Transport for outbound envelopes.
type Hub struct {
	cfg      Config
	logger   zerolog.Logger
	registry Registry
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

// New creates a hub serving the given registry
func New(cfg Config, registry Registry) *Hub {
	return &Hub{
		cfg:      cfg.normalized(),
		logger:   log.WithComponent("hub"),
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// ServeHTTP upgrades GET /agents/connect requests and runs the connection
// to completion.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("websocket upgrade failed")
		return
	}
	h.runConnection(ws, r.RemoteAddr)
}

// runConnection performs the handshake and runs the pumps until the
// connection dies.
func (h *Hub) runConnection(ws *websocket.Conn, remoteAddr string) {
	hello, err := h.awaitHello(ws)
	if err != nil {
		h.logger.Warn().Str("remote", remoteAddr).Err(err).Msg("agent handshake failed")
		_ = ws.Close()
		return
	}

	c := &conn{
		id:       types.NewConnectionID(),
		nodeName: hello.NodeName,
		ws:       ws,
		out:      make(chan []byte, h.cfg.SendBuffer),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	superseded, had := h.registry.RegisterAgent(types.AgentInfo{
		NodeName:     hello.NodeName,
		ConnectionID: c.id,
		Version:      hello.Version,
		RemoteAddr:   remoteAddr,
	})
	if had {
		// The node reconnected over a new socket; drop the stale one.
		h.closeConnection(superseded)
	}

	if err := h.enqueue(c, protocol.TypeMasterHello, &protocol.MasterHello{
		ServerTimeUTC:            time.Now().UTC(),
		HeartbeatIntervalSeconds: h.cfg.HeartbeatIntervalSeconds,
	}); err != nil {
		h.logger.Warn().Str("node", hello.NodeName).Err(err).Msg("failed to queue master hello")
		h.teardown(c)
		return
	}

	h.logger.Info().Str("node", hello.NodeName).Str("connection_id", c.id).
		Str("remote", remoteAddr).Msg("agent connected")

	go h.writePump(c)
	h.readPump(c)
	h.teardown(c)
}

// awaitHello reads and validates the agent's first frame
func (h *Hub) awaitHello(ws *websocket.Conn) (*protocol.AgentHello, error) {
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.HelloTimeout)); err != nil {
		return nil, err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read hello frame: %w", err)
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.TypeAgentHello {
		return nil, fmt.Errorf("first frame must be %s, got %s", protocol.TypeAgentHello, env.Type)
	}
	var hello protocol.AgentHello
	if err := env.DecodePayload(&hello); err != nil {
		return nil, err
	}
	if hello.NodeName == "" {
		return nil, fmt.Errorf("agent hello without node name")
	}
	return &hello, nil
}

// readPump consumes inbound frames until the connection errors or closes
func (h *Hub) readPump(c *conn) {
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadDeadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadDeadline))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn().Str("node", c.nodeName).Err(err).Msg("agent connection read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadDeadline))

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			h.logger.Warn().Str("node", c.nodeName).Err(err).Msg("malformed frame from agent dropped")
			continue
		}
		if err := h.registry.DispatchInbound(c.nodeName, env); err != nil {
			h.logger.Warn().Str("node", c.nodeName).Str("type", string(env.Type)).
				Err(err).Msg("inbound frame rejected")
		}
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings.
func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.out:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn().Str("node", c.nodeName).Err(err).Msg("agent connection write error")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send implements the registry Transport: one envelope onto a connection's
// outbound queue. A full queue means the agent stopped draining; the
// connection is dropped instead of blocking the caller.
func (h *Hub) Send(connectionID string, messageType protocol.MessageType, payload any) error {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", connectionID, ErrConnectionNotFound)
	}
	return h.enqueue(c, messageType, payload)
}

func (h *Hub) enqueue(c *conn, messageType protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(messageType, payload)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return fmt.Errorf("%s: %w", c.id, ErrConnectionNotFound)
	default:
		h.logger.Warn().Str("node", c.nodeName).Str("connection_id", c.id).
			Msg("outbound queue full, dropping connection")
		c.close()
		return fmt.Errorf("outbound queue full for %s", c.nodeName)
	}
}

// closeConnection closes one connection by id without touching the registry
// binding (used for superseded sockets, whose binding is already gone).
func (h *Hub) closeConnection(connectionID string) {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

// teardown deregisters and forgets a finished connection
func (h *Hub) teardown(c *conn) {
	c.close()

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	if node, ok := h.registry.UnregisterByConnection(c.id); ok {
		h.logger.Info().Str("node", node).Str("connection_id", c.id).Msg("agent disconnected")
	}
}

// Shutdown closes every live connection
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// ConnectionCount reports the number of live connections
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
