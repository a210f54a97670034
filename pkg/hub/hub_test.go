package hub

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/types"
)

// fakeRegistry records lifecycle calls and inbound frames
type fakeRegistry struct {
	mu         sync.Mutex
	registered []types.AgentInfo
	unbound    []string
	inbound    []*protocol.Envelope
	inboundBy  []string
}

func (f *fakeRegistry) RegisterAgent(info types.AgentInfo) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var superseded string
	for _, prev := range f.registered {
		if prev.NodeName == info.NodeName {
			superseded = prev.ConnectionID
		}
	}
	f.registered = append(f.registered, info)
	return superseded, superseded != ""
}

func (f *fakeRegistry) UnregisterByConnection(connectionID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbound = append(f.unbound, connectionID)
	for _, info := range f.registered {
		if info.ConnectionID == connectionID {
			return info.NodeName, true
		}
	}
	return "", false
}

func (f *fakeRegistry) DispatchInbound(nodeName string, env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, env)
	f.inboundBy = append(f.inboundBy, nodeName)
	return nil
}

func (f *fakeRegistry) lastRegistered() (types.AgentInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.registered) == 0 {
		return types.AgentInfo{}, false
	}
	return f.registered[len(f.registered)-1], true
}

func testHubConfig() Config {
	return Config{
		HelloTimeout:             500 * time.Millisecond,
		PingInterval:             50 * time.Millisecond,
		ReadDeadline:             1 * time.Second,
		WriteTimeout:             500 * time.Millisecond,
		SendBuffer:               16,
		HeartbeatIntervalSeconds: 7,
	}
}

func startHub(t *testing.T) (*Hub, *fakeRegistry, string) {
	t.Helper()
	reg := &fakeRegistry{}
	h := New(testHubConfig(), reg)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(h.Shutdown)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/agents/connect"
	return h, reg, wsURL
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, mt protocol.MessageType, msg any) {
	t.Helper()
	env, err := protocol.NewEnvelope(mt, msg)
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

func handshake(t *testing.T, ws *websocket.Conn, node string) {
	t.Helper()
	sendEnvelope(t, ws, protocol.TypeAgentHello, &protocol.AgentHello{NodeName: node, Version: "1.0.0"})
	env := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeMasterHello, env.Type)
}

func TestHandshakeRegistersAndRepliesMasterHello(t *testing.T) {
	h, reg, wsURL := startHub(t)
	ws := dial(t, wsURL)

	sendEnvelope(t, ws, protocol.TypeAgentHello, &protocol.AgentHello{NodeName: "node-1", Version: "2.1.0"})

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeMasterHello, env.Type)
	var hello protocol.MasterHello
	require.NoError(t, env.DecodePayload(&hello))
	assert.Equal(t, 7, hello.HeartbeatIntervalSeconds)
	assert.WithinDuration(t, time.Now().UTC(), hello.ServerTimeUTC, 5*time.Second)

	info, ok := reg.lastRegistered()
	require.True(t, ok)
	assert.Equal(t, "node-1", info.NodeName)
	assert.Equal(t, "2.1.0", info.Version)
	assert.True(t, strings.HasPrefix(info.ConnectionID, "conn-"))
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestFirstFrameMustBeHello(t *testing.T) {
	_, reg, wsURL := startHub(t)
	ws := dial(t, wsURL)

	sendEnvelope(t, ws, protocol.TypeHeartbeat, &protocol.Heartbeat{NodeName: "node-1"})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err, "hub must close the connection")

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Empty(t, reg.registered)
}

func TestHelloTimeoutClosesConnection(t *testing.T) {
	_, _, wsURL := startHub(t)
	ws := dial(t, wsURL)

	// Send nothing; the hub must give up after HelloTimeout.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}

func TestInboundFramesRouteThroughFanIn(t *testing.T) {
	_, reg, wsURL := startHub(t)
	ws := dial(t, wsURL)
	handshake(t, ws, "node-1")

	sendEnvelope(t, ws, protocol.TypeHeartbeat, &protocol.Heartbeat{CPUUsagePercent: 33})
	sendEnvelope(t, ws, protocol.TypeLogEntry, &protocol.LogEntry{LogMessage: "working"})

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.inbound) == 2
	}, 2*time.Second, 10*time.Millisecond)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, protocol.TypeHeartbeat, reg.inbound[0].Type)
	assert.Equal(t, protocol.TypeLogEntry, reg.inbound[1].Type)
	assert.Equal(t, []string{"node-1", "node-1"}, reg.inboundBy)
}

func TestSendDeliversEnvelope(t *testing.T) {
	h, reg, wsURL := startHub(t)
	ws := dial(t, wsURL)
	handshake(t, ws, "node-1")

	info, ok := reg.lastRegistered()
	require.True(t, ok)
	require.NoError(t, h.Send(info.ConnectionID, protocol.TypePrepareForTask, &protocol.PrepareForTask{
		NodeActionID: "na-1", TaskID: "task-1", ExpectedTaskType: "noop",
	}))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.TypePrepareForTask, env.Type)
	var msg protocol.PrepareForTask
	require.NoError(t, env.DecodePayload(&msg))
	assert.Equal(t, "task-1", msg.TaskID)
}

func TestSendToUnknownConnection(t *testing.T) {
	h, _, _ := startHub(t)
	err := h.Send("conn-nonexistent", protocol.TypeSlaveTask, &protocol.SlaveTask{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestDuplicateNodeSupersedesOlderConnection(t *testing.T) {
	h, reg, wsURL := startHub(t)

	first := dial(t, wsURL)
	handshake(t, first, "node-1")

	second := dial(t, wsURL)
	handshake(t, second, "node-1")

	// The first socket gets closed by the hub.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	// The second stays usable.
	info, ok := reg.lastRegistered()
	require.True(t, ok)
	require.NoError(t, h.Send(info.ConnectionID, protocol.TypeGeneralCommand, &protocol.GeneralCommand{Command: "status"}))
	env := readEnvelope(t, second)
	assert.Equal(t, protocol.TypeGeneralCommand, env.Type)
}

func TestDisconnectUnregisters(t *testing.T) {
	h, reg, wsURL := startHub(t)
	ws := dial(t, wsURL)
	handshake(t, ws, "node-1")
	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.unbound) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.ConnectionCount())
}
