package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/types"
)

// testMaster is a scripted master endpoint: it completes the hello
// exchange and exposes each accepted connection for the test to drive.
type testMaster struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *masterConn
}

type masterConn struct {
	ws     *websocket.Conn
	hello  protocol.AgentHello
	frames chan *protocol.Envelope
}

func startTestMaster(t *testing.T) *testMaster {
	t.Helper()
	m := &testMaster{t: t, conns: make(chan *masterConn, 4)}

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil || env.Type != protocol.TypeAgentHello {
			ws.Close()
			return
		}
		mc := &masterConn{ws: ws, frames: make(chan *protocol.Envelope, 256)}
		if err := env.DecodePayload(&mc.hello); err != nil {
			ws.Close()
			return
		}
		mc.send(t, protocol.TypeMasterHello, &protocol.MasterHello{
			ServerTimeUTC: time.Now().UTC(),
		})
		m.conns <- mc

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				close(mc.frames)
				return
			}
			if env, err := protocol.DecodeEnvelope(data); err == nil {
				mc.frames <- env
			}
		}
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *testMaster) url() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

// accept waits for the next agent connection
func (m *testMaster) accept(t *testing.T) *masterConn {
	t.Helper()
	select {
	case mc := <-m.conns:
		return mc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for agent to connect")
		return nil
	}
}

func (mc *masterConn) send(t *testing.T, messageType protocol.MessageType, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(messageType, payload)
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, mc.ws.WriteMessage(websocket.TextMessage, data))
}

// await skips frames until one of the wanted type arrives
func (mc *masterConn) await(t *testing.T, want protocol.MessageType) *protocol.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-mc.frames:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", want)
			}
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// awaitTerminal collects progress updates for a task until a terminal one
func (mc *masterConn) awaitTerminal(t *testing.T, taskID string) (protocol.TaskProgressUpdate, []protocol.TaskProgressUpdate) {
	t.Helper()
	var seen []protocol.TaskProgressUpdate
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-mc.frames:
			if !ok {
				t.Fatal("connection closed while waiting for terminal update")
			}
			if env.Type != protocol.TypeTaskProgressUpdate {
				continue
			}
			var update protocol.TaskProgressUpdate
			require.NoError(t, env.DecodePayload(&update))
			if update.TaskID != taskID {
				continue
			}
			seen = append(seen, update)
			if update.Status.IsTerminal() {
				return update, seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal update, saw %d updates", len(seen))
		}
	}
}

func testConfig(masterURL string) Config {
	return Config{
		MasterURL:         masterURL,
		NodeName:          "node-1",
		Version:           "test",
		InitialBackoff:    20 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
		ShipFlushInterval: 10 * time.Second,
		ShipMaxBuffer:     1024,
		Sampler:           func() (float64, float64) { return 12.5, 40.0 },
	}
}

func startAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop")
		}
	})
}

// scriptedExecutor adapts a closure to the Executor interface
type scriptedExecutor struct {
	taskType string
	ready    error
	execute  func(ctx context.Context, tc *TaskContext) (map[string]any, error)
}

func (e *scriptedExecutor) TaskType() string { return e.taskType }

func (e *scriptedExecutor) CheckReadiness(string) error { return e.ready }

func (e *scriptedExecutor) Execute(ctx context.Context, tc *TaskContext) (map[string]any, error) {
	return e.execute(ctx, tc)
}

func TestHelloAndHeartbeat(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	startAgent(t, a)

	mc := m.accept(t)
	assert.Equal(t, "node-1", mc.hello.NodeName)
	assert.Equal(t, "test", mc.hello.Version)

	var hb protocol.Heartbeat
	require.NoError(t, mc.await(t, protocol.TypeHeartbeat).DecodePayload(&hb))
	assert.Equal(t, "node-1", hb.NodeName)
	assert.Equal(t, 12.5, hb.CPUUsagePercent)
	assert.Equal(t, 40.0, hb.RAMUsagePercent)
	assert.False(t, hb.Timestamp.IsZero())
}

func TestStartupDiagnosticsReport(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	startAgent(t, a)
	mc := m.accept(t)

	var report protocol.DiagnosticsReport
	require.NoError(t, mc.await(t, protocol.TypeDiagnosticsReport).DecodePayload(&report))
	assert.Equal(t, "node-1", report.NodeName)
	assert.Equal(t, "healthy", report.HealthSummary)

	var details map[string]any
	require.NoError(t, json.Unmarshal([]byte(report.DetailsJSON), &details))
	assert.Equal(t, "test", details["version"])
	assert.Equal(t, 12.5, details["cpuUsagePercent"])
}

func TestReadinessUnknownTaskTypeNamesIt(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	startAgent(t, a)
	mc := m.accept(t)

	mc.send(t, protocol.TypePrepareForTask, &protocol.PrepareForTask{
		NodeActionID:     "na-1",
		TaskID:           "task-1",
		ExpectedTaskType: "defragment_mainframe",
	})

	var report protocol.ReadinessReport
	require.NoError(t, mc.await(t, protocol.TypeReadinessReport).DecodePayload(&report))
	assert.Equal(t, "task-1", report.TaskID)
	assert.False(t, report.IsReady)
	assert.Contains(t, report.ReasonIfNotReady, "defragment_mainframe")
}

func TestReadinessCheckerVeto(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	a.RegisterExecutor(&scriptedExecutor{
		taskType: "picky",
		ready:    errors.New("Disk space low."),
		execute: func(ctx context.Context, tc *TaskContext) (map[string]any, error) {
			return nil, nil
		},
	})
	startAgent(t, a)
	mc := m.accept(t)

	mc.send(t, protocol.TypePrepareForTask, &protocol.PrepareForTask{
		TaskID:           "task-1",
		ExpectedTaskType: "picky",
	})

	var report protocol.ReadinessReport
	require.NoError(t, mc.await(t, protocol.TypeReadinessReport).DecodePayload(&report))
	assert.False(t, report.IsReady)
	assert.Equal(t, "Disk space low.", report.ReasonIfNotReady)
}

func TestBuiltinExecutorsAreReady(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	startAgent(t, a)
	mc := m.accept(t)

	for _, taskType := range []string{"verify_environment", "update_packages", "run_diagnostic_probe", "noop"} {
		mc.send(t, protocol.TypePrepareForTask, &protocol.PrepareForTask{
			TaskID:           "task-" + taskType,
			ExpectedTaskType: taskType,
		})
		var report protocol.ReadinessReport
		require.NoError(t, mc.await(t, protocol.TypeReadinessReport).DecodePayload(&report))
		assert.True(t, report.IsReady, taskType)
	}
}

func TestTaskExecutionReportsProgressAndResult(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	a.RegisterExecutor(&scriptedExecutor{
		taskType: "script",
		execute: func(ctx context.Context, tc *TaskContext) (map[string]any, error) {
			tc.Progress(50, "halfway")
			return map[string]any{"checked": 3}, nil
		},
	})
	startAgent(t, a)
	mc := m.accept(t)

	mc.send(t, protocol.TypeSlaveTask, &protocol.SlaveTask{
		NodeActionID: "na-1",
		TaskID:       "task-1",
		TaskType:     "script",
	})

	terminal, seen := mc.awaitTerminal(t, "task-1")
	assert.Equal(t, types.TaskSucceeded, terminal.Status)
	require.NotNil(t, terminal.ProgressPercent)
	assert.Equal(t, 100, *terminal.ProgressPercent)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(terminal.ResultJSON), &result))
	assert.Equal(t, float64(3), result["checked"])

	// Starting first, the mid-flight report in between.
	assert.Equal(t, types.TaskStarting, seen[0].Status)
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Equal(t, types.TaskInProgress, seen[1].Status)
	assert.Equal(t, "halfway", seen[1].Message)
}

func TestTaskFailureCarriesError(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	a.RegisterExecutor(&scriptedExecutor{
		taskType: "flaky",
		execute: func(ctx context.Context, tc *TaskContext) (map[string]any, error) {
			return nil, errors.New("apt database is locked")
		},
	})
	startAgent(t, a)
	mc := m.accept(t)

	mc.send(t, protocol.TypeSlaveTask, &protocol.SlaveTask{
		NodeActionID: "na-1",
		TaskID:       "task-1",
		TaskType:     "flaky",
	})

	terminal, _ := mc.awaitTerminal(t, "task-1")
	assert.Equal(t, types.TaskFailed, terminal.Status)
	assert.Equal(t, "apt database is locked", terminal.Message)
}

func TestUnknownTaskTypeFailsImmediately(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	startAgent(t, a)
	mc := m.accept(t)

	mc.send(t, protocol.TypeSlaveTask, &protocol.SlaveTask{
		NodeActionID: "na-1",
		TaskID:       "task-1",
		TaskType:     "defragment_mainframe",
	})

	terminal, _ := mc.awaitTerminal(t, "task-1")
	assert.Equal(t, types.TaskFailed, terminal.Status)
	assert.Contains(t, terminal.Message, "defragment_mainframe")
}

func TestCancelTaskReportsCancelled(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	started := make(chan struct{})
	a.RegisterExecutor(&scriptedExecutor{
		taskType: "stuck",
		execute: func(ctx context.Context, tc *TaskContext) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	startAgent(t, a)
	mc := m.accept(t)

	mc.send(t, protocol.TypeSlaveTask, &protocol.SlaveTask{
		NodeActionID: "na-1",
		TaskID:       "task-1",
		TaskType:     "stuck",
	})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}
	mc.send(t, protocol.TypeCancelTask, &protocol.CancelTask{
		NodeActionID: "na-1",
		TaskID:       "task-1",
		Reason:       "operator request",
	})

	terminal, _ := mc.awaitTerminal(t, "task-1")
	assert.Equal(t, types.TaskCancelled, terminal.Status)
}

func TestTaskTimeoutReportsTimedOut(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	a.RegisterExecutor(&scriptedExecutor{
		taskType: "stuck",
		execute: func(ctx context.Context, tc *TaskContext) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	startAgent(t, a)
	mc := m.accept(t)

	mc.send(t, protocol.TypeSlaveTask, &protocol.SlaveTask{
		NodeActionID:   "na-1",
		TaskID:         "task-1",
		TaskType:       "stuck",
		TimeoutSeconds: 1,
	})

	terminal, _ := mc.awaitTerminal(t, "task-1")
	assert.Equal(t, types.TaskTimedOut, terminal.Status)
	assert.Contains(t, terminal.Message, "1s")
}

func TestLogFlushBarrierDrainsInOrder(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	a.RegisterExecutor(&scriptedExecutor{
		taskType: "chatty",
		execute: func(ctx context.Context, tc *TaskContext) (map[string]any, error) {
			for i := 0; i < 5; i++ {
				tc.Log("Info", fmt.Sprintf("step %d", i))
			}
			return map[string]any{}, nil
		},
	})
	startAgent(t, a)
	mc := m.accept(t)

	mc.send(t, protocol.TypeSlaveTask, &protocol.SlaveTask{
		NodeActionID: "na-1",
		TaskID:       "task-1",
		TaskType:     "chatty",
	})
	terminal, _ := mc.awaitTerminal(t, "task-1")
	require.Equal(t, types.TaskSucceeded, terminal.Status)

	// The flush interval is far out; nothing ships until the barrier.
	mc.send(t, protocol.TypeRequestLogFlushForTask, &protocol.RequestLogFlushForTask{
		NodeActionID: "na-1",
	})

	for i := 0; i < 5; i++ {
		var entry protocol.LogEntry
		require.NoError(t, mc.await(t, protocol.TypeLogEntry).DecodePayload(&entry))
		assert.Equal(t, fmt.Sprintf("step %d", i), entry.LogMessage)
		assert.Equal(t, "node-1", entry.NodeName)
		assert.Equal(t, "na-1", entry.NodeActionID)
	}

	var done protocol.LogFlushComplete
	require.NoError(t, mc.await(t, protocol.TypeLogFlushComplete).DecodePayload(&done))
	assert.Equal(t, "na-1", done.NodeActionID)
	assert.Equal(t, "node-1", done.NodeName)
}

func TestShipperFlushesWhenBufferFills(t *testing.T) {
	var sent []string
	ship := newShipper(3, func(mt protocol.MessageType, payload any) error {
		sent = append(sent, payload.(*protocol.LogEntry).LogMessage)
		return nil
	})

	ship.Add(&protocol.LogEntry{LogMessage: "one"})
	ship.Add(&protocol.LogEntry{LogMessage: "two"})
	assert.Empty(t, sent)
	assert.Equal(t, 2, ship.Buffered())

	ship.Add(&protocol.LogEntry{LogMessage: "three"})
	assert.Equal(t, []string{"one", "two", "three"}, sent)
	assert.Equal(t, 0, ship.Buffered())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	startAgent(t, a)

	first := m.accept(t)
	require.NoError(t, first.ws.Close())

	second := m.accept(t)
	assert.Equal(t, "node-1", second.hello.NodeName)
}

func TestUpdatePackagesSimulatedApply(t *testing.T) {
	m := startTestMaster(t)
	a, err := New(testConfig(m.url()))
	require.NoError(t, err)
	a.RegisterExecutor(&updatePackagesExecutor{stepDelay: time.Millisecond})
	startAgent(t, a)
	mc := m.accept(t)

	params, _ := json.Marshal(map[string]any{
		"packages":  []string{"openssl", "zlib"},
		"backupDir": "/var/backups/pre-update",
	})
	mc.send(t, protocol.TypeSlaveTask, &protocol.SlaveTask{
		NodeActionID:   "na-1",
		TaskID:         "task-1",
		TaskType:       "update_packages",
		ParametersJSON: string(params),
	})

	terminal, seen := mc.awaitTerminal(t, "task-1")
	require.Equal(t, types.TaskSucceeded, terminal.Status)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(terminal.ResultJSON), &result))
	assert.Equal(t, []any{"openssl", "zlib"}, result["packagesUpdated"])
	assert.Equal(t, "/var/backups/pre-update", result["backupDir"])

	// One tick per package plus the opening zero.
	var ticks int
	for _, update := range seen {
		if update.Status == types.TaskInProgress {
			ticks++
		}
	}
	assert.GreaterOrEqual(t, ticks, 3)
}

func TestJitterStaysWithinSpread(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		d := jitter(base)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
