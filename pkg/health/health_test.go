package health

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/types"
)

type fakeJournal struct {
	mu        sync.Mutex
	initiated []types.ChangeInfo
	finalized []types.ChangeFinalization
}

func (f *fakeJournal) InitiateStateChange(info types.ChangeInfo) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, info)
	return fmt.Sprintf("chg-%d", len(f.initiated)), "", nil
}

func (f *fakeJournal) FinalizeStateChange(fin types.ChangeFinalization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, fin)
	return nil
}

func (f *fakeJournal) pairs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.initiated) != len(f.finalized) {
		return -1
	}
	return len(f.initiated)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []events.EventType
}

func (f *fakeNotifier) Publish(eventType events.EventType, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeNotifier) count(t events.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == t {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{HeartbeatInterval: 10 * time.Second}
}

func TestConfigNormalization(t *testing.T) {
	tests := []struct {
		name      string
		heartbeat time.Duration
		sweep     time.Duration
		tolerance time.Duration
		offline   time.Duration
	}{
		{"short heartbeat keeps floors", 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
		{"default heartbeat", 10 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second},
		{"long heartbeat scales", 20 * time.Second, 20 * time.Second, 30 * time.Second, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{HeartbeatInterval: tt.heartbeat}.normalized()
			assert.Equal(t, tt.sweep, cfg.SweepInterval)
			assert.Equal(t, tt.tolerance, cfg.HeartbeatTolerance)
			assert.Equal(t, tt.offline, cfg.OfflineThreshold)
		})
	}
}

func TestClassification(t *testing.T) {
	m := New(testConfig(), nil, nil)
	now := time.Now().UTC()

	tests := []struct {
		name string
		age  time.Duration
		want types.ConnectivityStatus
	}{
		{"fresh", time.Second, types.NodeOnline},
		{"at tolerance boundary", 15 * time.Second, types.NodeOnline},
		{"past tolerance", 16 * time.Second, types.NodeUnreachable},
		{"at offline boundary", 30 * time.Second, types.NodeUnreachable},
		{"past offline", 31 * time.Second, types.NodeOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hb := now.Add(-tt.age)
			state := &types.NodeState{NodeName: "n", Status: types.NodeOnline, LastHeartbeat: &hb}
			assert.Equal(t, tt.want, m.classifyLocked(state, now))
		})
	}

	t.Run("no heartbeat ever", func(t *testing.T) {
		state := &types.NodeState{NodeName: "n", Status: types.NodeNeverConnected}
		assert.Equal(t, types.NodeNeverConnected, m.classifyLocked(state, now))
		state.Status = types.NodeOnline
		assert.Equal(t, types.NodeUnknown, m.classifyLocked(state, now))
	})
}

func TestConnectAndDisconnect(t *testing.T) {
	journal := &fakeJournal{}
	notifier := &fakeNotifier{}
	m := New(testConfig(), journal, notifier)

	m.OnAgentConnected(types.AgentInfo{NodeName: "node-a", Version: "1.2.0"})

	state, ok := m.GetCachedState("node-a")
	require.True(t, ok)
	assert.Equal(t, types.NodeOnline, state.Status)
	assert.Equal(t, "1.2.0", state.AgentVersion)
	require.NotNil(t, state.LastHeartbeat)
	assert.Equal(t, 1, journal.pairs())
	assert.Equal(t, 1, notifier.count(events.EventNodeStatusUpdate))

	m.OnAgentDisconnected("node-a")
	state, _ = m.GetCachedState("node-a")
	assert.Equal(t, types.NodeOffline, state.Status)
	assert.Equal(t, 2, journal.pairs())

	// Untracked node: nothing happens.
	m.OnAgentDisconnected("ghost")
	assert.Equal(t, 2, journal.pairs())
}

func TestHeartbeatAuditsOnlyOnTransition(t *testing.T) {
	journal := &fakeJournal{}
	notifier := &fakeNotifier{}
	m := New(testConfig(), journal, notifier)

	hb := &protocol.Heartbeat{NodeName: "node-a", CPUUsagePercent: 12.5, RAMUsagePercent: 40}
	m.UpdateFromHeartbeat(hb)
	assert.Equal(t, 1, journal.pairs())

	m.UpdateFromHeartbeat(hb)
	m.UpdateFromHeartbeat(hb)
	assert.Equal(t, 1, journal.pairs())
	// Every heartbeat still refreshes the UI gauges.
	assert.Equal(t, 3, notifier.count(events.EventNodeStatusUpdate))

	state, _ := m.GetCachedState("node-a")
	assert.Equal(t, 12.5, state.CPUUsagePercent)
	assert.Equal(t, 40.0, state.RAMUsagePercent)
}

func TestSweepTransitions(t *testing.T) {
	journal := &fakeJournal{}
	m := New(testConfig(), journal, nil)
	now := time.Now().UTC()

	setNode := func(name string, status types.ConnectivityStatus, age time.Duration) {
		hb := now.Add(-age)
		m.mu.Lock()
		m.nodes[name] = &types.NodeState{NodeName: name, Status: status, LastHeartbeat: &hb}
		m.mu.Unlock()
	}

	setNode("fresh", types.NodeOnline, time.Second)
	setNode("lagging", types.NodeOnline, 20*time.Second)
	setNode("silent", types.NodeUnreachable, time.Minute)
	setNode("recovered", types.NodeUnreachable, time.Second)
	setNode("already-offline", types.NodeOffline, time.Hour)
	m.SeedExpected([]string{"never"})

	m.sweep(now)

	want := map[string]types.ConnectivityStatus{
		"fresh":           types.NodeOnline,
		"lagging":         types.NodeUnreachable,
		"silent":          types.NodeOffline,
		"recovered":       types.NodeOnline,
		"already-offline": types.NodeOffline,
		"never":           types.NodeNeverConnected,
	}
	for name, status := range want {
		state, ok := m.GetCachedState(name)
		require.True(t, ok, name)
		assert.Equal(t, status, state.Status, name)
	}
	// lagging, silent, recovered transitioned; the rest stayed put.
	assert.Equal(t, 3, journal.pairs())
}

func TestSeedExpectedKeepsKnownNodes(t *testing.T) {
	m := New(testConfig(), nil, nil)
	m.OnAgentConnected(types.AgentInfo{NodeName: "node-a"})

	m.SeedExpected([]string{"node-a", "node-b", ""})

	state, _ := m.GetCachedState("node-a")
	assert.Equal(t, types.NodeOnline, state.Status)
	state, ok := m.GetCachedState("node-b")
	require.True(t, ok)
	assert.Equal(t, types.NodeNeverConnected, state.Status)
	_, ok = m.GetCachedState("")
	assert.False(t, ok)
}

func TestUpdateDiagnostics(t *testing.T) {
	journal := &fakeJournal{}
	notifier := &fakeNotifier{}
	m := New(testConfig(), journal, notifier)

	m.UpdateDiagnostics(&protocol.DiagnosticsReport{
		NodeName:      "node-a",
		HealthSummary: "Healthy",
		DetailsJSON:   `{"disk":"ok"}`,
	})
	assert.Equal(t, 1, journal.pairs())
	assert.Equal(t, 0, notifier.count(events.EventHealthIssueFound))

	state, _ := m.GetCachedState("node-a")
	assert.Equal(t, "Healthy", state.HealthSummary)
	assert.Equal(t, "ok", state.LastDiagnostics["disk"])

	// Same summary again: no new audit row.
	m.UpdateDiagnostics(&protocol.DiagnosticsReport{NodeName: "node-a", HealthSummary: "Healthy"})
	assert.Equal(t, 1, journal.pairs())

	// Degradation raises a health issue event.
	m.UpdateDiagnostics(&protocol.DiagnosticsReport{NodeName: "node-a", HealthSummary: "DiskPressure"})
	assert.Equal(t, 2, journal.pairs())
	assert.Equal(t, 1, notifier.count(events.EventHealthIssueFound))
}

func TestRefreshConnectivity(t *testing.T) {
	m := New(testConfig(), nil, nil)

	assert.Equal(t, types.NodeUnknown, m.RefreshConnectivity("ghost"))

	old := time.Now().UTC().Add(-time.Minute)
	m.mu.Lock()
	m.nodes["node-a"] = &types.NodeState{NodeName: "node-a", Status: types.NodeOnline, LastHeartbeat: &old}
	m.mu.Unlock()

	assert.Equal(t, types.NodeOffline, m.RefreshConnectivity("node-a"))
	state, _ := m.GetCachedState("node-a")
	assert.Equal(t, types.NodeOffline, state.Status)
}

func TestStartStop(t *testing.T) {
	m := New(Config{HeartbeatInterval: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond,
		HeartbeatTolerance: 15 * time.Millisecond, OfflineThreshold: 30 * time.Millisecond}, nil, nil)
	m.Start()

	m.UpdateFromHeartbeat(&protocol.Heartbeat{NodeName: "node-a"})
	require.Eventually(t, func() bool {
		state, ok := m.GetCachedState("node-a")
		return ok && state.Status == types.NodeOffline
	}, time.Second, 5*time.Millisecond)

	m.Stop()
}
