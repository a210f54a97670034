package health

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/types"
)

// ChangeJournal is the audit surface the monitor records transitions on
type ChangeJournal interface {
	InitiateStateChange(info types.ChangeInfo) (string, string, error)
	FinalizeStateChange(fin types.ChangeFinalization) error
}

// UINotifier publishes node status updates to UI subscribers
type UINotifier interface {
	Publish(eventType events.EventType, payload any)
}

// Config holds the monitor's timing knobs. Zero values are filled in from
// the heartbeat interval: sweep = max(5s, hb), tolerance = max(10s, 1.5*hb),
// offline = max(30s, 3*hb).
type Config struct {
	HeartbeatInterval  time.Duration
	SweepInterval      time.Duration
	HeartbeatTolerance time.Duration
	OfflineThreshold   time.Duration
}

// DefaultConfig returns the production timing defaults
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 10 * time.Second}.normalized()
}

func (c Config) normalized() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = maxDuration(5*time.Second, c.HeartbeatInterval)
	}
	if c.HeartbeatTolerance <= 0 {
		c.HeartbeatTolerance = maxDuration(10*time.Second, c.HeartbeatInterval*3/2)
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = maxDuration(30*time.Second, c.HeartbeatInterval*3)
	}
	return c
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Monitor tracks connectivity and basic health of every known node. It is
// the single writer of NodeState; everyone else reads clones.
type Monitor struct {
	cfg      Config
	logger   zerolog.Logger
	journal  ChangeJournal
	notifier UINotifier

	mu    sync.RWMutex
	nodes map[string]*types.NodeState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a monitor. journal and notifier may be nil; the monitor then
// skips auditing or UI updates respectively.
func New(cfg Config, journal ChangeJournal, notifier UINotifier) *Monitor {
	return &Monitor{
		cfg:      cfg.normalized(),
		logger:   log.WithComponent("health"),
		journal:  journal,
		notifier: notifier,
		nodes:    make(map[string]*types.NodeState),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the overdue-heartbeat sweep
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
	m.logger.Info().Dur("sweep_interval", m.cfg.SweepInterval).
		Dur("tolerance", m.cfg.HeartbeatTolerance).
		Dur("offline_threshold", m.cfg.OfflineThreshold).
		Msg("health monitor started")
}

// Stop terminates the sweep loop and waits for it
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// SeedExpected registers manifest nodes that have never connected so they
// show up as NeverConnected instead of being invisible.
func (m *Monitor) SeedExpected(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := m.nodes[name]; ok {
			continue
		}
		m.nodes[name] = &types.NodeState{
			NodeName:        name,
			Status:          types.NodeNeverConnected,
			LastStateUpdate: time.Now().UTC(),
		}
		metrics.SetNodeConnectivity(name, metrics.ConnectivityCode(string(types.NodeNeverConnected)))
	}
}

// OnAgentConnected marks a node Online. Connection counts as liveness, so
// the heartbeat clock restarts even before the first Heartbeat frame.
func (m *Monitor) OnAgentConnected(info types.AgentInfo) {
	m.mu.Lock()
	state := m.ensureLocked(info.NodeName)
	now := time.Now().UTC()
	state.LastHeartbeat = &now
	if info.Version != "" {
		state.AgentVersion = info.Version
	}
	changed, from := m.transitionLocked(state, types.NodeOnline)
	snapshot := state.Clone()
	m.mu.Unlock()

	if changed {
		m.auditTransition(info.NodeName, from, types.NodeOnline)
	}
	m.notifyStatus(snapshot)
}

// OnAgentDisconnected marks a node Offline
func (m *Monitor) OnAgentDisconnected(nodeName string) {
	m.mu.Lock()
	state, ok := m.nodes[nodeName]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn().Str("node", nodeName).Msg("disconnect for untracked node ignored")
		return
	}
	changed, from := m.transitionLocked(state, types.NodeOffline)
	snapshot := state.Clone()
	m.mu.Unlock()

	if changed {
		m.auditTransition(nodeName, from, types.NodeOffline)
	}
	m.notifyStatus(snapshot)
}

// UpdateFromHeartbeat records liveness and gauges. A node recovering from a
// non-Online status is audited; steady-state heartbeats only refresh the UI.
func (m *Monitor) UpdateFromHeartbeat(hb *protocol.Heartbeat) {
	m.mu.Lock()
	state := m.ensureLocked(hb.NodeName)
	now := time.Now().UTC()
	state.LastHeartbeat = &now
	state.CPUUsagePercent = hb.CPUUsagePercent
	state.RAMUsagePercent = hb.RAMUsagePercent
	changed, from := m.transitionLocked(state, types.NodeOnline)
	if !changed {
		state.LastStateUpdate = now
	}
	snapshot := state.Clone()
	m.mu.Unlock()

	if changed {
		m.auditTransition(hb.NodeName, from, types.NodeOnline)
	}
	m.notifyStatus(snapshot)
}

// UpdateDiagnostics caches an agent's self-assessment. Only a change of the
// health summary is audited.
func (m *Monitor) UpdateDiagnostics(report *protocol.DiagnosticsReport) {
	var details map[string]any
	if report.DetailsJSON != "" {
		if err := json.Unmarshal([]byte(report.DetailsJSON), &details); err != nil {
			m.logger.Warn().Str("node", report.NodeName).Err(err).
				Msg("diagnostics details are not valid JSON")
		}
	}

	m.mu.Lock()
	state := m.ensureLocked(report.NodeName)
	previous := state.HealthSummary
	state.HealthSummary = report.HealthSummary
	if details != nil {
		state.LastDiagnostics = details
	}
	state.LastStateUpdate = time.Now().UTC()
	snapshot := state.Clone()
	m.mu.Unlock()

	if previous == report.HealthSummary {
		return
	}

	if m.journal != nil {
		m.auditPair("NodeHealth", fmt.Sprintf("Node '%s' health summary changed from %q to %q",
			report.NodeName, previous, report.HealthSummary))
	}
	m.notifyStatus(snapshot)
	if m.notifier != nil && report.HealthSummary != "" && report.HealthSummary != "Healthy" {
		m.notifier.Publish(events.EventHealthIssueFound, &events.HealthIssue{
			NodeName: report.NodeName,
			Summary:  report.HealthSummary,
		})
	}
}

// GetCachedState returns a clone of one node's state
func (m *Monitor) GetCachedState(nodeName string) (*types.NodeState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.nodes[nodeName]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

// Snapshot returns clones of every tracked node, sorted by name
func (m *Monitor) Snapshot() []*types.NodeState {
	m.mu.RLock()
	out := make([]*types.NodeState, 0, len(m.nodes))
	for _, state := range m.nodes {
		out = append(out, state.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].NodeName < out[b].NodeName })
	return out
}

// NodeStates implements the metrics fleet source
func (m *Monitor) NodeStates() []*types.NodeState {
	return m.Snapshot()
}

// RefreshConnectivity re-classifies one node from heartbeat age on demand
// and returns the resulting status.
func (m *Monitor) RefreshConnectivity(nodeName string) types.ConnectivityStatus {
	m.mu.Lock()
	state, ok := m.nodes[nodeName]
	if !ok {
		m.mu.Unlock()
		return types.NodeUnknown
	}
	next := m.classifyLocked(state, time.Now().UTC())
	changed, from := m.transitionLocked(state, next)
	snapshot := state.Clone()
	m.mu.Unlock()

	if changed {
		m.auditTransition(nodeName, from, next)
		m.notifyStatus(snapshot)
	}
	return next
}

func (m *Monitor) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now().UTC())
		case <-m.stopCh:
			return
		}
	}
}

// sweep re-classifies nodes that look alive. Offline and NeverConnected
// nodes only leave those states through a connect or heartbeat.
func (m *Monitor) sweep(now time.Time) {
	type change struct {
		node     string
		from, to types.ConnectivityStatus
		snapshot *types.NodeState
	}
	var changes []change

	m.mu.Lock()
	for name, state := range m.nodes {
		if state.Status != types.NodeOnline && state.Status != types.NodeUnreachable {
			continue
		}
		next := m.classifyLocked(state, now)
		if changed, from := m.transitionLocked(state, next); changed {
			changes = append(changes, change{node: name, from: from, to: next, snapshot: state.Clone()})
		}
	}
	m.mu.Unlock()

	for _, ch := range changes {
		m.auditTransition(ch.node, ch.from, ch.to)
		m.notifyStatus(ch.snapshot)
	}
}

// ensureLocked returns the node's state, creating a NeverConnected stub on
// first contact. Caller holds mu.
func (m *Monitor) ensureLocked(nodeName string) *types.NodeState {
	state, ok := m.nodes[nodeName]
	if !ok {
		state = &types.NodeState{
			NodeName:        nodeName,
			Status:          types.NodeNeverConnected,
			LastStateUpdate: time.Now().UTC(),
		}
		m.nodes[nodeName] = state
	}
	return state
}

// classifyLocked derives connectivity from heartbeat age. Caller holds mu.
func (m *Monitor) classifyLocked(state *types.NodeState, now time.Time) types.ConnectivityStatus {
	if state.LastHeartbeat == nil {
		if state.Status == types.NodeNeverConnected {
			return types.NodeNeverConnected
		}
		return types.NodeUnknown
	}
	age := now.Sub(*state.LastHeartbeat)
	switch {
	case age > m.cfg.OfflineThreshold:
		return types.NodeOffline
	case age > m.cfg.HeartbeatTolerance:
		return types.NodeUnreachable
	default:
		return types.NodeOnline
	}
}

// transitionLocked applies a status change and reports whether anything
// changed. Caller holds mu.
func (m *Monitor) transitionLocked(state *types.NodeState, to types.ConnectivityStatus) (bool, types.ConnectivityStatus) {
	from := state.Status
	if from == to {
		return false, from
	}
	state.Status = to
	state.LastStateUpdate = time.Now().UTC()
	metrics.SetNodeConnectivity(state.NodeName, metrics.ConnectivityCode(string(to)))
	m.logger.Info().Str("node", state.NodeName).
		Str("from", string(from)).Str("to", string(to)).
		Msg("node connectivity changed")
	return true, from
}

func (m *Monitor) auditTransition(node string, from, to types.ConnectivityStatus) {
	if m.journal == nil {
		return
	}
	m.auditPair("NodeConnectivity",
		fmt.Sprintf("Node '%s' connectivity changed from %s to %s", node, from, to))
}

// auditPair writes an immediately finalized Initiated/Success change pair
func (m *Monitor) auditPair(changeType, description string) {
	changeID, _, err := m.journal.InitiateStateChange(types.ChangeInfo{
		Type:                 changeType,
		SourceMasterActionID: types.ChangeSourceHealthMonitor,
		Initiator:            "health-monitor",
		Description:          description,
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to audit health transition")
		return
	}
	if err := m.journal.FinalizeStateChange(types.ChangeFinalization{
		ChangeID: changeID,
		Outcome:  types.ChangeOutcomeSuccess,
	}); err != nil {
		m.logger.Warn().Err(err).Msg("failed to finalize health transition audit")
	}
}

func (m *Monitor) notifyStatus(state *types.NodeState) {
	if m.notifier != nil {
		m.notifier.Publish(events.EventNodeStatusUpdate, state)
	}
}
