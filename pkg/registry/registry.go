package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/types"
)

// ErrNodeNotConnected is returned by typed sends for nodes without a live
// connection.
var ErrNodeNotConnected = errors.New("node not connected")

// Transport writes envelopes onto a live agent connection. The hub
// implements it.
type Transport interface {
	Send(connectionID string, messageType protocol.MessageType, payload any) error
}

// ChangeJournal records connect/disconnect and delivery failures
type ChangeJournal interface {
	InitiateStateChange(info types.ChangeInfo) (string, string, error)
	FinalizeStateChange(fin types.ChangeFinalization) error
}

// HealthSink receives connectivity signals derived from the connection
// lifecycle. The health monitor implements it.
type HealthSink interface {
	OnAgentConnected(info types.AgentInfo)
	OnAgentDisconnected(nodeName string)
}

// Registry is the authoritative map of connected agents. It owns the
// nodeName to connection binding in both directions and is the only path
// components use to talk to a node.
type Registry struct {
	logger    zerolog.Logger
	transport Transport
	journal   ChangeJournal
	health    HealthSink

	healthUpdates HealthUpdater
	tasks         TaskSink

	mu     sync.RWMutex
	byNode map[string]*types.AgentInfo
	byConn map[string]string
}

// New creates an empty registry. journal and health may be nil.
func New(transport Transport, journal ChangeJournal, health HealthSink) *Registry {
	return &Registry{
		logger:    log.WithComponent("registry"),
		transport: transport,
		journal:   journal,
		health:    health,
		byNode:    make(map[string]*types.AgentInfo),
		byConn:    make(map[string]string),
	}
}

// SetTransport installs the outbound transport. The hub and registry
// reference each other, so the registry is built first and the hub is
// attached here before any agent can connect.
func (r *Registry) SetTransport(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = t
}

// RegisterAgent binds a node name to a connection. A node reconnecting over
// a new socket supersedes the old binding; the superseded connection id is
// returned so the hub can close it.
func (r *Registry) RegisterAgent(info types.AgentInfo) (supersededConn string, superseded bool) {
	now := time.Now().UTC()
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = now
	}
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = now
	}

	r.mu.Lock()
	if prev, ok := r.byNode[info.NodeName]; ok && prev.ConnectionID != info.ConnectionID {
		supersededConn = prev.ConnectionID
		superseded = true
		delete(r.byConn, prev.ConnectionID)
	}
	stored := info
	r.byNode[info.NodeName] = &stored
	r.byConn[info.ConnectionID] = info.NodeName
	count := len(r.byNode)
	r.mu.Unlock()

	metrics.SetConnectedAgents(count)
	r.logger.Info().Str("node", info.NodeName).Str("connection_id", info.ConnectionID).
		Str("version", info.Version).Bool("superseded", superseded).
		Msg("agent registered")

	r.auditConnectivity("AgentConnected", fmt.Sprintf("Agent '%s' connected", info.NodeName))
	if r.health != nil {
		r.health.OnAgentConnected(info)
	}
	return supersededConn, superseded
}

// UnregisterByConnection removes the binding for a closing connection and
// returns the node it carried. A connection that was already superseded by
// a newer one unbinds nothing.
func (r *Registry) UnregisterByConnection(connectionID string) (string, bool) {
	r.mu.Lock()
	nodeName, ok := r.byConn[connectionID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byConn, connectionID)
	if info, present := r.byNode[nodeName]; present && info.ConnectionID == connectionID {
		delete(r.byNode, nodeName)
	}
	count := len(r.byNode)
	r.mu.Unlock()

	metrics.SetConnectedAgents(count)
	r.logger.Info().Str("node", nodeName).Str("connection_id", connectionID).
		Msg("agent unregistered")

	r.auditConnectivity("AgentDisconnected", fmt.Sprintf("Agent '%s' disconnected", nodeName))
	if r.health != nil {
		r.health.OnAgentDisconnected(nodeName)
	}
	return nodeName, true
}

// ResolveConnection maps a connection id back to its node name
func (r *Registry) ResolveConnection(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.byConn[connectionID]
	return node, ok
}

// RecordHeartbeat refreshes the registry's own last-heartbeat stamp
func (r *Registry) RecordHeartbeat(nodeName string) {
	r.mu.Lock()
	if info, ok := r.byNode[nodeName]; ok {
		info.LastHeartbeat = time.Now().UTC()
	}
	r.mu.Unlock()
}

// GetAgent returns a copy of one agent's registration
func (r *Registry) GetAgent(nodeName string) (types.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byNode[nodeName]
	if !ok {
		return types.AgentInfo{}, false
	}
	return *info, true
}

// IsConnected reports whether a node currently has a live connection
func (r *Registry) IsConnected(nodeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byNode[nodeName]
	return ok
}

// ListAgents returns copies of every registration, sorted by node name
func (r *Registry) ListAgents() []types.AgentInfo {
	r.mu.RLock()
	out := make([]types.AgentInfo, 0, len(r.byNode))
	for _, info := range r.byNode {
		out = append(out, *info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].NodeName < out[b].NodeName })
	return out
}

// ConnectedAgentCount implements the metrics fleet source
func (r *Registry) ConnectedAgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNode)
}

// Typed send primitives. Each resolves the node's connection, writes one
// envelope, and records the outcome in the delivery counters. Transport
// failures additionally land in the Change Journal with the error text.

func (r *Registry) SendPrepareForTask(nodeName string, msg *protocol.PrepareForTask) error {
	return r.send(nodeName, protocol.TypePrepareForTask, msg)
}

func (r *Registry) SendSlaveTask(nodeName string, msg *protocol.SlaveTask) error {
	return r.send(nodeName, protocol.TypeSlaveTask, msg)
}

func (r *Registry) SendCancelTask(nodeName string, msg *protocol.CancelTask) error {
	return r.send(nodeName, protocol.TypeCancelTask, msg)
}

func (r *Registry) SendLogFlushRequest(nodeName string, msg *protocol.RequestLogFlushForTask) error {
	return r.send(nodeName, protocol.TypeRequestLogFlushForTask, msg)
}

func (r *Registry) SendMasterStateUpdate(nodeName string, msg *protocol.MasterStateUpdate) error {
	return r.send(nodeName, protocol.TypeMasterStateUpdate, msg)
}

func (r *Registry) SendTimeSync(nodeName string) error {
	return r.send(nodeName, protocol.TypeAdjustSystemTime, &protocol.AdjustSystemTime{
		MasterTimeUTC: time.Now().UTC(),
	})
}

func (r *Registry) SendGeneralCommand(nodeName string, msg *protocol.GeneralCommand) error {
	return r.send(nodeName, protocol.TypeGeneralCommand, msg)
}

// Broadcast sends one message to every connected agent, collecting per-node
// failures without stopping.
func (r *Registry) Broadcast(messageType protocol.MessageType, payload any) int {
	nodes := r.connectedNodes()
	delivered := 0
	for _, node := range nodes {
		if err := r.send(node, messageType, payload); err == nil {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) connectedNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byNode))
	for node := range r.byNode {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) send(nodeName string, messageType protocol.MessageType, payload any) error {
	r.mu.RLock()
	info, ok := r.byNode[nodeName]
	var connID string
	if ok {
		connID = info.ConnectionID
	}
	r.mu.RUnlock()

	if !ok {
		metrics.RecordAgentSend(string(messageType), false)
		r.logger.Warn().Str("node", nodeName).Str("message_type", string(messageType)).
			Msg("send skipped, node not connected")
		return fmt.Errorf("%s to %s: %w", messageType, nodeName, ErrNodeNotConnected)
	}

	if err := r.transport.Send(connID, messageType, payload); err != nil {
		metrics.RecordAgentSend(string(messageType), false)
		r.logger.Error().Str("node", nodeName).Str("message_type", string(messageType)).
			Err(err).Msg("send failed")
		r.auditSendFailure(nodeName, messageType, err)
		return fmt.Errorf("failed to send %s to %s: %w", messageType, nodeName, err)
	}

	metrics.RecordAgentSend(string(messageType), true)
	return nil
}

// auditConnectivity writes an immediately finalized Initiated/Success pair
func (r *Registry) auditConnectivity(changeType, description string) {
	if r.journal == nil {
		return
	}
	changeID, _, err := r.journal.InitiateStateChange(types.ChangeInfo{
		Type:        changeType,
		Initiator:   "agent-registry",
		Description: description,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to audit agent connectivity")
		return
	}
	if err := r.journal.FinalizeStateChange(types.ChangeFinalization{
		ChangeID: changeID,
		Outcome:  types.ChangeOutcomeSuccess,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("failed to finalize agent connectivity audit")
	}
}

// auditSendFailure records a failed delivery as an Initiated/Failure pair
// carrying the transport error.
func (r *Registry) auditSendFailure(nodeName string, messageType protocol.MessageType, sendErr error) {
	if r.journal == nil {
		return
	}
	changeID, _, err := r.journal.InitiateStateChange(types.ChangeInfo{
		Type:        "MessageDelivery",
		Initiator:   "agent-registry",
		Description: fmt.Sprintf("Send %s to agent '%s'", messageType, nodeName),
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to audit send failure")
		return
	}
	if err := r.journal.FinalizeStateChange(types.ChangeFinalization{
		ChangeID:    changeID,
		Outcome:     types.ChangeOutcomeFailure,
		Description: sendErr.Error(),
	}); err != nil {
		r.logger.Warn().Err(err).Msg("failed to finalize send failure audit")
	}
}
