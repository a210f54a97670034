package types

import (
	"time"

	"github.com/google/uuid"
)

// OperationType identifies a kind of Master Action a user can initiate
type OperationType string

const (
	OperationVerifyEnvironment  OperationType = "VerifyEnvironment"
	OperationUpdatePackages     OperationType = "UpdatePackages"
	OperationRunDiagnosticProbe OperationType = "RunDiagnosticProbe"
)

// TaskType identifies the kind of work a slave agent is asked to execute
type TaskType string

const (
	TaskTypeVerifyEnvironment  TaskType = "verify_environment"
	TaskTypeUpdatePackages     TaskType = "update_packages"
	TaskTypeRunDiagnosticProbe TaskType = "run_diagnostic_probe"
	TaskTypeNoop               TaskType = "noop"
)

// MasterActionStatus represents the overall state of a Master Action
type MasterActionStatus string

const (
	ActionPending             MasterActionStatus = "Pending"
	ActionInProgress          MasterActionStatus = "InProgress"
	ActionCancelling          MasterActionStatus = "Cancelling"
	ActionSucceeded           MasterActionStatus = "Succeeded"
	ActionSucceededWithErrors MasterActionStatus = "SucceededWithErrors"
	ActionFailed              MasterActionStatus = "Failed"
	ActionCancelled           MasterActionStatus = "Cancelled"
)

// IsTerminal reports whether the status is final
func (s MasterActionStatus) IsTerminal() bool {
	switch s {
	case ActionSucceeded, ActionSucceededWithErrors, ActionFailed, ActionCancelled:
		return true
	}
	return false
}

// NodeTaskStatus represents the state of a single node task
type NodeTaskStatus string

const (
	// Pre-execution
	TaskPending            NodeTaskStatus = "Pending"
	TaskAwaitingReadiness  NodeTaskStatus = "AwaitingReadiness"
	TaskReadinessCheckSent NodeTaskStatus = "ReadinessCheckSent"
	TaskReadyToExecute     NodeTaskStatus = "ReadyToExecute"
	TaskDispatched         NodeTaskStatus = "TaskDispatched"

	// Running
	TaskStarting   NodeTaskStatus = "Starting"
	TaskInProgress NodeTaskStatus = "InProgress"
	TaskRetrying   NodeTaskStatus = "Retrying"

	// Cancellation in flight
	TaskCancelling NodeTaskStatus = "Cancelling"

	// Terminal
	TaskSucceeded              NodeTaskStatus = "Succeeded"
	TaskSucceededWithIssues    NodeTaskStatus = "SucceededWithIssues"
	TaskFailed                 NodeTaskStatus = "Failed"
	TaskCancelled              NodeTaskStatus = "Cancelled"
	TaskCancellationFailed     NodeTaskStatus = "CancellationFailed"
	TaskNotReadyForTask        NodeTaskStatus = "NotReadyForTask"
	TaskReadinessCheckTimedOut NodeTaskStatus = "ReadinessCheckTimedOut"
	TaskDispatchFailedPrepare  NodeTaskStatus = "DispatchFailed_Prepare"
	TaskDispatchFailedExecute  NodeTaskStatus = "TaskDispatchFailed_Execute"
	TaskTimedOut               NodeTaskStatus = "TimedOut"
	TaskNodeOfflineDuringTask  NodeTaskStatus = "NodeOfflineDuringTask"
	TaskStatusUnknown          NodeTaskStatus = "Unknown"
)

// IsTerminal reports whether the status is final
func (s NodeTaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskSucceededWithIssues, TaskFailed, TaskCancelled,
		TaskCancellationFailed, TaskNotReadyForTask, TaskReadinessCheckTimedOut,
		TaskDispatchFailedPrepare, TaskDispatchFailedExecute, TaskTimedOut,
		TaskNodeOfflineDuringTask, TaskStatusUnknown:
		return true
	}
	return false
}

// IsSuccess reports whether the terminal status counts as a success
func (s NodeTaskStatus) IsSuccess() bool {
	return s == TaskSucceeded || s == TaskSucceededWithIssues
}

// ConnectivityStatus classifies a node's reachability as seen by the master
type ConnectivityStatus string

const (
	NodeOnline         ConnectivityStatus = "Online"
	NodeUnreachable    ConnectivityStatus = "Unreachable"
	NodeOffline        ConnectivityStatus = "Offline"
	NodeNeverConnected ConnectivityStatus = "NeverConnected"
	NodeUnknown        ConnectivityStatus = "Unknown"
)

// CancelStatus is the outcome of a cancellation request
type CancelStatus string

const (
	CancelStatusPending          CancelStatus = "CancellationPending"
	CancelStatusAlreadyCompleted CancelStatus = "AlreadyCompleted"
	CancelStatusNotFound         CancelStatus = "NotFound"
)

// MasterLogNodeName is the synthetic node name used for master-side log entries
const MasterLogNodeName = "_master"

// Change Journal outcome values
const (
	ChangeOutcomeSuccess = "Success"
	ChangeOutcomeFailure = "Failure"
)

// Change Journal source ids for records not tied to a Master Action
const (
	ChangeSourceSystemEvent   = "system-event"
	ChangeSourceHealthMonitor = "system-health-monitor"
)

// NodeState is the health monitor's cached view of one node
type NodeState struct {
	NodeName        string             `json:"nodeName"`
	Status          ConnectivityStatus `json:"status"`
	LastHeartbeat   *time.Time         `json:"lastHeartbeat,omitempty"`
	AgentVersion    string             `json:"agentVersion,omitempty"`
	CPUUsagePercent float64            `json:"cpuUsagePercent"`
	RAMUsagePercent float64            `json:"ramUsagePercent"`
	HealthSummary   string             `json:"healthSummary,omitempty"`
	LastDiagnostics map[string]any     `json:"lastDiagnostics,omitempty"`
	LastStateUpdate time.Time          `json:"lastStateUpdate"`
}

// Clone copies the state for snapshots handed outside the monitor's lock
func (s *NodeState) Clone() *NodeState {
	out := *s
	if s.LastHeartbeat != nil {
		t := *s.LastHeartbeat
		out.LastHeartbeat = &t
	}
	if s.LastDiagnostics != nil {
		out.LastDiagnostics = make(map[string]any, len(s.LastDiagnostics))
		for k, v := range s.LastDiagnostics {
			out.LastDiagnostics[k] = v
		}
	}
	return &out
}

// AgentInfo describes one attached agent connection
type AgentInfo struct {
	NodeName      string    `json:"nodeName"`
	ConnectionID  string    `json:"connectionId"`
	Version       string    `json:"version,omitempty"`
	RemoteAddr    string    `json:"remoteAddr,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// ExpectedNode is one entry of the environment manifest
type ExpectedNode struct {
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
	AddedAt time.Time         `json:"addedAt"`
	AddedBy string            `json:"addedBy,omitempty"`
}

// SystemChangeRecord is one append-only row of the Change Journal.
// An Initiated row and its Outcome row share the same ChangeID.
type SystemChangeRecord struct {
	Timestamp            time.Time `json:"timestamp"`
	ChangeID             string    `json:"changeId"`
	EventType            string    `json:"eventType"`
	SourceMasterActionID string    `json:"sourceMasterActionId"`
	Initiator            string    `json:"initiator"`
	Description          string    `json:"description"`
	Outcome              string    `json:"outcome,omitempty"`
	ArtifactPath         string    `json:"artifactPath,omitempty"`
}

// ChangeInfo describes a state change about to happen
type ChangeInfo struct {
	Type                 string
	SourceMasterActionID string
	Initiator            string
	Description          string
	RequiresBackup       bool
}

// ChangeFinalization closes out a previously initiated change
type ChangeFinalization struct {
	ChangeID    string
	Outcome     string
	Description string
	Artifact    map[string]any
}

// ID helpers. Every entity id carries a short prefix so log lines and
// journal rows are self-describing.

func NewMasterActionID() string { return "ma-" + uuid.New().String() }

func NewNodeActionID() string { return "na-" + uuid.New().String() }

func NewChangeID() string { return "chg-" + uuid.New().String() }

func NewConnectionID() string { return "conn-" + uuid.New().String() }

func NewTaskID() string { return "task-" + uuid.New().String()[:8] }
