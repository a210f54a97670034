package protocol

import (
	"time"

	"github.com/drover-io/drover/pkg/types"
)

// MessageType identifies a wire message inside an Envelope
type MessageType string

// Master → slave message types
const (
	TypeMasterHello            MessageType = "MasterHello"
	TypePrepareForTask         MessageType = "PrepareForTask"
	TypeSlaveTask              MessageType = "SlaveTask"
	TypeCancelTask             MessageType = "CancelTask"
	TypeRequestLogFlushForTask MessageType = "RequestLogFlushForTask"
	TypeMasterStateUpdate      MessageType = "MasterStateUpdate"
	TypeAdjustSystemTime       MessageType = "AdjustSystemTime"
	TypeGeneralCommand         MessageType = "GeneralCommand"
)

// Slave → master message types
const (
	TypeAgentHello         MessageType = "AgentHello"
	TypeHeartbeat          MessageType = "Heartbeat"
	TypeReadinessReport    MessageType = "ReadinessReport"
	TypeTaskProgressUpdate MessageType = "TaskProgressUpdate"
	TypeLogEntry           MessageType = "LogEntry"
	TypeDiagnosticsReport  MessageType = "DiagnosticsReport"
	TypeLogFlushComplete   MessageType = "LogFlushComplete"
)

// MasterHello is the master's reply to an accepted AgentHello. It carries
// the heartbeat cadence the agent must adopt.
type MasterHello struct {
	ServerTimeUTC            time.Time `json:"serverTimeUtc"`
	HeartbeatIntervalSeconds int       `json:"heartbeatIntervalSeconds"`
}

// PrepareForTask asks a node to confirm it can execute a task type before
// any work is dispatched.
type PrepareForTask struct {
	NodeActionID              string `json:"nodeActionId"`
	TaskID                    string `json:"taskId"`
	ExpectedTaskType          string `json:"expectedTaskType"`
	PreparationParametersJSON string `json:"preparationParametersJson,omitempty"`
	TargetResource            string `json:"targetResource,omitempty"`
}

// SlaveTask dispatches the actual work to a node that reported ready
type SlaveTask struct {
	NodeActionID   string `json:"nodeActionId"`
	TaskID         string `json:"taskId"`
	TaskType       string `json:"taskType"`
	ParametersJSON string `json:"parametersJson,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// CancelTask asks a node to abort a running task
type CancelTask struct {
	NodeActionID string `json:"nodeActionId"`
	TaskID       string `json:"taskId"`
	Reason       string `json:"reason"`
}

// RequestLogFlushForTask asks a node to drain every buffered log line for
// the node action and confirm with LogFlushComplete.
type RequestLogFlushForTask struct {
	NodeActionID string `json:"nodeActionId"`
}

// MasterStateUpdate informs agents about master lifecycle changes
// (going down for restart, back up, entering maintenance).
type MasterStateUpdate struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// AdjustSystemTime carries the master clock for drift correction
type AdjustSystemTime struct {
	MasterTimeUTC time.Time `json:"masterTimeUtc"`
}

// GeneralCommand is the escape hatch for one-off administrative commands
type GeneralCommand struct {
	Command       string `json:"command"`
	ArgumentsJSON string `json:"argumentsJson,omitempty"`
}

// AgentHello is the first frame an agent sends after connecting
type AgentHello struct {
	NodeName string `json:"nodeName"`
	Version  string `json:"version,omitempty"`
}

// Heartbeat is the agent's periodic liveness signal with basic gauges
type Heartbeat struct {
	NodeName        string    `json:"nodeName"`
	Timestamp       time.Time `json:"timestamp"`
	CPUUsagePercent float64   `json:"cpuUsagePercent"`
	RAMUsagePercent float64   `json:"ramUsagePercent"`
}

// ReadinessReport answers a PrepareForTask
type ReadinessReport struct {
	TaskID           string `json:"taskId"`
	IsReady          bool   `json:"isReady"`
	ReasonIfNotReady string `json:"reasonIfNotReady,omitempty"`
}

// TaskProgressUpdate reports task state changes from a slave. Status values
// are the NodeTaskStatus names; ProgressPercent is optional so a pure status
// change does not clobber reported progress.
type TaskProgressUpdate struct {
	NodeActionID    string               `json:"nodeActionId"`
	TaskID          string               `json:"taskId"`
	Status          types.NodeTaskStatus `json:"status"`
	ProgressPercent *int                 `json:"progressPercent,omitempty"`
	Message         string               `json:"message,omitempty"`
	ResultJSON      string               `json:"resultJson,omitempty"`
	TimestampUTC    time.Time            `json:"timestampUtc"`
}

// LogEntry is one log line emitted by a slave while executing a task
type LogEntry struct {
	NodeActionID string    `json:"nodeActionId"`
	TaskID       string    `json:"taskId,omitempty"`
	NodeName     string    `json:"nodeName"`
	TimestampUTC time.Time `json:"timestampUtc"`
	LogLevel     string    `json:"logLevel"`
	LogMessage   string    `json:"logMessage"`
}

// DiagnosticsReport carries an agent's self-assessment outside any task
type DiagnosticsReport struct {
	NodeName      string    `json:"nodeName"`
	HealthSummary string    `json:"healthSummary"`
	DetailsJSON   string    `json:"detailsJson,omitempty"`
	TimestampUTC  time.Time `json:"timestampUtc"`
}

// LogFlushComplete confirms a RequestLogFlushForTask: every log line the
// agent buffered for the node action has been sent.
type LogFlushComplete struct {
	NodeActionID string `json:"nodeActionId"`
	NodeName     string `json:"nodeName"`
}
