package events

import (
	"time"
)

// OperationProgress is the payload of EventOperationProgress
type OperationProgress struct {
	OperationID     string `json:"operationId"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progressPercent"`
	StageIndex      int    `json:"stageIndex"`
	StageName       string `json:"stageName,omitempty"`
}

// OperationCompleted is the payload of EventOperationCompleted
type OperationCompleted struct {
	OperationID string         `json:"operationId"`
	Status      string         `json:"status"`
	FinalResult map[string]any `json:"finalResult,omitempty"`
}

// OperationLogLine is the payload of EventOperationLogEntry
type OperationLogLine struct {
	OperationID  string    `json:"operationId"`
	NodeName     string    `json:"nodeName"`
	TimestampUTC time.Time `json:"timestampUtc"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	StageIndex   int       `json:"stageIndex"`
	StageName    string    `json:"stageName,omitempty"`
}

// HealthIssue is the payload of EventHealthIssueFound
type HealthIssue struct {
	NodeName string `json:"nodeName"`
	Summary  string `json:"summary"`
}

// ManifestUpdated is the payload of EventManifestUpdated
type ManifestUpdated struct {
	Description string `json:"description,omitempty"`
}

// MasterState is the payload of the master lifecycle events
type MasterState struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}
