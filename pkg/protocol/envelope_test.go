package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/types"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypePrepareForTask, PrepareForTask{
		NodeActionID:     "na-1",
		TaskID:           "task-1",
		ExpectedTaskType: string(types.TaskTypeNoop),
	})
	require.NoError(t, err)

	frame, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, TypePrepareForTask, decoded.Type)

	var msg PrepareForTask
	require.NoError(t, decoded.DecodePayload(&msg))
	assert.Equal(t, "na-1", msg.NodeActionID)
	assert.Equal(t, "task-1", msg.TaskID)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"payload":{}}`))
	assert.Error(t, err, "missing type must be rejected")
}

// Field names on the wire are part of the contract between master and
// agents; a renamed Go field must not silently rename the JSON key.
func TestWireFieldNames(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name string
		msg  any
		keys []string
	}{
		{
			name: "TaskProgressUpdate",
			msg: TaskProgressUpdate{
				NodeActionID: "na-1", TaskID: "t1",
				Status: types.TaskInProgress, TimestampUTC: now,
			},
			keys: []string{"nodeActionId", "taskId", "status", "timestampUtc"},
		},
		{
			name: "LogEntry",
			msg: LogEntry{
				NodeActionID: "na-1", NodeName: "node-a",
				TimestampUTC: now, LogLevel: "Info", LogMessage: "hello",
			},
			keys: []string{"nodeActionId", "nodeName", "timestampUtc", "logLevel", "logMessage"},
		},
		{
			name: "Heartbeat",
			msg:  Heartbeat{NodeName: "node-a", Timestamp: now, CPUUsagePercent: 12.5, RAMUsagePercent: 40},
			keys: []string{"nodeName", "timestamp", "cpuUsagePercent", "ramUsagePercent"},
		},
		{
			name: "ReadinessReport",
			msg:  ReadinessReport{TaskID: "t1", IsReady: false, ReasonIfNotReady: "Disk space low."},
			keys: []string{"taskId", "isReady", "reasonIfNotReady"},
		},
		{
			name: "LogFlushComplete",
			msg:  LogFlushComplete{NodeActionID: "na-1", NodeName: "node-a"},
			keys: []string{"nodeActionId", "nodeName"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			require.NoError(t, err)

			var m map[string]any
			require.NoError(t, json.Unmarshal(data, &m))
			for _, k := range tt.keys {
				assert.Contains(t, m, k)
			}
		})
	}
}

func TestProgressPercentOmittedWhenNil(t *testing.T) {
	data, err := json.Marshal(TaskProgressUpdate{
		NodeActionID: "na-1", TaskID: "t1", Status: types.TaskStarting,
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "progressPercent")

	pct := 0
	data, err = json.Marshal(TaskProgressUpdate{
		NodeActionID: "na-1", TaskID: "t1", Status: types.TaskInProgress, ProgressPercent: &pct,
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"progressPercent":0`)
}
