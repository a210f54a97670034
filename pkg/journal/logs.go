package journal

import (
	"path/filepath"
	"time"

	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/protocol"
)

// MapNodeActionToStage registers the stage directory a node action's slave
// logs and task results are routed to. Remapping the same node action is a
// no-op; mapping it to a different stage is an error in the caller and is
// logged, then applied.
func (j *Journal) MapNodeActionToStage(actionID string, stageIndex int, stageName, nodeActionID string) error {
	stageDir, err := j.stageDir(actionID, stageIndex, stageName)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if prev, ok := j.stageByNA[nodeActionID]; ok && prev != stageDir {
		j.logger.Warn().Str("node_action_id", nodeActionID).
			Str("previous", prev).Str("next", stageDir).
			Msg("node action remapped to a different stage")
	}
	j.stageByNA[nodeActionID] = stageDir

	set, ok := j.nasByAction[actionID]
	if !ok {
		set = make(map[string]struct{})
		j.nasByAction[actionID] = set
	}
	set[nodeActionID] = struct{}{}
	return nil
}

// ClearMappings removes every node action route registered for an action.
// Slave logs arriving afterwards are dropped with a warning. Unknown action
// ids are a no-op.
func (j *Journal) ClearMappings(actionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for na := range j.nasByAction[actionID] {
		delete(j.stageByNA, na)
	}
	delete(j.nasByAction, actionID)
}

// AppendSlaveLogToStage routes one slave log entry to its stage directory
// by the entry's node action id and appends it to the per-node log file.
// Unmapped entries are dropped with a warning; routing needs no dispatcher
// to be alive, so late logs land as long as mappings exist.
func (j *Journal) AppendSlaveLogToStage(entry *protocol.LogEntry) error {
	j.mu.Lock()
	stageDir, ok := j.stageByNA[entry.NodeActionID]
	j.mu.Unlock()
	if !ok {
		j.logger.Warn().Str("node_action_id", entry.NodeActionID).Str("node", entry.NodeName).
			Msg("slave log for unmapped node action dropped")
		return nil
	}

	path := filepath.Join(stageDir, logsSubdir, sanitizeName(entry.NodeName)+".log")
	if err := j.appendLine(path, formatLogLine(entry.TimestampUTC, entry.LogLevel, entry.LogMessage)); err != nil {
		return err
	}
	metrics.RecordLogEntryJournaled("slave")
	return nil
}

// AppendMasterLogToStage appends one master-originated log line to the
// stage's _master.log file.
func (j *Journal) AppendMasterLogToStage(actionID string, stageIndex int, stageName string, entry *protocol.LogEntry) error {
	stageDir, err := j.stageDir(actionID, stageIndex, stageName)
	if err != nil {
		j.logger.Warn().Str("action_id", actionID).Int("stage", stageIndex).
			Msg("master log for unknown action dropped")
		return nil
	}

	path := filepath.Join(stageDir, logsSubdir, masterLogFile)
	if err := j.appendLine(path, formatLogLine(entry.TimestampUTC, entry.LogLevel, entry.LogMessage)); err != nil {
		return err
	}
	metrics.RecordLogEntryJournaled("master")
	return nil
}

// formatLogLine renders the canonical journal log line:
//
//	2025-11-07 14:03:22.417Z [Info] message
func formatLogLine(ts time.Time, level, message string) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	if level == "" {
		level = "Info"
	}
	return ts.UTC().Format("2006-01-02 15:04:05.000") + "Z [" + level + "] " + message
}
