package dispatch

import (
	"github.com/drover-io/drover/pkg/protocol"
)

// Inbound fan-in. The registry routes slave frames here; each callback
// resolves the live execution and applies the update. Frames for unknown
// executions are either dropped (state updates) or routed straight to the
// journal (late logs, which stay deliverable until the coordinator clears
// the action's stage mappings).

// OnReadinessReport applies a slave's readiness answer
func (d *Dispatcher) OnReadinessReport(r *protocol.ReadinessReport) {
	ex := d.lookupByTask(r.TaskID)
	if ex == nil {
		d.logger.Debug().Str("task_id", r.TaskID).Msg("readiness report for unknown task dropped")
		return
	}
	ex.onReadinessReport(r)
}

// OnTaskProgress applies a slave's task progress update
func (d *Dispatcher) OnTaskProgress(u *protocol.TaskProgressUpdate) {
	ex := d.lookup(u.NodeActionID)
	if ex == nil {
		d.logger.Debug().Str("node_action_id", u.NodeActionID).Str("task_id", u.TaskID).
			Msg("progress update for unknown node action dropped")
		return
	}
	ex.onProgress(u)
}

// OnLogEntry enqueues a slave log line into the owning stage's ordered
// queue. After stage teardown the entry bypasses the queue and goes to the
// journal directly, which still routes it while the mapping lives.
func (d *Dispatcher) OnLogEntry(entry *protocol.LogEntry) {
	if ex := d.lookup(entry.NodeActionID); ex != nil {
		if ex.logQ.Push(entry) {
			return
		}
	}
	if err := d.journal.AppendSlaveLogToStage(entry); err != nil {
		d.logger.Warn().Str("node", entry.NodeName).Err(err).
			Msg("failed to journal late slave log line")
	}
}

// OnLogFlushComplete records a node's flush confirmation
func (d *Dispatcher) OnLogFlushComplete(c *protocol.LogFlushComplete) {
	ex := d.lookup(c.NodeActionID)
	if ex == nil {
		d.logger.Debug().Str("node_action_id", c.NodeActionID).Str("node", c.NodeName).
			Msg("flush confirmation for unknown node action dropped")
		return
	}
	ex.onFlushComplete(c.NodeName)
}
