package registry

import (
	"fmt"

	"github.com/drover-io/drover/pkg/protocol"
)

// HealthUpdater receives telemetry decoded from inbound frames
type HealthUpdater interface {
	UpdateFromHeartbeat(hb *protocol.Heartbeat)
	UpdateDiagnostics(report *protocol.DiagnosticsReport)
}

// TaskSink receives task-related frames. The dispatcher implements it.
type TaskSink interface {
	OnReadinessReport(r *protocol.ReadinessReport)
	OnTaskProgress(u *protocol.TaskProgressUpdate)
	OnLogEntry(entry *protocol.LogEntry)
	OnLogFlushComplete(c *protocol.LogFlushComplete)
}

// BindSinks attaches the inbound consumers. Called once during wiring,
// before the hub starts accepting connections.
func (r *Registry) BindSinks(health HealthUpdater, tasks TaskSink) {
	r.healthUpdates = health
	r.tasks = tasks
}

// DispatchInbound routes one decoded agent frame to its consumer. The hub
// calls this from each connection's read pump with the node name the
// connection is bound to; the envelope's own node fields are overridden
// with that binding so an agent cannot speak for another node.
func (r *Registry) DispatchInbound(nodeName string, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := env.DecodePayload(&hb); err != nil {
			return err
		}
		hb.NodeName = nodeName
		r.RecordHeartbeat(nodeName)
		if r.healthUpdates != nil {
			r.healthUpdates.UpdateFromHeartbeat(&hb)
		}

	case protocol.TypeDiagnosticsReport:
		var report protocol.DiagnosticsReport
		if err := env.DecodePayload(&report); err != nil {
			return err
		}
		report.NodeName = nodeName
		if r.healthUpdates != nil {
			r.healthUpdates.UpdateDiagnostics(&report)
		}

	case protocol.TypeReadinessReport:
		var report protocol.ReadinessReport
		if err := env.DecodePayload(&report); err != nil {
			return err
		}
		if r.tasks != nil {
			r.tasks.OnReadinessReport(&report)
		}

	case protocol.TypeTaskProgressUpdate:
		var update protocol.TaskProgressUpdate
		if err := env.DecodePayload(&update); err != nil {
			return err
		}
		if r.tasks != nil {
			r.tasks.OnTaskProgress(&update)
		}

	case protocol.TypeLogEntry:
		var entry protocol.LogEntry
		if err := env.DecodePayload(&entry); err != nil {
			return err
		}
		entry.NodeName = nodeName
		if r.tasks != nil {
			r.tasks.OnLogEntry(&entry)
		}

	case protocol.TypeLogFlushComplete:
		var confirm protocol.LogFlushComplete
		if err := env.DecodePayload(&confirm); err != nil {
			return err
		}
		confirm.NodeName = nodeName
		if r.tasks != nil {
			r.tasks.OnLogFlushComplete(&confirm)
		}

	default:
		return fmt.Errorf("unexpected inbound frame type %s from %s", env.Type, nodeName)
	}
	return nil
}
