/*
Package types defines the core data structures used throughout Drover.

This package contains the fundamental types of Drover's domain model:
master actions, stages, node actions, node tasks, node health state,
change journal records, and the environment manifest. Every other package
builds on these types for orchestration logic, persistence, and API
projections.

# Architecture

The types package is the foundation of Drover's data model. It defines:

  - Master Action lifecycle (operation type, status, stages, progress)
  - Stage and NodeTask execution state
  - Node connectivity classification (health monitor cache)
  - Change Journal rows and two-phase change descriptors
  - Agent connection metadata and the expected-node manifest

All types are designed to be:
  - Serializable (JSON, camelCase field names on disk and on the wire)
  - Plain data (locking belongs to the owning component)
  - Self-documenting (enum values serialize as their names)

# Core Types

Workflow:
  - MasterAction: One user-initiated multi-stage workflow run
  - Stage: One ordered step within a Master Action
  - NodeAction: The dispatcher's per-stage grouping of tasks
  - NodeTask: One unit of work assigned to one node

Fleet:
  - NodeState: Health monitor's cached view of one node
  - ConnectivityStatus: Online, Unreachable, Offline, NeverConnected, Unknown
  - AgentInfo: One attached agent connection
  - ExpectedNode: One environment-manifest entry

Audit:
  - SystemChangeRecord: Append-only Change Journal row
  - ChangeInfo / ChangeFinalization: Two-phase change descriptors

# Status Domains

Master Action statuses:

	Pending → InProgress → {Succeeded, SucceededWithErrors, Failed}
	                 ↓
	            Cancelling → Cancelled

Node task statuses move through readiness, dispatch, and execution:

	Pending → ReadinessCheckSent → ReadyToExecute → TaskDispatched
	        → Starting → InProgress → {Succeeded, SucceededWithIssues, Failed}

with terminal short-circuits for NotReadyForTask, ReadinessCheckTimedOut,
DispatchFailed_Prepare, TaskDispatchFailed_Execute, TimedOut,
NodeOfflineDuringTask, Cancelled and CancellationFailed. Terminal statuses
are sticky: SetStatus refuses to overwrite them and stamps EndTime exactly
once, which is what keeps cancellation authoritative over late progress
updates.

# Usage

Creating a Master Action:

	action := types.NewMasterAction(
		types.OperationUpdatePackages,
		"monthly patching",
		"apply OS package updates",
		"admin@example.com",
		map[string]any{"channel": "stable"},
	)

Creating tasks for a stage:

	tasks := []*types.NodeTask{
		types.NewNodeTask("node-a", types.TaskTypeUpdatePackages, params, 600),
		types.NewNodeTask("node-b", types.TaskTypeUpdatePackages, params, 600),
	}
	na := types.NewNodeAction(action.ID, 0, "apply-updates", tasks)

# Thread Safety

All types in this package are plain data:
  - Read-safe only for goroutines holding the owner's lock or a Clone
  - The coordinator owns the live MasterAction; the dispatcher owns the
    live NodeAction and its tasks
  - Clone methods produce deep copies for journal writes and UI snapshots

# See Also

  - pkg/journal for the on-disk representation
  - pkg/dispatch for the NodeTask state machine driver
  - pkg/master for MasterAction ownership rules
*/
package types
