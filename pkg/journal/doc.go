// Package journal is drover's durable persistence layer: a filesystem-backed
// Action Journal holding one directory tree per Master Action, and an
// append-only Change Journal auditing every state-changing event in the
// environment.
//
// # Action Journal layout
//
// Every initiated action materializes a sortable directory under the
// environment root:
//
//	<root>/<environment>/
//	├── ActionJournal/
//	│   ├── action_journal_index.log          one JSON line per action
//	│   └── <yyyyMMddHHmmssfff>-<actionId>/
//	│       ├── master_action_info.json       full document, rewritten per update
//	│       ├── master_action_result.json     final result payload
//	│       └── stages/
//	│           └── <index>-<stageName>/
//	│               ├── stage_info.json
//	│               ├── logs/
//	│               │   ├── _master.log       master-originated lines
//	│               │   └── <nodeName>.log    one file per reporting node
//	│               └── results/
//	│                   ├── stage_result.json
//	│                   └── <node>-<task>-taskresult.json
//	├── ChangeJournal/
//	│   ├── system_changes_index.log          append-only audit rows
//	│   └── artifacts/<changeId>/result_artifact.json
//	└── BackupRepository/
//	    └── <yyyyMMddHHmmssfff>-backup-<changeId>/
//
// # Log routing
//
// Slave log entries carry only a node action id. The journal keeps an
// in-memory map from node action id to stage directory, registered by the
// dispatcher via MapNodeActionToStage and torn down by ClearMappings when the
// action completes. Entries arriving for an unmapped node action are warned
// and dropped. Because routing is a plain lookup, late log arrivals land
// correctly even after the dispatching goroutine is gone.
//
// # Change Journal
//
// State changes append in two phases sharing one change id: an Initiated row
// written before the change is attempted, and an Outcome row (Success or
// Failure) written when it resolves. A crash between the two leaves a
// detectable dangling pair; RecoverDanglingActions closes those as Failure on
// the next start, alongside marking every non-terminal archived action
// Failed.
//
// # Failure semantics
//
// Disk errors never abort a workflow. Every write failure increments the
// journal write error counter and surfaces as a wrapped error the caller
// logs and skips; log appends degrade to warnings inside the journal itself.
package journal
