package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/types"
)

// ErrNotFound is returned by queries for unknown action or change ids
var ErrNotFound = errors.New("not found")

// Fixed names of the on-disk layout
const (
	actionJournalDir   = "ActionJournal"
	changeJournalDir   = "ChangeJournal"
	backupRepoDir      = "BackupRepository"
	artifactsDir       = "artifacts"
	stagesDir          = "stages"
	logsSubdir         = "logs"
	resultsSubdir      = "results"
	actionInfoFile     = "master_action_info.json"
	actionResultFile   = "master_action_result.json"
	stageInfoFile      = "stage_info.json"
	stageResultFile    = "stage_result.json"
	resultArtifactFile = "result_artifact.json"
	masterLogFile      = "_master.log"
	actionIndexFile    = "action_journal_index.log"
	changesIndexFile   = "system_changes_index.log"
)

// AuditNotifier receives every appended Change Journal row. Implementations
// must not block; the journal calls it inline.
type AuditNotifier interface {
	AuditEntryAdded(rec types.SystemChangeRecord)
}

// Config configures a Journal
type Config struct {
	// RootDir is the journal root; all trees live under RootDir/Environment.
	RootDir string

	// Environment names the managed environment (one directory level).
	Environment string

	// Notifier, when set, observes Change Journal appends. Optional.
	Notifier AuditNotifier
}

// Journal is the durable persistence layer: the Action Journal (per-action
// directory trees) and the Change Journal (append-only audit index).
//
// All writes are serialized per file path; the in-memory routing maps make
// slave log arrivals independent of dispatcher lifetime.
type Journal struct {
	root     string
	logger   zerolog.Logger
	notifier AuditNotifier

	mu             sync.Mutex
	activeJournals map[string]string              // actionId -> action dir
	stageByNA      map[string]string              // nodeActionId -> stage dir
	nasByAction    map[string]map[string]struct{} // actionId -> nodeActionIds

	fileLocks sync.Map // absolute path -> *sync.Mutex

	changeMu       sync.Mutex
	pendingChanges map[string]types.SystemChangeRecord // changeId -> initiated row
}

// New creates the journal root directories and an empty routing state
func New(cfg Config) (*Journal, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("journal root dir is required")
	}
	if cfg.Environment == "" {
		return nil, fmt.Errorf("journal environment name is required")
	}

	root := filepath.Join(cfg.RootDir, sanitizeName(cfg.Environment))
	for _, dir := range []string{
		root,
		filepath.Join(root, actionJournalDir),
		filepath.Join(root, changeJournalDir),
		filepath.Join(root, backupRepoDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir %s: %w", dir, err)
		}
	}

	return &Journal{
		root:           root,
		logger:         log.WithComponent("journal"),
		notifier:       cfg.Notifier,
		activeJournals: make(map[string]string),
		stageByNA:      make(map[string]string),
		nasByAction:    make(map[string]map[string]struct{}),
		pendingChanges: make(map[string]types.SystemChangeRecord),
	}, nil
}

// Root returns the environment-level journal root (used by tests and the
// REST layer for artifact downloads).
func (j *Journal) Root() string {
	return j.root
}

// ActionIndexEntry is one JSON line of action_journal_index.log
type ActionIndexEntry struct {
	Timestamp     time.Time           `json:"timestamp"`
	ActionID      string              `json:"actionId"`
	OperationType types.OperationType `json:"operationType"`
	InitiatedBy   string              `json:"initiatedBy"`
	Directory     string              `json:"directory"`
}

// RecordActionInitiated creates the action's on-disk tree and registers it
// as active. The caller passes a stable snapshot of the action.
func (j *Journal) RecordActionInitiated(action *types.MasterAction) error {
	dirName := timestampPrefix(time.Now()) + "-" + action.ID
	actionDir := filepath.Join(j.root, actionJournalDir, dirName)

	if err := os.MkdirAll(actionDir, 0o755); err != nil {
		return fmt.Errorf("failed to create action journal dir: %w", err)
	}

	j.mu.Lock()
	j.activeJournals[action.ID] = actionDir
	j.mu.Unlock()

	if err := j.writeJSON(filepath.Join(actionDir, actionInfoFile), action); err != nil {
		j.dropActive(action.ID)
		return err
	}

	entry := ActionIndexEntry{
		Timestamp:     time.Now().UTC(),
		ActionID:      action.ID,
		OperationType: action.Type,
		InitiatedBy:   action.InitiatedBy,
		Directory:     dirName,
	}
	if err := j.appendJSONLine(filepath.Join(j.root, actionJournalDir, actionIndexFile), entry); err != nil {
		j.dropActive(action.ID)
		return err
	}

	j.logger.Info().Str("action_id", action.ID).Str("dir", dirName).Msg("action journal initiated")
	return nil
}

// RecordActionCompleted persists the action's terminal document and retires
// it from the active set. Slave log routing stays alive until ClearMappings.
func (j *Journal) RecordActionCompleted(action *types.MasterAction) error {
	j.mu.Lock()
	actionDir, ok := j.activeJournals[action.ID]
	if ok {
		delete(j.activeJournals, action.ID)
	}
	j.mu.Unlock()

	if !ok {
		return fmt.Errorf("action %s has no active journal: %w", action.ID, ErrNotFound)
	}

	if err := j.writeJSON(filepath.Join(actionDir, actionInfoFile), action); err != nil {
		return err
	}
	j.logger.Info().Str("action_id", action.ID).Str("status", string(action.Status)).
		Msg("action journal completed")
	return nil
}

// stageInfo is the persisted form of one stage's metadata
type stageInfo struct {
	Index     int            `json:"index"`
	Name      string         `json:"name"`
	StartTime time.Time      `json:"startTime"`
	EndTime   *time.Time     `json:"endTime,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// RecordStageInitiated materializes the stage directory skeleton
func (j *Journal) RecordStageInitiated(actionID string, index int, name string, input map[string]any) error {
	stageDir, err := j.stageDir(actionID, index, name)
	if err != nil {
		return err
	}
	for _, dir := range []string{stageDir, filepath.Join(stageDir, logsSubdir), filepath.Join(stageDir, resultsSubdir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create stage dir %s: %w", dir, err)
		}
	}
	info := stageInfo{
		Index:     index,
		Name:      name,
		StartTime: time.Now().UTC(),
		Input:     input,
	}
	return j.writeJSON(filepath.Join(stageDir, stageInfoFile), info)
}

// RecordStageCompleted finalizes stage metadata and persists the stage result
func (j *Journal) RecordStageCompleted(actionID string, index int, name string, result map[string]any) error {
	stageDir, err := j.stageDir(actionID, index, name)
	if err != nil {
		return err
	}

	infoPath := filepath.Join(stageDir, stageInfoFile)
	var info stageInfo
	if err := j.readJSON(infoPath, &info); err != nil {
		// Stage completed without a prior initiation write; rebuild.
		info = stageInfo{Index: index, Name: name, StartTime: time.Now().UTC()}
	}
	now := time.Now().UTC()
	info.EndTime = &now
	info.Result = result
	if err := j.writeJSON(infoPath, info); err != nil {
		return err
	}

	if result != nil {
		return j.writeJSON(filepath.Join(stageDir, resultsSubdir, stageResultFile), result)
	}
	return nil
}

// RecordNodeTaskResult persists one terminal task document into the stage's
// results directory, routed by the task's node action id.
func (j *Journal) RecordNodeTaskResult(nodeActionID string, task *types.NodeTask) error {
	j.mu.Lock()
	stageDir, ok := j.stageByNA[nodeActionID]
	j.mu.Unlock()
	if !ok {
		j.logger.Warn().Str("node_action_id", nodeActionID).Str("task_id", task.TaskID).
			Msg("task result for unmapped node action dropped")
		return nil
	}

	fileName := fmt.Sprintf("%s-%s-taskresult.json", sanitizeName(task.NodeName), sanitizeName(task.TaskID))
	return j.writeJSON(filepath.Join(stageDir, resultsSubdir, fileName), task)
}

// RecordMasterActionResult persists the action's final result payload
func (j *Journal) RecordMasterActionResult(actionID string, payload map[string]any) error {
	j.mu.Lock()
	actionDir, ok := j.activeJournals[actionID]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("action %s has no active journal: %w", actionID, ErrNotFound)
	}
	return j.writeJSON(filepath.Join(actionDir, actionResultFile), payload)
}

// stageDir resolves an action's stage directory path
func (j *Journal) stageDir(actionID string, index int, name string) (string, error) {
	j.mu.Lock()
	actionDir, ok := j.activeJournals[actionID]
	j.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("action %s has no active journal: %w", actionID, ErrNotFound)
	}
	return filepath.Join(actionDir, stagesDir, stageDirName(index, name)), nil
}

func (j *Journal) dropActive(actionID string) {
	j.mu.Lock()
	delete(j.activeJournals, actionID)
	j.mu.Unlock()
}

func stageDirName(index int, name string) string {
	return fmt.Sprintf("%d-%s", index, sanitizeName(name))
}
