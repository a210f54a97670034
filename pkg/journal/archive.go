package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/drover-io/drover/pkg/types"
)

// ActionSummary is the light projection returned by archive listings
type ActionSummary struct {
	ActionID      string                   `json:"actionId"`
	OperationType types.OperationType      `json:"operationType"`
	Name          string                   `json:"name,omitempty"`
	InitiatedBy   string                   `json:"initiatedBy"`
	Status        types.MasterActionStatus `json:"status"`
	StartTime     time.Time                `json:"startTime"`
	EndTime       *time.Time               `json:"endTime,omitempty"`
}

// GetArchivedAction loads the persisted document of a completed (or
// recovered) action from disk. Live actions are served by the coordinator,
// not from here.
func (j *Journal) GetArchivedAction(actionID string) (*types.MasterAction, error) {
	dir, err := j.findActionDir(actionID)
	if err != nil {
		return nil, err
	}
	var action types.MasterAction
	if err := j.readJSON(filepath.Join(dir, actionInfoFile), &action); err != nil {
		return nil, fmt.Errorf("failed to load archived action %s: %w", actionID, err)
	}
	return &action, nil
}

// ListArchivedActions returns up to limit archive summaries, newest first.
// A limit <= 0 returns everything.
func (j *Journal) ListArchivedActions(limit int) ([]ActionSummary, error) {
	entries, err := j.readActionIndex()
	if err != nil {
		return nil, err
	}

	// Index lines append in initiation order; serve newest first.
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].Timestamp.After(entries[b].Timestamp)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	summaries := make([]ActionSummary, 0, len(entries))
	for _, entry := range entries {
		summary := ActionSummary{
			ActionID:      entry.ActionID,
			OperationType: entry.OperationType,
			InitiatedBy:   entry.InitiatedBy,
			StartTime:     entry.Timestamp,
		}
		var action types.MasterAction
		infoPath := filepath.Join(j.root, actionJournalDir, entry.Directory, actionInfoFile)
		if err := j.readJSON(infoPath, &action); err == nil {
			summary.Name = action.Name
			summary.Status = action.Status
			summary.StartTime = action.StartTime
			summary.EndTime = action.EndTime
		} else {
			summary.Status = types.ActionFailed
			j.logger.Warn().Str("action_id", entry.ActionID).Err(err).
				Msg("archive entry has unreadable action document")
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// RecoverDanglingActions runs the startup crash sweep: every archived action
// whose persisted status is still non-terminal is marked Failed with an
// explanatory log line, and Change Journal pairs left without an outcome row
// are finalized as Failure. Returns the number of actions repaired.
func (j *Journal) RecoverDanglingActions() (int, error) {
	dirs, err := os.ReadDir(filepath.Join(j.root, actionJournalDir))
	if err != nil {
		return 0, fmt.Errorf("failed to scan action journal: %w", err)
	}

	recovered := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		infoPath := filepath.Join(j.root, actionJournalDir, d.Name(), actionInfoFile)
		var action types.MasterAction
		if err := j.readJSON(infoPath, &action); err != nil {
			j.logger.Warn().Str("dir", d.Name()).Err(err).
				Msg("skipping unreadable action document during recovery")
			continue
		}
		if action.Status.IsTerminal() {
			continue
		}

		note := fmt.Sprintf("%s [Warning] Master restarted while action was %s; marked Failed by recovery sweep",
			time.Now().UTC().Format("2006-01-02 15:04:05.000")+"Z", action.Status)
		action.SetStatus(types.ActionFailed)
		action.AppendRecentLog(note)
		if action.ActiveStage != nil {
			for _, task := range action.ActiveStage.NodeTasks {
				task.SetStatus(types.TaskStatusUnknown, "master restarted during execution")
			}
		}
		if err := j.writeJSON(infoPath, &action); err != nil {
			j.logger.Error().Str("action_id", action.ID).Err(err).
				Msg("failed to persist recovered action")
			continue
		}
		recovered++
		j.logger.Warn().Str("action_id", action.ID).Msg("non-terminal action marked failed on recovery")
	}

	if err := j.recoverDanglingChanges(); err != nil {
		return recovered, err
	}
	return recovered, nil
}

// recoverDanglingChanges appends Failure outcome rows for initiated changes
// the previous process never finalized.
func (j *Journal) recoverDanglingChanges() error {
	rows, err := j.readChangeRows()
	if err != nil {
		return err
	}

	open := make(map[string]types.SystemChangeRecord)
	for _, rec := range rows {
		if strings.HasSuffix(rec.EventType, "Initiated") {
			open[rec.ChangeID] = rec
		} else {
			delete(open, rec.ChangeID)
		}
	}
	if len(open) == 0 {
		return nil
	}

	ids := make([]string, 0, len(open))
	for id := range open {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	j.changeMu.Lock()
	defer j.changeMu.Unlock()
	for _, id := range ids {
		initiated := open[id]
		rec := types.SystemChangeRecord{
			Timestamp:            time.Now().UTC(),
			ChangeID:             id,
			EventType:            types.ChangeOutcomeFailure,
			SourceMasterActionID: initiated.SourceMasterActionID,
			Initiator:            initiated.Initiator,
			Description:          "unresolved at master restart",
			Outcome:              types.ChangeOutcomeFailure,
		}
		if err := j.appendJSONLine(j.changesIndexPath(), rec); err != nil {
			return err
		}
		j.notifyAudit(rec)
		j.logger.Warn().Str("change_id", id).Msg("dangling change finalized as failure on recovery")
	}
	return nil
}

// findActionDir locates an action's journal directory by its id suffix
func (j *Journal) findActionDir(actionID string) (string, error) {
	j.mu.Lock()
	if dir, ok := j.activeJournals[actionID]; ok {
		j.mu.Unlock()
		return dir, nil
	}
	j.mu.Unlock()

	base := filepath.Join(j.root, actionJournalDir)
	dirs, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("failed to scan action journal: %w", err)
	}
	suffix := "-" + actionID
	for _, d := range dirs {
		if d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			return filepath.Join(base, d.Name()), nil
		}
	}
	return "", fmt.Errorf("action %s: %w", actionID, ErrNotFound)
}

// readActionIndex loads every line of action_journal_index.log
func (j *Journal) readActionIndex() ([]ActionIndexEntry, error) {
	path := filepath.Join(j.root, actionJournalDir, actionIndexFile)
	lock := j.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open action journal index: %w", err)
	}
	defer f.Close()

	var entries []ActionIndexEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry ActionIndexEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			j.logger.Warn().Err(err).Msg("skipping malformed action index line")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan action journal index: %w", err)
	}
	return entries, nil
}
