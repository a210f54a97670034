package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drover-io/drover/pkg/types"
)

// ChangeFilter selects Change Journal rows. Zero values mean "any".
type ChangeFilter struct {
	EventType string
	Outcome   string
	From      time.Time
	To        time.Time
	Page      int // 1-based
	PageSize  int
}

// InitiateStateChange appends the Initiated row of a change pair and, when
// the change requires one, allocates a backup directory for the caller to
// fill. Returns the change id and the backup path ("" when none).
func (j *Journal) InitiateStateChange(info types.ChangeInfo) (string, string, error) {
	changeID := types.NewChangeID()
	source := info.SourceMasterActionID
	if source == "" {
		source = types.ChangeSourceSystemEvent
	}

	rec := types.SystemChangeRecord{
		Timestamp:            time.Now().UTC(),
		ChangeID:             changeID,
		EventType:            info.Type + "Initiated",
		SourceMasterActionID: source,
		Initiator:            info.Initiator,
		Description:          info.Description,
	}

	backupPath := ""
	if info.RequiresBackup {
		backupPath = filepath.Join(j.root, backupRepoDir,
			timestampPrefix(rec.Timestamp)+"-backup-"+changeID)
		if err := os.MkdirAll(backupPath, 0o755); err != nil {
			return "", "", fmt.Errorf("failed to create backup dir: %w", err)
		}
		rec.ArtifactPath = backupPath
	}

	j.changeMu.Lock()
	defer j.changeMu.Unlock()

	if err := j.appendJSONLine(j.changesIndexPath(), rec); err != nil {
		return "", "", err
	}
	j.pendingChanges[changeID] = rec
	j.notifyAudit(rec)

	j.logger.Info().Str("change_id", changeID).Str("event_type", rec.EventType).
		Str("source", source).Msg("state change initiated")
	return changeID, backupPath, nil
}

// FinalizeStateChange appends the Outcome row of a change pair. Unknown or
// already finalized change ids are ignored with a warning, so retried
// finalizations cannot duplicate rows.
func (j *Journal) FinalizeStateChange(fin types.ChangeFinalization) error {
	j.changeMu.Lock()
	defer j.changeMu.Unlock()

	initiated, ok := j.pendingChanges[fin.ChangeID]
	if !ok {
		j.logger.Warn().Str("change_id", fin.ChangeID).
			Msg("finalization for unknown or already finalized change ignored")
		return nil
	}

	rec := types.SystemChangeRecord{
		Timestamp:            time.Now().UTC(),
		ChangeID:             fin.ChangeID,
		EventType:            fin.Outcome,
		SourceMasterActionID: initiated.SourceMasterActionID,
		Initiator:            initiated.Initiator,
		Description:          fin.Description,
		Outcome:              fin.Outcome,
	}
	if rec.Description == "" {
		rec.Description = initiated.Description
	}

	if fin.Artifact != nil {
		artifactPath := filepath.Join(j.root, changeJournalDir, artifactsDir, fin.ChangeID, resultArtifactFile)
		if err := j.writeJSON(artifactPath, fin.Artifact); err != nil {
			return err
		}
		rec.ArtifactPath = artifactPath
	}

	if err := j.appendJSONLine(j.changesIndexPath(), rec); err != nil {
		return err
	}
	delete(j.pendingChanges, fin.ChangeID)
	j.notifyAudit(rec)

	j.logger.Info().Str("change_id", fin.ChangeID).Str("outcome", fin.Outcome).
		Msg("state change finalized")
	return nil
}

// ListChanges returns matching Change Journal rows, newest first, plus the
// total match count before pagination.
func (j *Journal) ListChanges(filter ChangeFilter) ([]types.SystemChangeRecord, int, error) {
	rows, err := j.readChangeRows()
	if err != nil {
		return nil, 0, err
	}

	matched := make([]types.SystemChangeRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		rec := rows[i]
		if filter.EventType != "" && rec.EventType != filter.EventType {
			continue
		}
		if filter.Outcome != "" && rec.Outcome != filter.Outcome {
			continue
		}
		if !filter.From.IsZero() && rec.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.Timestamp.After(filter.To) {
			continue
		}
		matched = append(matched, rec)
	}

	total := len(matched)
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.PageSize
		if start >= total {
			return []types.SystemChangeRecord{}, total, nil
		}
		end := start + filter.PageSize
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

// GetLastSuccessfulChangeOfType returns the most recent Initiated row of the
// given change type whose pair finalized with a Success outcome.
func (j *Journal) GetLastSuccessfulChangeOfType(changeType string) (*types.SystemChangeRecord, error) {
	rows, err := j.readChangeRows()
	if err != nil {
		return nil, err
	}

	eventType := changeType + "Initiated"
	initiated := make(map[string]types.SystemChangeRecord)
	var last *types.SystemChangeRecord
	for _, rec := range rows {
		switch {
		case rec.EventType == eventType:
			initiated[rec.ChangeID] = rec
		case rec.Outcome == types.ChangeOutcomeSuccess:
			if init, ok := initiated[rec.ChangeID]; ok {
				candidate := init
				last = &candidate
			}
		}
	}
	if last == nil {
		return nil, fmt.Errorf("no successful change of type %s: %w", changeType, ErrNotFound)
	}
	return last, nil
}

// readChangeRows loads every row of the Change Journal index in order
func (j *Journal) readChangeRows() ([]types.SystemChangeRecord, error) {
	path := j.changesIndexPath()
	lock := j.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open change journal index: %w", err)
	}
	defer f.Close()

	var rows []types.SystemChangeRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec types.SystemChangeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			j.logger.Warn().Err(err).Msg("skipping malformed change journal row")
			continue
		}
		rows = append(rows, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan change journal index: %w", err)
	}
	return rows, nil
}

func (j *Journal) changesIndexPath() string {
	return filepath.Join(j.root, changeJournalDir, changesIndexFile)
}

func (j *Journal) notifyAudit(rec types.SystemChangeRecord) {
	if j.notifier != nil {
		j.notifier.AuditEntryAdded(rec)
	}
}
