package master

import (
	"fmt"
	"time"

	"github.com/drover-io/drover/pkg/types"
)

// StatusView is the user-facing projection of a master action
type StatusView struct {
	OperationID     string                   `json:"operationId"`
	OperationType   types.OperationType      `json:"operationType"`
	Name            string                   `json:"name,omitempty"`
	Description     string                   `json:"description,omitempty"`
	Status          types.MasterActionStatus `json:"status"`
	ProgressPercent int                      `json:"progressPercent"`
	StartTime       time.Time                `json:"startTime"`
	EndTime         *time.Time               `json:"endTime,omitempty"`
	InitiatedBy     string                   `json:"initiatedBy"`
	StageIndex      int                      `json:"stageIndex"`
	StageName       string                   `json:"stageName,omitempty"`
	StageCount      int                      `json:"stageCount"`
	NodeTasks       []*types.NodeTask        `json:"nodeTasks,omitempty"`
	RecentLogs      []string                 `json:"recentLogs,omitempty"`
	FinalResult     map[string]any           `json:"finalResult,omitempty"`
}

// GetStatus resolves a status view for a live or archived action
func (c *Coordinator) GetStatus(id string) (*StatusView, error) {
	c.mu.Lock()
	if r := c.active; r != nil && r.action.ID == id {
		action := r.action.Clone()
		liveTasks := make([]*types.NodeTask, len(r.stageTasks))
		copy(liveTasks, r.stageTasks)
		c.mu.Unlock()
		return projectView(action, liveTasks), nil
	}
	c.mu.Unlock()

	action, err := c.journal.GetArchivedAction(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return projectView(action, nil), nil
}

// projectView builds the status view from an action snapshot. The task
// list preference order: the dispatcher's live snapshot, then the most
// recent stage's tasks, then — when only a final payload exists — a
// synthetic single _master entry carrying it.
func projectView(action *types.MasterAction, liveTasks []*types.NodeTask) *StatusView {
	view := &StatusView{
		OperationID:     action.ID,
		OperationType:   action.Type,
		Name:            action.Name,
		Description:     action.Description,
		Status:          action.Status,
		ProgressPercent: action.ProgressPercent,
		StartTime:       action.StartTime,
		EndTime:         action.EndTime,
		InitiatedBy:     action.InitiatedBy,
		StageCount:      len(action.Stages),
		NodeTasks:       liveTasks,
		RecentLogs:      action.RecentLogs,
		FinalResult:     action.FinalResult,
	}
	if action.ActiveStage != nil {
		view.StageCount++
	}
	if st := action.LatestStage(); st != nil {
		view.StageIndex = st.Index
		view.StageName = st.Name
		if len(view.NodeTasks) == 0 {
			view.NodeTasks = st.NodeTasks
		}
	}
	if len(view.NodeTasks) == 0 && action.FinalResult != nil {
		now := action.StartTime
		if action.EndTime != nil {
			now = *action.EndTime
		}
		view.NodeTasks = []*types.NodeTask{{
			TaskID:          action.ID,
			NodeName:        types.MasterLogNodeName,
			Status:          types.TaskSucceeded,
			ProgressPercent: 100,
			LastUpdateTime:  now,
			ResultPayload:   action.FinalResult,
		}}
	}
	return view
}
