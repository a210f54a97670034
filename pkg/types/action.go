package types

import (
	"time"
)

// MaxRecentLogs bounds the in-memory ring of recent log lines kept on a
// live Master Action for status projections.
const MaxRecentLogs = 100

// MasterAction is one user-initiated, multi-stage workflow run.
//
// The live instance is owned by the coordinator; concurrent readers must
// work from a Clone. Mutation happens only on the coordinator's stage
// sequencing path and the dispatcher's aggregation path, both of which
// serialize through the coordinator's run lock.
type MasterAction struct {
	ID              string             `json:"id"`
	Type            OperationType      `json:"operationType"`
	Name            string             `json:"name,omitempty"`
	Description     string             `json:"description,omitempty"`
	InitiatedBy     string             `json:"initiatedBy"`
	Parameters      map[string]any     `json:"parameters,omitempty"`
	StartTime       time.Time          `json:"startTime"`
	EndTime         *time.Time         `json:"endTime,omitempty"`
	Status          MasterActionStatus `json:"status"`
	ProgressPercent int                `json:"progressPercent"`
	RecentLogs      []string           `json:"recentLogs,omitempty"`
	FinalResult     map[string]any     `json:"finalResult,omitempty"`
	Stages          []*Stage           `json:"stages,omitempty"`
	ActiveStage     *Stage             `json:"activeStage,omitempty"`
}

// NewMasterAction creates a pending action with a fresh ma- id
func NewMasterAction(opType OperationType, name, description, initiatedBy string, params map[string]any) *MasterAction {
	copied := make(map[string]any, len(params))
	for k, v := range params {
		copied[k] = v
	}
	return &MasterAction{
		ID:          NewMasterActionID(),
		Type:        opType,
		Name:        name,
		Description: description,
		InitiatedBy: initiatedBy,
		Parameters:  copied,
		StartTime:   time.Now().UTC(),
		Status:      ActionPending,
	}
}

// SetStatus moves the action to a new status. A terminal status is never
// overwritten; EndTime is stamped exactly when the action turns terminal.
// Returns false if the transition was suppressed.
func (a *MasterAction) SetStatus(s MasterActionStatus) bool {
	if a.Status.IsTerminal() {
		return false
	}
	a.Status = s
	if s.IsTerminal() {
		now := time.Now().UTC()
		a.EndTime = &now
	}
	return true
}

// SetProgress clamps and stores the overall progress percentage
func (a *MasterAction) SetProgress(pct int) {
	a.ProgressPercent = ClampPercent(pct)
}

// AppendRecentLog pushes a line into the bounded recent-log ring
func (a *MasterAction) AppendRecentLog(line string) {
	a.RecentLogs = append(a.RecentLogs, line)
	if len(a.RecentLogs) > MaxRecentLogs {
		a.RecentLogs = a.RecentLogs[len(a.RecentLogs)-MaxRecentLogs:]
	}
}

// BeginStage opens the next stage and makes it the active one
func (a *MasterAction) BeginStage(index int, name string, input map[string]any) *Stage {
	st := &Stage{
		Index:     index,
		Name:      name,
		StartTime: time.Now().UTC(),
		Input:     input,
	}
	a.ActiveStage = st
	return st
}

// CompleteStage stamps the active stage terminal and archives it onto the
// completed list. A nil active stage is a no-op.
func (a *MasterAction) CompleteStage(result map[string]any, success bool) {
	st := a.ActiveStage
	if st == nil {
		return
	}
	now := time.Now().UTC()
	st.EndTime = &now
	st.Result = result
	st.Success = success
	a.Stages = append(a.Stages, st)
	a.ActiveStage = nil
}

// LatestStage returns the active stage if present, else the most recently
// completed one, else nil.
func (a *MasterAction) LatestStage() *Stage {
	if a.ActiveStage != nil {
		return a.ActiveStage
	}
	if n := len(a.Stages); n > 0 {
		return a.Stages[n-1]
	}
	return nil
}

// Clone deep-copies the action for journal writes and UI projections
func (a *MasterAction) Clone() *MasterAction {
	out := *a
	out.Parameters = copyMap(a.Parameters)
	out.FinalResult = copyMap(a.FinalResult)
	out.RecentLogs = append([]string(nil), a.RecentLogs...)
	out.Stages = make([]*Stage, len(a.Stages))
	for i, st := range a.Stages {
		out.Stages[i] = st.Clone()
	}
	if a.ActiveStage != nil {
		out.ActiveStage = a.ActiveStage.Clone()
	}
	if a.EndTime != nil {
		t := *a.EndTime
		out.EndTime = &t
	}
	return &out
}

// Stage is one ordered step of a Master Action
type Stage struct {
	Index     int            `json:"index"`
	Name      string         `json:"name"`
	StartTime time.Time      `json:"startTime"`
	EndTime   *time.Time     `json:"endTime,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Success   bool           `json:"success"`
	NodeTasks []*NodeTask    `json:"nodeTasks,omitempty"`
}

// Clone deep-copies the stage including its task list
func (s *Stage) Clone() *Stage {
	out := *s
	out.Input = copyMap(s.Input)
	out.Result = copyMap(s.Result)
	out.NodeTasks = make([]*NodeTask, len(s.NodeTasks))
	for i, t := range s.NodeTasks {
		out.NodeTasks[i] = t.Clone()
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return &out
}

// NodeAction is the dispatcher's per-stage grouping of node tasks. Its id
// correlates slave messages back to the master's live state independent of
// the durable stage name.
type NodeAction struct {
	ID         string
	ActionID   string
	StageIndex int
	StageName  string
	Tasks      []*NodeTask
}

// NewNodeAction groups tasks under a fresh na- id for one stage
func NewNodeAction(actionID string, stageIndex int, stageName string, tasks []*NodeTask) *NodeAction {
	return &NodeAction{
		ID:         NewNodeActionID(),
		ActionID:   actionID,
		StageIndex: stageIndex,
		StageName:  stageName,
		Tasks:      tasks,
	}
}

// NodeTask is one unit of work assigned to one node inside a node action
type NodeTask struct {
	TaskID          string         `json:"taskId"`
	NodeName        string         `json:"nodeName"`
	Type            TaskType       `json:"taskType"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	TargetResource  string         `json:"targetResource,omitempty"`
	TimeoutSeconds  int            `json:"timeoutSeconds"`
	Status          NodeTaskStatus `json:"status"`
	StatusMessage   string         `json:"statusMessage,omitempty"`
	ProgressPercent int            `json:"progressPercent"`
	StartTime       *time.Time     `json:"startTime,omitempty"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	LastUpdateTime  time.Time      `json:"lastUpdateTime"`
	ResultPayload   map[string]any `json:"resultPayload,omitempty"`
}

// NewNodeTask builds a pending task for one node
func NewNodeTask(nodeName string, taskType TaskType, params map[string]any, timeoutSeconds int) *NodeTask {
	return &NodeTask{
		TaskID:         NewTaskID(),
		NodeName:       nodeName,
		Type:           taskType,
		Parameters:     params,
		TimeoutSeconds: timeoutSeconds,
		Status:         TaskPending,
		LastUpdateTime: time.Now().UTC(),
	}
}

// SetStatus moves the task to a new status under the same rules as
// MasterAction.SetStatus: terminal is sticky, EndTime stamps on the
// terminal transition, progress jumps to 100 on success.
func (t *NodeTask) SetStatus(s NodeTaskStatus, message string) bool {
	if t.Status.IsTerminal() {
		return false
	}
	t.Status = s
	if message != "" {
		t.StatusMessage = message
	}
	t.LastUpdateTime = time.Now().UTC()
	if s.IsTerminal() {
		now := time.Now().UTC()
		t.EndTime = &now
		if s.IsSuccess() {
			t.ProgressPercent = 100
		}
	}
	return true
}

// SetProgress clamps and stores task progress
func (t *NodeTask) SetProgress(pct int) {
	t.ProgressPercent = ClampPercent(pct)
	t.LastUpdateTime = time.Now().UTC()
}

// Clone copies the task for snapshots handed to other goroutines
func (t *NodeTask) Clone() *NodeTask {
	out := *t
	out.Parameters = copyMap(t.Parameters)
	out.ResultPayload = copyMap(t.ResultPayload)
	if t.StartTime != nil {
		ts := *t.StartTime
		out.StartTime = &ts
	}
	if t.EndTime != nil {
		ts := *t.EndTime
		out.EndTime = &ts
	}
	return &out
}

// ClampPercent bounds a progress value to [0,100]
func ClampPercent(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
