package master

import (
	"context"
	"fmt"
	"time"

	"github.com/drover-io/drover/pkg/dispatch"
	"github.com/drover-io/drover/pkg/logfwd"
	"github.com/drover-io/drover/pkg/types"
)

// FleetView exposes the health monitor's node snapshot to handlers
type FleetView interface {
	Snapshot() []*types.NodeState
}

// Handler implements one operation type as a stage sequence
type Handler interface {
	OperationType() types.OperationType
	Execute(hc *HandlerContext) (map[string]any, error)
}

// HandlerContext is what a handler gets to work with: the run's cancel
// token, stage sequencing, master-side logging, and the change journal.
type HandlerContext struct {
	Ctx context.Context

	c *Coordinator
	r *run
}

// Action returns a snapshot of the live action
func (hc *HandlerContext) Action() *types.MasterAction {
	hc.c.mu.Lock()
	defer hc.c.mu.Unlock()
	return hc.r.action.Clone()
}

// Params returns the user-supplied operation parameters
func (hc *HandlerContext) Params() map[string]any {
	return hc.r.action.Parameters
}

// Log emits one master-side log line tagged with the run's ambient ids
func (hc *HandlerContext) Log(level, message string) {
	hc.c.forwarder.Log(hc.Ctx, level, message)
}

// FlushLogs waits until every line logged so far is durable
func (hc *HandlerContext) FlushLogs(ctx context.Context) error {
	return hc.c.forwarder.Flush(ctx)
}

// RunStage executes one multi-node stage to completion. It returns
// context.Canceled when the run's token fired during the stage.
func (hc *HandlerContext) RunStage(name string, input map[string]any, tasks []*types.NodeTask) (*dispatch.NodeActionResult, error) {
	return hc.c.runStage(hc.r, name, input, tasks)
}

// StageContext returns the run context tagged with a stage's identity,
// for handlers that log between RunStage calls about a specific stage.
func (hc *HandlerContext) StageContext(index int, name string) context.Context {
	return logfwd.WithStage(hc.Ctx, index, name)
}

// InitiateChange opens a change journal pair on the handler's behalf.
// Returns the change id and, when a backup was requested, the backup
// directory reserved for the change's artifacts.
func (hc *HandlerContext) InitiateChange(info types.ChangeInfo) (string, string, error) {
	info.SourceMasterActionID = hc.r.action.ID
	if info.Initiator == "" {
		info.Initiator = hc.r.action.InitiatedBy
	}
	return hc.c.journal.InitiateStateChange(info)
}

// FinalizeChange closes a change journal pair opened by InitiateChange
func (hc *HandlerContext) FinalizeChange(fin types.ChangeFinalization) error {
	return hc.c.journal.FinalizeStateChange(fin)
}

// onlineNodes filters a fleet snapshot down to Online node names
func onlineNodes(fleet FleetView) []string {
	var names []string
	for _, st := range fleet.Snapshot() {
		if st.Status == types.NodeOnline {
			names = append(names, st.NodeName)
		}
	}
	return names
}

// taskSummary aggregates per-node terminal outcomes into a result payload
func taskSummary(tasks []*types.NodeTask) map[string]any {
	perNode := make(map[string]any, len(tasks))
	succeeded := 0
	for _, t := range tasks {
		entry := map[string]any{"status": string(t.Status)}
		if t.StatusMessage != "" {
			entry["message"] = t.StatusMessage
		}
		if t.ResultPayload != nil {
			entry["result"] = t.ResultPayload
		}
		perNode[t.NodeName] = entry
		if t.Status.IsSuccess() {
			succeeded++
		}
	}
	return map[string]any{
		"nodes":     perNode,
		"total":     len(tasks),
		"succeeded": succeeded,
	}
}

// lastStageTasks returns the run's final task snapshot for the most
// recently completed stage.
func (hc *HandlerContext) lastStageTasks() []*types.NodeTask {
	hc.c.mu.Lock()
	defer hc.c.mu.Unlock()
	return hc.r.stageTasks
}

// VerifyEnvironmentHandler fans one verify_environment task out to every
// online node and reports an aggregate environment summary.
type VerifyEnvironmentHandler struct {
	fleet       FleetView
	taskTimeout int
}

func NewVerifyEnvironmentHandler(fleet FleetView) *VerifyEnvironmentHandler {
	return &VerifyEnvironmentHandler{fleet: fleet, taskTimeout: 60}
}

func (h *VerifyEnvironmentHandler) OperationType() types.OperationType {
	return types.OperationVerifyEnvironment
}

func (h *VerifyEnvironmentHandler) Execute(hc *HandlerContext) (map[string]any, error) {
	nodes := onlineNodes(h.fleet)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no online nodes to verify")
	}

	tasks := make([]*types.NodeTask, 0, len(nodes))
	for _, node := range nodes {
		tasks = append(tasks, types.NewNodeTask(node, types.TaskTypeVerifyEnvironment, hc.Params(), h.taskTimeout))
	}

	res, err := hc.RunStage("verify-environment", hc.Params(), tasks)
	if err != nil {
		return nil, err
	}

	payload := taskSummary(hc.lastStageTasks())
	payload["finalState"] = string(res.FinalState)
	if !res.IsSuccess {
		hc.Log("Warning", fmt.Sprintf("Environment verification finished with issues: %s", res.FinalState))
	}
	return payload, nil
}

// UpdatePackagesHandler runs the three-stage package rollout: verify the
// fleet, apply the update manifest, verify again. The apply stage is
// bracketed by its own change journal pair with a reserved backup
// directory.
type UpdatePackagesHandler struct {
	fleet         FleetView
	verifyTimeout int
	applyTimeout  int
}

func NewUpdatePackagesHandler(fleet FleetView) *UpdatePackagesHandler {
	return &UpdatePackagesHandler{fleet: fleet, verifyTimeout: 60, applyTimeout: 600}
}

func (h *UpdatePackagesHandler) OperationType() types.OperationType {
	return types.OperationUpdatePackages
}

func (h *UpdatePackagesHandler) Execute(hc *HandlerContext) (map[string]any, error) {
	nodes := onlineNodes(h.fleet)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no online nodes to update")
	}

	verifyTasks := func() []*types.NodeTask {
		out := make([]*types.NodeTask, 0, len(nodes))
		for _, node := range nodes {
			out = append(out, types.NewNodeTask(node, types.TaskTypeVerifyEnvironment, nil, h.verifyTimeout))
		}
		return out
	}

	pre, err := hc.RunStage("preflight-verify", nil, verifyTasks())
	if err != nil {
		return nil, err
	}
	if !pre.IsSuccess {
		return nil, fmt.Errorf("preflight verification failed: %s", pre.FinalState)
	}

	changeID, backupDir, err := hc.InitiateChange(types.ChangeInfo{
		Type:           "PackageUpdate",
		Description:    fmt.Sprintf("Package update across %d node(s)", len(nodes)),
		RequiresBackup: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open package update change: %w", err)
	}
	hc.Log("Info", fmt.Sprintf("Package update change %s opened, backup directory %s", changeID, backupDir))

	applyParams := map[string]any{"backupDir": backupDir}
	if pkgs, ok := hc.Params()["packages"]; ok {
		applyParams["packages"] = pkgs
	}
	applyTasks := make([]*types.NodeTask, 0, len(nodes))
	for _, node := range nodes {
		applyTasks = append(applyTasks, types.NewNodeTask(node, types.TaskTypeUpdatePackages, applyParams, h.applyTimeout))
	}

	apply, err := hc.RunStage("apply-updates", applyParams, applyTasks)
	applySummary := taskSummary(hc.lastStageTasks())
	outcome := types.ChangeOutcomeFailure
	if err == nil && apply.IsSuccess {
		outcome = types.ChangeOutcomeSuccess
	}
	if ferr := hc.FinalizeChange(types.ChangeFinalization{
		ChangeID:    changeID,
		Outcome:     outcome,
		Description: fmt.Sprintf("Package update apply stage finished: %v", stageState(apply, err)),
		Artifact:    applySummary,
	}); ferr != nil {
		hc.Log("Warning", fmt.Sprintf("Failed to finalize package update change %s: %v", changeID, ferr))
	}
	if err != nil {
		return nil, err
	}
	if !apply.IsSuccess {
		return nil, fmt.Errorf("package apply stage failed: %s", apply.FinalState)
	}

	post, err := hc.RunStage("post-verify", nil, verifyTasks())
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"changeId":   changeID,
		"apply":      applySummary,
		"postVerify": taskSummary(hc.lastStageTasks()),
		"finalState": string(post.FinalState),
	}
	return payload, nil
}

func stageState(res *dispatch.NodeActionResult, err error) any {
	if err != nil {
		return err.Error()
	}
	return string(res.FinalState)
}

// RunDiagnosticProbeHandler runs one diagnostic probe stage on the
// targeted node, or on every online node when no target is given.
type RunDiagnosticProbeHandler struct {
	fleet       FleetView
	taskTimeout int
}

func NewRunDiagnosticProbeHandler(fleet FleetView) *RunDiagnosticProbeHandler {
	return &RunDiagnosticProbeHandler{fleet: fleet, taskTimeout: 120}
}

func (h *RunDiagnosticProbeHandler) OperationType() types.OperationType {
	return types.OperationRunDiagnosticProbe
}

func (h *RunDiagnosticProbeHandler) Execute(hc *HandlerContext) (map[string]any, error) {
	var nodes []string
	if target, ok := hc.Params()["node"].(string); ok && target != "" {
		st, found := h.stateOf(target)
		if !found {
			return nil, fmt.Errorf("target node %s is not known", target)
		}
		if st.Status != types.NodeOnline {
			return nil, fmt.Errorf("target node %s is %s", target, st.Status)
		}
		nodes = []string{target}
	} else {
		nodes = onlineNodes(h.fleet)
		if len(nodes) == 0 {
			return nil, fmt.Errorf("no online nodes to probe")
		}
	}

	tasks := make([]*types.NodeTask, 0, len(nodes))
	for _, node := range nodes {
		tasks = append(tasks, types.NewNodeTask(node, types.TaskTypeRunDiagnosticProbe, hc.Params(), h.taskTimeout))
	}

	started := time.Now()
	res, err := hc.RunStage("diagnostic-probe", hc.Params(), tasks)
	if err != nil {
		return nil, err
	}

	payload := taskSummary(hc.lastStageTasks())
	payload["finalState"] = string(res.FinalState)
	payload["durationSeconds"] = int(time.Since(started).Seconds())
	return payload, nil
}

func (h *RunDiagnosticProbeHandler) stateOf(name string) (*types.NodeState, bool) {
	for _, st := range h.fleet.Snapshot() {
		if st.NodeName == name {
			return st, true
		}
	}
	return nil, false
}
