package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/queue"
	"github.com/drover-io/drover/pkg/types"
)

// execution is the per-stage state: one instance per live node action.
// Task mutation and aggregate recalculation serialize through mu; the log
// pipeline and the flush barrier have their own synchronization.
type execution struct {
	d      *Dispatcher
	na     *types.NodeAction
	report ProgressFunc
	logger zerolog.Logger

	mu       sync.Mutex
	status   types.MasterActionStatus
	progress int
	timers   map[string]*time.Timer

	done     chan struct{}
	doneOnce sync.Once

	logQ         *queue.Queue[*protocol.LogEntry]
	consumerDone chan struct{}

	flushMu     sync.Mutex
	flushed     map[string]struct{}
	flushExpect map[string]struct{}
	flushArmed  bool
	allFlushed  chan struct{}
	flushOnce   sync.Once
}

func newExecution(d *Dispatcher, na *types.NodeAction, report ProgressFunc) *execution {
	return &execution{
		d:      d,
		na:     na,
		report: report,
		logger: log.WithComponent("dispatch").With().
			Str("action_id", na.ActionID).Str("node_action_id", na.ID).
			Int("stage_index", na.StageIndex).Logger(),
		status:       types.ActionInProgress,
		timers:       make(map[string]*time.Timer),
		done:         make(chan struct{}),
		logQ:         queue.New[*protocol.LogEntry](),
		consumerDone: make(chan struct{}),
		flushed:      make(map[string]struct{}),
		allFlushed:   make(chan struct{}),
	}
}

// taskLocked finds a task by id. Caller holds mu.
func (ex *execution) taskLocked(taskID string) *types.NodeTask {
	for _, t := range ex.na.Tasks {
		if t.TaskID == taskID {
			return t
		}
	}
	return nil
}

// sendReadinessChecks opens the readiness phase for every task
func (ex *execution) sendReadinessChecks() {
	for _, task := range ex.na.Tasks {
		ex.mu.Lock()
		task.SetStatus(types.TaskReadinessCheckSent, "")
		msg := &protocol.PrepareForTask{
			NodeActionID:              ex.na.ID,
			TaskID:                    task.TaskID,
			ExpectedTaskType:          string(task.Type),
			PreparationParametersJSON: marshalParams(task.Parameters),
			TargetResource:            task.TargetResource,
		}
		node := task.NodeName
		ex.mu.Unlock()

		if err := ex.d.sender.SendPrepareForTask(node, msg); err != nil {
			ex.mu.Lock()
			task.SetStatus(types.TaskDispatchFailedPrepare,
				fmt.Sprintf("failed to send readiness check: %v", err))
			ex.mu.Unlock()
			ex.recordTerminalTask(task)
		}
	}
	ex.recomputeAndReport()
}

// onReadinessReport handles one slave readiness answer. Already-terminal
// tasks ignore re-entrant reports.
func (ex *execution) onReadinessReport(r *protocol.ReadinessReport) {
	ex.mu.Lock()
	task := ex.taskLocked(r.TaskID)
	if task == nil || task.Status.IsTerminal() {
		ex.mu.Unlock()
		return
	}

	if !r.IsReady {
		task.SetStatus(types.TaskNotReadyForTask, r.ReasonIfNotReady)
		ex.mu.Unlock()
		ex.recordTerminalTask(task)
		ex.recomputeAndReport()
		return
	}

	task.SetStatus(types.TaskReadyToExecute, "")
	task.SetStatus(types.TaskDispatched, "")
	now := time.Now().UTC()
	task.StartTime = &now
	msg := &protocol.SlaveTask{
		NodeActionID:   ex.na.ID,
		TaskID:         task.TaskID,
		TaskType:       string(task.Type),
		ParametersJSON: marshalParams(task.Parameters),
		TimeoutSeconds: task.TimeoutSeconds,
	}
	node := task.NodeName
	ex.mu.Unlock()

	if err := ex.d.sender.SendSlaveTask(node, msg); err != nil {
		ex.mu.Lock()
		task.SetStatus(types.TaskDispatchFailedExecute,
			fmt.Sprintf("failed to dispatch task: %v", err))
		ex.mu.Unlock()
		ex.recordTerminalTask(task)
		ex.recomputeAndReport()
		return
	}

	ex.armExecutionTimeout(task)
	ex.recomputeAndReport()
}

// onProgress applies one slave progress update in place
func (ex *execution) onProgress(u *protocol.TaskProgressUpdate) {
	ex.mu.Lock()
	task := ex.taskLocked(u.TaskID)
	if task == nil || task.Status.IsTerminal() {
		ex.mu.Unlock()
		return
	}
	if u.ProgressPercent != nil {
		task.SetProgress(*u.ProgressPercent)
	}
	task.SetStatus(u.Status, u.Message)
	terminal := task.Status.IsTerminal()
	if terminal && u.ResultJSON != "" {
		task.ResultPayload = parseResultJSON(u.ResultJSON)
	}
	ex.mu.Unlock()

	if terminal {
		ex.stopTimer(u.TaskID)
		ex.recordTerminalTask(task)
	}
	ex.recomputeAndReport()
}

// readinessTimedOut fails every task still waiting on its readiness report
func (ex *execution) readinessTimedOut() {
	var expired []*types.NodeTask
	ex.mu.Lock()
	for _, task := range ex.na.Tasks {
		if task.Status == types.TaskReadinessCheckSent {
			task.SetStatus(types.TaskReadinessCheckTimedOut, "no readiness report within the readiness window")
			expired = append(expired, task)
		}
	}
	ex.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, task := range expired {
		ex.recordTerminalTask(task)
	}
	ex.recomputeAndReport()
}

// armExecutionTimeout starts the per-task wall clock at dispatch. Tasks
// with no declared timeout run unbounded.
func (ex *execution) armExecutionTimeout(task *types.NodeTask) {
	if task.TimeoutSeconds <= 0 {
		return
	}
	taskID := task.TaskID
	timer := time.AfterFunc(time.Duration(task.TimeoutSeconds)*time.Second, func() {
		ex.executionTimedOut(taskID)
	})
	ex.mu.Lock()
	ex.timers[taskID] = timer
	ex.mu.Unlock()
}

func (ex *execution) executionTimedOut(taskID string) {
	ex.mu.Lock()
	task := ex.taskLocked(taskID)
	if task == nil || task.Status.IsTerminal() {
		ex.mu.Unlock()
		return
	}
	task.SetStatus(types.TaskTimedOut,
		fmt.Sprintf("no terminal report within the declared %ds timeout", task.TimeoutSeconds))
	ex.mu.Unlock()

	ex.recordTerminalTask(task)
	ex.recomputeAndReport()
}

func (ex *execution) stopTimer(taskID string) {
	ex.mu.Lock()
	if timer, ok := ex.timers[taskID]; ok {
		timer.Stop()
		delete(ex.timers, taskID)
	}
	ex.mu.Unlock()
}

func (ex *execution) stopTaskTimers() {
	ex.mu.Lock()
	for id, timer := range ex.timers {
		timer.Stop()
		delete(ex.timers, id)
	}
	ex.mu.Unlock()
}

// healthWatch periodically fails non-terminal tasks whose node dropped
func (ex *execution) healthWatch(ctx context.Context) {
	ticker := time.NewTicker(ex.d.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ex.failOfflineTasks()
		case <-ctx.Done():
			return
		}
	}
}

func (ex *execution) failOfflineTasks() {
	var failed []*types.NodeTask
	ex.mu.Lock()
	for _, task := range ex.na.Tasks {
		if task.Status.IsTerminal() {
			continue
		}
		node := task.NodeName
		ex.mu.Unlock()
		unreachable := ex.d.nodeUnreachable(node)
		ex.mu.Lock()
		if unreachable && !task.Status.IsTerminal() {
			task.SetStatus(types.TaskNodeOfflineDuringTask,
				fmt.Sprintf("node '%s' went offline during the task", node))
			failed = append(failed, task)
		}
	}
	ex.mu.Unlock()

	if len(failed) == 0 {
		return
	}
	for _, task := range failed {
		ex.recordTerminalTask(task)
	}
	ex.recomputeAndReport()
}

// runCancellation executes the cancellation branch: offline participants
// are short-circuited, online ones are asked and given the cancel window,
// stragglers are forcibly cancelled.
func (ex *execution) runCancellation(reason string) {
	ex.mu.Lock()
	if ex.status.IsTerminal() {
		ex.mu.Unlock()
		return
	}
	ex.status = types.ActionCancelling
	var shortCircuited, toAsk []*types.NodeTask
	for _, task := range ex.na.Tasks {
		if task.Status.IsTerminal() {
			continue
		}
		node := task.NodeName
		ex.mu.Unlock()
		unreachable := ex.d.nodeUnreachable(node)
		ex.mu.Lock()
		if task.Status.IsTerminal() {
			continue
		}
		if unreachable {
			task.SetStatus(types.TaskCancelled,
				fmt.Sprintf("node '%s' unreachable at cancellation; cancelled without confirmation", node))
			shortCircuited = append(shortCircuited, task)
		} else {
			task.SetStatus(types.TaskCancelling, reason)
			toAsk = append(toAsk, task)
		}
	}
	ex.mu.Unlock()

	ex.reportProgress()
	for _, task := range shortCircuited {
		ex.recordTerminalTask(task)
	}
	for _, task := range toAsk {
		err := ex.d.sender.SendCancelTask(task.NodeName, &protocol.CancelTask{
			NodeActionID: ex.na.ID,
			TaskID:       task.TaskID,
			Reason:       reason,
		})
		if err != nil {
			ex.logger.Warn().Str("task_id", task.TaskID).Err(err).
				Msg("failed to deliver cancel request")
		}
	}

	deadline := time.Now().Add(ex.d.cfg.CancelWaitWindow)
	for time.Now().Before(deadline) {
		if ex.cancellationSettled() {
			break
		}
		time.Sleep(ex.d.cfg.CancelPollInterval)
	}

	var forced []*types.NodeTask
	ex.mu.Lock()
	for _, task := range ex.na.Tasks {
		if task.Status == types.TaskCancelling {
			task.SetStatus(types.TaskCancelled,
				"no cancellation confirmation within the cancel window; forcibly cancelled")
			forced = append(forced, task)
		}
	}
	ex.mu.Unlock()

	for _, task := range forced {
		ex.recordTerminalTask(task)
	}
	ex.recomputeAndReport()
}

// cancellationSettled reports whether the cancel monitor loop may exit:
// nothing is still Cancelling, or everything still Cancelling sits on an
// unreachable node that will never confirm.
func (ex *execution) cancellationSettled() bool {
	ex.mu.Lock()
	var cancelling []string
	for _, task := range ex.na.Tasks {
		if task.Status == types.TaskCancelling {
			cancelling = append(cancelling, task.NodeName)
		}
	}
	ex.mu.Unlock()

	if len(cancelling) == 0 {
		return true
	}
	for _, node := range cancelling {
		if !ex.d.nodeUnreachable(node) {
			return false
		}
	}
	return true
}

// recomputeAndReport recalculates the aggregate stage status and progress
// after any task mutation, completes the one-shot done slot on the terminal
// transition, and hands a snapshot to the progress sink.
func (ex *execution) recomputeAndReport() {
	ex.mu.Lock()
	allTerminal := true
	var sum, nonTerminal int
	var anyCancel, anyIssues, anyFailed, allOK = false, false, false, true
	for _, task := range ex.na.Tasks {
		switch {
		case task.Status.IsTerminal():
			switch task.Status {
			case types.TaskSucceeded:
			case types.TaskSucceededWithIssues:
				anyIssues = true
			case types.TaskCancelled:
				anyCancel = true
				allOK = false
			case types.TaskFailed:
				anyFailed = true
				allOK = false
			default:
				allOK = false
			}
		default:
			allTerminal = false
			allOK = false
			nonTerminal++
			sum += task.ProgressPercent
			if task.Status == types.TaskCancelling {
				anyCancel = true
			}
		}
	}

	if allTerminal {
		ex.progress = 100
		switch {
		case allOK:
			ex.status = types.ActionSucceeded
		case anyCancel:
			ex.status = types.ActionCancelled
		case anyIssues && !anyFailed:
			ex.status = types.ActionSucceededWithErrors
		default:
			ex.status = types.ActionFailed
		}
	} else {
		if nonTerminal > 0 {
			ex.progress = sum / nonTerminal
		}
		if ex.status != types.ActionCancelling {
			ex.status = types.ActionInProgress
		}
	}
	ex.mu.Unlock()

	if allTerminal {
		ex.doneOnce.Do(func() { close(ex.done) })
	}
	ex.reportProgress()
}

func (ex *execution) reportProgress() {
	if ex.report == nil {
		return
	}
	ex.mu.Lock()
	update := StageProgress{
		Status:          ex.status,
		ProgressPercent: ex.progress,
		Tasks:           make([]*types.NodeTask, 0, len(ex.na.Tasks)),
	}
	for _, task := range ex.na.Tasks {
		update.Tasks = append(update.Tasks, task.Clone())
	}
	ex.mu.Unlock()
	ex.report(update)
}

// recordTerminalTask persists a freshly terminal task and counts it
func (ex *execution) recordTerminalTask(task *types.NodeTask) {
	ex.mu.Lock()
	snapshot := task.Clone()
	ex.mu.Unlock()

	metrics.RecordNodeTask(string(snapshot.Type), string(snapshot.Status))
	if err := ex.d.journal.RecordNodeTaskResult(ex.na.ID, snapshot); err != nil {
		ex.logger.Warn().Str("task_id", snapshot.TaskID).Err(err).
			Msg("failed to journal task result")
	}
}

// consumeLogs is the stage's single log consumer: it drains the queue in
// order into the journal and signals when fully drained.
func (ex *execution) consumeLogs() {
	defer close(ex.consumerDone)
	for {
		entry, ok := ex.logQ.Pop(context.Background())
		if !ok {
			return
		}
		if err := ex.d.journal.AppendSlaveLogToStage(entry); err != nil {
			ex.logger.Warn().Str("node", entry.NodeName).Err(err).
				Msg("failed to journal slave log line")
		}
	}
}

// onFlushComplete records one node's flush confirmation and completes the
// barrier once every online participant confirmed.
func (ex *execution) onFlushComplete(nodeName string) {
	ex.flushMu.Lock()
	ex.flushed[nodeName] = struct{}{}
	satisfied := ex.flushArmed && ex.flushSatisfiedLocked()
	ex.flushMu.Unlock()

	if satisfied {
		ex.flushOnce.Do(func() { close(ex.allFlushed) })
	}
}

// flushSatisfiedLocked reports whether every expected node confirmed.
// Caller holds flushMu.
func (ex *execution) flushSatisfiedLocked() bool {
	for node := range ex.flushExpect {
		if _, ok := ex.flushed[node]; !ok {
			return false
		}
	}
	return true
}

// flushBarrier runs the end-of-stage durability barrier: ask every Online
// participant to flush its buffered logs, wait for confirmations (bounded),
// then close the stage queue and await the consumer's drain.
func (ex *execution) flushBarrier() {
	online := make(map[string]struct{})
	seen := make(map[string]struct{})
	for _, task := range ex.na.Tasks {
		if _, dup := seen[task.NodeName]; dup {
			continue
		}
		seen[task.NodeName] = struct{}{}
		if ex.d.nodeOnline(task.NodeName) {
			online[task.NodeName] = struct{}{}
		}
	}

	ex.flushMu.Lock()
	ex.flushExpect = online
	ex.flushArmed = true
	satisfied := ex.flushSatisfiedLocked()
	ex.flushMu.Unlock()

	if satisfied {
		ex.flushOnce.Do(func() { close(ex.allFlushed) })
	} else {
		for node := range online {
			err := ex.d.sender.SendLogFlushRequest(node, &protocol.RequestLogFlushForTask{
				NodeActionID: ex.na.ID,
			})
			if err != nil {
				ex.logger.Warn().Str("node", node).Err(err).
					Msg("failed to request log flush")
			}
		}
		select {
		case <-ex.allFlushed:
		case <-time.After(ex.d.cfg.FlushWaitWindow):
			ex.logger.Warn().Int("expected", len(online)).
				Msg("log flush window elapsed without full confirmation")
		}
	}

	ex.logQ.Close()
	<-ex.consumerDone
}

// marshalParams renders an opaque parameter map as the wire's JSON string
func marshalParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(data)
}

// parseResultJSON decodes a slave's result payload. A parse failure is
// preserved under the DeserializationError key rather than discarded.
func parseResultJSON(raw string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{
			"DeserializationError": err.Error(),
			"rawResult":            raw,
		}
	}
	return out
}
