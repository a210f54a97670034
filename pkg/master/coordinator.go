package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/dispatch"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/logfwd"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/types"
)

var (
	// ErrAnotherInProgress is returned when admission is denied because a
	// master action is already running.
	ErrAnotherInProgress = errors.New("another master action is in progress")

	// ErrUnsupportedOperation is returned for operation types with no
	// registered handler.
	ErrUnsupportedOperation = errors.New("unsupported operation type")

	// ErrNotFound is returned by status queries for unknown action ids
	ErrNotFound = errors.New("master action not found")
)

// Journal is the persistence surface the coordinator drives
type Journal interface {
	RecordActionInitiated(action *types.MasterAction) error
	RecordActionCompleted(action *types.MasterAction) error
	RecordStageInitiated(actionID string, index int, name string, input map[string]any) error
	RecordStageCompleted(actionID string, index int, name string, result map[string]any) error
	RecordMasterActionResult(actionID string, payload map[string]any) error
	ClearMappings(actionID string)
	GetArchivedAction(actionID string) (*types.MasterAction, error)
	InitiateStateChange(info types.ChangeInfo) (string, string, error)
	FinalizeStateChange(fin types.ChangeFinalization) error
}

// StageExecutor runs one multi-node stage to its terminal aggregate state.
// The dispatcher implements it.
type StageExecutor interface {
	Execute(ctx context.Context, na *types.NodeAction, report dispatch.ProgressFunc) *dispatch.NodeActionResult
}

// LogForwarder is the ordered master-log pipeline with its flush barrier
type LogForwarder interface {
	Log(ctx context.Context, level, message string)
	Flush(ctx context.Context) error
}

// UINotifier publishes operation lifecycle events
type UINotifier interface {
	Publish(eventType events.EventType, payload any)
}

// InitiateRequest is one user request to start a master action
type InitiateRequest struct {
	OperationType types.OperationType
	Name          string
	Description   string
	Parameters    map[string]any
}

// CancelResponse is the outcome of a cancellation request
type CancelResponse struct {
	OperationID string             `json:"operationId"`
	Status      types.CancelStatus `json:"status"`
}

// run is the coordinator's per-action state while a workflow is live
type run struct {
	action     *types.MasterAction
	ctx        context.Context
	cancel     context.CancelFunc
	changeID   string
	worst      types.MasterActionStatus
	stageTasks []*types.NodeTask
	startedAt  time.Time
	done       chan struct{}
}

// Coordinator admits and drives master actions. A process-wide single-slot
// gate ensures at most one action runs at a time; everything else about the
// run — stage sequencing, terminal bookkeeping, the final log flush — lives
// here.
type Coordinator struct {
	logger    zerolog.Logger
	journal   Journal
	executor  StageExecutor
	forwarder LogForwarder
	notifier  UINotifier

	handlers  map[types.OperationType]Handler
	admission chan struct{}

	mu     sync.Mutex
	active *run
}

// New creates a coordinator with an empty handler registry
func New(journal Journal, executor StageExecutor, forwarder LogForwarder, notifier UINotifier) *Coordinator {
	return &Coordinator{
		logger:    log.WithComponent("master"),
		journal:   journal,
		executor:  executor,
		forwarder: forwarder,
		notifier:  notifier,
		handlers:  make(map[types.OperationType]Handler),
		admission: make(chan struct{}, 1),
	}
}

// Register installs a handler for its operation type
func (c *Coordinator) Register(h Handler) {
	c.handlers[h.OperationType()] = h
}

// Initiate admits and starts one master action. It returns synchronously
// with the created action; the workflow itself runs detached.
func (c *Coordinator) Initiate(req InitiateRequest, user string) (*types.MasterAction, error) {
	handler, ok := c.handlers[req.OperationType]
	if !ok {
		return nil, fmt.Errorf("%s: %w", req.OperationType, ErrUnsupportedOperation)
	}

	// Single-slot admission: zero-timeout try-acquire.
	select {
	case c.admission <- struct{}{}:
	default:
		return nil, ErrAnotherInProgress
	}

	name := req.Name
	if name == "" {
		name = string(req.OperationType)
	}
	action := types.NewMasterAction(req.OperationType, name, req.Description, user, req.Parameters)

	if err := c.journal.RecordActionInitiated(action.Clone()); err != nil {
		<-c.admission
		return nil, fmt.Errorf("failed to journal action initiation: %w", err)
	}

	changeID, _, err := c.journal.InitiateStateChange(types.ChangeInfo{
		Type:                 string(req.OperationType),
		SourceMasterActionID: action.ID,
		Initiator:            user,
		Description:          fmt.Sprintf("Master action '%s' initiated by %s", name, user),
	})
	if err != nil {
		c.logger.Warn().Str("action_id", action.ID).Err(err).
			Msg("failed to open change journal pair for action")
	}

	runCtx, cancel := context.WithCancel(logfwd.WithAction(context.Background(), action.ID))
	r := &run{
		action:    action,
		ctx:       runCtx,
		cancel:    cancel,
		changeID:  changeID,
		worst:     types.ActionSucceeded,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.active = r
	c.mu.Unlock()

	c.logger.Info().Str("action_id", action.ID).Str("operation_type", string(req.OperationType)).
		Str("initiated_by", user).Msg("master action admitted")
	go c.execute(r, handler)

	return action.Clone(), nil
}

// execute runs the handler and performs terminal bookkeeping in its
// finally path regardless of the outcome.
func (c *Coordinator) execute(r *run, handler Handler) {
	c.mu.Lock()
	r.action.SetStatus(types.ActionInProgress)
	c.mu.Unlock()

	c.forwarder.Log(r.ctx, "Info",
		fmt.Sprintf("Master action '%s' (%s) started", r.action.Name, r.action.Type))

	payload, err := handler.Execute(&HandlerContext{Ctx: r.ctx, c: c, r: r})

	c.mu.Lock()
	switch {
	case r.ctx.Err() != nil || errors.Is(err, context.Canceled):
		// Cancellation wins over any late failure.
		r.action.SetStatus(types.ActionCancelled)
	case err != nil:
		r.action.AppendRecentLog(fmt.Sprintf("Action failed: %v", err))
		r.action.SetStatus(types.ActionFailed)
	default:
		if payload != nil {
			r.action.FinalResult = payload
		}
		r.action.SetStatus(r.worst)
	}
	if r.action.Status == types.ActionSucceeded || r.action.Status == types.ActionSucceededWithErrors {
		r.action.SetProgress(100)
	}
	final := r.action.Status
	finalResult := r.action.FinalResult
	c.mu.Unlock()

	level := "Info"
	if final == types.ActionFailed {
		level = "Error"
	}
	c.forwarder.Log(r.ctx, level,
		fmt.Sprintf("Master action '%s' finished with status %s", r.action.Name, final))

	// Flush barrier before the terminal document: every master-side log
	// produced during the run is durable before RecordActionCompleted.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	if err := c.forwarder.Flush(flushCtx); err != nil {
		c.logger.Warn().Str("action_id", r.action.ID).Err(err).Msg("final log flush did not complete")
	}
	cancelFlush()

	if finalResult != nil {
		if err := c.journal.RecordMasterActionResult(r.action.ID, finalResult); err != nil {
			c.logger.Warn().Str("action_id", r.action.ID).Err(err).Msg("failed to journal final result")
		}
	}

	c.mu.Lock()
	snapshot := r.action.Clone()
	c.mu.Unlock()
	if err := c.journal.RecordActionCompleted(snapshot); err != nil {
		c.logger.Error().Str("action_id", r.action.ID).Err(err).Msg("failed to journal action completion")
	}

	if r.changeID != "" {
		outcome := types.ChangeOutcomeFailure
		if final == types.ActionSucceeded || final == types.ActionSucceededWithErrors {
			outcome = types.ChangeOutcomeSuccess
		}
		if err := c.journal.FinalizeStateChange(types.ChangeFinalization{
			ChangeID: r.changeID,
			Outcome:  outcome,
		}); err != nil {
			c.logger.Warn().Str("action_id", r.action.ID).Err(err).Msg("failed to finalize change journal pair")
		}
	}

	c.journal.ClearMappings(r.action.ID)

	if c.notifier != nil {
		c.notifier.Publish(events.EventOperationCompleted, &events.OperationCompleted{
			OperationID: r.action.ID,
			Status:      string(final),
			FinalResult: finalResult,
		})
	}
	metrics.RecordMasterAction(string(r.action.Type), string(final))
	metrics.ObserveMasterActionDuration(string(r.action.Type), time.Since(r.startedAt))

	r.cancel()
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	close(r.done)
	<-c.admission

	c.logger.Info().Str("action_id", r.action.ID).Str("status", string(final)).
		Msg("master action completed")
}

// runStage executes one stage through the dispatcher and records it
func (c *Coordinator) runStage(r *run, name string, input map[string]any, tasks []*types.NodeTask) (*dispatch.NodeActionResult, error) {
	c.mu.Lock()
	index := len(r.action.Stages)
	stage := r.action.BeginStage(index, name, input)
	stage.NodeTasks = tasks
	c.mu.Unlock()

	if err := c.journal.RecordStageInitiated(r.action.ID, index, name, input); err != nil {
		c.logger.Warn().Str("action_id", r.action.ID).Int("stage", index).Err(err).
			Msg("failed to journal stage initiation")
	}

	stageCtx := logfwd.WithStage(r.ctx, index, name)
	c.forwarder.Log(stageCtx, "Info",
		fmt.Sprintf("Stage %d '%s' started with %d task(s)", index, name, len(tasks)))

	na := types.NewNodeAction(r.action.ID, index, name, tasks)
	result := c.executor.Execute(stageCtx, na, func(u dispatch.StageProgress) {
		c.mu.Lock()
		r.stageTasks = u.Tasks
		r.action.SetProgress(u.ProgressPercent)
		if u.Status == types.ActionCancelling {
			r.action.SetStatus(types.ActionCancelling)
		}
		progress := r.action.ProgressPercent
		status := r.action.Status
		c.mu.Unlock()

		if c.notifier != nil {
			c.notifier.Publish(events.EventOperationProgress, &events.OperationProgress{
				OperationID:     r.action.ID,
				Status:          string(status),
				ProgressPercent: progress,
				StageIndex:      index,
				StageName:       name,
			})
		}
	})

	stageResult := map[string]any{
		"finalState": string(result.FinalState),
		"isSuccess":  result.IsSuccess,
	}
	if err := c.journal.RecordStageCompleted(r.action.ID, index, name, stageResult); err != nil {
		c.logger.Warn().Str("action_id", r.action.ID).Int("stage", index).Err(err).
			Msg("failed to journal stage completion")
	}

	c.mu.Lock()
	r.action.CompleteStage(stageResult, result.IsSuccess)
	r.worst = worseOf(r.worst, result.FinalState)
	c.mu.Unlock()

	level := "Info"
	if !result.IsSuccess {
		level = "Warning"
	}
	c.forwarder.Log(stageCtx, level,
		fmt.Sprintf("Stage %d '%s' finished: %s", index, name, result.FinalState))

	if r.ctx.Err() != nil {
		return result, context.Canceled
	}
	return result, nil
}

// RequestCancel asks the named action to cancel. Cancellation is
// cooperative; the response reports whether it is pending, moot, or the id
// is unknown.
func (c *Coordinator) RequestCancel(id, by string) CancelResponse {
	c.mu.Lock()
	if r := c.active; r != nil && r.action.ID == id {
		if r.action.Status.IsTerminal() {
			c.mu.Unlock()
			return CancelResponse{OperationID: id, Status: types.CancelStatusAlreadyCompleted}
		}
		r.action.SetStatus(types.ActionCancelling)
		cancel := r.cancel
		ctx := r.ctx
		c.mu.Unlock()

		c.forwarder.Log(ctx, "Warning", fmt.Sprintf("Cancellation requested by %s", by))
		cancel()
		c.logger.Info().Str("action_id", id).Str("by", by).Msg("cancellation requested")
		return CancelResponse{OperationID: id, Status: types.CancelStatusPending}
	}
	c.mu.Unlock()

	if _, err := c.journal.GetArchivedAction(id); err == nil {
		return CancelResponse{OperationID: id, Status: types.CancelStatusAlreadyCompleted}
	}
	return CancelResponse{OperationID: id, Status: types.CancelStatusNotFound}
}

// ActiveAction returns a clone of the live action, if any
func (c *Coordinator) ActiveAction() (*types.MasterAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, false
	}
	return c.active.action.Clone(), true
}

// WaitIdle blocks until no action is running or ctx is done. Used by
// graceful shutdown and tests.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worseOf ranks terminal stage states so the run remembers its worst
// outcome. Cancellation outranks failure: a cancelled stage makes the
// whole action Cancelled.
func worseOf(a, b types.MasterActionStatus) types.MasterActionStatus {
	rank := func(s types.MasterActionStatus) int {
		switch s {
		case types.ActionCancelled:
			return 3
		case types.ActionFailed:
			return 2
		case types.ActionSucceededWithErrors:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
