package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/types"
)

// Sender is the slice of the agent registry the dispatcher drives
type Sender interface {
	SendPrepareForTask(nodeName string, msg *protocol.PrepareForTask) error
	SendSlaveTask(nodeName string, msg *protocol.SlaveTask) error
	SendCancelTask(nodeName string, msg *protocol.CancelTask) error
	SendLogFlushRequest(nodeName string, msg *protocol.RequestLogFlushForTask) error
}

// Journal is the slice of the journal the dispatcher writes through
type Journal interface {
	MapNodeActionToStage(actionID string, stageIndex int, stageName, nodeActionID string) error
	AppendSlaveLogToStage(entry *protocol.LogEntry) error
	RecordNodeTaskResult(nodeActionID string, task *types.NodeTask) error
}

// HealthSource exposes cached node connectivity for offline short-circuits
type HealthSource interface {
	GetCachedState(nodeName string) (*types.NodeState, bool)
}

// StageProgress is one aggregate update handed to the progress sink. Tasks
// are clones; the receiver may hold them across goroutines.
type StageProgress struct {
	Status          types.MasterActionStatus
	ProgressPercent int
	Tasks           []*types.NodeTask
}

// ProgressFunc receives the recalculated aggregate after every task
// mutation, before Execute returns. May be nil.
type ProgressFunc func(update StageProgress)

// NodeActionResult is the outcome of one stage execution
type NodeActionResult struct {
	IsSuccess  bool
	FinalState types.MasterActionStatus
}

// Config holds the dispatcher's timing windows. Production defaults match
// the documented windows; tests shrink them to milliseconds.
type Config struct {
	ReadinessTimeout    time.Duration
	HealthCheckInterval time.Duration
	CancelWaitWindow    time.Duration
	CancelPollInterval  time.Duration
	FlushWaitWindow     time.Duration
}

// DefaultConfig returns the production windows
func DefaultConfig() Config {
	return Config{}.normalized()
}

func (c Config) normalized() Config {
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 15 * time.Second
	}
	if c.CancelWaitWindow <= 0 {
		c.CancelWaitWindow = 15 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 200 * time.Millisecond
	}
	if c.FlushWaitWindow <= 0 {
		c.FlushWaitWindow = 30 * time.Second
	}
	return c
}

// Dispatcher executes multi-node stages. One Execute call runs at a time in
// practice (the coordinator admits a single workflow) but the dispatcher
// keys every piece of per-stage state by node action id and would tolerate
// concurrent stages.
type Dispatcher struct {
	cfg     Config
	logger  zerolog.Logger
	sender  Sender
	journal Journal
	health  HealthSource

	mu         sync.Mutex
	executions map[string]*execution
	taskToNA   map[string]string
}

// New creates a dispatcher
func New(cfg Config, sender Sender, journal Journal, health HealthSource) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg.normalized(),
		logger:     log.WithComponent("dispatch"),
		sender:     sender,
		journal:    journal,
		health:     health,
		executions: make(map[string]*execution),
		taskToNA:   make(map[string]string),
	}
}

// Execute runs one multi-node stage to its terminal aggregate state:
// readiness checks, task dispatch, progress aggregation, cancellation or
// timeouts as they occur, and finally the log-flush barrier. When Execute
// returns, every slave log that preceded the terminal result has been handed
// to the journal.
func (d *Dispatcher) Execute(ctx context.Context, na *types.NodeAction, report ProgressFunc) *NodeActionResult {
	ex := newExecution(d, na, report)

	d.mu.Lock()
	d.executions[na.ID] = ex
	for _, task := range na.Tasks {
		d.taskToNA[task.TaskID] = na.ID
	}
	d.mu.Unlock()

	if err := d.journal.MapNodeActionToStage(na.ActionID, na.StageIndex, na.StageName, na.ID); err != nil {
		ex.logger.Warn().Err(err).Msg("failed to map node action to stage; slave logs will be dropped")
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	go ex.consumeLogs()
	go ex.healthWatch(watchCtx)
	readinessTimer := time.AfterFunc(d.cfg.ReadinessTimeout, ex.readinessTimedOut)

	ex.sendReadinessChecks()

	select {
	case <-ex.done:
	case <-ctx.Done():
		ex.runCancellation("cancellation requested by master")
	}
	readinessTimer.Stop()

	ex.flushBarrier()

	cancelWatch()
	ex.stopTaskTimers()

	d.mu.Lock()
	delete(d.executions, na.ID)
	for _, task := range na.Tasks {
		delete(d.taskToNA, task.TaskID)
	}
	d.mu.Unlock()

	ex.mu.Lock()
	final := ex.status
	ex.mu.Unlock()

	result := &NodeActionResult{
		IsSuccess:  final == types.ActionSucceeded || final == types.ActionSucceededWithErrors,
		FinalState: final,
	}
	ex.logger.Info().Str("final_state", string(final)).Bool("success", result.IsSuccess).
		Msg("stage execution finished")
	return result
}

// lookup resolves a live execution by node action id
func (d *Dispatcher) lookup(nodeActionID string) *execution {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executions[nodeActionID]
}

// lookupByTask resolves a live execution by task id
func (d *Dispatcher) lookupByTask(taskID string) *execution {
	d.mu.Lock()
	defer d.mu.Unlock()
	naID, ok := d.taskToNA[taskID]
	if !ok {
		return nil
	}
	return d.executions[naID]
}

// nodeUnreachable reports whether a node's cached connectivity is
// Offline or Unreachable.
func (d *Dispatcher) nodeUnreachable(nodeName string) bool {
	state, ok := d.health.GetCachedState(nodeName)
	if !ok {
		return false
	}
	return state.Status == types.NodeOffline || state.Status == types.NodeUnreachable
}

// nodeOnline reports whether a node's cached connectivity is Online
func (d *Dispatcher) nodeOnline(nodeName string) bool {
	state, ok := d.health.GetCachedState(nodeName)
	return ok && state.Status == types.NodeOnline
}
