package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/types"
)

// Config holds the agent's connection parameters and timing windows
type Config struct {
	// MasterURL is the full WebSocket URL of the master's agent endpoint,
	// e.g. ws://master:7070/agents/connect.
	MasterURL string

	// NodeName is this node's identity; the master keys everything by it.
	NodeName string

	// Version is reported in AgentHello.
	Version string

	// InitialBackoff and MaxBackoff bound the reconnect schedule. Each
	// failed attempt doubles the delay up to MaxBackoff, with ±20% jitter.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// HeartbeatInterval is the cadence used until the master advertises
	// its own in MasterHello.
	HeartbeatInterval time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// SendBuffer is the outbound queue; a full buffer drops the session.
	SendBuffer int

	// ShipFlushInterval and ShipMaxBuffer bound the log shipper: entries
	// are sent when the buffer fills or the interval elapses, whichever
	// comes first.
	ShipFlushInterval time.Duration
	ShipMaxBuffer     int

	// Sampler provides the CPU%/RAM% gauges for heartbeats. Defaults to
	// the /proc-based sampler.
	Sampler Sampler
}

func (c Config) normalized() Config {
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.ShipFlushInterval <= 0 {
		c.ShipFlushInterval = 2 * time.Second
	}
	if c.ShipMaxBuffer <= 0 {
		c.ShipMaxBuffer = 256
	}
	if c.Sampler == nil {
		c.Sampler = ProcSampler
	}
	return c
}

// Agent is the slave-side daemon: it keeps one WebSocket session to the
// master alive, answers readiness probes, executes dispatched tasks, and
// ships task logs through a bounded buffer.
type Agent struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	executors map[string]Executor
	tasks     map[string]*taskRun
}

// taskRun is one in-flight task's cancellation handle
type taskRun struct {
	nodeActionID string
	taskID       string
	cancel       context.CancelFunc
}

// New creates an agent with the built-in executors registered
func New(cfg Config) (*Agent, error) {
	cfg = cfg.normalized()
	if cfg.MasterURL == "" {
		return nil, fmt.Errorf("master URL is required")
	}
	if cfg.NodeName == "" {
		return nil, fmt.Errorf("node name is required")
	}

	a := &Agent{
		cfg:       cfg,
		logger:    log.WithComponent("agent").With().Str("node", cfg.NodeName).Logger(),
		executors: make(map[string]Executor),
		tasks:     make(map[string]*taskRun),
	}
	for _, ex := range builtinExecutors(cfg.Sampler) {
		a.RegisterExecutor(ex)
	}
	return a, nil
}

// RegisterExecutor installs (or replaces) the executor for its task type
func (a *Agent) RegisterExecutor(ex Executor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executors[ex.TaskType()] = ex
}

func (a *Agent) executor(taskType string) (Executor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ex, ok := a.executors[taskType]
	return ex, ok
}

// Run connects to the master and keeps the session alive until ctx is
// cancelled, reconnecting with jittered exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.InitialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.MasterURL, nil)
		if err != nil {
			a.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("failed to connect to master")
		} else {
			a.logger.Info().Str("master", a.cfg.MasterURL).Msg("connected to master")
			backoff = a.cfg.InitialBackoff
			a.runSession(ctx, ws)
			a.logger.Warn().Dur("retry_in", backoff).Msg("session to master ended")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > a.cfg.MaxBackoff {
			backoff = a.cfg.MaxBackoff
		}
	}
}

// jitter spreads a delay by ±20% so a fleet does not reconnect in lockstep
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 5
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}

// session is one live connection to the master
type session struct {
	agent  *Agent
	ws     *websocket.Conn
	out    chan []byte
	ship   *shipper
	adopt  chan time.Duration
	logger zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.ws.Close()
	})
}

// send queues one envelope onto the session's outbound path
func (s *session) send(messageType protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(messageType, payload)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	select {
	case s.out <- data:
		return nil
	case <-s.closed:
		return fmt.Errorf("session closed")
	default:
		s.logger.Warn().Msg("outbound queue full, dropping session")
		s.close()
		return fmt.Errorf("outbound queue full")
	}
}

// runSession performs the hello exchange and pumps the connection until it
// dies or ctx is cancelled. Tasks started during the session are cancelled
// when it ends; a reconnecting agent starts clean.
func (a *Agent) runSession(ctx context.Context, ws *websocket.Conn) {
	s := &session{
		agent:  a,
		ws:     ws,
		out:    make(chan []byte, a.cfg.SendBuffer),
		adopt:  make(chan time.Duration, 1),
		logger: a.logger,
		closed: make(chan struct{}),
	}
	s.ship = newShipper(a.cfg.ShipMaxBuffer, s.send)
	defer s.close()
	defer a.cancelAllTasks()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.writePump(a.cfg.WriteTimeout) }()
	go func() { defer wg.Done(); s.heartbeatLoop(a.cfg.HeartbeatInterval, a.cfg.Sampler) }()
	go func() { defer wg.Done(); s.ship.run(s.closed, a.cfg.ShipFlushInterval) }()

	// ctx cancellation must unblock the read loop below.
	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	if err := s.send(protocol.TypeAgentHello, &protocol.AgentHello{
		NodeName: a.cfg.NodeName,
		Version:  a.cfg.Version,
	}); err != nil {
		a.logger.Warn().Err(err).Msg("failed to send hello")
		wg.Wait()
		return
	}
	s.sendDiagnostics()

	s.readLoop(ctx)
	s.close()
	wg.Wait()
}

// writePump drains the outbound queue onto the socket
func (s *session) writePump(writeTimeout time.Duration) {
	for {
		select {
		case data := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn().Err(err).Msg("write to master failed")
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// heartbeatLoop sends the periodic liveness gauge. The interval starts at
// the configured fallback and is replaced once MasterHello arrives.
func (s *session) heartbeatLoop(interval time.Duration, sample Sampler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case adopted := <-s.adopt:
			if adopted > 0 && adopted != interval {
				interval = adopted
				ticker.Reset(interval)
			}
		case <-ticker.C:
			cpu, ram := sample()
			_ = s.send(protocol.TypeHeartbeat, &protocol.Heartbeat{
				NodeName:        s.agent.cfg.NodeName,
				Timestamp:       time.Now().UTC(),
				CPUUsagePercent: cpu,
				RAMUsagePercent: ram,
			})
		case <-s.closed:
			return
		}
	}
}

// sendDiagnostics reports the agent's self-assessment so the master's
// health cache has a summary before any task runs.
func (s *session) sendDiagnostics() {
	cpu, ram := s.agent.cfg.Sampler()
	details, _ := json.Marshal(map[string]any{
		"version":         s.agent.cfg.Version,
		"cpuUsagePercent": cpu,
		"ramUsagePercent": ram,
	})
	_ = s.send(protocol.TypeDiagnosticsReport, &protocol.DiagnosticsReport{
		NodeName:      s.agent.cfg.NodeName,
		HealthSummary: "healthy",
		DetailsJSON:   string(details),
		TimestampUTC:  time.Now().UTC(),
	})
}

// readLoop consumes master frames until the connection dies
func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("read from master failed")
			}
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("malformed frame from master dropped")
			continue
		}
		s.handle(ctx, env)
	}
}

// handle dispatches one inbound master frame
func (s *session) handle(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMasterHello:
		var hello protocol.MasterHello
		if err := env.DecodePayload(&hello); err != nil {
			s.logger.Warn().Err(err).Msg("bad master hello")
			return
		}
		if hello.HeartbeatIntervalSeconds > 0 {
			select {
			case s.adopt <- time.Duration(hello.HeartbeatIntervalSeconds) * time.Second:
			default:
			}
		}
		s.logger.Info().Int("heartbeat_interval_s", hello.HeartbeatIntervalSeconds).
			Msg("master hello received")

	case protocol.TypePrepareForTask:
		var prep protocol.PrepareForTask
		if err := env.DecodePayload(&prep); err != nil {
			s.logger.Warn().Err(err).Msg("bad prepare frame")
			return
		}
		s.handlePrepare(&prep)

	case protocol.TypeSlaveTask:
		var task protocol.SlaveTask
		if err := env.DecodePayload(&task); err != nil {
			s.logger.Warn().Err(err).Msg("bad task frame")
			return
		}
		s.handleTask(ctx, &task)

	case protocol.TypeCancelTask:
		var cancel protocol.CancelTask
		if err := env.DecodePayload(&cancel); err != nil {
			s.logger.Warn().Err(err).Msg("bad cancel frame")
			return
		}
		s.handleCancel(&cancel)

	case protocol.TypeRequestLogFlushForTask:
		var req protocol.RequestLogFlushForTask
		if err := env.DecodePayload(&req); err != nil {
			s.logger.Warn().Err(err).Msg("bad flush frame")
			return
		}
		s.ship.Flush()
		_ = s.send(protocol.TypeLogFlushComplete, &protocol.LogFlushComplete{
			NodeActionID: req.NodeActionID,
			NodeName:     s.agent.cfg.NodeName,
		})

	case protocol.TypeMasterStateUpdate:
		var update protocol.MasterStateUpdate
		if err := env.DecodePayload(&update); err != nil {
			return
		}
		s.logger.Info().Str("state", update.State).Str("message", update.Message).
			Msg("master state update")

	case protocol.TypeAdjustSystemTime:
		var adj protocol.AdjustSystemTime
		if err := env.DecodePayload(&adj); err != nil {
			return
		}
		drift := time.Since(adj.MasterTimeUTC)
		s.logger.Info().Dur("drift", drift).Msg("clock drift against master")

	case protocol.TypeGeneralCommand:
		var cmd protocol.GeneralCommand
		if err := env.DecodePayload(&cmd); err != nil {
			return
		}
		s.logger.Info().Str("command", cmd.Command).Msg("general command acknowledged")

	default:
		s.logger.Warn().Str("type", string(env.Type)).Msg("unexpected frame type from master")
	}
}

// handlePrepare answers a readiness probe from the executor registry
func (s *session) handlePrepare(prep *protocol.PrepareForTask) {
	report := protocol.ReadinessReport{TaskID: prep.TaskID, IsReady: true}

	ex, ok := s.agent.executor(prep.ExpectedTaskType)
	if !ok {
		report.IsReady = false
		report.ReasonIfNotReady = fmt.Sprintf("no executor registered for task type %q", prep.ExpectedTaskType)
	} else if checker, ok := ex.(ReadinessChecker); ok {
		if err := checker.CheckReadiness(prep.PreparationParametersJSON); err != nil {
			report.IsReady = false
			report.ReasonIfNotReady = err.Error()
		}
	}

	if !report.IsReady {
		s.logger.Warn().Str("task_type", prep.ExpectedTaskType).
			Str("reason", report.ReasonIfNotReady).Msg("declining task")
	}
	_ = s.send(protocol.TypeReadinessReport, &report)
}

// handleTask starts the executor in its own goroutine with a per-task
// context carrying the dispatch timeout.
func (s *session) handleTask(ctx context.Context, task *protocol.SlaveTask) {
	ex, ok := s.agent.executor(task.TaskType)
	if !ok {
		s.sendProgress(task, types.TaskFailed, nil,
			fmt.Sprintf("no executor registered for task type %q", task.TaskType), "")
		return
	}

	s.agent.mu.Lock()
	if _, running := s.agent.tasks[task.TaskID]; running {
		s.agent.mu.Unlock()
		s.logger.Warn().Str("task_id", task.TaskID).Msg("duplicate task dispatch ignored")
		return
	}
	var taskCtx context.Context
	var cancel context.CancelFunc
	if task.TimeoutSeconds > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	s.agent.tasks[task.TaskID] = &taskRun{
		nodeActionID: task.NodeActionID,
		taskID:       task.TaskID,
		cancel:       cancel,
	}
	s.agent.mu.Unlock()

	go s.runTask(taskCtx, cancel, ex, task)
}

// runTask drives one executor to completion and reports the terminal state
func (s *session) runTask(ctx context.Context, cancel context.CancelFunc, ex Executor, task *protocol.SlaveTask) {
	defer cancel()
	defer func() {
		s.agent.mu.Lock()
		delete(s.agent.tasks, task.TaskID)
		s.agent.mu.Unlock()
	}()

	s.sendProgress(task, types.TaskStarting, nil, "", "")

	tc := &TaskContext{
		NodeName:       s.agent.cfg.NodeName,
		NodeActionID:   task.NodeActionID,
		TaskID:         task.TaskID,
		ParametersJSON: task.ParametersJSON,
		Progress: func(percent int, message string) {
			s.sendProgress(task, types.TaskInProgress, &percent, message, "")
		},
		Log: func(level, message string) {
			s.ship.Add(&protocol.LogEntry{
				NodeActionID: task.NodeActionID,
				TaskID:       task.TaskID,
				NodeName:     s.agent.cfg.NodeName,
				TimestampUTC: time.Now().UTC(),
				LogLevel:     level,
				LogMessage:   message,
			})
		},
	}

	result, err := ex.Execute(ctx, tc)
	switch {
	case ctx.Err() == context.Canceled:
		s.sendProgress(task, types.TaskCancelled, nil, "task cancelled", "")
	case ctx.Err() == context.DeadlineExceeded:
		s.sendProgress(task, types.TaskTimedOut, nil,
			fmt.Sprintf("task exceeded its %ds timeout", task.TimeoutSeconds), "")
	case err != nil:
		s.sendProgress(task, types.TaskFailed, nil, err.Error(), "")
	default:
		resultJSON := ""
		if result != nil {
			if data, merr := json.Marshal(result); merr == nil {
				resultJSON = string(data)
			}
		}
		hundred := 100
		s.sendProgress(task, types.TaskSucceeded, &hundred, "", resultJSON)
	}
}

// sendProgress emits one TaskProgressUpdate frame
func (s *session) sendProgress(task *protocol.SlaveTask, status types.NodeTaskStatus, percent *int, message, resultJSON string) {
	_ = s.send(protocol.TypeTaskProgressUpdate, &protocol.TaskProgressUpdate{
		NodeActionID:    task.NodeActionID,
		TaskID:          task.TaskID,
		Status:          status,
		ProgressPercent: percent,
		Message:         message,
		ResultJSON:      resultJSON,
		TimestampUTC:    time.Now().UTC(),
	})
}

// handleCancel aborts a running task; its goroutine reports Cancelled
func (s *session) handleCancel(req *protocol.CancelTask) {
	s.agent.mu.Lock()
	run, ok := s.agent.tasks[req.TaskID]
	s.agent.mu.Unlock()
	if !ok {
		s.logger.Warn().Str("task_id", req.TaskID).Msg("cancel for unknown task ignored")
		return
	}
	s.logger.Info().Str("task_id", req.TaskID).Str("reason", req.Reason).Msg("cancelling task")
	run.cancel()
}

// cancelAllTasks aborts anything still running when a session ends
func (a *Agent) cancelAllTasks() {
	a.mu.Lock()
	runs := make([]*taskRun, 0, len(a.tasks))
	for _, run := range a.tasks {
		runs = append(runs, run)
	}
	a.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
}
