package logfwd

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/queue"
	"github.com/drover-io/drover/pkg/types"
)

// Journal receives master-side log lines routed to a stage directory
type Journal interface {
	AppendMasterLogToStage(actionID string, stageIndex int, stageName string, entry *protocol.LogEntry) error
}

// UINotifier publishes operation log events to UI subscribers
type UINotifier interface {
	Publish(eventType events.EventType, payload any)
}

// item is one queue element: either a log event or a flush marker. Exactly
// one of entry and flush is set.
type item struct {
	entry *entry
	flush chan struct{}
}

type entry struct {
	actionID   string
	stageIndex int
	stageName  string
	hasStage   bool
	timestamp  time.Time
	level      string
	message    string
}

// Forwarder is the ordered master-log pipeline: producers enqueue log
// events tagged with the ambient action and stage ids from their context,
// a single consumer dispatches each to the UI notifier and the journal.
// A flush marker completes only after every prior event has been
// dispatched, giving callers a strict durability barrier.
type Forwarder struct {
	logger   zerolog.Logger
	journal  Journal
	notifier UINotifier

	q        *queue.Queue[item]
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a stopped forwarder. journal and notifier may be nil.
func New(journal Journal, notifier UINotifier) *Forwarder {
	return &Forwarder{
		logger:   log.WithComponent("logfwd"),
		journal:  journal,
		notifier: notifier,
		q:        queue.New[item](),
		done:     make(chan struct{}),
	}
}

// Start launches the single consumer loop
func (f *Forwarder) Start() {
	go f.run()
}

// Stop closes the writer side and waits for the consumer to drain
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { f.q.Close() })
	<-f.done
}

// Log enqueues one master-side log event. The ambient action id (and stage
// coordinates when present) are captured from ctx at enqueue time, so timers
// and background goroutines report into the right run as long as they hold a
// context derived from it. Events with no ambient action id are dropped by
// the consumer.
func (f *Forwarder) Log(ctx context.Context, level, message string) {
	e := &entry{
		timestamp: time.Now().UTC(),
		level:     level,
		message:   message,
	}
	e.actionID, _ = ActionFromContext(ctx)
	e.stageIndex, e.stageName, e.hasStage = StageFromContext(ctx)
	f.q.Push(item{entry: e})
}

// Flush enqueues a flush marker and blocks until the consumer has processed
// every event enqueued before it, or ctx is done, or the forwarder stopped.
func (f *Forwarder) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if !f.q.Push(item{flush: marker}) {
		// Writer already closed; the drain on Stop is the barrier.
		return nil
	}
	select {
	case <-marker:
		return nil
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Forwarder) run() {
	defer close(f.done)
	for {
		it, ok := f.q.Pop(context.Background())
		if !ok {
			return
		}
		if it.flush != nil {
			close(it.flush)
			continue
		}
		f.dispatch(it.entry)
	}
}

// dispatch hands one event to the UI notifier and the journal in parallel
func (f *Forwarder) dispatch(e *entry) {
	if e.actionID == "" {
		f.logger.Debug().Str("message", e.message).Msg("log event without ambient action id dropped")
		return
	}

	var wg sync.WaitGroup
	if f.notifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.notifier.Publish(events.EventOperationLogEntry, &events.OperationLogLine{
				OperationID:  e.actionID,
				NodeName:     types.MasterLogNodeName,
				TimestampUTC: e.timestamp,
				Level:        e.level,
				Message:      e.message,
				StageIndex:   e.stageIndex,
				StageName:    e.stageName,
			})
		}()
	}
	if f.journal != nil && e.hasStage {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.journal.AppendMasterLogToStage(e.actionID, e.stageIndex, e.stageName, &protocol.LogEntry{
				NodeName:     types.MasterLogNodeName,
				TimestampUTC: e.timestamp,
				LogLevel:     e.level,
				LogMessage:   e.message,
			})
			if err != nil {
				f.logger.Warn().Err(err).Str("action_id", e.actionID).
					Msg("failed to journal master log line")
			}
		}()
	}
	wg.Wait()
}
